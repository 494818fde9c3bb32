package sync

import (
	"context"
	"fmt"
	"strings"

	"stockflow/internal/db"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	DefaultMaxConnections = 25
	WebhookMaxPages       = 2
)

type BatchParams struct {
	MaxConnections int
	MaxPages       int
	PageSize       int
}

type BatchResult struct {
	OK           bool     `json:"ok"`
	Connections  int      `json:"connections"`
	TotalFetched int      `json:"totalFetched"`
	TotalSaved   int      `json:"totalSaved"`
	Results      []Result `json:"results"`
}

// RunAll is the webhook-triggered batch: every eBay connection gets a
// shallow sync, sequentially, so no single user's backlog starves the rest.
// A failing connection is recorded and the batch moves on.
func RunAll(ctx context.Context, deps Deps, bp BatchParams) (BatchResult, error) {
	if bp.MaxConnections <= 0 {
		bp.MaxConnections = DefaultMaxConnections
	}
	if bp.MaxPages <= 0 {
		bp.MaxPages = WebhookMaxPages
	}
	if bp.PageSize <= 0 {
		bp.PageSize = DefaultPageSize
	}

	conns, err := listEbayConnections(ctx, deps.DDB, bp.MaxConnections)
	if err != nil {
		return BatchResult{}, err
	}

	out := BatchResult{OK: true, Connections: len(conns), Results: make([]Result, 0, len(conns))}
	for _, c := range conns {
		res := Run(ctx, deps, Params{
			UserSub:      c.userSub,
			ConnectionID: c.connectionID,
			MaxPages:     bp.MaxPages,
			PageSize:     bp.PageSize,
		})
		out.TotalFetched += res.TotalFetched
		out.TotalSaved += res.TotalSaved
		if !res.OK {
			out.OK = false
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

type connRef struct {
	userSub      string
	connectionID string
}

func listEbayConnections(ctx context.Context, ddb db.API, max int) ([]connRef, error) {
	table := strings.TrimSpace(db.ConnectionsTableName())
	if table == "" {
		return nil, fmt.Errorf("CONNECTIONS_TABLE not set")
	}

	refs := make([]connRef, 0, max)
	var startKey map[string]types.AttributeValue

	for len(refs) < max {
		out, err := ddb.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(table),
			ExclusiveStartKey: startKey,
			FilterExpression:  aws.String("#prov = :p"),
			ExpressionAttributeNames: map[string]string{
				"#prov": "Provider",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p": &types.AttributeValueMemberS{Value: "ebay"},
			},
			ProjectionExpression: aws.String("PK, SK"),
		})
		if err != nil {
			return nil, fmt.Errorf("scan connections: %w", err)
		}

		for _, it := range out.Items {
			pk, _ := it["PK"].(*types.AttributeValueMemberS)
			sk, _ := it["SK"].(*types.AttributeValueMemberS)
			if pk == nil || sk == nil {
				continue
			}
			sub := strings.TrimPrefix(pk.Value, "USER#")
			connID := strings.TrimPrefix(sk.Value, "EBAY#")
			if sub == "" || connID == "" {
				continue
			}
			refs = append(refs, connRef{userSub: sub, connectionID: connID})
			if len(refs) >= max {
				break
			}
		}

		if out.LastEvaluatedKey == nil || len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	return refs, nil
}
