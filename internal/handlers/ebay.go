package handlers

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"stockflow/internal/db"
	"stockflow/internal/ebay"
	"stockflow/internal/selection"
	"stockflow/internal/sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// EbayHandler serves the authenticated /integrations/ebay routes.
func EbayHandler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	switch req.RawPath {
	case "/integrations/ebay/connect":
		return ebayConnect(ctx, req)
	case "/integrations/ebay/callback":
		return ebayCallback(ctx, req)
	case "/integrations/ebay/selected-listings":
		switch req.RequestContext.HTTP.Method {
		case "GET":
			return getSelectedListings(ctx, req)
		case "POST":
			return saveSelectedListings(ctx, req)
		}
		return errResp(405, "method not allowed")
	case "/integrations/ebay/sync":
		if req.RequestContext.HTTP.Method == "POST" {
			return ebaySync(ctx, req)
		}
		return errResp(405, "method not allowed")
	case "/integrations/ebay/orders":
		if req.RequestContext.HTTP.Method == "GET" {
			return listSyncedOrders(ctx, req)
		}
		return errResp(405, "method not allowed")
	case "/integrations/ebay/connections":
		switch req.RequestContext.HTTP.Method {
		case "GET":
			return listEbayConnections(ctx, req)
		case "DELETE":
			return disconnectEbay(ctx, req)
		}
		return errResp(405, "method not allowed")
	default:
		return errResp(404, "not found")
	}
}

func getSelectedListings(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, _, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	sel, err := selection.Get(ctx, ddb, sub, strings.TrimSpace(req.QueryStringParameters["connectionId"]))
	if err != nil {
		return errResp(500, "failed to load selection")
	}
	if sel == nil {
		return errResp(400, "no eBay connection found, connect your eBay account first")
	}
	return jsonResp(200, sel)
}

type saveSelectionRequest struct {
	ConnectionID     string                  `json:"connectionId"`
	OfferIds         []string                `json:"offerIds"`
	ListingIds       []string                `json:"listingIds"`
	SelectedListings []selection.ListingMeta `json:"selectedListings"`
}

func saveSelectedListings(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, _, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	var in saveSelectionRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		return errResp(400, "invalid json body")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	tok, _, err := ebay.GetValidToken(ctx, ddb, nil, sub, strings.TrimSpace(in.ConnectionID))
	if err != nil {
		return errResp(500, err.Error())
	}
	if tok == nil {
		return errResp(400, "no eBay connection found, connect your eBay account first")
	}

	client := ebay.NewClient(tok.IsSandbox)
	sel, err := selection.Save(ctx, ddb, client, tok.AccessToken, sub, tok.ConnectionID, in.OfferIds, in.ListingIds, in.SelectedListings)
	if err != nil {
		return errResp(500, "failed to save selection")
	}
	return jsonResp(200, sel)
}

func ebaySync(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, _, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	p := sync.Params{
		UserSub:          sub,
		ConnectionID:     strings.TrimSpace(req.QueryStringParameters["connectionId"]),
		FilterNotStarted: req.QueryStringParameters["notStarted"] == "1" || req.QueryStringParameters["notStarted"] == "true",
	}
	if s := strings.TrimSpace(req.QueryStringParameters["maxPages"]); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n >= 1 && n <= 100 {
			p.MaxPages = n
		}
	}
	if s := strings.TrimSpace(req.QueryStringParameters["pageSize"]); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n >= 1 && n <= 200 {
			p.PageSize = n
		}
	}

	res := sync.Run(ctx, sync.Deps{DDB: ddb}, p)
	status := 200
	if !res.OK {
		status = 502
	}
	return jsonResp(status, res)
}

func listSyncedOrders(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, _, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	table := db.OrdersTableName()
	if strings.TrimSpace(table) == "" {
		return errResp(500, "ORDERS_TABLE is not set")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	limit := int32(20)
	if s := strings.TrimSpace(req.QueryStringParameters["limit"]); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 && n <= 100 {
			limit = int32(n)
		}
	}

	var eks map[string]types.AttributeValue
	if token := strings.TrimSpace(req.QueryStringParameters["nextToken"]); token != "" {
		eks, err = decodeNextToken(token)
		if err != nil {
			return errResp(400, "invalid nextToken")
		}
	}

	out, err := ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: ebay.UserPK(sub)},
		},
		ScanIndexForward:  aws.Bool(false),
		Limit:             aws.Int32(limit),
		ExclusiveStartKey: eks,
	})
	if err != nil {
		return errResp(500, "query failed")
	}

	var items []sync.OrderItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return errResp(500, "unmarshal failed")
	}

	return jsonResp(200, map[string]any{
		"items":     items,
		"nextToken": encodeNextToken(out.LastEvaluatedKey),
	})
}

func listEbayConnections(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, _, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	conns, err := ebay.ListConnections(ctx, ddb, sub)
	if err != nil {
		return errResp(500, "query failed")
	}

	type connView struct {
		ConnectionID        string `json:"connectionId"`
		Environment         string `json:"environment"`
		CreatedAt           string `json:"createdAt"`
		LastAutoOrderSyncAt string `json:"lastAutoOrderSyncAt,omitempty"`
		SelectedListings    int    `json:"selectedListings"`
	}

	items := make([]connView, 0, len(conns))
	for _, c := range conns {
		items = append(items, connView{
			ConnectionID:        c.ConnectionID,
			Environment:         c.Environment,
			CreatedAt:           c.CreatedAt,
			LastAutoOrderSyncAt: c.LastAutoOrderSyncAt,
			SelectedListings:    len(c.SelectedListingIds),
		})
	}

	return jsonResp(200, map[string]any{"items": items})
}

func disconnectEbay(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, _, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	connectionID := strings.TrimSpace(req.QueryStringParameters["connectionId"])
	if connectionID == "" {
		return errResp(400, "connectionId is required")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	if err := ebay.DeleteConnection(ctx, ddb, sub, connectionID); err != nil {
		return errResp(500, "delete failed")
	}
	return jsonResp(200, map[string]any{"ok": true})
}
