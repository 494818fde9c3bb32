package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"stockflow/internal/db"
	"stockflow/internal/ebay"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	DefaultMaxPages = 20
	DefaultPageSize = 50
)

type Deps struct {
	DDB db.API
	// NewClient builds a marketplace client for the connection's
	// environment; nil means ebay.NewClient.
	NewClient func(isSandbox bool) *ebay.Client
}

type Params struct {
	UserSub          string
	ConnectionID     string
	FilterNotStarted bool
	MaxPages         int
	PageSize         int
}

type Result struct {
	OK           bool   `json:"ok"`
	TotalFetched int    `json:"totalFetched"`
	TotalSaved   int    `json:"totalSaved"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	UserSub      string `json:"-"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// OrderItem is the stored shape of a synced order. Upserted by full put,
// keyed by marketplace order id; the sync engine never deletes one.
type OrderItem struct {
	PK     string `dynamodbav:"PK" json:"-"`
	SK     string `dynamodbav:"SK" json:"id"`
	GSI1PK string `dynamodbav:"GSI1PK" json:"-"`
	GSI1SK string `dynamodbav:"GSI1SK" json:"-"`

	OrderID           string `dynamodbav:"OrderId" json:"orderId"`
	ConnectionID      string `dynamodbav:"ConnectionId" json:"connectionId"`
	CreationDate      string `dynamodbav:"CreationDate" json:"creationDate"`
	LastModifiedDate  string `dynamodbav:"LastModifiedDate" json:"lastModifiedDate"`
	FulfillmentStatus string `dynamodbav:"FulfillmentStatus" json:"fulfillmentStatus"`
	PaymentStatus     string `dynamodbav:"PaymentStatus" json:"paymentStatus"`
	Buyer             string `dynamodbav:"Buyer" json:"buyer"`
	LineItems         string `dynamodbav:"LineItems" json:"lineItems"`
	PartialItems      bool   `dynamodbav:"PartialItems" json:"partialItems"`
	SyncedAt          string `dynamodbav:"SyncedAt" json:"syncedAt"`
}

// Run pages the marketplace order search for one connection, keeps only
// line items for selected listings, and upserts the matches. A failed page
// stops the run but keeps what earlier pages already wrote.
func Run(ctx context.Context, deps Deps, p Params) Result {
	newClient := deps.NewClient
	if newClient == nil {
		newClient = ebay.NewClient
	}
	if p.MaxPages <= 0 {
		p.MaxPages = DefaultMaxPages
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}

	ordersTable := strings.TrimSpace(db.OrdersTableName())
	if ordersTable == "" {
		return Result{OK: false, Error: "ORDERS_TABLE not set", UserSub: p.UserSub}
	}

	tok, conn, err := ebay.GetValidToken(ctx, deps.DDB, newClient, p.UserSub, p.ConnectionID)
	if err != nil {
		return Result{OK: false, Error: err.Error(), UserSub: p.UserSub}
	}
	if tok == nil {
		return Result{
			OK:      false,
			Error:   "no eBay connection found, connect your eBay account first",
			UserSub: p.UserSub,
		}
	}

	res := Result{UserSub: p.UserSub, ConnectionID: tok.ConnectionID}

	selected := map[string]bool{}
	for _, id := range conn.SelectedListingIds {
		if id = strings.TrimSpace(id); id != "" {
			selected[id] = true
		}
	}
	if len(selected) == 0 {
		res.OK = true
		res.Message = "no listings selected; select listings to start syncing orders"
		return res
	}

	client := newClient(tok.IsSandbox)
	now := time.Now().UTC()

	for page := 0; page < p.MaxPages; page++ {
		pageRes, err := client.SearchOrders(ctx, tok.AccessToken, ebay.SearchOrdersParams{
			Limit:      p.PageSize,
			Offset:     page * p.PageSize,
			NotStarted: p.FilterNotStarted,
		})
		if err != nil {
			res.OK = false
			res.Error = err.Error()
			return res
		}

		res.TotalFetched += len(pageRes.Orders)

		for i := range pageRes.Orders {
			order := &pageRes.Orders[i]

			kept := make([]ebay.LineItem, 0, len(order.LineItems))
			for _, li := range order.LineItems {
				if selected[li.LegacyItemID] {
					kept = append(kept, li)
				}
			}
			if len(kept) == 0 {
				continue
			}

			if err := upsertOrder(ctx, deps.DDB, ordersTable, p.UserSub, tok.ConnectionID, order, kept, now); err != nil {
				res.OK = false
				res.Error = fmt.Sprintf("store order %s: %v", order.OrderID, err)
				return res
			}
			res.TotalSaved++
		}

		if len(pageRes.Orders) < p.PageSize || pageRes.Next == "" {
			break
		}
	}

	if err := stampWatermark(ctx, deps.DDB, p.UserSub, tok.ConnectionID, now); err != nil {
		// Watermark is advisory; the orders are already written.
		log.Printf("sync: stamp watermark for %s failed: %v", tok.ConnectionID, err)
	}

	res.OK = true
	return res
}

func upsertOrder(ctx context.Context, ddb db.API, table, userSub, connectionID string, order *ebay.Order, kept []ebay.LineItem, now time.Time) error {
	itemsJSON, err := json.Marshal(kept)
	if err != nil {
		return err
	}

	created, perr := time.Parse(time.RFC3339, order.CreationDate)
	if perr != nil {
		created = now
	}

	item := OrderItem{
		PK:     ebay.UserPK(userSub),
		SK:     fmt.Sprintf("EBAY#%s#ORDER#%s", connectionID, order.OrderID),
		GSI1PK: fmt.Sprintf("USER#%s#MONTH#%s", userSub, created.UTC().Format("2006-01")),
		GSI1SK: created.UTC().Format(time.RFC3339Nano),

		OrderID:           order.OrderID,
		ConnectionID:      connectionID,
		CreationDate:      order.CreationDate,
		LastModifiedDate:  order.LastModifiedDate,
		FulfillmentStatus: order.OrderFulfillmentStatus,
		PaymentStatus:     order.OrderPaymentStatus,
		Buyer:             order.Buyer.Username,
		LineItems:         string(itemsJSON),
		PartialItems:      len(kept) < len(order.LineItems),
		SyncedAt:          now.Format(time.RFC3339),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}

	_, err = ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	})
	return err
}

func stampWatermark(ctx context.Context, ddb db.API, userSub, connectionID string, at time.Time) error {
	table := strings.TrimSpace(db.ConnectionsTableName())
	if table == "" {
		return fmt.Errorf("CONNECTIONS_TABLE not set")
	}

	_, err := ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: ebay.UserPK(userSub)},
			"SK": &types.AttributeValueMemberS{Value: ebay.ConnectionSK(connectionID)},
		},
		UpdateExpression: aws.String("SET LastAutoOrderSyncAt = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: at.Format(time.RFC3339)},
		},
	})
	return err
}
