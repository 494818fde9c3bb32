package etl

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"stockflow/internal/db/dbtest"
	"stockflow/internal/ebay"
)

func TestListDistinctUsers(t *testing.T) {
	pages := [][]map[string]types.AttributeValue{
		{
			{"PK": &types.AttributeValueMemberS{Value: "USER#u1"}},
			{"PK": &types.AttributeValueMemberS{Value: "USER#u2"}},
		},
		{
			{"PK": &types.AttributeValueMemberS{Value: "USER#u1"}},
			{"PK": &types.AttributeValueMemberS{Value: "no-prefix"}},
		},
	}

	call := 0
	fake := &dbtest.Fake{
		ScanFn: func(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
			out := &dynamodb.ScanOutput{Items: pages[call]}
			if call == 0 {
				out.LastEvaluatedKey = map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: "USER#u2"},
				}
			}
			call++
			return out, nil
		},
	}

	h := &DailyMetricsETL{ddb: fake}
	users, err := h.listDistinctUsers(context.Background(), "connections-test")
	if err != nil {
		t.Fatalf("listDistinctUsers: %v", err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("users = %v, want deduped [u1 u2]", users)
	}
}

func TestAggregateUserDay(t *testing.T) {
	items, _ := json.Marshal([]ebay.LineItem{{LegacyItemID: "111", Quantity: 2}, {LegacyItemID: "222", Quantity: 1}})
	single, _ := json.Marshal([]ebay.LineItem{{LegacyItemID: "111", Quantity: 1}})

	fake := &dbtest.Fake{
		QueryFn: func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
				{
					"LineItems":    &types.AttributeValueMemberS{Value: string(items)},
					"PartialItems": &types.AttributeValueMemberBOOL{Value: true},
				},
				{
					"LineItems":    &types.AttributeValueMemberS{Value: string(single)},
					"PartialItems": &types.AttributeValueMemberBOOL{Value: false},
				},
			}}, nil
		},
	}

	h := &DailyMetricsETL{ddb: fake}
	row, err := h.aggregateUserDay(context.Background(), "orders-test", "u1", "2026-08-30")
	if err != nil {
		t.Fatalf("aggregateUserDay: %v", err)
	}
	if row.OrdersSynced != 2 {
		t.Fatalf("orders = %d, want 2", row.OrdersSynced)
	}
	if row.UnitsSold != 4 {
		t.Fatalf("units = %d, want 4", row.UnitsSold)
	}
	if row.PartialOrders != 1 {
		t.Fatalf("partial = %d, want 1", row.PartialOrders)
	}
	if row.UserID != "u1" || row.MetricDate != "2026-08-30" {
		t.Fatalf("row identity = %+v", row)
	}
}

func TestUnitsInLineItemsTolerantOfBadData(t *testing.T) {
	if n := unitsInLineItems(nil); n != 0 {
		t.Fatalf("nil attribute = %d", n)
	}
	if n := unitsInLineItems(&types.AttributeValueMemberS{Value: "not-json"}); n != 0 {
		t.Fatalf("bad json = %d", n)
	}
}
