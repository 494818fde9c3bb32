package webhook

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"stockflow/internal/db/dbtest"
)

func TestAuthorize(t *testing.T) {
	cases := []struct {
		name       string
		headers    map[string]string
		queryToken string
		secret     string
		want       bool
	}{
		{"no secret accepts all", nil, "", "", true},
		{"bearer match", map[string]string{"authorization": "Bearer s3cret"}, "", "s3cret", true},
		{"bearer case-insensitive header key", map[string]string{"Authorization": "Bearer s3cret"}, "", "s3cret", true},
		{"token header match", map[string]string{"x-webhook-token": "s3cret"}, "", "s3cret", true},
		{"query token match", nil, "s3cret", "s3cret", true},
		{"wrong bearer", map[string]string{"authorization": "Bearer nope"}, "", "s3cret", false},
		{"no credentials", nil, "", "s3cret", false},
	}

	for _, tt := range cases {
		if got := Authorize(tt.headers, tt.queryToken, tt.secret); got != tt.want {
			t.Fatalf("%s: Authorize = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDeriveEventIDPrecedence(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Transport header wins over everything.
	id := DeriveEventID(map[string]string{
		"X-EBAY-DELIVERY-ID": "del-1",
	}, []byte(`{"notificationId":"body-1"}`), now)
	if id != "del-1" {
		t.Fatalf("id = %q, want header id", id)
	}

	// Body id next.
	id = DeriveEventID(nil, []byte(`{"notificationId":"body-1"}`), now)
	if id != "body-1" {
		t.Fatalf("id = %q, want body id", id)
	}

	// Nested notification object checked too.
	id = DeriveEventID(nil, []byte(`{"notification":{"eventId":"nested-1"}}`), now)
	if id != "nested-1" {
		t.Fatalf("id = %q, want nested body id", id)
	}

	// Content-hash fallback.
	id = DeriveEventID(nil, []byte(`{"something":"else"}`), now)
	if !strings.HasPrefix(id, "sha-") || len(id) != 4+64 {
		t.Fatalf("fallback id = %q, want sha- prefixed digest", id)
	}

	// Fallback is salted by arrival time, so replays get distinct ids.
	other := DeriveEventID(nil, []byte(`{"something":"else"}`), now.Add(time.Second))
	if other == id {
		t.Fatalf("fallback ids identical across arrival times")
	}
}

func TestClaimEventDedupe(t *testing.T) {
	t.Setenv("WEBHOOK_EVENTS_TABLE", "events-test")

	var condExpr string
	fake := &dbtest.Fake{
		PutItemFn: func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			condExpr = *params.ConditionExpression
			return &dynamodb.PutItemOutput{}, nil
		},
	}

	now := time.Now().UTC()
	dup, err := ClaimEvent(context.Background(), fake, "evt-1", map[string]string{"a": "b"}, `{"payload":1}`, now)
	if err != nil {
		t.Fatalf("ClaimEvent: %v", err)
	}
	if dup {
		t.Fatalf("first claim reported duplicate")
	}
	if !strings.Contains(condExpr, "attribute_not_exists(PK)") {
		t.Fatalf("condition expression = %q", condExpr)
	}

	// Second delivery: the conditional check fails.
	fake.PutItemFn = func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	dup, err = ClaimEvent(context.Background(), fake, "evt-1", nil, "", now)
	if err != nil {
		t.Fatalf("ClaimEvent duplicate: %v", err)
	}
	if !dup {
		t.Fatalf("conditional failure not reported as duplicate")
	}
}

func TestRecordResultMergesOntoEvent(t *testing.T) {
	t.Setenv("WEBHOOK_EVENTS_TABLE", "events-test")

	var update *dynamodb.UpdateItemInput
	fake := &dbtest.Fake{
		UpdateItemFn: func(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			update = params
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}

	result := map[string]any{"ok": true, "totalSaved": 3}
	if err := RecordResult(context.Background(), fake, "evt-1", result, time.Now().UTC()); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	pk := update.Key["PK"].(*types.AttributeValueMemberS).Value
	if pk != "EVT#evt-1" {
		t.Fatalf("record keyed %q", pk)
	}
	if !strings.Contains(*update.UpdateExpression, "SyncResult") {
		t.Fatalf("update expression = %q", *update.UpdateExpression)
	}
	stored := update.ExpressionAttributeValues[":r"].(*types.AttributeValueMemberS).Value
	if !strings.Contains(stored, "totalSaved") {
		t.Fatalf("stored result = %q", stored)
	}
}
