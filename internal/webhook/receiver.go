package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockflow/internal/db"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Event records stay in the ledger this long; the ledger is the dedup
// window, not an archive.
const eventTTL = 30 * 24 * time.Hour

var headerIDKeys = []string{"x-ebay-delivery-id", "x-delivery-id", "x-message-id", "x-event-id"}
var bodyIDKeys = []string{"notificationId", "eventId", "messageId"}

// Authorize checks an inbound delivery against the shared secret. With no
// secret configured every request is accepted; that is only acceptable
// behind network-level protection.
func Authorize(headers map[string]string, queryToken, secret string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return true
	}

	auth := strings.TrimSpace(HeaderValue(headers, "authorization"))
	if auth == "Bearer "+secret {
		return true
	}
	if strings.TrimSpace(HeaderValue(headers, "x-webhook-token")) == secret {
		return true
	}
	return strings.TrimSpace(queryToken) == secret
}

// DeriveEventID picks the strongest available identity for a delivery:
// transport headers, then body-level ids, then a timestamp-salted content
// hash as the weakest fallback.
func DeriveEventID(headers map[string]string, body []byte, now time.Time) string {
	for _, k := range headerIDKeys {
		if v := strings.TrimSpace(HeaderValue(headers, k)); v != "" {
			return v
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		if id := bodyID(payload); id != "" {
			return id
		}
		if nested, ok := payload["notification"].(map[string]any); ok {
			if id := bodyID(nested); id != "" {
				return id
			}
		}
	}

	h := sha256.New()
	fmt.Fprintf(h, "%d", now.UnixNano())
	h.Write(body)
	return "sha-" + hex.EncodeToString(h.Sum(nil))
}

func bodyID(m map[string]any) string {
	for _, k := range bodyIDKeys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// HeaderValue looks up a header case-insensitively. API Gateway lowercases
// header names but test doubles and local invokes do not.
func HeaderValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// ClaimEvent writes the raw event exactly once. The conditional put is the
// dedup claim: a second delivery with the same id reports duplicate=true
// and must trigger no further work.
func ClaimEvent(ctx context.Context, ddb db.API, eventID string, headers map[string]string, body string, receivedAt time.Time) (bool, error) {
	table := strings.TrimSpace(db.WebhookEventsTableName())
	if table == "" {
		return false, fmt.Errorf("WEBHOOK_EVENTS_TABLE not set")
	}

	headersJSON, _ := json.Marshal(headers)
	exp := receivedAt.Add(eventTTL).Unix()

	_, err := ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item: map[string]types.AttributeValue{
			"PK":         &types.AttributeValueMemberS{Value: "EVT#" + eventID},
			"EventId":    &types.AttributeValueMemberS{Value: eventID},
			"Headers":    &types.AttributeValueMemberS{Value: string(headersJSON)},
			"Payload":    &types.AttributeValueMemberS{Value: body},
			"ReceivedAt": &types.AttributeValueMemberS{Value: receivedAt.UTC().Format(time.RFC3339)},
			"ExpiresAt":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", exp)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// RecordResult merges the processing outcome back onto the claimed event.
func RecordResult(ctx context.Context, ddb db.API, eventID string, result any, processedAt time.Time) error {
	table := strings.TrimSpace(db.WebhookEventsTableName())
	if table == "" {
		return fmt.Errorf("WEBHOOK_EVENTS_TABLE not set")
	}

	resultJSON, _ := json.Marshal(result)

	_, err := ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "EVT#" + eventID},
		},
		UpdateExpression: aws.String("SET ProcessedAt=:p, SyncResult=:r"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: processedAt.UTC().Format(time.RFC3339)},
			":r": &types.AttributeValueMemberS{Value: string(resultJSON)},
		},
	})
	return err
}
