package handlers

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"stockflow/internal/db"
	"stockflow/internal/ebay"
	"stockflow/internal/secrets"
	"stockflow/internal/sync"
	"stockflow/internal/users"
	"stockflow/internal/webhook"

	"github.com/aws/aws-lambda-go/events"
)

// EbayWebhookHandler is the public marketplace-notification endpoint:
// GET answers the endpoint-ownership challenge, POST accepts event
// deliveries and triggers a bounded batch sync.
func EbayWebhookHandler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	switch req.RequestContext.HTTP.Method {
	case "GET":
		return webhookChallenge(ctx, req)
	case "POST":
		return webhookDelivery(ctx, req)
	default:
		return errResp(405, "method not allowed")
	}
}

func webhookChallenge(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	code := strings.TrimSpace(req.QueryStringParameters["challenge_code"])
	if code == "" {
		return errResp(400, "challenge_code is required")
	}

	verificationToken, err := secrets.Get(ctx, nil, "EBAY_WEBHOOK_VERIFICATION_TOKEN")
	if err != nil || verificationToken == "" {
		return errResp(500, "webhook verification token not configured")
	}

	endpoint := webhookEndpointURL(req)
	return jsonResp(200, map[string]any{
		"challengeResponse": ebay.ChallengeResponse(code, verificationToken, endpoint),
	})
}

// The registered endpoint URL must round-trip exactly; prefer the
// configured value over reconstructing it from the request.
func webhookEndpointURL(req events.APIGatewayV2HTTPRequest) string {
	if v := strings.TrimSpace(os.Getenv("EBAY_WEBHOOK_ENDPOINT")); v != "" {
		return v
	}
	return "https://" + req.RequestContext.DomainName + req.RawPath
}

func webhookDelivery(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	secret, err := secrets.Get(ctx, nil, "EBAY_WEBHOOK_SECRET")
	if err != nil {
		return errResp(500, "webhook secret unavailable")
	}
	if !webhook.Authorize(req.Headers, req.QueryStringParameters["token"], secret) {
		return errResp(401, "unauthorized")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	now := time.Now().UTC()
	eventID := webhook.DeriveEventID(req.Headers, []byte(req.Body), now)

	duplicate, err := webhook.ClaimEvent(ctx, ddb, eventID, req.Headers, req.Body, now)
	if err != nil {
		return errResp(500, "failed to record event")
	}
	if duplicate {
		return jsonResp(200, map[string]any{"ok": true, "duplicate": true, "eventId": eventID})
	}

	// Shallow sweep across connections so one noisy seller cannot starve
	// the rest of the batch.
	batch, err := sync.RunAll(ctx, sync.Deps{DDB: ddb}, sync.BatchParams{
		MaxConnections: sync.DefaultMaxConnections,
		MaxPages:       sync.WebhookMaxPages,
	})
	if err != nil {
		log.Printf("webhook %s: batch sync failed: %v", eventID, err)
		_ = webhook.RecordResult(ctx, ddb, eventID, map[string]any{"ok": false, "error": err.Error()}, time.Now().UTC())
		return errResp(502, "sync failed")
	}

	if err := webhook.RecordResult(ctx, ddb, eventID, batch, time.Now().UTC()); err != nil {
		log.Printf("webhook %s: record result failed: %v", eventID, err)
	}

	notifyImports(ctx, ddb, batch)

	return jsonResp(200, map[string]any{
		"ok":           batch.OK,
		"eventId":      eventID,
		"connections":  batch.Connections,
		"totalFetched": batch.TotalFetched,
		"totalSaved":   batch.TotalSaved,
	})
}

// notifyImports publishes an SNS alert to each user whose connection
// imported orders. Best effort only.
func notifyImports(ctx context.Context, ddb db.API, batch sync.BatchResult) {
	saved := map[string]int{}
	for _, r := range batch.Results {
		if r.TotalSaved > 0 {
			saved[r.UserSub] += r.TotalSaved
		}
	}
	if len(saved) == 0 {
		return
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Printf("alerts: load aws config failed: %v", err)
		return
	}
	snsClient := sns.NewFromConfig(awsCfg)

	for sub, n := range saved {
		if err := users.PublishOrderAlert(ctx, ddb, snsClient, sub, n); err != nil {
			log.Printf("alerts: publish for %s failed: %v", sub, err)
		}
	}
}
