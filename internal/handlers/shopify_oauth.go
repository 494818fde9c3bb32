package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"stockflow/internal/db"
	"stockflow/internal/secrets"
	"stockflow/internal/security"
	"stockflow/internal/shopify"
	"stockflow/internal/webhook"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func ShopifyHandler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	switch req.RawPath {
	case "/integrations/shopify/connect":
		return shopifyConnect(ctx, req)
	case "/integrations/shopify/callback":
		return shopifyCallback(ctx, req)
	case "/integrations/shopify/shops":
		if req.RequestContext.HTTP.Method == "GET" {
			return shopifyListShops(ctx, req)
		}
		if req.RequestContext.HTTP.Method == "DELETE" {
			return shopifyDisconnectShop(ctx, req)
		}
		return errResp(405, "method not allowed")
	case "/integrations/shopify/webhook":
		if req.RequestContext.HTTP.Method == "POST" {
			return shopifyWebhook(ctx, req)
		}
		return errResp(405, "method not allowed")
	default:
		return errResp(404, "not found")
	}
}

func shopifyConnect(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, email, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	shop := strings.ToLower(strings.TrimSpace(req.QueryStringParameters["shop"]))
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "invalid shop (expected like your-store.myshopify.com)")
	}

	state, err := randomState(24)
	if err != nil {
		return errResp(500, "failed to generate state")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	stateTable := db.OAuthStateTableName()
	if strings.TrimSpace(stateTable) == "" {
		return errResp(500, "OAUTH_STATE_TABLE not set")
	}

	exp := time.Now().UTC().Add(10 * time.Minute).Unix()

	_, err = ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(stateTable),
		Item: map[string]types.AttributeValue{
			"State":          &types.AttributeValueMemberS{Value: state},
			"UserSub":        &types.AttributeValueMemberS{Value: sub},
			"Email":          &types.AttributeValueMemberS{Value: email},
			"Shop":           &types.AttributeValueMemberS{Value: shop},
			"ExpiresAtEpoch": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", exp)},
		},
	})
	if err != nil {
		return errResp(500, "failed to store oauth state")
	}

	apiKey := os.Getenv("SHOPIFY_API_KEY")
	scopes := strings.TrimSpace(os.Getenv("SHOPIFY_SCOPES"))
	redirectBase := strings.TrimRight(os.Getenv("SHOPIFY_REDIRECT_BASE"), "/")
	if apiKey == "" || scopes == "" || redirectBase == "" {
		return errResp(500, "missing SHOPIFY_* env vars")
	}

	redirectURI := redirectBase + "/integrations/shopify/callback"

	authorize := fmt.Sprintf("https://%s/admin/oauth/authorize", shop)
	u, _ := url.Parse(authorize)
	q := u.Query()
	q.Set("client_id", apiKey)
	q.Set("scope", scopes)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	u.RawQuery = q.Encode()

	return jsonResp(200, map[string]any{
		"authorizeUrl": u.String(),
	})
}

func shopifyCallback(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	params := req.QueryStringParameters

	shop := strings.ToLower(strings.TrimSpace(params["shop"]))
	code := strings.TrimSpace(params["code"])
	state := strings.TrimSpace(params["state"])
	hmacParam := strings.TrimSpace(params["hmac"])

	if !shopify.IsValidShopDomain(shop) || code == "" || state == "" || hmacParam == "" {
		return errResp(400, "missing required oauth params")
	}

	secret, err := secrets.Get(ctx, nil, "SHOPIFY_API_SECRET")
	if err != nil || secret == "" {
		return errResp(500, "SHOPIFY_API_SECRET not configured")
	}
	if !shopify.VerifyCallbackHMAC(params, secret, hmacParam) {
		return errResp(400, "invalid hmac")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	// Validate state
	stateTable := db.OAuthStateTableName()
	out, err := ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(stateTable),
		Key: map[string]types.AttributeValue{
			"State": &types.AttributeValueMemberS{Value: state},
		},
	})
	if err != nil || out.Item == nil {
		return errResp(400, "invalid or expired state")
	}

	sub := attrS(out.Item["UserSub"])
	email := attrS(out.Item["Email"])
	shopFromState := attrS(out.Item["Shop"])
	if sub == "" || shopFromState == "" || shopFromState != shop {
		return errResp(400, "state mismatch")
	}

	// Exchange code -> access token
	apiKey := os.Getenv("SHOPIFY_API_KEY")
	tokenURL := fmt.Sprintf("https://%s/admin/oauth/access_token", shop)

	body := map[string]string{
		"client_id":     apiKey,
		"client_secret": secret,
		"code":          code,
	}
	b, _ := json.Marshal(body)

	httpReq, _ := http.NewRequestWithContext(ctx, "POST", tokenURL, strings.NewReader(string(b)))
	httpReq.Header.Set("content-type", "application/json")

	httpRes, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return errResp(502, "token exchange failed")
	}
	defer httpRes.Body.Close()

	raw, _ := io.ReadAll(httpRes.Body)
	if httpRes.StatusCode < 200 || httpRes.StatusCode >= 300 {
		return errResp(502, fmt.Sprintf("token exchange failed: %s", string(raw)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return errResp(502, "invalid token response")
	}

	// Encrypt token before storing
	key, err := security.LoadKey()
	if err != nil {
		return errResp(500, "invalid TOKEN_ENC_KEY_B64")
	}

	encTok, err := security.EncryptAESGCM(key, tok.AccessToken)
	if err != nil {
		return errResp(500, "failed to encrypt token")
	}

	connTable := db.ConnectionsTableName()
	if strings.TrimSpace(connTable) == "" {
		return errResp(500, "CONNECTIONS_TABLE not set")
	}

	pk := fmt.Sprintf("USER#%s", sub)
	sk := fmt.Sprintf("SHOPIFY#%s", shop)

	_, err = ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(connTable),
		Item: map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: pk},
			"SK":             &types.AttributeValueMemberS{Value: sk},
			"Provider":       &types.AttributeValueMemberS{Value: "shopify"},
			"Shop":           &types.AttributeValueMemberS{Value: shop},
			"AccessTokenEnc": &types.AttributeValueMemberS{Value: encTok},
			"Scope":          &types.AttributeValueMemberS{Value: tok.Scope},
			"CreatedAt":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return errResp(500, "failed to store connection")
	}

	ensureOrderAlerts(ctx, ddb, sub, email)

	// Reverse mapping so webhook deliveries can find the owning users.
	mapTable := db.ShopToUserTableName()
	if mapTable != "" {
		_, _ = ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(mapTable),
			Item: map[string]types.AttributeValue{
				"PK":        &types.AttributeValueMemberS{Value: fmt.Sprintf("SHOP#%s", shop)},
				"SK":        &types.AttributeValueMemberS{Value: fmt.Sprintf("USER#%s", sub)},
				"Shop":      &types.AttributeValueMemberS{Value: shop},
				"UserSub":   &types.AttributeValueMemberS{Value: sub},
				"CreatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			},
		})
	}

	// Subscribe the shop to order webhooks; failures are reported but
	// do not block the connect flow.
	apiVersion := strings.TrimSpace(os.Getenv("SHOPIFY_API_VERSION"))
	if apiVersion == "" {
		apiVersion = "2026-01"
	}
	address := strings.TrimSpace(os.Getenv("SHOPIFY_WEBHOOK_URL"))
	if address != "" {
		_, failed := shopify.SubscribeOrderTopics(ctx, shop, apiVersion, tok.AccessToken, address)
		for _, f := range failed {
			fmt.Printf("shopify webhook subscribe failed for %s: %v\n", shop, f)
		}
	}

	// one-time state cleanup
	_, _ = ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(stateTable),
		Key: map[string]types.AttributeValue{
			"State": &types.AttributeValueMemberS{Value: state},
		},
	})

	fe := strings.TrimRight(os.Getenv("FRONTEND_BASE_URL"), "/")
	if fe == "" {
		fe = "/"
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: 302,
		Headers: map[string]string{
			"location": fe + "/shopify?connected=1&shop=" + url.QueryEscape(shop),
		},
	}, nil
}

// shopifyWebhook ingests order event deliveries from connected shops.
// Public route; authenticity comes from the body HMAC, not a JWT.
func shopifyWebhook(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	secret, err := secrets.Get(ctx, nil, "SHOPIFY_API_SECRET")
	if err != nil || secret == "" {
		return errResp(500, "SHOPIFY_API_SECRET not configured")
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, derr := base64.StdEncoding.DecodeString(req.Body)
		if derr != nil {
			return errResp(400, "invalid body encoding")
		}
		body = decoded
	}

	if !shopify.VerifyWebhookHMAC(secret, body, webhook.HeaderValue(req.Headers, "x-shopify-hmac-sha256")) {
		return errResp(401, "invalid hmac")
	}

	shop := strings.ToLower(strings.TrimSpace(webhook.HeaderValue(req.Headers, "x-shopify-shop-domain")))
	topic := strings.TrimSpace(webhook.HeaderValue(req.Headers, "x-shopify-topic"))
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "missing shop domain header")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	now := time.Now().UTC()
	eventID := strings.TrimSpace(webhook.HeaderValue(req.Headers, "x-shopify-webhook-id"))
	if eventID == "" {
		eventID = webhook.DeriveEventID(req.Headers, body, now)
	}

	duplicate, err := webhook.ClaimEvent(ctx, ddb, eventID, req.Headers, string(body), now)
	if err != nil {
		return errResp(500, "failed to record event")
	}
	if duplicate {
		return jsonResp(200, map[string]any{"ok": true, "duplicate": true, "eventId": eventID})
	}

	subs, err := shopify.UsersForShop(ctx, ddb, shop)
	if err != nil {
		log.Printf("shopify webhook %s: resolve users for %s failed: %v", eventID, shop, err)
	}

	// Stamp the delivery on each owning user's shop connection so the
	// dashboard can show liveness.
	for _, sub := range subs {
		_, uerr := ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(db.ConnectionsTableName()),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("USER#%s", sub)},
				"SK": &types.AttributeValueMemberS{Value: fmt.Sprintf("SHOPIFY#%s", shop)},
			},
			UpdateExpression: aws.String("SET LastEventAt=:t, LastEventTopic=:topic, LastEventWebhookId=:id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":t":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
				":topic": &types.AttributeValueMemberS{Value: topic},
				":id":    &types.AttributeValueMemberS{Value: eventID},
			},
		})
		if uerr != nil {
			log.Printf("shopify webhook %s: stamp connection for %s failed: %v", eventID, sub, uerr)
		}
	}

	if err := webhook.RecordResult(ctx, ddb, eventID, map[string]any{
		"ok": true, "shop": shop, "topic": topic, "users": len(subs),
	}, time.Now().UTC()); err != nil {
		log.Printf("shopify webhook %s: record result failed: %v", eventID, err)
	}

	return jsonResp(200, map[string]any{"ok": true, "eventId": eventID, "users": len(subs)})
}

func shopifyListShops(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, _, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	connTable := db.ConnectionsTableName()
	if strings.TrimSpace(connTable) == "" {
		return errResp(500, "CONNECTIONS_TABLE not set")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	pk := fmt.Sprintf("USER#%s", sub)

	out, err := ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(connTable),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: pk},
			":pref": &types.AttributeValueMemberS{Value: "SHOPIFY#"},
		},
		Limit: aws.Int32(50),
	})
	if err != nil {
		return errResp(500, "query failed")
	}

	type shopView struct {
		Shop           string `json:"shop"`
		Scope          string `json:"scope"`
		CreatedAt      string `json:"createdAt"`
		LastEventAt    string `json:"lastEventAt"`
		LastEventTopic string `json:"lastEventTopic"`
	}

	items := make([]shopView, 0, len(out.Items))
	for _, it := range out.Items {
		items = append(items, shopView{
			Shop:           attrS(it["Shop"]),
			Scope:          attrS(it["Scope"]),
			CreatedAt:      attrS(it["CreatedAt"]),
			LastEventAt:    attrS(it["LastEventAt"]),
			LastEventTopic: attrS(it["LastEventTopic"]),
		})
	}

	return jsonResp(200, map[string]any{"items": items})
}

func shopifyDisconnectShop(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, _, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	shop := strings.ToLower(strings.TrimSpace(req.QueryStringParameters["shop"]))
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "invalid shop")
	}

	connTable := db.ConnectionsTableName()
	if strings.TrimSpace(connTable) == "" {
		return errResp(500, "CONNECTIONS_TABLE not set")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	_, err = ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(connTable),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("USER#%s", sub)},
			"SK": &types.AttributeValueMemberS{Value: fmt.Sprintf("SHOPIFY#%s", shop)},
		},
	})
	if err != nil {
		return errResp(500, "delete failed")
	}

	// Drop the reverse mapping too; best effort.
	if mapTable := db.ShopToUserTableName(); mapTable != "" {
		_, _ = ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(mapTable),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("SHOP#%s", shop)},
				"SK": &types.AttributeValueMemberS{Value: fmt.Sprintf("USER#%s", sub)},
			},
		})
	}

	return jsonResp(200, map[string]any{"ok": true})
}
