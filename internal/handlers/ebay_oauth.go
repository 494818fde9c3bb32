package handlers

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"stockflow/internal/db"
	"stockflow/internal/ebay"
	"stockflow/internal/secrets"
	"stockflow/internal/security"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func ebayIsSandbox() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("EBAY_ENV")), "sandbox")
}

func ebayEnvironment() string {
	if ebayIsSandbox() {
		return "sandbox"
	}
	return "production"
}

func ebayConnect(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, email, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	clientID := strings.TrimSpace(os.Getenv("EBAY_CLIENT_ID"))
	ruName := strings.TrimSpace(os.Getenv("EBAY_RU_NAME"))
	scopes := strings.TrimSpace(os.Getenv("EBAY_SCOPES"))
	if clientID == "" || ruName == "" || scopes == "" {
		return errResp(500, "missing EBAY_* env vars")
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
			"Provider":       &types.AttributeValueMemberS{Value: "ebay"},
			"ExpiresAtEpoch": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", exp)},
		},
	})
	if err != nil {
		return errResp(500, "failed to store oauth state")
	}

	u, _ := url.Parse(ebay.AuthorizeURL(ebayIsSandbox()))
	q := u.Query()
	q.Set("client_id", clientID)
	q.Set("redirect_uri", ruName)
	q.Set("response_type", "code")
	q.Set("scope", scopes)
	q.Set("state", state)
	u.RawQuery = q.Encode()

	return jsonResp(200, map[string]any{
		"authorizeUrl": u.String(),
	})
}

func ebayCallback(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	code := strings.TrimSpace(req.QueryStringParameters["code"])
	state := strings.TrimSpace(req.QueryStringParameters["state"])
	if code == "" || state == "" {
		return errResp(400, "missing required oauth params")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

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
	if sub == "" {
		return errResp(400, "state mismatch")
	}

	clientID := strings.TrimSpace(os.Getenv("EBAY_CLIENT_ID"))
	ruName := strings.TrimSpace(os.Getenv("EBAY_RU_NAME"))
	clientSecret, serr := secrets.Get(ctx, nil, "EBAY_CLIENT_SECRET")
	if clientID == "" || ruName == "" || serr != nil || clientSecret == "" {
		return errResp(500, "ebay client credentials unavailable")
	}

	client := ebay.NewClient(ebayIsSandbox())
	tok, err := client.ExchangeCode(ctx, clientID, clientSecret, code, ruName)
	if err != nil {
		return errResp(502, fmt.Sprintf("token exchange failed: %v", err))
	}

	key, err := security.LoadKey()
	if err != nil {
		return errResp(500, "invalid TOKEN_ENC_KEY_B64")
	}
	accessEnc, err := security.EncryptAESGCM(key, tok.AccessToken)
	if err != nil {
		return errResp(500, "failed to encrypt token")
	}
	refreshEnc := ""
	if tok.RefreshToken != "" {
		refreshEnc, err = security.EncryptAESGCM(key, tok.RefreshToken)
		if err != nil {
			return errResp(500, "failed to encrypt token")
		}
	}

	table := db.ConnectionsTableName()
	if strings.TrimSpace(table) == "" {
		return errResp(500, "CONNECTIONS_TABLE not set")
	}

	now := time.Now().UTC()
	accessTTL := 7200 * time.Second
	if tok.ExpiresIn > 0 {
		accessTTL = time.Duration(tok.ExpiresIn) * time.Second
	}
	refreshTTL := 47304000 * time.Second
	if tok.RefreshTokenExpiresIn > 0 {
		refreshTTL = time.Duration(tok.RefreshTokenExpiresIn) * time.Second
	}

	connectionID := randomConnectionID()
	item := ebay.ConnectionItem{
		PK:                    ebay.UserPK(sub),
		SK:                    ebay.ConnectionSK(connectionID),
		Provider:              "ebay",
		ConnectionID:          connectionID,
		Environment:           ebayEnvironment(),
		AccessTokenEnc:        accessEnc,
		RefreshTokenEnc:       refreshEnc,
		AccessTokenExpiresAt:  now.Add(accessTTL).Format(time.RFC3339),
		RefreshTokenExpiresAt: now.Add(refreshTTL).Format(time.RFC3339),
		CreatedAt:             now.Format(time.RFC3339),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return errResp(500, "marshal failed")
	}
	if _, err := ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	}); err != nil {
		return errResp(500, "failed to store connection")
	}

	ensureOrderAlerts(ctx, ddb, sub, email)

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
			"location": fe + "/ebay?connected=1&connectionId=" + url.QueryEscape(connectionID),
		},
	}, nil
}

func attrS(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func randomState(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func randomConnectionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
