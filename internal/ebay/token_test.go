package ebay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"stockflow/internal/db/dbtest"
	"stockflow/internal/security"
)

func tokenTestEnv(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	t.Setenv("TOKEN_ENC_KEY_B64", base64.StdEncoding.EncodeToString(key))
	t.Setenv("CONNECTIONS_TABLE", "connections-test")
	t.Setenv("EBAY_CLIENT_ID", "client-id")
	t.Setenv("EBAY_CLIENT_SECRET", "client-secret")
	t.Setenv("EBAY_CLIENT_SECRET_SSM_PARAM", "")
	return key
}

func connItemAV(t *testing.T, conn ConnectionItem) map[string]types.AttributeValue {
	t.Helper()
	av, err := attributevalue.MarshalMap(conn)
	if err != nil {
		t.Fatalf("marshal connection: %v", err)
	}
	return av
}

func encryptOrFail(t *testing.T, key []byte, pt string) string {
	t.Helper()
	enc, err := security.EncryptAESGCM(key, pt)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return enc
}

func TestGetValidTokenFreshSkipsRefresh(t *testing.T) {
	key := tokenTestEnv(t)

	refreshCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		_ = json.NewEncoder(w).Encode(TokenResponse{AccessToken: "should-not-happen"})
	}))
	defer srv.Close()

	conn := ConnectionItem{
		PK:                   UserPK("u1"),
		SK:                   ConnectionSK("c1"),
		Provider:             "ebay",
		ConnectionID:         "c1",
		Environment:          "production",
		AccessTokenEnc:       encryptOrFail(t, key, "fresh-access"),
		RefreshTokenEnc:      encryptOrFail(t, key, "refresh"),
		AccessTokenExpiresAt: time.Now().UTC().Add(1 * time.Hour).Format(time.RFC3339),
	}

	fake := &dbtest.Fake{
		GetItemFn: func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: connItemAV(t, conn)}, nil
		},
	}

	newClient := func(isSandbox bool) *Client {
		return &Client{HTTP: srv.Client(), APIBase: srv.URL, AuthBase: srv.URL}
	}

	tok, gotConn, err := GetValidToken(context.Background(), fake, newClient, "u1", "c1")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok == nil || tok.AccessToken != "fresh-access" {
		t.Fatalf("token = %+v", tok)
	}
	if gotConn == nil || gotConn.ConnectionID != "c1" {
		t.Fatalf("connection = %+v", gotConn)
	}
	if refreshCalls != 0 {
		t.Fatalf("refresh endpoint hit %d times for a fresh token", refreshCalls)
	}
}

func TestGetValidTokenRefreshesAndPersists(t *testing.T) {
	key := tokenTestEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:           "new-access",
			ExpiresIn:             7200,
			RefreshToken:          "new-refresh",
			RefreshTokenExpiresIn: 47304000,
		})
	}))
	defer srv.Close()

	conn := ConnectionItem{
		PK:                   UserPK("u1"),
		SK:                   ConnectionSK("c1"),
		ConnectionID:         "c1",
		Environment:          "sandbox",
		AccessTokenEnc:       encryptOrFail(t, key, "stale-access"),
		RefreshTokenEnc:      encryptOrFail(t, key, "old-refresh"),
		AccessTokenExpiresAt: time.Now().UTC().Add(-1 * time.Minute).Format(time.RFC3339),
	}

	var persisted map[string]types.AttributeValue
	fake := &dbtest.Fake{
		GetItemFn: func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: connItemAV(t, conn)}, nil
		},
		UpdateItemFn: func(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			persisted = params.ExpressionAttributeValues
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}

	newClient := func(isSandbox bool) *Client {
		if !isSandbox {
			t.Errorf("expected sandbox client for sandbox connection")
		}
		return &Client{HTTP: srv.Client(), APIBase: srv.URL, AuthBase: srv.URL}
	}

	tok, _, err := GetValidToken(context.Background(), fake, newClient, "u1", "c1")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Fatalf("access token = %q, want refreshed", tok.AccessToken)
	}
	if !tok.IsSandbox {
		t.Fatalf("sandbox flag lost")
	}

	if persisted == nil {
		t.Fatalf("refreshed token was not persisted")
	}
	encAccess, ok := persisted[":a"].(*types.AttributeValueMemberS)
	if !ok {
		t.Fatalf("persisted access token missing: %v", persisted)
	}
	dec, err := security.DecryptAESGCM(key, encAccess.Value)
	if err != nil || dec != "new-access" {
		t.Fatalf("persisted access token decrypts to %q (%v)", dec, err)
	}
	encRefresh, ok := persisted[":r"].(*types.AttributeValueMemberS)
	if !ok {
		t.Fatalf("persisted refresh token missing: %v", persisted)
	}
	dec, err = security.DecryptAESGCM(key, encRefresh.Value)
	if err != nil || dec != "new-refresh" {
		t.Fatalf("persisted refresh token decrypts to %q (%v)", dec, err)
	}
}

func TestGetValidTokenRefreshFailureReturnsStale(t *testing.T) {
	key := tokenTestEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_, _ = w.Write([]byte(`{"error":"server_error"}`))
	}))
	defer srv.Close()

	conn := ConnectionItem{
		PK:                   UserPK("u1"),
		SK:                   ConnectionSK("c1"),
		ConnectionID:         "c1",
		Environment:          "production",
		AccessTokenEnc:       encryptOrFail(t, key, "stale-access"),
		RefreshTokenEnc:      encryptOrFail(t, key, "old-refresh"),
		AccessTokenExpiresAt: time.Now().UTC().Add(-1 * time.Minute).Format(time.RFC3339),
	}

	updateCalls := 0
	fake := &dbtest.Fake{
		GetItemFn: func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: connItemAV(t, conn)}, nil
		},
		UpdateItemFn: func(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			updateCalls++
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}

	newClient := func(isSandbox bool) *Client {
		return &Client{HTTP: srv.Client(), APIBase: srv.URL, AuthBase: srv.URL}
	}

	tok, _, err := GetValidToken(context.Background(), fake, newClient, "u1", "c1")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok.AccessToken != "stale-access" {
		t.Fatalf("access token = %q, want stale fallback", tok.AccessToken)
	}
	if updateCalls != 0 {
		t.Fatalf("token state persisted after failed refresh")
	}
}

func TestGetValidTokenNoRefreshTokenReturnsStored(t *testing.T) {
	key := tokenTestEnv(t)

	conn := ConnectionItem{
		PK:                   UserPK("u1"),
		SK:                   ConnectionSK("c1"),
		ConnectionID:         "c1",
		Environment:          "production",
		AccessTokenEnc:       encryptOrFail(t, key, "expired-access"),
		AccessTokenExpiresAt: time.Now().UTC().Add(-1 * time.Hour).Format(time.RFC3339),
	}

	fake := &dbtest.Fake{
		GetItemFn: func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: connItemAV(t, conn)}, nil
		},
	}

	newClient := func(isSandbox bool) *Client {
		t.Fatalf("no client should be constructed without a refresh token")
		return nil
	}

	tok, _, err := GetValidToken(context.Background(), fake, newClient, "u1", "c1")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok == nil || tok.AccessToken != "expired-access" {
		t.Fatalf("token = %+v, want stored token", tok)
	}
}

func TestGetValidTokenNoConnection(t *testing.T) {
	tokenTestEnv(t)

	fake := &dbtest.Fake{}

	tok, conn, err := GetValidToken(context.Background(), fake, nil, "u1", "")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok != nil || conn != nil {
		t.Fatalf("expected nil token and connection, got %+v / %+v", tok, conn)
	}
}
