package ebay

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"stockflow/internal/db"
	"stockflow/internal/secrets"
	"stockflow/internal/security"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	// Tokens with at least this much lifetime left are reused without a
	// refresh call.
	tokenExpiryBuffer = 300 * time.Second

	// Lifetimes applied when the token endpoint omits them.
	defaultAccessTokenTTL  = 7200 * time.Second
	defaultRefreshTokenTTL = 47304000 * time.Second
)

type ValidToken struct {
	ConnectionID string
	AccessToken  string
	IsSandbox    bool
}

// GetValidToken loads the user's connection and returns a usable access
// token, refreshing it first when it is within the expiry buffer. A failed
// refresh degrades to the stored, possibly stale token rather than failing
// the caller; token state is persisted only on successful refresh.
// Returns (nil, nil, nil) when the user has no connection.
func GetValidToken(ctx context.Context, ddb db.API, newClient func(isSandbox bool) *Client, userSub, connectionID string) (*ValidToken, *ConnectionItem, error) {
	conn, err := LoadConnection(ctx, ddb, userSub, connectionID)
	if err != nil {
		return nil, nil, err
	}
	if conn == nil || strings.TrimSpace(conn.AccessTokenEnc) == "" {
		return nil, conn, nil
	}

	key, err := security.LoadKey()
	if err != nil {
		return nil, nil, err
	}
	accessToken, err := security.DecryptAESGCM(key, conn.AccessTokenEnc)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt access token: %w", err)
	}

	tok := &ValidToken{
		ConnectionID: conn.ConnectionID,
		AccessToken:  accessToken,
		IsSandbox:    conn.IsSandbox(),
	}

	if exp, perr := time.Parse(time.RFC3339, conn.AccessTokenExpiresAt); perr == nil {
		if time.Until(exp) > tokenExpiryBuffer {
			return tok, conn, nil
		}
	}

	if strings.TrimSpace(conn.RefreshTokenEnc) == "" {
		// Nothing to refresh with; hand back what we have.
		return tok, conn, nil
	}
	refreshToken, err := security.DecryptAESGCM(key, conn.RefreshTokenEnc)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	clientID := strings.TrimSpace(os.Getenv("EBAY_CLIENT_ID"))
	clientSecret, serr := secrets.Get(ctx, nil, "EBAY_CLIENT_SECRET")
	if clientID == "" || serr != nil || clientSecret == "" {
		log.Printf("ebay token refresh skipped for %s: client credentials unavailable (%v)", conn.ConnectionID, serr)
		return tok, conn, nil
	}

	if newClient == nil {
		newClient = NewClient
	}
	client := newClient(conn.IsSandbox())

	refreshed, err := client.RefreshToken(ctx, clientID, clientSecret, refreshToken)
	if err != nil {
		// Best effort: callers get the stale token and eBay decides.
		log.Printf("ebay token refresh failed for %s: %v", conn.ConnectionID, err)
		return tok, conn, nil
	}

	now := time.Now().UTC()
	accessTTL := defaultAccessTokenTTL
	if refreshed.ExpiresIn > 0 {
		accessTTL = time.Duration(refreshed.ExpiresIn) * time.Second
	}
	refreshTTL := defaultRefreshTokenTTL
	if refreshed.RefreshTokenExpiresIn > 0 {
		refreshTTL = time.Duration(refreshed.RefreshTokenExpiresIn) * time.Second
	}

	newRefresh := refreshed.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	accessEnc, err := security.EncryptAESGCM(key, refreshed.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	refreshEnc, err := security.EncryptAESGCM(key, newRefresh)
	if err != nil {
		return nil, nil, err
	}

	if err := persistRefreshedToken(ctx, ddb, userSub, conn.ConnectionID, accessEnc, refreshEnc,
		now.Add(accessTTL).Format(time.RFC3339), now.Add(refreshTTL).Format(time.RFC3339)); err != nil {
		log.Printf("ebay token persist failed for %s: %v", conn.ConnectionID, err)
	}

	conn.AccessTokenEnc = accessEnc
	conn.RefreshTokenEnc = refreshEnc
	conn.AccessTokenExpiresAt = now.Add(accessTTL).Format(time.RFC3339)
	conn.RefreshTokenExpiresAt = now.Add(refreshTTL).Format(time.RFC3339)

	tok.AccessToken = refreshed.AccessToken
	return tok, conn, nil
}

func persistRefreshedToken(ctx context.Context, ddb db.API, userSub, connectionID, accessEnc, refreshEnc, accessExp, refreshExp string) error {
	table := strings.TrimSpace(db.ConnectionsTableName())
	if table == "" {
		return fmt.Errorf("CONNECTIONS_TABLE not set")
	}

	_, err := ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: UserPK(userSub)},
			"SK": &types.AttributeValueMemberS{Value: ConnectionSK(connectionID)},
		},
		UpdateExpression: aws.String("SET AccessTokenEnc=:a, RefreshTokenEnc=:r, AccessTokenExpiresAt=:ae, RefreshTokenExpiresAt=:re"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":a":  &types.AttributeValueMemberS{Value: accessEnc},
			":r":  &types.AttributeValueMemberS{Value: refreshEnc},
			":ae": &types.AttributeValueMemberS{Value: accessExp},
			":re": &types.AttributeValueMemberS{Value: refreshExp},
		},
	})
	return err
}
