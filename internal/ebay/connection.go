package ebay

import (
	"context"
	"fmt"
	"strings"

	"stockflow/internal/db"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ConnectionItem mirrors the connection document. One item per
// (user, eBay account); tokens are stored AES-GCM encrypted.
type ConnectionItem struct {
	PK                    string   `dynamodbav:"PK"`
	SK                    string   `dynamodbav:"SK"`
	Provider              string   `dynamodbav:"Provider"`
	ConnectionID          string   `dynamodbav:"ConnectionId"`
	Environment           string   `dynamodbav:"Environment"`
	AccessTokenEnc        string   `dynamodbav:"AccessTokenEnc,omitempty"`
	RefreshTokenEnc       string   `dynamodbav:"RefreshTokenEnc,omitempty"`
	AccessTokenExpiresAt  string   `dynamodbav:"AccessTokenExpiresAt,omitempty"`
	RefreshTokenExpiresAt string   `dynamodbav:"RefreshTokenExpiresAt,omitempty"`
	SelectedOfferIds      []string `dynamodbav:"SelectedOfferIds,omitempty"`
	SelectedListingIds    []string `dynamodbav:"SelectedListingIds,omitempty"`
	SelectedListings      string   `dynamodbav:"SelectedListings,omitempty"`
	LastAutoOrderSyncAt   string   `dynamodbav:"LastAutoOrderSyncAt,omitempty"`
	CreatedAt             string   `dynamodbav:"CreatedAt,omitempty"`
}

func (c *ConnectionItem) IsSandbox() bool {
	return strings.EqualFold(c.Environment, "sandbox")
}

func UserPK(sub string) string {
	return fmt.Sprintf("USER#%s", sub)
}

func ConnectionSK(connectionID string) string {
	return fmt.Sprintf("EBAY#%s", connectionID)
}

// LoadConnection fetches one connection document. With an empty
// connectionID the first eBay connection under the user is used.
// Returns (nil, nil) when the user has no connection.
func LoadConnection(ctx context.Context, ddb db.API, userSub, connectionID string) (*ConnectionItem, error) {
	table := strings.TrimSpace(db.ConnectionsTableName())
	if table == "" {
		return nil, fmt.Errorf("CONNECTIONS_TABLE not set")
	}
	if strings.TrimSpace(userSub) == "" {
		return nil, fmt.Errorf("missing user sub")
	}

	var item map[string]types.AttributeValue

	if connectionID != "" {
		out, err := ddb.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(table),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: UserPK(userSub)},
				"SK": &types.AttributeValueMemberS{Value: ConnectionSK(connectionID)},
			},
		})
		if err != nil {
			return nil, err
		}
		item = out.Item
	} else {
		out, err := ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(table),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   &types.AttributeValueMemberS{Value: UserPK(userSub)},
				":pref": &types.AttributeValueMemberS{Value: "EBAY#"},
			},
			Limit: aws.Int32(1),
		})
		if err != nil {
			return nil, err
		}
		if len(out.Items) > 0 {
			item = out.Items[0]
		}
	}

	if item == nil {
		return nil, nil
	}

	var conn ConnectionItem
	if err := attributevalue.UnmarshalMap(item, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// ListConnections returns all eBay connection documents for the user.
func ListConnections(ctx context.Context, ddb db.API, userSub string) ([]ConnectionItem, error) {
	table := strings.TrimSpace(db.ConnectionsTableName())
	if table == "" {
		return nil, fmt.Errorf("CONNECTIONS_TABLE not set")
	}

	out, err := ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: UserPK(userSub)},
			":pref": &types.AttributeValueMemberS{Value: "EBAY#"},
		},
		Limit: aws.Int32(50),
	})
	if err != nil {
		return nil, err
	}

	var conns []ConnectionItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

// DeleteConnection removes the connection document on disconnect.
func DeleteConnection(ctx context.Context, ddb db.API, userSub, connectionID string) error {
	table := strings.TrimSpace(db.ConnectionsTableName())
	if table == "" {
		return fmt.Errorf("CONNECTIONS_TABLE not set")
	}

	_, err := ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: UserPK(userSub)},
			"SK": &types.AttributeValueMemberS{Value: ConnectionSK(connectionID)},
		},
	})
	return err
}
