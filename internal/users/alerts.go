package users

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"stockflow/internal/db"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSAPI is the publish/subscribe surface used for order alerts.
type SNSAPI interface {
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func UserPK(sub string) string {
	return fmt.Sprintf("USER#%s", sub)
}

func shortHashSub(sub string) string {
	h := sha1.Sum([]byte(sub))
	return hex.EncodeToString(h[:8])
}

// EnsureOrderAlerts creates the user's SNS topic and email subscription on
// first use (the user confirms the subscription once) and stores the topic
// ARN on the user record. Returns the topic ARN.
func EnsureOrderAlerts(ctx context.Context, ddb db.API, snsClient SNSAPI, sub, email string) (string, error) {
	sub = strings.TrimSpace(sub)
	email = strings.TrimSpace(email)
	if sub == "" || email == "" {
		return "", nil
	}

	stage := strings.TrimSpace(os.Getenv("ALERTS_STAGE"))
	if stage == "" {
		stage = "dev"
	}

	existing, _ := GetAlertsTopicArn(ctx, ddb, sub)
	if existing != "" {
		return existing, nil
	}

	topicName := fmt.Sprintf("stockflow-order-alerts-%s-%s", stage, shortHashSub(sub))

	ct, err := snsClient.CreateTopic(ctx, &sns.CreateTopicInput{
		Name: aws.String(topicName),
	})
	if err != nil {
		return "", err
	}
	topicArn := aws.ToString(ct.TopicArn)

	_, err = snsClient.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(topicArn),
		Protocol: aws.String("email"),
		Endpoint: aws.String(email),
	})
	if err != nil {
		return "", err
	}

	tbl := strings.TrimSpace(db.UsersTableName())
	if tbl != "" {
		_, _ = ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(tbl),
			Item: map[string]types.AttributeValue{
				"PK":             &types.AttributeValueMemberS{Value: UserPK(sub)},
				"Email":          &types.AttributeValueMemberS{Value: email},
				"AlertsTopicArn": &types.AttributeValueMemberS{Value: topicArn},
				"UpdatedAt":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			},
		})
	}

	return topicArn, nil
}

func GetAlertsTopicArn(ctx context.Context, ddb db.API, sub string) (string, error) {
	tbl := strings.TrimSpace(db.UsersTableName())
	if tbl == "" || strings.TrimSpace(sub) == "" {
		return "", nil
	}

	out, err := ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: UserPK(sub)},
		},
	})
	if err != nil || out.Item == nil {
		return "", err
	}

	if v, ok := out.Item["AlertsTopicArn"].(*types.AttributeValueMemberS); ok {
		return v.Value, nil
	}
	return "", nil
}

// PublishOrderAlert notifies a user that a webhook-triggered sync imported
// orders. Users without a stored topic simply get nothing.
func PublishOrderAlert(ctx context.Context, ddb db.API, snsClient SNSAPI, sub string, imported int) error {
	topicArn, err := GetAlertsTopicArn(ctx, ddb, sub)
	if err != nil || strings.TrimSpace(topicArn) == "" {
		return err
	}

	subject := "StockFlow: new marketplace orders imported"
	message := fmt.Sprintf("An automatic sync imported %d order(s) into your StockFlow inventory at %s.",
		imported, time.Now().UTC().Format(time.RFC3339))

	_, err = snsClient.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	return err
}
