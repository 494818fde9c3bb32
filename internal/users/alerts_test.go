package users

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"stockflow/internal/db/dbtest"
)

type fakeSNS struct {
	createFn    func(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	subscribeFn func(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	publishFn   func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (f *fakeSNS) CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error) {
	return f.createFn(ctx, params, optFns...)
}

func (f *fakeSNS) Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error) {
	return f.subscribeFn(ctx, params, optFns...)
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return f.publishFn(ctx, params, optFns...)
}

func TestEnsureOrderAlertsCreatesTopicOnce(t *testing.T) {
	t.Setenv("USERS_TABLE", "users-test")
	t.Setenv("ALERTS_STAGE", "test")

	var stored map[string]types.AttributeValue
	fake := &dbtest.Fake{
		PutItemFn: func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			stored = params.Item
			return &dynamodb.PutItemOutput{}, nil
		},
	}

	creates := 0
	subscribes := 0
	snsClient := &fakeSNS{
		createFn: func(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error) {
			creates++
			name := aws.ToString(params.Name)
			if !strings.HasPrefix(name, "stockflow-order-alerts-test-") {
				t.Errorf("topic name = %q", name)
			}
			return &sns.CreateTopicOutput{TopicArn: aws.String("arn:aws:sns:us-east-1:1:" + name)}, nil
		},
		subscribeFn: func(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error) {
			subscribes++
			if aws.ToString(params.Protocol) != "email" || aws.ToString(params.Endpoint) != "u@example.com" {
				t.Errorf("subscribe = %+v", params)
			}
			return &sns.SubscribeOutput{}, nil
		},
	}

	arn, err := EnsureOrderAlerts(context.Background(), fake, snsClient, "u1", "u@example.com")
	if err != nil {
		t.Fatalf("EnsureOrderAlerts: %v", err)
	}
	if arn == "" || creates != 1 || subscribes != 1 {
		t.Fatalf("arn=%q creates=%d subscribes=%d", arn, creates, subscribes)
	}
	if stored == nil {
		t.Fatalf("topic arn not stored on user record")
	}

	// Second call finds the stored ARN and creates nothing.
	fake.GetItemFn = func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
		return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: UserPK("u1")},
			"AlertsTopicArn": &types.AttributeValueMemberS{Value: arn},
		}}, nil
	}

	again, err := EnsureOrderAlerts(context.Background(), fake, snsClient, "u1", "u@example.com")
	if err != nil {
		t.Fatalf("EnsureOrderAlerts second call: %v", err)
	}
	if again != arn {
		t.Fatalf("second call returned %q, want stored %q", again, arn)
	}
	if creates != 1 {
		t.Fatalf("topic created twice")
	}
}

func TestPublishOrderAlertSkipsUsersWithoutTopic(t *testing.T) {
	t.Setenv("USERS_TABLE", "users-test")

	published := 0
	snsClient := &fakeSNS{
		publishFn: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			published++
			return &sns.PublishOutput{}, nil
		},
	}

	if err := PublishOrderAlert(context.Background(), &dbtest.Fake{}, snsClient, "u1", 3); err != nil {
		t.Fatalf("PublishOrderAlert: %v", err)
	}
	if published != 0 {
		t.Fatalf("published for a user without a topic")
	}
}

func TestPublishOrderAlert(t *testing.T) {
	t.Setenv("USERS_TABLE", "users-test")

	fake := &dbtest.Fake{
		GetItemFn: func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
				"AlertsTopicArn": &types.AttributeValueMemberS{Value: "arn:topic"},
			}}, nil
		},
	}

	var gotMessage string
	snsClient := &fakeSNS{
		publishFn: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			if aws.ToString(params.TopicArn) != "arn:topic" {
				t.Errorf("topic arn = %q", aws.ToString(params.TopicArn))
			}
			gotMessage = aws.ToString(params.Message)
			return &sns.PublishOutput{}, nil
		},
	}

	if err := PublishOrderAlert(context.Background(), fake, snsClient, "u1", 3); err != nil {
		t.Fatalf("PublishOrderAlert: %v", err)
	}
	if !strings.Contains(gotMessage, "3 order(s)") {
		t.Fatalf("message = %q", gotMessage)
	}
}
