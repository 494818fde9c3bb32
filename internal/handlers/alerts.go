package handlers

import (
	"context"
	"log"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"stockflow/internal/db"
	"stockflow/internal/users"
)

// ensureOrderAlerts provisions the user's alert topic after a successful
// marketplace connect. Best effort: a connect never fails because SNS did.
func ensureOrderAlerts(ctx context.Context, ddb db.API, sub, email string) {
	if email == "" {
		return
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Printf("alerts: load aws config failed: %v", err)
		return
	}
	ensureOrderAlertsWith(ctx, ddb, sns.NewFromConfig(awsCfg), sub, email)
}

func ensureOrderAlertsWith(ctx context.Context, ddb db.API, snsClient users.SNSAPI, sub, email string) {
	if _, err := users.EnsureOrderAlerts(ctx, ddb, snsClient, sub, email); err != nil {
		log.Printf("alerts: ensure topic for %s failed: %v", sub, err)
	}
}
