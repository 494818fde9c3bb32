package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMAPI is the parameter-store surface used here; tests pass fakes.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

func NewSSMClient(ctx context.Context) (*ssm.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return ssm.NewFromConfig(cfg), nil
}

// Get resolves a secret named by envKey. The plain env var wins; otherwise
// <envKey>_SSM_PARAM names a SecureString parameter to fetch. Empty result
// with nil error means the secret is simply not configured.
func Get(ctx context.Context, client SSMAPI, envKey string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v, nil
	}

	param := strings.TrimSpace(os.Getenv(envKey + "_SSM_PARAM"))
	if param == "" {
		return "", nil
	}
	if client == nil {
		c, err := NewSSMClient(ctx)
		if err != nil {
			return "", err
		}
		client = c
	}

	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get %s: %w", param, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %s has no value", param)
	}
	return strings.TrimSpace(*out.Parameter.Value), nil
}
