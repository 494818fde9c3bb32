package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	getFn func(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

func (f *fakeSSM) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return f.getFn(ctx, params, optFns...)
}

func TestGetPrefersEnvValue(t *testing.T) {
	t.Setenv("TEST_SECRET", "from-env")
	t.Setenv("TEST_SECRET_SSM_PARAM", "/stockflow/test-secret")

	called := false
	client := &fakeSSM{getFn: func(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
		called = true
		return nil, errors.New("should not be called")
	}}

	got, err := Get(context.Background(), client, "TEST_SECRET")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("got %q, want env value", got)
	}
	if called {
		t.Fatalf("ssm should not be consulted when env var is set")
	}
}

func TestGetFallsBackToSSM(t *testing.T) {
	t.Setenv("TEST_SECRET", "")
	t.Setenv("TEST_SECRET_SSM_PARAM", "/stockflow/test-secret")

	client := &fakeSSM{getFn: func(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
		if aws.ToString(params.Name) != "/stockflow/test-secret" {
			t.Fatalf("unexpected parameter name %q", aws.ToString(params.Name))
		}
		if !aws.ToBool(params.WithDecryption) {
			t.Fatalf("expected WithDecryption")
		}
		return &ssm.GetParameterOutput{
			Parameter: &ssmtypes.Parameter{Value: aws.String("  from-ssm  ")},
		}, nil
	}}

	got, err := Get(context.Background(), client, "TEST_SECRET")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "from-ssm" {
		t.Fatalf("got %q, want trimmed ssm value", got)
	}
}

func TestGetUnconfiguredReturnsEmpty(t *testing.T) {
	t.Setenv("TEST_SECRET", "")
	t.Setenv("TEST_SECRET_SSM_PARAM", "")

	got, err := Get(context.Background(), nil, "TEST_SECRET")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty for unconfigured secret", got)
	}
}

func TestGetSurfacesSSMError(t *testing.T) {
	t.Setenv("TEST_SECRET", "")
	t.Setenv("TEST_SECRET_SSM_PARAM", "/stockflow/test-secret")

	client := &fakeSSM{getFn: func(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
		return nil, errors.New("access denied")
	}}

	if _, err := Get(context.Background(), client, "TEST_SECRET"); err == nil {
		t.Fatalf("expected error from ssm failure")
	}
}
