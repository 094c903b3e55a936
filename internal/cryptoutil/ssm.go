package cryptoutil

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/mdembed/internal/xerrors"
)

type ssmParamAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSecretFromSSM reads a SecureString parameter, decrypted and trimmed.
func LoadSecretFromSSM(ctx context.Context, client *ssm.Client, name string) ([]byte, error) {
	return loadSecret(ctx, client, name)
}

func loadSecret(ctx context.Context, client ssmParamAPI, name string) ([]byte, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}

	secret := strings.TrimSpace(*out.Parameter.Value)
	if secret == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", name)
	}
	return []byte(secret), nil
}
