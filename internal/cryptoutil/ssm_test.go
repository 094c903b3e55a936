package cryptoutil

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	value *string
	err   error
	input *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: f.value}}, nil
}

func TestLoadSecret(t *testing.T) {
	f := &fakeSSM{value: aws.String("  s3cret\n")}
	got, err := loadSecret(context.Background(), f, "/mdembed/refresh-secret")
	if err != nil {
		t.Fatalf("loadSecret: %v", err)
	}
	if string(got) != "s3cret" {
		t.Errorf("secret = %q", got)
	}
	if !aws.ToBool(f.input.WithDecryption) {
		t.Error("parameter must be read with decryption")
	}
	if aws.ToString(f.input.Name) != "/mdembed/refresh-secret" {
		t.Errorf("name = %q", aws.ToString(f.input.Name))
	}
}

func TestLoadSecret_Errors(t *testing.T) {
	tests := []struct {
		name string
		f    *fakeSSM
	}{
		{"api error", &fakeSSM{err: errors.New("access denied")}},
		{"nil value", &fakeSSM{}},
		{"blank value", &fakeSSM{value: aws.String("   ")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadSecret(context.Background(), tt.f, "p"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
