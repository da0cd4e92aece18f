// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// AWSSecretsManagerBackendPriority ranks below env (local overrides always
// win) but above file, since a managed secret store is preferred to a
// key file sitting on disk.
const AWSSecretsManagerBackendPriority = 60

// secretsManagerClient is the subset of the SDK client this backend calls,
// narrowed for testability.
type secretsManagerClient interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// AWSSecretsManagerBackend resolves the encryption master secret (and any
// other backend-managed value) from AWS Secrets Manager. It is read-mostly:
// Set requires the secret to already exist, since this backend never
// creates new secrets on the operator's behalf.
type AWSSecretsManagerBackend struct {
	client    secretsManagerClient
	available bool
}

// NewAWSSecretsManagerBackend builds a backend bound to the default AWS
// config (region, credentials) resolved the usual SDK way — environment,
// shared config file, or the pod/instance role. A resolution failure marks
// the backend unavailable rather than returning an error, consistent with
// the other backends' "absent, not broken" stance when their prerequisite
// isn't configured in this environment.
func NewAWSSecretsManagerBackend(ctx context.Context) *AWSSecretsManagerBackend {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return &AWSSecretsManagerBackend{available: false}
	}
	return &AWSSecretsManagerBackend{
		client:    secretsmanager.NewFromConfig(cfg),
		available: true,
	}
}

func (a *AWSSecretsManagerBackend) Name() string { return "aws-secretsmanager" }

func (a *AWSSecretsManagerBackend) Get(ctx context.Context, key string) (string, error) {
	if !a.available {
		return "", fmt.Errorf("%w: AWS config not resolved", ErrBackendUnavailable)
	}
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(key),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("get secret %s: %w", key, err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	return string(out.SecretBinary), nil
}

func (a *AWSSecretsManagerBackend) Set(ctx context.Context, key string, value string) error {
	if !a.available {
		return fmt.Errorf("%w: AWS config not resolved", ErrBackendUnavailable)
	}
	_, err := a.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(key),
		SecretString: aws.String(value),
	})
	if err != nil {
		return fmt.Errorf("put secret %s: %w", key, err)
	}
	return nil
}

func (a *AWSSecretsManagerBackend) Delete(ctx context.Context, key string) error {
	return ErrReadOnlyBackend
}

func (a *AWSSecretsManagerBackend) List(ctx context.Context) ([]string, error) {
	return nil, ErrReadOnlyBackend
}

func (a *AWSSecretsManagerBackend) Available() bool { return a.available }

func (a *AWSSecretsManagerBackend) Priority() int { return AWSSecretsManagerBackendPriority }

var _ SecretBackend = (*AWSSecretsManagerBackend)(nil)
