// Package secrets resolves credentials (database DSNs, attestation API keys)
// from the environment or AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	DriverEnv = "env"
	DriverAWS = "aws"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// New returns the provider for driver ("env" when empty).
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverEnv:
		return NewEnv(), nil
	case DriverAWS:
		return NewAWS(ctx)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

// Resolve returns literal when set, otherwise the secret named by ref. An
// empty literal and ref resolve to "".
func Resolve(ctx context.Context, p Provider, literal, ref string) (string, error) {
	if v := strings.TrimSpace(literal); v != "" {
		return v, nil
	}
	if strings.TrimSpace(ref) == "" {
		return "", nil
	}
	if p == nil {
		return "", fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	return p.Get(ctx, ref)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads Secrets Manager entries. A key of the form "id#field"
// selects one string field of a JSON secret.
type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	id, field, _ := strings.Cut(key, "#")
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}
	var raw string
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		raw = strings.TrimSpace(*out.SecretString)
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return raw, nil
	}
	return jsonField(id, field, raw)
}

func jsonField(id, field, raw string) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a json object", ErrInvalidConfig, id)
	}
	switch v := doc[field].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("%w: secret %q field %q is empty", ErrNotFound, id, field)
		}
		return strings.TrimSpace(v), nil
	case float64:
		return fmt.Sprintf("%v", v), nil
	case nil:
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	default:
		return "", fmt.Errorf("%w: secret %q field %q is not a scalar", ErrInvalidConfig, id, field)
	}
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}
