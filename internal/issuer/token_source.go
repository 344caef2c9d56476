package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/systmms/signkey/internal/awsclient"
	dserrors "github.com/systmms/signkey/internal/errors"
	"github.com/systmms/signkey/internal/secure"
	"github.com/zalando/go-keyring"
)

// Token source kinds
const (
	SourceSecretsManager = "secretsmanager"
	SourceSSM            = "ssm"
	SourceKeyring        = "keyring"
	SourceEnv            = "env"
)

// ErrTokenNotFound is returned when a source holds no issuer token.
var ErrTokenNotFound = errors.New("issuer auth token not found")

// TokenSource yields the API token presented to the credential issuer.
type TokenSource interface {
	Token(ctx context.Context) (*secure.Token, error)
}

// TokenConfig selects and configures a TokenSource.
type TokenConfig struct {
	Source string `yaml:"source"`

	// secretsmanager: JSON secret holding the token under KeyName. An empty
	// KeyName uses the whole secret string.
	SecretID string `yaml:"secret_id"`
	KeyName  string `yaml:"key_name"`

	// ssm: SecureString parameter name
	Parameter string `yaml:"parameter"`

	// keyring: service/account pair in the OS keyring
	KeyringService string `yaml:"keyring_service"`
	KeyringAccount string `yaml:"keyring_account"`

	// env: variable name
	EnvVar string `yaml:"env_var"`
}

// SecretValueGetter is the Secrets Manager read used for tokens.
type SecretValueGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ParameterGetter is the SSM read used for tokens.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NewTokenSource builds the configured token source, creating AWS clients
// from settings when the source needs one.
func NewTokenSource(ctx context.Context, cfg TokenConfig, settings awsclient.Settings) (TokenSource, error) {
	switch cfg.Source {
	case "", SourceSecretsManager:
		awsCfg, err := awsclient.LoadConfig(ctx, settings)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*secretsmanager.Options)
		if settings.Endpoint != "" {
			endpoint := settings.Endpoint
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		return &SecretsManagerTokenSource{
			Client:   secretsmanager.NewFromConfig(awsCfg, clientOpts...),
			SecretID: cfg.SecretID,
			KeyName:  cfg.KeyName,
		}, nil
	case SourceSSM:
		awsCfg, err := awsclient.LoadConfig(ctx, settings)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*ssm.Options)
		if settings.Endpoint != "" {
			endpoint := settings.Endpoint
			clientOpts = append(clientOpts, func(o *ssm.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		return &SSMTokenSource{Client: ssm.NewFromConfig(awsCfg, clientOpts...), Parameter: cfg.Parameter}, nil
	case SourceKeyring:
		return &KeyringTokenSource{Service: cfg.KeyringService, Account: cfg.KeyringAccount}, nil
	case SourceEnv:
		return &EnvTokenSource{Var: cfg.EnvVar}, nil
	default:
		return nil, dserrors.ConfigError{
			Field:      "issuer.token.source",
			Value:      cfg.Source,
			Message:    "unknown token source",
			Suggestion: "Use one of: secretsmanager, ssm, keyring, env",
		}
	}
}

// SecretsManagerTokenSource reads the token from a Secrets Manager secret.
type SecretsManagerTokenSource struct {
	Client   SecretValueGetter
	SecretID string
	KeyName  string
}

// Token fetches and seals the token
func (s *SecretsManagerTokenSource) Token(ctx context.Context) (*secure.Token, error) {
	out, err := s.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(s.SecretID)})
	if err != nil {
		return nil, dserrors.StoreError("aws-secretsmanager", "GetSecretValue", err)
	}
	raw := aws.ToString(out.SecretString)

	if s.KeyName == "" {
		return seal(raw, "secret "+s.SecretID)
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON object of strings: %w", s.SecretID, err)
	}
	return seal(fields[s.KeyName], fmt.Sprintf("key %q of secret %s", s.KeyName, s.SecretID))
}

// SSMTokenSource reads the token from an SSM SecureString parameter.
type SSMTokenSource struct {
	Client    ParameterGetter
	Parameter string
}

// Token fetches and seals the token
func (s *SSMTokenSource) Token(ctx context.Context) (*secure.Token, error) {
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.Parameter),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter %s: %w", s.Parameter, err)
	}
	if out.Parameter == nil {
		return nil, fmt.Errorf("%w: parameter %s", ErrTokenNotFound, s.Parameter)
	}
	return seal(aws.ToString(out.Parameter.Value), "parameter "+s.Parameter)
}

// KeyringTokenSource reads the token from the OS keyring, for developer runs.
type KeyringTokenSource struct {
	Service string
	Account string
}

// Token fetches and seals the token
func (s *KeyringTokenSource) Token(ctx context.Context) (*secure.Token, error) {
	value, err := keyring.Get(s.Service, s.Account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%w: keyring %s/%s", ErrTokenNotFound, s.Service, s.Account)
		}
		return nil, fmt.Errorf("failed to read keyring %s/%s: %w", s.Service, s.Account, err)
	}
	return seal(value, fmt.Sprintf("keyring %s/%s", s.Service, s.Account))
}

// EnvTokenSource reads the token from an environment variable.
type EnvTokenSource struct {
	Var string
}

// Token reads and seals the token
func (s *EnvTokenSource) Token(ctx context.Context) (*secure.Token, error) {
	return seal(os.Getenv(s.Var), "environment variable "+s.Var)
}

func seal(value, where string) (*secure.Token, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrTokenNotFound, where)
	}
	return secure.NewToken([]byte(value))
}
