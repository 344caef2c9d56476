// Package config builds the signkey configuration from an optional YAML file
// and environment overrides, once, at the process boundary.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/systmms/signkey/internal/awsclient"
	dserrors "github.com/systmms/signkey/internal/errors"
	"github.com/systmms/signkey/internal/issuer"
	"github.com/systmms/signkey/internal/logging"
	"github.com/systmms/signkey/internal/notifications"
	"github.com/systmms/signkey/internal/secretstores"
	"github.com/systmms/signkey/pkg/rotation"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "signkey.yaml"

// Defaults
const (
	DefaultTTLMinutes      = 43200
	DefaultRenewWithinDays = 7
)

// Issuer types
const (
	IssuerHTTP  = "http"
	IssuerLocal = "local"
)

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the signkey.yaml structure
type Definition struct {
	Version       int                 `yaml:"version"`
	SecretID      string              `yaml:"secret_id"`
	Store         string              `yaml:"store"`
	AWS           AWSConfig           `yaml:"aws"`
	Renewal       RenewalConfig       `yaml:"renewal"`
	Issuer        IssuerConfig        `yaml:"issuer"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// AWSConfig selects the account, region and endpoint of the secrets store
type AWSConfig struct {
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AssumeRole      string `yaml:"assume_role,omitempty"`
	RoleSessionName string `yaml:"role_session_name,omitempty"`
	ExternalID      string `yaml:"external_id,omitempty"`
}

// RenewalConfig controls credential lifetime and renewal timing
type RenewalConfig struct {
	TTLMinutes      int    `yaml:"ttl_minutes"`
	RenewWithinDays int    `yaml:"renew_within_days"`
	KMSKeyID        string `yaml:"kms_key_id,omitempty"`
}

// IssuerConfig selects the credential issuer
type IssuerConfig struct {
	Type     string             `yaml:"type"`
	Endpoint string             `yaml:"endpoint"`
	Timeout  time.Duration      `yaml:"timeout,omitempty"`
	Token    issuer.TokenConfig `yaml:"token"`
}

// MetricsConfig controls expiry metric export
type MetricsConfig struct {
	Export         bool   `yaml:"export"`
	PushgatewayURL string `yaml:"pushgateway_url,omitempty"`
	Job            string `yaml:"job,omitempty"`
	Listen         string `yaml:"listen,omitempty"`
}

// NotificationsConfig holds the webhook notifiers
type NotificationsConfig struct {
	QueueSize int                           `yaml:"queue_size,omitempty"`
	Webhooks  []notifications.WebhookConfig `yaml:"webhooks,omitempty"`
}

// Defaults returns a definition with every default filled in.
func Defaults() *Definition {
	return &Definition{
		Store: secretstores.TypeAWSSecretsManager,
		AWS:   AWSConfig{Region: awsclient.DefaultRegion},
		Renewal: RenewalConfig{
			TTLMinutes:      DefaultTTLMinutes,
			RenewWithinDays: DefaultRenewWithinDays,
		},
		Issuer: IssuerConfig{
			Type:  IssuerHTTP,
			Token: issuer.TokenConfig{Source: issuer.SourceSecretsManager},
		},
	}
}

// Load reads the YAML file, if any, and applies environment overrides. A
// missing file at DefaultPath is not an error; a missing explicit path is.
func (c *Config) Load() error {
	return c.load(os.LookupEnv)
}

func (c *Config) load(lookup func(string) (string, bool)) error {
	def := Defaults()

	path := c.Path
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, def); err != nil {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      path,
				Message:    "invalid YAML syntax in configuration file",
				Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
			}
		}
		if def.Version != 0 {
			return dserrors.ConfigError{
				Field:      "version",
				Value:      def.Version,
				Message:    "unsupported configuration version",
				Suggestion: "Set 'version: 0' at the top of your signkey.yaml file",
			}
		}
	case os.IsNotExist(err) && !explicit:
		logging.OrDiscard(c.Logger).Debug("No %s found, using environment and defaults", DefaultPath)
	case os.IsNotExist(err):
		return dserrors.ConfigError{
			Field:      "path",
			Value:      path,
			Message:    "configuration file not found",
			Suggestion: "Check the --config path, or omit it to configure from the environment",
		}
	default:
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	if err := applyEnv(def, lookup); err != nil {
		return err
	}
	c.Definition = def
	return nil
}

// applyEnv overrides definition fields from the environment variables the
// Lambda deployment sets.
func applyEnv(def *Definition, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return dserrors.ConfigError{Field: name, Value: v, Message: "must be an integer"}
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return dserrors.ConfigError{Field: name, Value: v, Message: "must be true or false"}
		}
		*dst = b
		return nil
	}

	str("SIGNING_KEY_SECRET_ID", &def.SecretID)
	str("SECRETS_MANAGER_REGION", &def.AWS.Region)
	str("SECRETS_MANAGER_ENDPOINT", &def.AWS.Endpoint)
	str("KMS_KEY_ARN", &def.Renewal.KMSKeyID)
	str("ISSUER_ENDPOINT", &def.Issuer.Endpoint)
	str("AUTH_TOKEN_SECRET_ID", &def.Issuer.Token.SecretID)
	str("AUTH_TOKEN_SECRET_KEY_NAME", &def.Issuer.Token.KeyName)
	str("PUSHGATEWAY_URL", &def.Metrics.PushgatewayURL)

	if err := num("SIGNING_KEY_TTL_MINUTES", &def.Renewal.TTLMinutes); err != nil {
		return err
	}
	if err := num("RENEW_WITHIN_DAYS", &def.Renewal.RenewWithinDays); err != nil {
		return err
	}
	if err := flag("EXPORT_METRICS", &def.Metrics.Export); err != nil {
		return err
	}

	local := false
	if err := flag("SIGNKEY_LOCAL", &local); err != nil {
		return err
	}
	if local {
		def.Store = secretstores.TypeMemory
		def.Issuer.Type = IssuerLocal
	}
	return nil
}

// Validate checks the loaded definition.
func (c *Config) Validate() error {
	if c.Definition == nil {
		return dserrors.UserError{
			Message:    "Configuration not loaded",
			Suggestion: "This is an internal error. Please report it",
		}
	}
	return c.Definition.Validate()
}

// Validate checks required fields and ranges.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.SecretID) == "" {
		return dserrors.ConfigError{
			Field:      "secret_id",
			Message:    "secret id is required",
			Suggestion: "Set secret_id in signkey.yaml or SIGNING_KEY_SECRET_ID",
		}
	}
	if !secretstores.NewRegistry().IsSupported(d.Store) {
		return dserrors.ConfigError{
			Field:      "store",
			Value:      d.Store,
			Message:    "unsupported secret store",
			Suggestion: fmt.Sprintf("Supported stores: %s", strings.Join(secretstores.NewRegistry().SupportedTypes(), ", ")),
		}
	}
	if d.Renewal.TTLMinutes <= 0 {
		return dserrors.ConfigError{
			Field:      "renewal.ttl_minutes",
			Value:      d.Renewal.TTLMinutes,
			Message:    "TTL must be positive",
			Suggestion: "Set SIGNING_KEY_TTL_MINUTES, e.g. 43200 for 30 days",
		}
	}
	if d.Renewal.RenewWithinDays < 0 {
		return dserrors.ConfigError{
			Field:      "renewal.renew_within_days",
			Value:      d.Renewal.RenewWithinDays,
			Message:    "renewal threshold cannot be negative",
			Suggestion: "Use 0 to renew only once the credential has expired",
		}
	}

	switch d.Issuer.Type {
	case IssuerLocal:
	case IssuerHTTP:
		if d.Issuer.Endpoint == "" {
			return dserrors.ConfigError{
				Field:      "issuer.endpoint",
				Message:    "issuer endpoint is required",
				Suggestion: "Set issuer.endpoint in signkey.yaml or ISSUER_ENDPOINT",
			}
		}
		if u, err := url.Parse(d.Issuer.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			return dserrors.ConfigError{
				Field:   "issuer.endpoint",
				Value:   d.Issuer.Endpoint,
				Message: "issuer endpoint must be an absolute URL",
			}
		}
	default:
		return dserrors.ConfigError{
			Field:      "issuer.type",
			Value:      d.Issuer.Type,
			Message:    "unsupported issuer type",
			Suggestion: "Use 'http' or 'local'",
		}
	}

	if d.Metrics.PushgatewayURL != "" {
		if u, err := url.Parse(d.Metrics.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			return dserrors.ConfigError{
				Field:   "metrics.pushgateway_url",
				Value:   d.Metrics.PushgatewayURL,
				Message: "Pushgateway URL must be an absolute URL",
			}
		}
	}
	return nil
}

// Options derives the controller options.
func (d *Definition) Options() rotation.Options {
	opts := rotation.Options{
		TTLMinutes:      d.Renewal.TTLMinutes,
		RenewWithinDays: d.Renewal.RenewWithinDays,
		ExportMetrics:   d.Metrics.Export,
	}
	if d.Renewal.KMSKeyID != "" {
		kms := d.Renewal.KMSKeyID
		opts.KMSKeyID = &kms
	}
	return opts
}

// AWSSettings derives the AWS client settings.
func (d *Definition) AWSSettings() awsclient.Settings {
	return awsclient.Settings{
		Region:          d.AWS.Region,
		Profile:         d.AWS.Profile,
		Endpoint:        d.AWS.Endpoint,
		AssumeRole:      d.AWS.AssumeRole,
		RoleSessionName: d.AWS.RoleSessionName,
		ExternalID:      d.AWS.ExternalID,
	}
}

// HTTPIssuerConfig derives the HTTP issuer configuration.
func (d *Definition) HTTPIssuerConfig() issuer.HTTPConfig {
	return issuer.HTTPConfig{Endpoint: d.Issuer.Endpoint, Timeout: d.Issuer.Timeout}
}
