package rotation

import (
	"context"
	"time"

	"github.com/systmms/signkey/pkg/signingkey"
)

// Stage labels understood by the rotation protocol.
const (
	StagePending  = "AWSPENDING"
	StageCurrent  = "AWSCURRENT"
	StagePrevious = "AWSPREVIOUS"
)

// GetValueRequest selects a secret value. A nil VersionID or VersionStage means
// the store default, which is the current version.
type GetValueRequest struct {
	SecretID     string
	VersionID    *string
	VersionStage *string
}

// CreateSecretRequest creates a brand-new secret. A nil KMSKeyID leaves the
// encryption key choice to the store.
type CreateSecretRequest struct {
	SecretID string
	Value    string
	KMSKeyID *string
}

// PutVersionRequest writes a new version of an existing secret. A nil
// VersionID lets the store generate one; empty Stages lets the store label the
// new version current.
type PutVersionRequest struct {
	SecretID  string
	Value     string
	VersionID *string
	Stages    []string
}

// MoveStageRequest moves Stage onto ToVersionID and, when FromVersionID is
// set, off that version in the same call.
type MoveStageRequest struct {
	SecretID      string
	Stage         string
	ToVersionID   string
	FromVersionID *string
}

// SecretsStore is the versioned key/value store holding the credential.
//
// GetValue returns an error matching ErrNotFound when the secret or the
// selected version does not exist. ListVersionStages returns an error matching
// ErrRotationNotEnabled when the secret is not configured for rotation.
type SecretsStore interface {
	GetValue(ctx context.Context, req GetValueRequest) (string, error)
	CreateSecret(ctx context.Context, req CreateSecretRequest) error
	PutVersionValue(ctx context.Context, req PutVersionRequest) error
	ListVersionStages(ctx context.Context, secretID string) (map[string][]string, error)
	MoveStage(ctx context.Context, req MoveStageRequest) error
}

// CredentialIssuer mints a fresh signing credential valid for ttlMinutes.
type CredentialIssuer interface {
	Issue(ctx context.Context, ttlMinutes int) (signingkey.Credential, error)
}

// MetricsSink records how long the credential of a secret remains valid.
// Recording is best-effort: callers log failures and carry on.
type MetricsSink interface {
	RecordSecondsUntilExpiry(ctx context.Context, secretID string, expiresAt time.Time) error
}

// Options configures both controllers. It is built once at the boundary and
// passed by value.
type Options struct {
	// TTLMinutes is the lifetime requested for newly issued credentials.
	TTLMinutes int

	// RenewWithinDays is the renewal threshold used by Renewer.
	RenewWithinDays int

	// ExportMetrics enables MetricsSink observations.
	ExportMetrics bool

	// KMSKeyID is used when Renewer creates a secret from scratch.
	KMSKeyID *string

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}
