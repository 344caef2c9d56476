package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/systmms/signkey/internal/logging"
	"github.com/systmms/signkey/pkg/signingkey"
)

// RenewalAction is what a standalone renewal did to the secret.
type RenewalAction string

const (
	// RenewalCreated means the secret did not exist and was created.
	RenewalCreated RenewalAction = "created"

	// RenewalRenewed means the stored credential was due and was replaced.
	RenewalRenewed RenewalAction = "renewed"

	// RenewalSkipped means the stored credential is not yet due.
	RenewalSkipped RenewalAction = "skipped"
)

// RenewalResult reports the credential in effect after a renewal.
type RenewalResult struct {
	Action    RenewalAction
	KeyID     string
	ExpiresAt time.Time
}

// Renewer performs read-decide-write renewal in a single invocation. It is for
// deployments without a rotation service and does not touch version stages.
type Renewer struct {
	store   SecretsStore
	issuer  CredentialIssuer
	metrics MetricsSink
	opts    Options
	logger  *logging.Logger
}

// NewRenewer creates a standalone renewer. metrics may be nil when export is
// disabled.
func NewRenewer(store SecretsStore, issuer CredentialIssuer, metrics MetricsSink, opts Options, logger *logging.Logger) *Renewer {
	return &Renewer{
		store:   store,
		issuer:  issuer,
		metrics: metrics,
		opts:    opts,
		logger:  logging.OrDiscard(logger),
	}
}

// Renew creates the secret when missing, or replaces its credential when
// renewal is due.
func (r *Renewer) Renew(ctx context.Context, secretID string) (RenewalResult, error) {
	if secretID == "" {
		return RenewalResult{}, fmt.Errorf("%w: secret id is empty", ErrMalformedEvent)
	}

	result, err := r.renew(ctx, secretID)
	if err != nil {
		return RenewalResult{}, err
	}

	if r.opts.ExportMetrics {
		recordExpiry(ctx, r.metrics, r.logger, secretID, result.ExpiresAt)
	}
	return result, nil
}

func (r *Renewer) renew(ctx context.Context, secretID string) (RenewalResult, error) {
	value, err := r.store.GetValue(ctx, GetValueRequest{SecretID: secretID})
	if errors.Is(err, ErrNotFound) {
		r.logger.Info("Secret %s does not exist, creating signing key", secretID)
		return r.create(ctx, secretID)
	}
	if err != nil {
		return RenewalResult{}, fmt.Errorf("failed to read %s: %w", secretID, err)
	}

	existing, err := signingkey.Decode(value)
	if err != nil {
		return RenewalResult{}, fmt.Errorf("stored value of %s: %w", secretID, err)
	}

	if !IsDue(existing.ExpiresAt, r.opts.now(), r.opts.RenewWithinDays) {
		r.logger.Info("Signing key %s not eligible for renewal yet (expires %s)",
			existing.KeyID, existing.ExpiresAt.UTC().Format(time.RFC3339))
		return RenewalResult{Action: RenewalSkipped, KeyID: existing.KeyID, ExpiresAt: existing.ExpiresAt}, nil
	}

	r.logger.Info("Signing key %s eligible for renewal", existing.KeyID)
	cred, newValue, err := issueEncoded(ctx, r.issuer, r.opts.TTLMinutes)
	if err != nil {
		return RenewalResult{}, err
	}

	if err := r.store.PutVersionValue(ctx, PutVersionRequest{SecretID: secretID, Value: newValue}); err != nil {
		return RenewalResult{}, fmt.Errorf("failed to store renewed signing key for %s: %w", secretID, err)
	}
	r.logger.Info("Signing key renewed for %s: %s replaces %s", secretID, cred.KeyID, existing.KeyID)
	return RenewalResult{Action: RenewalRenewed, KeyID: cred.KeyID, ExpiresAt: cred.ExpiresAt}, nil
}

func (r *Renewer) create(ctx context.Context, secretID string) (RenewalResult, error) {
	cred, value, err := issueEncoded(ctx, r.issuer, r.opts.TTLMinutes)
	if err != nil {
		return RenewalResult{}, err
	}

	if err := r.store.CreateSecret(ctx, CreateSecretRequest{
		SecretID: secretID,
		Value:    value,
		KMSKeyID: r.opts.KMSKeyID,
	}); err != nil {
		return RenewalResult{}, fmt.Errorf("failed to create %s: %w", secretID, err)
	}
	r.logger.Info("Secret %s created with signing key %s", secretID, cred.KeyID)
	return RenewalResult{Action: RenewalCreated, KeyID: cred.KeyID, ExpiresAt: cred.ExpiresAt}, nil
}
