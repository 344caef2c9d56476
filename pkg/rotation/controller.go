package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/systmms/signkey/internal/logging"
	"github.com/systmms/signkey/pkg/signingkey"
)

// Outcome describes what a rotation step or renewal did.
type Outcome string

const (
	// OutcomeAlreadyCurrent means the token's version already holds the current
	// stage, so the whole rotation is complete.
	OutcomeAlreadyCurrent Outcome = "already_current"

	// OutcomeCreated means createSecret stored a new pending credential.
	OutcomeCreated Outcome = "created"

	// OutcomeAlreadyPending means createSecret found the pending value in place.
	OutcomeAlreadyPending Outcome = "already_pending"

	// OutcomeNoop means the step has nothing to do (setSecret, testSecret).
	OutcomeNoop Outcome = "noop"

	// OutcomePromoted means finishSecret moved the current stage to the token.
	OutcomePromoted Outcome = "promoted"
)

// Controller runs single steps of the rotation protocol. It keeps no state
// between calls; every decision is derived from the store.
type Controller struct {
	store   SecretsStore
	issuer  CredentialIssuer
	metrics MetricsSink
	opts    Options
	logger  *logging.Logger
}

// NewController creates a rotation controller. metrics may be nil when export
// is disabled.
func NewController(store SecretsStore, issuer CredentialIssuer, metrics MetricsSink, opts Options, logger *logging.Logger) *Controller {
	return &Controller{
		store:   store,
		issuer:  issuer,
		metrics: metrics,
		opts:    opts,
		logger:  logging.OrDiscard(logger),
	}
}

// ProcessRotation validates the event against the secret's version stages and
// runs the requested step.
func (c *Controller) ProcessRotation(ctx context.Context, ev Event) (Outcome, error) {
	if ev.SecretID == "" || ev.ClientRequestToken == "" || ev.Step == "" {
		return "", fmt.Errorf("%w: expected SecretId (%q), ClientRequestToken (%q) and Step (%q) to have values",
			ErrMalformedEvent, ev.SecretID, ev.ClientRequestToken, ev.Step)
	}

	stages, err := c.store.ListVersionStages(ctx, ev.SecretID)
	if err != nil {
		return "", c.stepError(ev, fmt.Errorf("failed to list version stages: %w", err))
	}
	c.logger.Debug("Version stages for %s: %v", ev.SecretID, stages)

	tokenStages, ok := stages[ev.ClientRequestToken]
	if !ok {
		return "", c.stepError(ev, fmt.Errorf("%w: version %s has no stage for rotation", ErrUnknownVersion, ev.ClientRequestToken))
	}
	if hasStage(tokenStages, StageCurrent) {
		c.logger.Info("Secret version %s already set as %s for %s", ev.ClientRequestToken, StageCurrent, ev.SecretID)
		return OutcomeAlreadyCurrent, nil
	}
	if !hasStage(tokenStages, StagePending) {
		return "", c.stepError(ev, fmt.Errorf("%w: version %s not set as %s", ErrNotPendingForRotation, ev.ClientRequestToken, StagePending))
	}

	var outcome Outcome
	switch ev.Step {
	case StepCreate:
		outcome, err = c.createSecret(ctx, ev)
	case StepSet:
		// No downstream service needs the new value before promotion.
		outcome = OutcomeNoop
	case StepTest:
		// No endpoint exists to verify the pending value against.
		outcome = OutcomeNoop
	case StepFinish:
		outcome, err = c.finishSecret(ctx, ev)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownStep, ev.Step)
	}
	if err != nil {
		return "", c.stepError(ev, err)
	}
	return outcome, nil
}

func (c *Controller) createSecret(ctx context.Context, ev Event) (Outcome, error) {
	// The secret must already have a current version to rotate from.
	current := StageCurrent
	if _, err := c.store.GetValue(ctx, GetValueRequest{SecretID: ev.SecretID, VersionStage: &current}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCurrentVersionMissing, err)
	}

	pending := StagePending
	token := ev.ClientRequestToken
	_, err := c.store.GetValue(ctx, GetValueRequest{SecretID: ev.SecretID, VersionID: &token, VersionStage: &pending})
	if err == nil {
		c.logger.Info("createSecret: pending value already present for %s version %s", ev.SecretID, token)
		return OutcomeAlreadyPending, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("failed to read pending value: %w", err)
	}

	cred, value, err := c.issue(ctx)
	if err != nil {
		return "", err
	}

	if err := c.store.PutVersionValue(ctx, PutVersionRequest{
		SecretID:  ev.SecretID,
		Value:     value,
		VersionID: &token,
		Stages:    []string{StagePending},
	}); err != nil {
		return "", fmt.Errorf("failed to put pending value: %w", err)
	}
	c.logger.Info("createSecret: stored signing key %s for %s version %s", cred.KeyID, ev.SecretID, token)

	if c.opts.ExportMetrics {
		recordExpiry(ctx, c.metrics, c.logger, ev.SecretID, cred.ExpiresAt)
	}
	return OutcomeCreated, nil
}

func (c *Controller) finishSecret(ctx context.Context, ev Event) (Outcome, error) {
	stages, err := c.store.ListVersionStages(ctx, ev.SecretID)
	if err != nil {
		return "", fmt.Errorf("failed to list version stages: %w", err)
	}

	var currentVersion *string
	for _, versionID := range sortedVersions(stages) {
		if !hasStage(stages[versionID], StageCurrent) {
			continue
		}
		if versionID == ev.ClientRequestToken {
			c.logger.Info("finishSecret: version %s already marked as %s for %s", versionID, StageCurrent, ev.SecretID)
			return OutcomeAlreadyCurrent, nil
		}
		v := versionID
		currentVersion = &v
		break
	}

	if err := c.store.MoveStage(ctx, MoveStageRequest{
		SecretID:      ev.SecretID,
		Stage:         StageCurrent,
		ToVersionID:   ev.ClientRequestToken,
		FromVersionID: currentVersion,
	}); err != nil {
		return "", fmt.Errorf("failed to move %s stage: %w", StageCurrent, err)
	}

	c.logger.Info("finishSecret: set %s stage to version %s for %s", StageCurrent, ev.ClientRequestToken, ev.SecretID)
	return OutcomePromoted, nil
}

func (c *Controller) issue(ctx context.Context) (signingkey.Credential, string, error) {
	return issueEncoded(ctx, c.issuer, c.opts.TTLMinutes)
}

func (c *Controller) stepError(ev Event, err error) error {
	return &StepError{
		Step:     ev.Step,
		SecretID: ev.SecretID,
		Token:    ev.ClientRequestToken,
		Err:      err,
	}
}

// issueEncoded mints a credential and serializes it for storage.
func issueEncoded(ctx context.Context, issuer CredentialIssuer, ttlMinutes int) (signingkey.Credential, string, error) {
	cred, err := issuer.Issue(ctx, ttlMinutes)
	if err != nil {
		return signingkey.Credential{}, "", fmt.Errorf("%w: %v", ErrIssuerFailure, err)
	}

	value, err := signingkey.Encode(cred)
	if err != nil {
		return signingkey.Credential{}, "", fmt.Errorf("%w: issued credential rejected: %v", ErrIssuerFailure, err)
	}
	return cred, value, nil
}

// recordExpiry reports the remaining lifetime. Sink failures never fail the caller.
func recordExpiry(ctx context.Context, sink MetricsSink, logger *logging.Logger, secretID string, expiresAt time.Time) {
	if sink == nil {
		logger.Debug("Metrics export enabled but no sink configured")
		return
	}
	if err := sink.RecordSecondsUntilExpiry(ctx, secretID, expiresAt); err != nil {
		logger.Warn("Failed to export time until expiry for %s: %v", secretID, err)
		return
	}
	logger.Debug("Exported time until expiry for %s", secretID)
}

func hasStage(stages []string, stage string) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

// sortedVersions gives map iteration a stable order so logs and store calls
// are reproducible.
func sortedVersions(stages map[string][]string) []string {
	versions := make([]string, 0, len(stages))
	for v := range stages {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}
