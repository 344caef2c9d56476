// Package handler turns trigger payloads into rotation steps or standalone
// renewals, and records the outcome in metrics, logs and notifications.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	dserrors "github.com/systmms/signkey/internal/errors"
	"github.com/systmms/signkey/internal/logging"
	"github.com/systmms/signkey/internal/metrics"
	"github.com/systmms/signkey/internal/notifications"
	"github.com/systmms/signkey/pkg/rotation"
)

// Invocation modes
const (
	ModeRotation = "rotation"
	ModeRenewal  = "renewal"
)

const flushTimeout = 10 * time.Second

// StepProcessor runs one rotation step.
type StepProcessor interface {
	ProcessRotation(ctx context.Context, ev rotation.Event) (rotation.Outcome, error)
}

// RenewalRunner runs a standalone renewal.
type RenewalRunner interface {
	Renew(ctx context.Context, secretID string) (rotation.RenewalResult, error)
}

// Notifier queues events for delivery.
type Notifier interface {
	Send(event notifications.Event)
	Flush(ctx context.Context) error
}

// Pusher publishes collected metrics at the end of an invocation.
type Pusher interface {
	Push(ctx context.Context) error
}

// Result summarises one invocation.
type Result struct {
	Mode      string    `json:"mode"`
	SecretID  string    `json:"secretId"`
	Step      string    `json:"step,omitempty"`
	Outcome   string    `json:"outcome"`
	KeyID     string    `json:"keyId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Deps are the collaborators of a Handler. Metrics, Pusher and Notifier are
// optional.
type Deps struct {
	SecretID  string
	Rotations StepProcessor
	Renewals  RenewalRunner
	Metrics   *metrics.Metrics
	Pusher    Pusher
	Notifier  Notifier
	Logger    *logging.Logger
	Now       func() time.Time
}

// Handler dispatches trigger payloads.
type Handler struct {
	deps   Deps
	logger *logging.Logger
}

// New creates a handler.
func New(deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handler{deps: deps, logger: logging.OrDiscard(deps.Logger)}
}

// HandleJSON decodes a trigger payload and handles it. An empty payload is
// a scheduled renewal of the configured secret.
func (h *Handler) HandleJSON(ctx context.Context, payload []byte) (Result, error) {
	var ev rotation.Event
	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return Result{}, fmt.Errorf("%w: %v", rotation.ErrMalformedEvent, err)
		}
	}
	return h.Handle(ctx, ev)
}

// Handle runs a rotation step when the payload carries all rotation fields
// and a standalone renewal otherwise.
func (h *Handler) Handle(ctx context.Context, ev rotation.Event) (Result, error) {
	start := h.deps.Now()
	var (
		res  Result
		err  error
		mode string
	)

	if ev.IsRotation() {
		mode = ModeRotation
		res, err = h.rotate(ctx, ev)
	} else {
		mode = ModeRenewal
		if ev.HasRotationFields() {
			h.logger.Warn("Payload has only some rotation fields (token=%q step=%q), running standalone renewal", ev.ClientRequestToken, ev.Step)
		}
		res, err = h.renew(ctx, ev.SecretID)
	}
	elapsed := h.deps.Now().Sub(start)

	if m := h.deps.Metrics; m != nil {
		m.ObserveDuration(mode, elapsed.Seconds())
		if err != nil {
			m.RecordFailure(mode)
		}
	}
	h.notify(ctx, mode, ev, res, err, elapsed)
	h.push(ctx)

	if err != nil {
		if dserrors.IsRetryable(err) {
			h.logger.Warn("%s of %s failed with a transient error, the next invocation retries: %v", mode, res.SecretID, err)
		} else {
			h.logger.Error("%s of %s failed: %v", mode, res.SecretID, err)
		}
		return res, err
	}
	return res, nil
}

func (h *Handler) rotate(ctx context.Context, ev rotation.Event) (Result, error) {
	res := Result{Mode: ModeRotation, SecretID: ev.SecretID, Step: string(ev.Step)}
	h.logger.Info("Rotation step %s for %s (token %s)", ev.Step, ev.SecretID, ev.ClientRequestToken)

	outcome, err := h.deps.Rotations.ProcessRotation(ctx, ev)
	if err != nil {
		res.Outcome = "error"
		return res, err
	}
	res.Outcome = string(outcome)
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordStep(string(ev.Step), res.Outcome)
	}
	h.logger.Info("Rotation step %s for %s: %s", ev.Step, ev.SecretID, outcome)
	return res, nil
}

func (h *Handler) renew(ctx context.Context, secretID string) (Result, error) {
	if secretID == "" {
		secretID = h.deps.SecretID
	}
	res := Result{Mode: ModeRenewal, SecretID: secretID}

	renewal, err := h.deps.Renewals.Renew(ctx, secretID)
	if err != nil {
		res.Outcome = "error"
		return res, err
	}
	res.Outcome = string(renewal.Action)
	res.KeyID = renewal.KeyID
	res.ExpiresAt = renewal.ExpiresAt
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordRenewal(res.Outcome)
	}
	h.logger.Info("Renewal of %s: %s (key %s expires %s)", secretID, renewal.Action, renewal.KeyID, renewal.ExpiresAt.Format(time.RFC3339))
	return res, nil
}

// notify sends failures, promotions and renewal outcomes. Intermediate
// rotation steps are not announced.
func (h *Handler) notify(ctx context.Context, mode string, ev rotation.Event, res Result, err error, elapsed time.Duration) {
	if h.deps.Notifier == nil {
		return
	}

	event := notifications.Event{
		SecretID:  res.SecretID,
		Mode:      mode,
		Step:      res.Step,
		Outcome:   res.Outcome,
		VersionID: ev.ClientRequestToken,
		KeyID:     res.KeyID,
		ExpiresAt: res.ExpiresAt,
		Error:     err,
		Duration:  elapsed,
		Timestamp: h.deps.Now().UTC(),
	}
	switch {
	case err != nil:
		event.Type = notifications.EventTypeFailed
	case mode == ModeRotation && res.Outcome == string(rotation.OutcomePromoted):
		event.Type = notifications.EventTypeCompleted
	case mode == ModeRenewal && res.Outcome == string(rotation.RenewalSkipped):
		event.Type = notifications.EventTypeSkipped
	case mode == ModeRenewal:
		event.Type = notifications.EventTypeCompleted
	default:
		return
	}

	h.deps.Notifier.Send(event)
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := h.deps.Notifier.Flush(flushCtx); err != nil {
		h.logger.Warn("Notifications not delivered before timeout: %v", err)
	}
}

func (h *Handler) push(ctx context.Context) {
	if h.deps.Pusher == nil {
		return
	}
	if err := h.deps.Pusher.Push(ctx); err != nil {
		h.logger.Warn("Failed to push metrics: %v", err)
	}
}
