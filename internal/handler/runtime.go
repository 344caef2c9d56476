package handler

import (
	"context"
	"fmt"

	"github.com/systmms/signkey/internal/config"
	dserrors "github.com/systmms/signkey/internal/errors"
	"github.com/systmms/signkey/internal/issuer"
	"github.com/systmms/signkey/internal/logging"
	"github.com/systmms/signkey/internal/metrics"
	"github.com/systmms/signkey/internal/notifications"
	"github.com/systmms/signkey/internal/secretstores"
	"github.com/systmms/signkey/pkg/rotation"
)

// Runtime is the fully wired set of components built from a configuration.
type Runtime struct {
	Handler  *Handler
	Store    secretstores.Store
	Issuer   rotation.CredentialIssuer
	Metrics  *metrics.Metrics
	Sink     rotation.MetricsSink
	Notifier *notifications.Manager

	closers []func()
}

// Close releases the issuer token and stops notification delivery.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Build wires store, issuer, metrics and notifications from def. The
// registry is optional; nil means the built-in stores.
func Build(ctx context.Context, def *config.Definition, registry *secretstores.Registry, logger *logging.Logger) (*Runtime, error) {
	logger = logging.OrDiscard(logger)
	if registry == nil {
		registry = secretstores.NewRegistry()
	}
	settings := def.AWSSettings()

	store, err := registry.Create(ctx, def.Store, settings)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Store: store, Metrics: metrics.New()}

	switch def.Issuer.Type {
	case config.IssuerLocal:
		rt.Issuer = issuer.NewLocalIssuer(def.Issuer.Endpoint)
	default:
		tokens, err := issuer.NewTokenSource(ctx, def.Issuer.Token, settings)
		if err != nil {
			return nil, err
		}
		httpIssuer, err := issuer.NewHTTPIssuer(def.HTTPIssuerConfig(), tokens, logger)
		if err != nil {
			return nil, err
		}
		rt.Issuer = httpIssuer
		rt.closers = append(rt.closers, httpIssuer.Close)
	}

	var pusher Pusher
	if def.Metrics.PushgatewayURL != "" || def.Metrics.Listen != "" {
		sink := metrics.NewPrometheusSink(rt.Metrics, metrics.WithPushgateway(def.Metrics.PushgatewayURL, def.Metrics.Job))
		rt.Sink = sink
		pusher = sink
	} else {
		rt.Sink = metrics.NewLogSink(logger)
	}

	var notifier Notifier
	if len(def.Notifications.Webhooks) > 0 {
		manager := notifications.NewManager(def.Notifications.QueueSize, logger)
		for i, hook := range def.Notifications.Webhooks {
			provider := notifications.NewWebhookProvider(hook)
			if err := provider.Validate(ctx); err != nil {
				rt.Close()
				return nil, dserrors.ConfigError{
					Field:   fmt.Sprintf("notifications.webhooks[%d]", i),
					Value:   hook.Name,
					Message: err.Error(),
				}
			}
			manager.RegisterProvider(provider)
		}
		manager.Start(context.Background())
		rt.Notifier = manager
		rt.closers = append(rt.closers, manager.Stop)
		notifier = manager
	}

	opts := def.Options()
	rt.Handler = New(Deps{
		SecretID:  def.SecretID,
		Rotations: rotation.NewController(store, rt.Issuer, rt.Sink, opts, logger),
		Renewals:  rotation.NewRenewer(store, rt.Issuer, rt.Sink, opts, logger),
		Metrics:   rt.Metrics,
		Pusher:    pusher,
		Notifier:  notifier,
		Logger:    logger,
	})
	return rt, nil
}
