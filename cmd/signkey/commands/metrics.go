package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/signkey/internal/config"
	"github.com/systmms/signkey/internal/logging"
	"github.com/systmms/signkey/internal/metrics"
	"github.com/systmms/signkey/pkg/rotation"
	"github.com/systmms/signkey/pkg/signingkey"
)

// NewMetricsCommand creates the metrics command
func NewMetricsCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Expose signing-key metrics",
	}
	cmd.AddCommand(newMetricsServeCommand(cfg))
	return cmd
}

func newMetricsServeCommand(cfg *config.Config) *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve Prometheus metrics for the stored key",
		Long: `Serve a Prometheus scrape endpoint and refresh the time-until-expiry
gauge of the configured secret on an interval. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			serverCfg := metrics.DefaultServerConfig()
			if cfg.Definition.Metrics.Listen != "" {
				serverCfg.Addr = cfg.Definition.Metrics.Listen
			}
			if addr != "" {
				serverCfg.Addr = addr
			}
			server := metrics.NewServer(serverCfg, rt.Metrics, cfg.Logger)
			if err := server.Start(); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Stop(shutdownCtx)
			}()

			refresher := &expiryRefresher{
				store:    rt.Store,
				sink:     metrics.NewPrometheusSink(rt.Metrics),
				secretID: cfg.Definition.SecretID,
				logger:   cfg.Logger,
			}
			refresher.run(ctx, interval)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: metrics.listen or :9090)")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "How often to re-read the stored key")
	return cmd
}

// expiryRefresher re-reads the stored key and updates the expiry gauge.
type expiryRefresher struct {
	store    rotation.SecretsStore
	sink     rotation.MetricsSink
	secretID string
	logger   *logging.Logger
}

func (r *expiryRefresher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.refresh(ctx); err != nil {
			logging.OrDiscard(r.logger).Warn("Failed to refresh expiry of %s: %v", r.secretID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *expiryRefresher) refresh(ctx context.Context) error {
	value, err := r.store.GetValue(ctx, rotation.GetValueRequest{SecretID: r.secretID})
	if err != nil {
		return err
	}
	cred, err := signingkey.Decode(value)
	if err != nil {
		return fmt.Errorf("stored key: %w", err)
	}
	return r.sink.RecordSecondsUntilExpiry(ctx, r.secretID, cred.ExpiresAt)
}
