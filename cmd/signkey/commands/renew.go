package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/signkey/internal/config"
	"github.com/systmms/signkey/pkg/rotation"
)

// NewRenewCommand creates the renew command
func NewRenewCommand(cfg *config.Config) *cobra.Command {
	var secretID string

	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew the signing key if it is due",
		Long: `Run a standalone renewal now.

The secret is created when it does not exist. An existing key is replaced
only when it expires within the renewal threshold.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Handler.Handle(cmd.Context(), rotation.Event{SecretID: secretID})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Secret:   %s\n", result.SecretID)
			_, _ = fmt.Fprintf(out, "Action:   %s\n", result.Outcome)
			_, _ = fmt.Fprintf(out, "Key ID:   %s\n", result.KeyID)
			_, _ = fmt.Fprintf(out, "Expires:  %s (in %s)\n",
				result.ExpiresAt.Format(time.RFC3339),
				formatRemaining(rotation.TimeRemaining(result.ExpiresAt, time.Now())))
			return nil
		},
	}

	cmd.Flags().StringVar(&secretID, "secret-id", "", "Secret to renew (default: configured secret)")
	return cmd
}

// formatRemaining renders a duration in days and hours.
func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if days == 0 {
		return fmt.Sprintf("%dh%dm", hours, int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd%dh", days, hours)
}
