package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/signkey/internal/config"
	"github.com/systmms/signkey/pkg/rotation"
	"github.com/systmms/signkey/pkg/signingkey"
	"gopkg.in/yaml.v3"
)

// KeyStatus describes the stored signing key
type KeyStatus struct {
	SecretID         string              `json:"secretId" yaml:"secret_id"`
	Store            string              `json:"store" yaml:"store"`
	KeyID            string              `json:"keyId" yaml:"key_id"`
	Endpoint         string              `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ExpiresAt        time.Time           `json:"expiresAt" yaml:"expires_at"`
	SecondsRemaining int64               `json:"secondsRemaining" yaml:"seconds_remaining"`
	RenewWithinDays  int                 `json:"renewWithinDays" yaml:"renew_within_days"`
	Due              bool                `json:"due" yaml:"due"`
	RotationEnabled  bool                `json:"rotationEnabled" yaml:"rotation_enabled"`
	CurrentVersion   string              `json:"currentVersion,omitempty" yaml:"current_version,omitempty"`
	Stages           map[string][]string `json:"stages,omitempty" yaml:"stages,omitempty"`
}

// NewStatusCommand creates the status command
func NewStatusCommand(cfg *config.Config) *cobra.Command {
	var (
		secretID string
		format   string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored signing key and whether it is due",
		Long: `Decode the current signing key and report its expiry, renewal
eligibility and the version stages of the secret. Key material is never
printed.`,
		Example: `  signkey status
  signkey status --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			id := secretID
			if id == "" {
				id = cfg.Definition.SecretID
			}

			value, err := rt.Store.GetValue(cmd.Context(), rotation.GetValueRequest{SecretID: id})
			if errors.Is(err, rotation.ErrNotFound) {
				return fmt.Errorf("secret %s has no current signing key; run 'signkey renew' to create it", id)
			}
			if err != nil {
				return err
			}
			cred, err := signingkey.Decode(value)
			if err != nil {
				return err
			}

			now := time.Now()
			threshold := cfg.Definition.Renewal.RenewWithinDays
			status := KeyStatus{
				SecretID:         id,
				Store:            rt.Store.Name(),
				KeyID:            cred.KeyID,
				Endpoint:         cred.Endpoint,
				ExpiresAt:        cred.ExpiresAt,
				SecondsRemaining: int64(cred.TimeUntilExpiry(now).Seconds()),
				RenewWithinDays:  threshold,
				Due:              rotation.IsDue(cred.ExpiresAt, now, threshold),
			}
			if info, err := rt.Store.Describe(cmd.Context(), id); err == nil {
				status.RotationEnabled = info.RotationEnabled
				status.CurrentVersion = info.CurrentVersion()
				status.Stages = info.Stages
			} else {
				cfg.Logger.Warn("Could not describe %s: %v", id, err)
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			case "yaml":
				enc := yaml.NewEncoder(out)
				defer func() { _ = enc.Close() }()
				return enc.Encode(status)
			case "table", "":
				return printStatusTable(out, status)
			default:
				return fmt.Errorf("unsupported format: %s (use table, json, or yaml)", format)
			}
		},
	}

	cmd.Flags().StringVar(&secretID, "secret-id", "", "Secret to inspect (default: configured secret)")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	return cmd
}

func printStatusTable(out io.Writer, s KeyStatus) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	due := "no"
	if s.Due {
		due = "yes"
	}
	_, _ = fmt.Fprintf(w, "Secret:\t%s (%s)\n", s.SecretID, s.Store)
	_, _ = fmt.Fprintf(w, "Key ID:\t%s\n", s.KeyID)
	if s.Endpoint != "" {
		_, _ = fmt.Fprintf(w, "Endpoint:\t%s\n", s.Endpoint)
	}
	_, _ = fmt.Fprintf(w, "Expires:\t%s (%s)\n", s.ExpiresAt.Format(time.RFC3339),
		formatRemaining(time.Duration(s.SecondsRemaining)*time.Second))
	_, _ = fmt.Fprintf(w, "Renewal due:\t%s (threshold %d days)\n", due, s.RenewWithinDays)
	_, _ = fmt.Fprintf(w, "Rotation enabled:\t%t\n", s.RotationEnabled)

	if len(s.Stages) > 0 {
		_, _ = fmt.Fprintf(w, "\nVERSION\tSTAGES\n")
		versions := make([]string, 0, len(s.Stages))
		for v := range s.Stages {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		for _, v := range versions {
			_, _ = fmt.Fprintf(w, "%s\t%v\n", v, s.Stages[v])
		}
	}
	return w.Flush()
}

