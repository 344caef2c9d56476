package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/signkey/internal/awsclient"
	"github.com/systmms/signkey/internal/config"
	dserrors "github.com/systmms/signkey/internal/errors"
	"github.com/systmms/signkey/internal/issuer"
	"github.com/systmms/signkey/internal/secretstores"
	"github.com/systmms/signkey/pkg/rotation"
	"github.com/systmms/signkey/pkg/signingkey"
)

// Check is the result of one doctor check
type Check struct {
	Name       string
	Status     string // ok, warn, error
	Message    string
	Suggestion string
}

// newSTSClient is replaced in tests.
var newSTSClient = func(ctx context.Context, s awsclient.Settings) (awsclient.STSClientAPI, error) {
	return awsclient.NewSTSClient(ctx, s)
}

// NewDoctorCommand creates the doctor command
func NewDoctorCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, AWS access and the stored key",
		Long: `Verify that signkey can do its job.

This command checks:
- Configuration validity
- AWS credentials (caller identity)
- The secret exists and rotation is enabled
- The stored signing key decodes
- The issuer auth token can be read`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var checks []Check

			if err := loadConfig(cfg); err != nil {
				checks = append(checks, failed("configuration", err))
				printChecks(cmd.OutOrStdout(), checks)
				return errors.New("configuration is invalid")
			}
			checks = append(checks, Check{Name: "configuration", Status: "ok", Message: "loaded and valid"})
			def := cfg.Definition

			if def.Store == secretstores.TypeAWSSecretsManager {
				checks = append(checks, checkIdentity(ctx, def.AWSSettings()))
			}

			store, err := storeRegistry.Create(ctx, def.Store, def.AWSSettings())
			if err != nil {
				checks = append(checks, failed("secret store", err))
			} else {
				checks = append(checks, checkSecret(ctx, store, def.SecretID)...)
			}

			if def.Issuer.Type == config.IssuerHTTP {
				checks = append(checks, checkIssuerToken(ctx, def))
			}

			printChecks(cmd.OutOrStdout(), checks)
			for _, c := range checks {
				if c.Status == "error" {
					return errors.New("some checks failed")
				}
			}
			cfg.Logger.Info("All checks passed")
			return nil
		},
	}
}

func checkIdentity(ctx context.Context, settings awsclient.Settings) Check {
	client, err := newSTSClient(ctx, settings)
	if err != nil {
		return failed("aws identity", err)
	}
	id, err := awsclient.CallerIdentity(ctx, client)
	if err != nil {
		return failed("aws identity", err)
	}
	return Check{Name: "aws identity", Status: "ok", Message: fmt.Sprintf("%s (account %s)", id.ARN, id.Account)}
}

func checkSecret(ctx context.Context, store secretstores.Store, secretID string) []Check {
	info, err := store.Describe(ctx, secretID)
	if errors.Is(err, rotation.ErrNotFound) {
		return []Check{{
			Name:       "secret",
			Status:     "warn",
			Message:    fmt.Sprintf("%s does not exist yet", secretID),
			Suggestion: "Run 'signkey renew' to create it",
		}}
	}
	if err != nil {
		return []Check{failed("secret", err)}
	}

	checks := []Check{{Name: "secret", Status: "ok", Message: fmt.Sprintf("%s exists (current version %s)", secretID, info.CurrentVersion())}}
	if info.RotationEnabled {
		checks = append(checks, Check{Name: "rotation", Status: "ok", Message: "enabled"})
	} else {
		checks = append(checks, Check{
			Name:       "rotation",
			Status:     "warn",
			Message:    "not enabled; only standalone renewal will run",
			Suggestion: "Enable rotation on the secret with this function as the rotation Lambda",
		})
	}

	value, err := store.GetValue(ctx, rotation.GetValueRequest{SecretID: secretID})
	if err != nil {
		return append(checks, failed("signing key", err))
	}
	cred, err := signingkey.Decode(value)
	if err != nil {
		return append(checks, Check{
			Name:       "signing key",
			Status:     "error",
			Message:    err.Error(),
			Suggestion: "Delete the malformed version or write a valid value; renewal will not overwrite it",
		})
	}
	return append(checks, Check{Name: "signing key", Status: "ok", Message: fmt.Sprintf("%s expires %s", cred.KeyID, cred.ExpiresAt.Format("2006-01-02 15:04 MST"))})
}

func checkIssuerToken(ctx context.Context, def *config.Definition) Check {
	tokens, err := issuer.NewTokenSource(ctx, def.Issuer.Token, def.AWSSettings())
	if err != nil {
		return failed("issuer token", err)
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return failed("issuer token", err)
	}
	token.Destroy()
	return Check{Name: "issuer token", Status: "ok", Message: fmt.Sprintf("readable from %s", def.Issuer.Token.Source)}
}

func failed(name string, err error) Check {
	c := Check{Name: name, Status: "error", Message: err.Error()}
	var userErr dserrors.UserError
	if errors.As(err, &userErr) {
		c.Message = userErr.Message
		c.Suggestion = userErr.Suggestion
	}
	var cfgErr dserrors.ConfigError
	if errors.As(err, &cfgErr) {
		c.Message = cfgErr.Message
		if cfgErr.Field != "" {
			c.Message = cfgErr.Field + ": " + cfgErr.Message
		}
		c.Suggestion = cfgErr.Suggestion
	}
	return c
}

// printChecks shows check results in a formatted table
func printChecks(out io.Writer, checks []Check) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "CHECK\tSTATUS\tMESSAGE\n")
	_, _ = fmt.Fprintf(w, "-----\t------\t-------\n")
	for _, c := range checks {
		status := c.Status
		switch c.Status {
		case "ok":
			status = "✓ ok"
		case "warn":
			status = "⚠ warn"
		case "error":
			status = "✗ error"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, status, c.Message)
		if c.Suggestion != "" {
			_, _ = fmt.Fprintf(w, "\t\t💡 %s\n", c.Suggestion)
		}
	}
	_ = w.Flush()
}
