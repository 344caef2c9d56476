package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/signkey/internal/config"
)

// NewHandleCommand creates the handle command
func NewHandleCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "handle [event-file]",
		Short: "Process one trigger payload",
		Long: `Process a single trigger payload exactly as the Lambda function would.

The payload is read from the given file, or from stdin when no file or "-"
is given. The result is printed as JSON.`,
		Example: `  # Run a rotation step
  echo '{"SecretId":"cdn/signing-key","ClientRequestToken":"t1","Step":"createSecret"}' | signkey handle

  # Run a standalone renewal
  echo '{}' | signkey handle`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open event file: %w", err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			payload, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read event: %w", err)
			}

			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Handler.HandleJSON(cmd.Context(), payload)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}
