package commands

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"github.com/systmms/signkey/internal/config"
	"github.com/systmms/signkey/internal/handler"
)

// NewLambdaCommand creates the lambda command
func NewLambdaCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as an AWS Lambda function",
		Long: `Start the Lambda runtime loop.

Invocations from the Secrets Manager rotation service carry SecretId,
ClientRequestToken and Step and run one rotation step. Any other payload,
including a scheduled event, runs a standalone renewal of the configured
secret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			lambda.Start(lambdaHandler(rt.Handler))
			return nil
		},
	}
}

// lambdaHandler adapts the handler to the Lambda runtime. Payloads are taken
// raw so that scheduled events with unrelated fields fall through to renewal.
func lambdaHandler(h *handler.Handler) func(ctx context.Context, payload json.RawMessage) (handler.Result, error) {
	return func(ctx context.Context, payload json.RawMessage) (handler.Result, error) {
		return h.HandleJSON(ctx, payload)
	}
}
