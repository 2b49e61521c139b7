package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/diogoX451/skyrfp/internal/adapters/events"
	natsevents "github.com/diogoX451/skyrfp/internal/events/nats"
	"github.com/diogoX451/skyrfp/pkg/types"
)

var (
	submitID    string
	reason      string
	quoteID     string
	quotePrice  float64
	quoteCcy    string
	quoteOp     string
	quoteExpiry string
)

func init() {
	rootCmd.AddCommand(submitCmd, quoteCmd, advanceCmd, cancelCmd)

	submitCmd.Flags().StringVar(&submitID, "id", "", "Workflow id (generated when empty)")

	quoteCmd.Flags().StringVar(&quoteID, "quote-id", "", "Quote id (required)")
	quoteCmd.Flags().Float64Var(&quotePrice, "price", 0, "Quoted price (required)")
	quoteCmd.Flags().StringVar(&quoteCcy, "currency", "USD", "Currency code")
	quoteCmd.Flags().StringVar(&quoteOp, "operator", "", "Operator that issued the quote")
	quoteCmd.Flags().StringVar(&quoteExpiry, "valid-until", "", "Expiry as RFC3339")
	_ = quoteCmd.MarkFlagRequired("quote-id")
	_ = quoteCmd.MarkFlagRequired("price")

	for _, c := range []*cobra.Command{advanceCmd, cancelCmd} {
		c.Flags().StringVar(&reason, "reason", "", "Reason recorded on the workflow")
	}
}

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit an RFP request",
	Long: `Submit an RFP request read from a JSON file or stdin.

Examples:
  rfpctl submit rfp.json
  echo '{"from":"KTEB","to":"KMIA","date":"2026-12-01","pax":4}' | rfpctl submit -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		request, err := readRequest(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		id := submitID
		if id == "" {
			id = uuid.NewString()
		}
		if err := publish(cmd.Context(), types.Command{Kind: types.CommandSubmit, WorkflowID: id, Request: request}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote <workflow-id>",
	Short: "Report an operator quote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		signal := &types.QuoteSignal{
			ID:             quoteID,
			Price:          quotePrice,
			Currency:       quoteCcy,
			SourceOperator: quoteOp,
		}
		if quoteExpiry != "" {
			t, err := time.Parse(time.RFC3339, quoteExpiry)
			if err != nil {
				return fmt.Errorf("invalid --valid-until: %w", err)
			}
			signal.ValidUntil = t
		}
		return publish(cmd.Context(), types.Command{Kind: types.CommandQuote, WorkflowID: args[0], Quote: signal})
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance <workflow-id>",
	Short: "Stop waiting for quotes and analyze what arrived",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publish(cmd.Context(), types.Command{Kind: types.CommandAdvance, WorkflowID: args[0], Reason: reason})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publish(cmd.Context(), types.Command{Kind: types.CommandCancel, WorkflowID: args[0], Reason: reason})
	},
}

// readRequest loads the RFP from args[0], or stdin for "-" or no argument.
func readRequest(args []string, stdin io.Reader) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("request must be a JSON object")
	}
	return json.RawMessage(data), nil
}

func publish(ctx context.Context, cmd types.Command) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	bus, err := natsevents.New(natsevents.Config{
		URL:           cfg.NATS.URL,
		Name:          "rfpctl",
		MaxReconnects: 1,
		ReconnectWait: time.Second,
	}, logger)
	if err != nil {
		return err
	}
	defer bus.Close()
	if err := bus.SetupStreams(cfg.NATS.Streams.CommandSubject, cfg.NATS.Streams.MessageSubject); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return events.NewCommandPublisher(bus, cfg.NATS.Streams.CommandSubject).Dispatch(ctx, cmd)
}
