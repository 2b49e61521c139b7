package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/agents"
	"github.com/diogoX451/skyrfp/internal/app"
	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/metrics"
	"github.com/diogoX451/skyrfp/internal/store/sqlite"
	"github.com/diogoX451/skyrfp/pkg/types"
)

var (
	runDB           string
	runQuotes       []string
	runQuoteTimeout time.Duration
	runDeadline     time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runDB, "db", "", "SQLite file (temporary when empty)")
	runCmd.Flags().StringSliceVar(&runQuotes, "quote", nil, "Quote as operator:price[:currency], repeatable")
	runCmd.Flags().DurationVar(&runQuoteTimeout, "quote-timeout", 2*time.Second, "How long to wait for quotes")
	runCmd.Flags().DurationVar(&runDeadline, "deadline", time.Minute, "Give up after this long")
}

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run one RFP end to end in process",
	Long: `Run one RFP through every stage without NATS, on an embedded store.

Quotes given with --quote are reported once the workflow starts searching.

Examples:
  rfpctl run rfp.json --quote "Blue Sky:28500" --quote "Aero:31000:USD"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		request, err := readRequest(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		quotes, err := parseQuotes(runQuotes)
		if err != nil {
			return err
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Engine.QuoteTimeout = runQuoteTimeout
		cfg.Engine.PollInterval = 20 * time.Millisecond

		dbPath := runDB
		if dbPath == "" {
			dir, err := os.MkdirTemp("", "rfpctl-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			dbPath = filepath.Join(dir, "skyrfp.db")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), runDeadline)
		defer cancel()

		st, err := sqlite.Open(dbPath)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		stack, err := app.Build(ctx, cfg, st, agents.Deps{Log: logger}, metrics.New(), logger)
		if err != nil {
			return err
		}
		defer stack.Shutdown(context.Background())

		engineCtx, stopEngine := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- stack.Engine.Run(engineCtx) }()
		defer func() {
			stopEngine()
			<-done
		}()

		id := domain.WorkflowID(uuid.NewString())
		if err := stack.Dispatcher.Dispatch(ctx, types.Command{Kind: types.CommandSubmit, WorkflowID: string(id), Request: request}); err != nil {
			return err
		}

		wf, err := waitTerminal(ctx, stack, id, quotes, logger)
		if err != nil {
			return err
		}
		doc, err := st.GetContext(ctx, id)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return json.NewEncoder(out).Encode(map[string]any{
				"workflow": wf,
				"context":  json.RawMessage(nonEmpty(doc)),
			})
		}
		printWorkflow(out, wf)
		return nil
	},
}

// waitTerminal polls the workflow, reporting quotes once it can take them.
func waitTerminal(ctx context.Context, stack *app.Stack, id domain.WorkflowID, quotes []types.QuoteSignal, log *zap.Logger) (*domain.Workflow, error) {
	reported := len(quotes) == 0
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		wf, err := stack.Store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if wf.Terminal {
			return wf, nil
		}
		if !reported && (wf.CurrentState == domain.StateSearchingFlights || wf.CurrentState == domain.StateAwaitingQuotes) {
			for i := range quotes {
				q := quotes[i]
				if err := stack.Dispatcher.Dispatch(ctx, types.Command{Kind: types.CommandQuote, WorkflowID: string(id), Quote: &q}); err != nil {
					log.Warn("quote rejected", zap.String("quote_id", q.ID), zap.Error(err))
				}
			}
			reported = true
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("workflow %s still in %s: %w", id, wf.CurrentState, ctx.Err())
		case <-ticker.C:
		}
	}
}

// parseQuotes reads operator:price[:currency] entries.
func parseQuotes(raws []string) ([]types.QuoteSignal, error) {
	quotes := make([]types.QuoteSignal, 0, len(raws))
	for i, raw := range raws {
		parts := strings.Split(raw, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("invalid quote %q, want operator:price[:currency]", raw)
		}
		price, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("invalid price in quote %q", raw)
		}
		currency := "USD"
		if len(parts) == 3 && parts[2] != "" {
			currency = strings.ToUpper(parts[2])
		}
		quotes = append(quotes, types.QuoteSignal{
			ID:             fmt.Sprintf("local-%d", i+1),
			Price:          price,
			Currency:       currency,
			SourceOperator: parts[0],
		})
	}
	return quotes, nil
}
