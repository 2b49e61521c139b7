package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/diogoX451/skyrfp/internal/adapters/store"
	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
)

var deadLetterLimit int

func init() {
	rootCmd.AddCommand(inspectCmd, deadLettersCmd)
	deadLettersCmd.Flags().IntVar(&deadLetterLimit, "limit", 50, "Maximum number of jobs to list")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <workflow-id>",
	Short: "Show a workflow, its context and its jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st ports.Store) error {
			id := domain.WorkflowID(args[0])
			wf, err := st.GetWorkflow(ctx, id)
			if err != nil {
				return err
			}
			doc, err := st.GetContext(ctx, id)
			if err != nil {
				return err
			}
			jobs, err := st.ListWorkflowJobs(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outputJSON {
				return json.NewEncoder(out).Encode(map[string]any{
					"workflow": wf,
					"context":  json.RawMessage(nonEmpty(doc)),
					"jobs":     jobs,
				})
			}
			printWorkflow(out, wf)
			fmt.Fprintln(out)
			printJobs(out, jobs)
			return nil
		})
	},
}

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st ports.Store) error {
			jobs, err := st.ListJobsByStatus(ctx, domain.JobDeadLettered, deadLetterLimit)
			if err != nil {
				return err
			}
			if outputJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(jobs)
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		})
	},
}

func withStore(ctx context.Context, fn func(context.Context, ports.Store) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func printWorkflow(w io.Writer, wf *domain.Workflow) {
	fmt.Fprintf(w, "Workflow: %s\n", wf.ID)
	fmt.Fprintf(w, "State:    %s (terminal=%t, version=%d)\n", wf.CurrentState, wf.Terminal, wf.Version)
	if wf.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", wf.LastError)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tENTERED\tEXITED\tCAUSE")
	for _, e := range wf.StateHistory {
		exited := "-"
		if e.ExitedAt != nil {
			exited = e.ExitedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.State, e.EnteredAt.Format(time.RFC3339), exited, e.Cause)
	}
	tw.Flush()
}

func printJobs(w io.Writer, jobs []domain.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tATTEMPT\tVISIBLE AFTER\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.Status, j.Attempt, j.MaxAttempts, j.VisibleAfter.Format(time.RFC3339), j.LastError)
	}
	tw.Flush()
}

func nonEmpty(doc domain.Data) domain.Data {
	if len(doc) == 0 {
		return domain.Data(`{}`)
	}
	return doc
}
