package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"flow.evalgo.org/common"
	"flow.evalgo.org/db"
	"flow.evalgo.org/tracing"
	"flow.evalgo.org/version"
)

func init() {
	traceShowCmd.Flags().Bool("json", false, "print raw step JSON")
	traceShowCmd.Flags().String("as", "cli", "identity recorded in the access audit")

	traceAuditCmd.Flags().Int("limit", 50, "maximum audit rows")

	traceEraseCmd.Flags().Bool("yes", false, "confirm the erase")
	traceEraseCmd.Flags().String("by", "cli", "identity recorded as the erasure requester")

	traceCmd.AddCommand(traceShowCmd, traceAuditCmd, traceEraseCmd)
	RootCmd.AddCommand(traceCmd)
}

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "inspect and erase execution traces",
}

// openTracer opens the trace store wrapped in a tracer so CLI reads
// leave the same audit trail as API reads. The returned func flushes
// and closes everything.
func openTracer(ctx context.Context) (*tracing.Tracer, func(), error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.Database.DSN(), 2, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open pgx pool: %w", err)
	}

	tracer := tracing.New(db.NewTraceStore(pool), tracing.Options{})
	done := func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutCtx)
		pool.Close()
	}
	return tracer, done, nil
}

var traceShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "print a session's execution trace",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := common.ComponentLogger("trace")

		tracer, done, err := openTracer(cmd.Context())
		if err != nil {
			log.Fatalf("%v", err)
		}
		defer done()

		accessor, _ := cmd.Flags().GetString("as")
		steps, err := tracer.GetSessionTrace(cmd.Context(), args[0], tracing.AccessInfo{
			AccessedBy: accessor,
			UserAgent:  "flowd-cli/" + version.Version,
		})
		if err != nil {
			log.Fatalf("failed to read trace: %v", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			data, err := json.MarshalIndent(steps, "", "  ")
			if err != nil {
				log.Fatalf("failed to encode steps: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tNODE\tTYPE\tNEXT\tDURATION\tSTARTED\tERROR")
		for _, s := range steps {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%dms\t%s\t%s\n",
				s.StepNumber, s.NodeID, s.NodeType, s.NextNodeID,
				s.DurationMS, humanize.Time(s.StartedAt), s.ErrorMessage)
		}
		w.Flush()
	},
}

var traceAuditCmd = &cobra.Command{
	Use:   "audit <session-id>",
	Short: "print who accessed a session's trace data",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := common.ComponentLogger("trace")

		tracer, done, err := openTracer(cmd.Context())
		if err != nil {
			log.Fatalf("%v", err)
		}
		defer done()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := tracer.GetAccessAudit(cmd.Context(), args[0], limit)
		if err != nil {
			log.Fatalf("failed to read audit trail: %v", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tBY\tACCESS\tIP")
		for _, entry := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				entry.AccessedAt.UTC().Format(time.RFC3339),
				entry.AccessedBy, entry.AccessType, entry.IPAddress)
		}
		w.Flush()
	},
}

var traceEraseCmd = &cobra.Command{
	Use:   "erase <session-id>",
	Short: "erase a session's trace data (GDPR)",
	Long: `erase deletes every execution step recorded for the session and
writes an audit row naming the requester. The step data is gone for
good; run only against a verified erasure request.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := common.ComponentLogger("trace")

		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			log.Fatal("refusing to erase without --yes")
		}

		tracer, done, err := openTracer(cmd.Context())
		if err != nil {
			log.Fatalf("%v", err)
		}
		defer done()

		requestedBy, _ := cmd.Flags().GetString("by")
		deleted, err := tracer.Erase(cmd.Context(), args[0], requestedBy)
		if err != nil {
			log.Fatalf("failed to erase trace data: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "erased %s step rows for session %s\n",
			humanize.Comma(deleted), args[0])
	},
}
