package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/engine"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/source"
)

// progressRelay forwards group outcomes to a bar created once the group count is known.
type progressRelay struct {
	bar *cli.BatchProgress
}

func (r *progressRelay) observe(o engine.GroupOutcome) {
	if r.bar != nil {
		r.bar.Observe(o)
	}
}

func submitCmd() *cobra.Command {
	var (
		tenantID string
		strategy string
		format   string
		noRun    bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit a product catalog for classification",
		Long: `Read a CSV, JSON, or JSON Lines product catalog, group equivalent products,
and classify every group.

CSV files need a description column; id, commodity code (ncm), tax code (cest),
product code, and barcode (ean/gtin) columns are optional. Use "-" to read
standard input together with --format.`,
		Example: `  taxflow submit products.csv --tenant acme
  taxflow submit catalog.jsonl --tenant pharma-co --strategy conservative
  cat products.csv | taxflow submit - --tenant acme --format csv --no-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
			ctx := cmd.Context()

			records, err := readRecords(ctx, cmd.InOrStdin(), args[0], format, tenantID)
			if err != nil {
				return err
			}

			relay := &progressRelay{}
			a, err := openApp(ctx, engine.WithProgress(relay.observe))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.strategy(strategy)
			if err != nil {
				return err
			}
			batch, err := a.orch.SubmitBatch(ctx, tenantID, records, st)
			if err != nil {
				return fmt.Errorf("failed to submit batch: %w", err)
			}
			status(cmd, cli.FormatSuccess(fmt.Sprintf("Batch %s: %d records in %d groups (strategy %s)",
				batch.ID, batch.RecordCount, batch.GroupCount, st.Name)))

			if noRun {
				status(cmd, cli.FormatInfo("Run it with: taxflow resume "+batch.ID))
				return nil
			}
			return runBatch(cmd, a, relay, batch.ID, batch.GroupCount, false, asJSON)
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant the catalog belongs to")
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "classification strategy (default: default)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "input format: csv, json, jsonl (default: from the file extension)")
	cmd.Flags().BoolVar(&noRun, "no-run", false, "store the batch without classifying it")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the final report as JSON")
	return cmd
}

func readRecords(ctx context.Context, stdin io.Reader, path, format, tenantID string) ([]model.ProductRecord, error) {
	parser := source.NewParser(slog.Default())
	if path != "-" && format == "" {
		return parser.ReadFile(ctx, path, tenantID)
	}
	if format == "" {
		return nil, fmt.Errorf("--format is required when reading standard input")
	}

	r := stdin
	if path != "-" {
		f, err := os.Open(path) // #nosec G304 -- user-provided catalog path
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return parser.Parse(ctx, r, source.Format(strings.ToLower(format)), tenantID)
}

func resumeCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "resume BATCH_ID",
		Short: "Continue an interrupted batch",
		Long:  `Classify every group of a batch that has not reached a terminal state. Each group restarts from its last saved step.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			relay := &progressRelay{}
			a, err := openApp(ctx, engine.WithProgress(relay.observe))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			report, err := a.orch.BatchStatus(ctx, args[0])
			if err != nil {
				return err
			}
			if report.Remaining() == 0 {
				status(cmd, cli.FormatInfo("Every group of this batch is already settled."))
				return printReport(cmd, report, asJSON)
			}
			return runBatch(cmd, a, relay, args[0], report.Remaining(), true, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the final report as JSON")
	return cmd
}

// runBatch classifies a batch with a progress bar, stopping dispatch on interrupt.
func runBatch(cmd *cobra.Command, a *app, relay *progressRelay, batchID string, total int, resume, asJSON bool) error {
	ctx := cli.NewInterruptHandler(cmd.ErrOrStderr()).HandleInterrupts(cmd.Context(), batchID)

	relay.bar = cli.NewBatchProgress(cmd.ErrOrStderr(), total)
	run := a.orch.RunBatch
	if resume {
		run = a.orch.ResumeBatch
	}
	report, err := run(ctx, batchID)
	relay.bar.Finish()
	if err != nil {
		return fmt.Errorf("batch %s failed: %w", batchID, err)
	}
	return printReport(cmd, report, asJSON)
}

func printReport(cmd *cobra.Command, report *engine.Report, asJSON bool) error {
	if asJSON {
		return printJSON(cmd.OutOrStdout(), report)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), cli.FormatReport(report))
	if report.Remaining() > 0 {
		status(cmd, cli.FormatWarning(fmt.Sprintf("%d groups unfinished. Resume with: taxflow resume %s",
			report.Remaining(), report.Batch.ID)))
	}
	if n := report.States[model.StateNeedsReview]; n > 0 {
		status(cmd, cli.FormatInfo(fmt.Sprintf("%d groups need review. Start with: taxflow review --batch %s", n, report.Batch.ID)))
	}
	return err
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status BATCH_ID",
		Short: "Show how far a batch has progressed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			report, err := a.orch.BatchStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printReport(cmd, report, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func decisionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "decision GROUP_ID",
		Short: "Show the latest decision for a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			d, err := a.orch.Decision(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printDecision(cmd, a, d, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printDecision(cmd *cobra.Command, a *app, d *model.ClassificationDecision, asJSON bool) error {
	if asJSON {
		return printJSON(cmd.OutOrStdout(), d)
	}
	content := cli.FormatDecision(d)
	if g, err := a.orch.Group(cmd.Context(), d.GroupID); err == nil {
		content = fmt.Sprintf("Product:     %s (%d records)\n", cli.BoldStyle.Render(g.Representative), g.MemberCount) + content
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), cli.RenderBox("Decision", content))
	return err
}

func reclassifyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reclassify GROUP_ID",
		Short: "Run a group through the pipeline again",
		Long: `Reset a group that is not currently being classified and run it again with
its batch's strategy. The audit ledger keeps the earlier decisions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			d, err := a.orch.Reclassify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printDecision(cmd, a, d, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func auditCmd() *cobra.Command {
	var (
		filter model.AuditFilter
		since  time.Duration
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit ledger",
		Example: `  taxflow audit --group 3f1c...
  taxflow audit --batch 9a2e... --agent reviewer
  taxflow audit --tenant acme --since 24h --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since > 0 {
				from := time.Now().Add(-since)
				filter.From = &from
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			entries, err := a.orch.ListAudit(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			if len(entries) == 0 {
				status(cmd, cli.SubtleStyle.Render("No audit entries found."))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, strings.Join([]string{
				cli.BoldStyle.Render("TIME"),
				cli.BoldStyle.Render("AGENT"),
				cli.BoldStyle.Render("GROUP"),
				cli.BoldStyle.Render("STATE"),
				cli.BoldStyle.Render("OUTPUT"),
			}, "\t"))
			for _, e := range entries {
				agent := e.Agent
				if e.ReviewerID != "" {
					agent += " (" + e.ReviewerID + ")"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"),
					agent,
					shortID(e.GroupID),
					cli.StateStyle(e.State).Render(string(e.State)),
					truncate(string(e.Output), 80))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.GroupID, "group", "", "group id")
	cmd.Flags().StringVar(&filter.BatchID, "batch", "", "batch id")
	cmd.Flags().StringVar(&filter.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&filter.Agent, "agent", "", "agent name (aggregation, enrichment, commodity, taxcode, orchestrator, reviewer)")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
