package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/config"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
	"github.com/Veraticus/taxflow/internal/sheets"
	"github.com/Veraticus/taxflow/internal/tui"
	"github.com/Veraticus/taxflow/internal/tui/themes"
)

func reviewCmd() *cobra.Command {
	var (
		filter     service.DecisionFilter
		reviewerID string
		plain      bool
		list       bool
		theme      string
	)

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Confirm or correct decisions waiting for review",
		Long: `Walk through the groups the pipeline could not settle. Accepting or correcting
a group applies its codes to every member record, writes a reviewer entry to the
audit ledger, and teaches the feedback set so later batches settle the same
product automatically.

An interactive terminal gets the full-screen review queue; otherwise, or with
--plain, a line-based prompt is used.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Unreviewed = true
			if reviewerID == "" {
				reviewerID = firstNonEmpty(viper.GetString("review.reviewer_id"), os.Getenv("USER"))
			}
			if reviewerID == "" && !list {
				return fmt.Errorf("--reviewer is required")
			}

			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if list {
				queue, err := a.orch.ReviewQueue(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), queue)
			}

			if !plain && isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd()) {
				reviewed, skipped, err := tui.Run(ctx, tui.Config{
					Pipeline:   a.orch,
					Filter:     filter,
					ReviewerID: reviewerID,
					Theme:      themes.GetTheme(theme),
				})
				if err != nil {
					return err
				}
				status(cmd, cli.FormatSuccess(fmt.Sprintf("Reviewed %d groups, skipped %d", reviewed, skipped)))
				return nil
			}

			queue, err := a.orch.ReviewQueue(ctx, filter)
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				status(cmd, cli.FormatSuccess("Nothing waiting for review."))
				return nil
			}
			prompter := cli.NewReviewPrompter(cmd.InOrStdin(), cmd.OutOrStdout(), a.orch, reviewerID)
			prompter.Describe = func(ctx context.Context, groupID string) string {
				g, err := a.orch.Group(ctx, groupID)
				if err != nil {
					return ""
				}
				return g.Representative
			}
			_, err = prompter.Run(ctx, queue)
			return err
		},
	}

	cmd.Flags().StringVar(&filter.BatchID, "batch", "", "only decisions of this batch")
	cmd.Flags().StringVar(&filter.TenantID, "tenant", "", "only decisions of this tenant")
	cmd.Flags().IntVar(&filter.Limit, "limit", 200, "maximum decisions to load")
	cmd.Flags().StringVar(&reviewerID, "reviewer", "", "reviewer id recorded in the ledger (default: review.reviewer_id or $USER)")
	cmd.Flags().BoolVar(&plain, "plain", false, "use line prompts instead of the full-screen queue")
	cmd.Flags().BoolVar(&list, "list", false, "print the queue as JSON and exit")
	cmd.Flags().StringVar(&theme, "theme", "default", "color theme (default, catppuccin-mocha)")
	return cmd
}

func exportReviewsCmd() *cobra.Command {
	var filter service.DecisionFilter

	cmd := &cobra.Command{
		Use:   "export-reviews",
		Short: "Export the review queue to Google Sheets",
		Long: `Write every decision waiting for review to a Google spreadsheet so reviewers
can work through it outside the terminal.

Authenticate with a service account (sheets.service_account_path) or with
OAuth2 client credentials and a refresh token from "taxflow auth sheets".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Unreviewed = true
			ctx := cmd.Context()

			sheetsCfg, err := config.LoadSheetsConfig(viper.GetViper())
			if err != nil {
				return fmt.Errorf("google sheets is not configured: %w", err)
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			writer, err := sheets.NewWriter(ctx, *sheetsCfg, nil)
			if err != nil {
				return err
			}
			n, err := exportQueue(ctx, a, filter, writer)
			if err != nil {
				return err
			}
			status(cmd, cli.FormatSuccess(fmt.Sprintf("Exported %d decisions to %q", n, sheetsCfg.SpreadsheetName)))
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.BatchID, "batch", "", "only decisions of this batch")
	cmd.Flags().StringVar(&filter.TenantID, "tenant", "", "only decisions of this tenant")
	cmd.Flags().IntVar(&filter.Limit, "limit", 5000, "maximum decisions to export")
	return cmd
}

// exportQueue writes the matching review queue, with each group's
// representative description, to exporter.
func exportQueue(ctx context.Context, a *app, filter service.DecisionFilter, exporter sheets.Exporter) (int, error) {
	queue, err := a.orch.ReviewQueue(ctx, filter)
	if err != nil {
		return 0, err
	}
	groups := make(map[string]model.AggregateGroup, len(queue))
	for _, d := range queue {
		if g, err := a.orch.Group(ctx, d.GroupID); err == nil {
			groups[d.GroupID] = *g
		}
	}
	if err := exporter.Write(ctx, sheets.ReviewRows(queue, groups)); err != nil {
		return 0, fmt.Errorf("failed to export review queue: %w", err)
	}
	return len(queue), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
