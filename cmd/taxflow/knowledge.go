package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/knowledge"
	"github.com/Veraticus/taxflow/internal/storage"
)

func knowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the nomenclature and tax-rule knowledge base",
	}
	cmd.AddCommand(knowledgeLoadCmd())
	cmd.AddCommand(knowledgeStatusCmd())
	return cmd
}

func knowledgeLoadCmd() *cobra.Command {
	var noCheckpoint bool

	cmd := &cobra.Command{
		Use:   "load FILE...",
		Short: "Replace the knowledge base with YAML, HTML, and PDF sources",
		Long: `Load commodity nodes, tax segments, tax rules, and interpretation rules.

YAML bundles may carry every kind of entry. HTML files contribute nomenclature
tables, and PDF files contribute interpretation-rule text. All files are merged
and validated before anything is written; the existing knowledge tables are
replaced in one transaction.`,
		Example: `  taxflow knowledge load nomenclature.yaml tax-rules.html
  taxflow knowledge load bundle.yaml interpretation.pdf --no-checkpoint`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			bundle, err := knowledge.LoadFiles(args...)
			if err != nil {
				return fmt.Errorf("failed to read knowledge: %w", err)
			}
			if err := knowledge.Validate(bundle); err != nil {
				return fmt.Errorf("knowledge is inconsistent: %w", err)
			}

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := initStorage(ctx, settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if !noCheckpoint {
				autoCheckpoint(cmd, store, "knowledge-load")
			}

			if err := store.LoadKnowledge(ctx, bundle); err != nil {
				return fmt.Errorf("failed to load knowledge: %w", err)
			}

			status(cmd, cli.FormatSuccess(fmt.Sprintf("Loaded %d commodity nodes, %d segments, %d tax rules, %d interpretation rules",
				len(bundle.Nodes), len(bundle.Segments), len(bundle.TaxRules), len(bundle.InterpretationRules))))
			return nil
		},
	}

	cmd.Flags().BoolVar(&noCheckpoint, "no-checkpoint", false, "skip the automatic checkpoint before replacing the knowledge base")
	return cmd
}

// autoCheckpoint snapshots the database; failure is reported but not fatal.
func autoCheckpoint(cmd *cobra.Command, store *storage.SQLiteStorage, operation string) {
	manager, err := store.NewCheckpointManager()
	if err != nil {
		slog.Warn("checkpoints unavailable", "error", err)
		return
	}
	info, err := manager.AutoCheckpoint(cmd.Context(), operation)
	if err != nil {
		status(cmd, cli.FormatWarning(fmt.Sprintf("Could not create a checkpoint: %v", err)))
		return
	}
	status(cmd, cli.FormatInfo("Created checkpoint "+info.ID))
}

func knowledgeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how much knowledge is loaded",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := initStorage(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			counts, err := store.KnowledgeCounts(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(counts))
			for name := range counts {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, cli.FormatTitle("Knowledge base"))
			for _, name := range names {
				_, _ = fmt.Fprintf(out, "  %-22s %d\n", name, counts[name])
			}
			if counts["nodes"] == 0 {
				status(cmd, cli.FormatWarning("No nomenclature loaded. Run: taxflow knowledge load FILE..."))
			}
			return nil
		},
	}
}
