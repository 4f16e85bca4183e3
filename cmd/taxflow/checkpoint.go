package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/storage"
)

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage database checkpoints",
		Long: `Create, list, restore, and delete database checkpoints.

"taxflow knowledge load" takes an automatic checkpoint before it replaces the
knowledge base; the five most recent automatic checkpoints are kept.`,
		Example: `  taxflow checkpoint create --tag before-2026-nomenclature
  taxflow checkpoint list
  taxflow checkpoint restore before-2026-nomenclature
  taxflow checkpoint delete old-checkpoint`,
	}

	cmd.AddCommand(createCheckpointCmd())
	cmd.AddCommand(listCheckpointsCmd())
	cmd.AddCommand(restoreCheckpointCmd())
	cmd.AddCommand(deleteCheckpointCmd())
	return cmd
}

// withCheckpoints opens storage and a checkpoint manager for fn.
func withCheckpoints(cmd *cobra.Command, fn func(*storage.SQLiteStorage, *storage.CheckpointManager) error) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := initStorage(cmd.Context(), settings)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	manager, err := store.NewCheckpointManager()
	if err != nil {
		return fmt.Errorf("failed to create checkpoint manager: %w", err)
	}
	return fn(store, manager)
}

func createCheckpointCmd() *cobra.Command {
	var tag, description string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCheckpoints(cmd, func(_ *storage.SQLiteStorage, manager *storage.CheckpointManager) error {
				info, err := manager.Create(cmd.Context(), tag, description)
				if err != nil {
					return fmt.Errorf("failed to create checkpoint: %w", err)
				}
				status(cmd, cli.FormatSuccess(fmt.Sprintf("Created checkpoint %s (%s)", info.ID, formatFileSize(info.FileSize))))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", "", "checkpoint name (generated when empty)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "description of the checkpoint")
	return cmd
}

func listCheckpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all checkpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCheckpoints(cmd, func(_ *storage.SQLiteStorage, manager *storage.CheckpointManager) error {
				checkpoints, err := manager.List(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list checkpoints: %w", err)
				}
				if len(checkpoints) == 0 {
					status(cmd, cli.SubtleStyle.Render("No checkpoints found."))
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, strings.Join([]string{
					cli.BoldStyle.Render("NAME"),
					cli.BoldStyle.Render("CREATED"),
					cli.BoldStyle.Render("SIZE"),
					cli.BoldStyle.Render("NODES"),
					cli.BoldStyle.Render("RULES"),
					cli.BoldStyle.Render("DECISIONS"),
					cli.BoldStyle.Render("FEEDBACK"),
					cli.BoldStyle.Render("TYPE"),
				}, "\t"))
				for _, cp := range checkpoints {
					typeLabel := "manual"
					if cp.IsAuto {
						typeLabel = "auto"
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
						cli.InfoStyle.Render(cp.ID),
						formatRelativeTime(cp.CreatedAt, time.Now()),
						formatFileSize(cp.FileSize),
						cp.Nodes,
						cp.TaxRules,
						cp.Decisions,
						cp.Feedback,
						cli.SubtleStyle.Render(typeLabel))
				}
				return w.Flush()
			})
		},
	}
}

func findCheckpoint(cmd *cobra.Command, manager *storage.CheckpointManager, id string) (*storage.CheckpointInfo, error) {
	checkpoints, err := manager.List(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	for i := range checkpoints {
		if checkpoints[i].ID == id {
			return &checkpoints[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrCheckpointNotFound, id)
}

func confirmCheckpoint(cmd *cobra.Command, action string, info *storage.CheckpointInfo) (bool, error) {
	status(cmd, cli.FormatWarning(fmt.Sprintf("This will %s checkpoint %s.", action, info.ID)))
	statusf(cmd, "  Created: %s\n", info.CreatedAt.Format("2006-01-02 15:04:05"))
	if info.Description != "" {
		statusf(cmd, "  Description: %s\n", info.Description)
	}
	return cli.NewLineReader(cmd.InOrStdin()).Confirm(cmd.Context(), cmd.ErrOrStderr(), "Continue?")
}

func restoreCheckpointCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore CHECKPOINT_ID",
		Short: "Replace the database with a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpoints(cmd, func(_ *storage.SQLiteStorage, manager *storage.CheckpointManager) error {
				info, err := findCheckpoint(cmd, manager, args[0])
				if err != nil {
					return err
				}
				if !force {
					ok, err := confirmCheckpoint(cmd, "replace your current database with", info)
					if err != nil || !ok {
						status(cmd, cli.SubtleStyle.Render("Restore cancelled."))
						return err
					}
				}
				if err := manager.Restore(cmd.Context(), info.ID); err != nil {
					return fmt.Errorf("failed to restore checkpoint: %w", err)
				}
				status(cmd, cli.FormatSuccess("Restored from checkpoint "+info.ID))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation prompt")
	return cmd
}

func deleteCheckpointCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete CHECKPOINT_ID",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpoints(cmd, func(_ *storage.SQLiteStorage, manager *storage.CheckpointManager) error {
				info, err := findCheckpoint(cmd, manager, args[0])
				if err != nil {
					return err
				}
				if !force {
					ok, err := confirmCheckpoint(cmd, "permanently delete", info)
					if err != nil || !ok {
						status(cmd, cli.SubtleStyle.Render("Deletion cancelled."))
						return err
					}
				}
				if err := manager.Delete(cmd.Context(), info.ID); err != nil {
					return fmt.Errorf("failed to delete checkpoint: %w", err)
				}
				status(cmd, cli.FormatSuccess("Deleted checkpoint "+info.ID))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation prompt")
	return cmd
}

func formatRelativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}
