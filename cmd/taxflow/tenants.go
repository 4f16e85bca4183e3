package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/cli"
)

func tenantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage tenant business-activity facts",
		Long: `Tenant activity facts (for example "retail" or "door_to_door_sales") decide
which conditional tax rules apply to a tenant's products.`,
	}
	cmd.AddCommand(tenantsSetCmd())
	cmd.AddCommand(tenantsShowCmd())
	return cmd
}

func tenantsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "set TENANT [ACTIVITY...]",
		Short:   "Replace the activity facts of a tenant",
		Example: `  taxflow tenants set pharma-co pharmacy "door to door sales"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := initStorage(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.SetActivityFacts(cmd.Context(), args[0], args[1:]); err != nil {
				return fmt.Errorf("failed to save activity facts: %w", err)
			}
			facts, err := store.ActivityFacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			status(cmd, cli.FormatSuccess(fmt.Sprintf("%s: %s", args[0], strings.Join(facts.Tags(), ", "))))
			return nil
		},
	}
}

func tenantsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [TENANT]",
		Short: "Show activity facts for one tenant or all tenants",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := initStorage(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tenants := args
			if len(tenants) == 0 {
				if tenants, err = store.ListTenants(cmd.Context()); err != nil {
					return err
				}
			}
			if len(tenants) == 0 {
				status(cmd, cli.SubtleStyle.Render("No tenants configured."))
				return nil
			}

			out := cmd.OutOrStdout()
			for _, tenant := range tenants {
				facts, err := store.ActivityFacts(cmd.Context(), tenant)
				if err != nil {
					return err
				}
				tags := strings.Join(facts.Tags(), ", ")
				if tags == "" {
					tags = cli.SubtleStyle.Render("no activities")
				}
				_, _ = fmt.Fprintf(out, "%s  %s\n", cli.BoldStyle.Render(tenant), tags)
			}
			return nil
		},
	}
}
