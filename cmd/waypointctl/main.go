package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"waypoint/api/internal/app"
	"waypoint/api/internal/config"
	"waypoint/api/internal/schema"
	"waypoint/api/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "waypointctl",
		Short:         "Operational commands for the Waypoint API database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL URL (defaults to DATABASE_URL)")

	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(reconcileCmd())
	cmd.AddCommand(fanoutCmd())
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := connect(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			applied, err := store.ApplyMigrations(cmd.Context(), db, dir)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
			}
			return nil
		},
	}
	cmd.Flags().String("dir", "", "migrations directory (defaults to WAYPOINT_MIGRATIONS_DIR)")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Bring the category tables in line with the expected layout",
		Long: `Adds missing columns, backfills them from legacy columns and moves text
status columns onto their enum types. Safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := connect(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			state := schema.NewState()
			reconciler := schema.NewReconciler(schema.NewPostgresCatalog(db), schema.Layouts)
			reconcileErr := reconciler.Reconcile(cmd.Context(), state)
			writeReconcileReport(cmd.OutOrStdout(), state.Results())
			return reconcileErr
		},
	}
}

func writeReconcileReport(w io.Writer, results []schema.TableResult) {
	for _, result := range results {
		if !result.Patched() {
			fmt.Fprintf(w, "%-12s ok\n", result.Table)
			continue
		}
		changes := make([]string, 0, 3)
		if len(result.Added) > 0 {
			changes = append(changes, "added "+strings.Join(result.Added, ","))
		}
		if len(result.Backfilled) > 0 {
			changes = append(changes, "backfilled "+strings.Join(result.Backfilled, ","))
		}
		if result.StatusMigrated {
			changes = append(changes, "status enum")
		}
		fmt.Fprintf(w, "%-12s patched: %s\n", result.Table, strings.Join(changes, "; "))
	}
}

func fanoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fanout <table> <entity-id>",
		Short: "Create missing RSVP rows for a scheduled entity",
		Long: `Re-runs RSVP fan-out for an entity whose conversion committed but whose
fan-out failed. Existing rows are left untouched.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isScheduledTable(args[0]) {
				return fmt.Errorf("unknown table %q (want one of %s)", args[0], strings.Join(schemaTables(), ", "))
			}
			cfg, db, err := connect(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			service := app.New(cfg, store.NewPostgresStore(db), schema.NewState(), app.Deps{})
			result, err := service.RepairFanout(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %d members, %d rows created\n", args[0], args[1], result.Members, result.Created)
			return nil
		},
	}
}

func schemaTables() []string {
	tables := make([]string, 0, len(schema.Layouts))
	for _, layout := range schema.Layouts {
		tables = append(tables, layout.Table)
	}
	return tables
}

func isScheduledTable(table string) bool {
	_, ok := schema.LayoutFor(table)
	return ok
}

func connect(cmd *cobra.Command) (config.Config, *sql.DB, error) {
	cfg := config.Load()
	if url, _ := cmd.Flags().GetString("database-url"); url != "" {
		cfg.DatabaseURL = url
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, db, nil
}
