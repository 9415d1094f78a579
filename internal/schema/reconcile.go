package schema

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ColumnInfo is one row of information_schema.columns.
type ColumnInfo struct {
	Name     string `db:"column_name"`
	DataType string `db:"data_type"`
	UDTName  string `db:"udt_name"`
}

// Catalog introspects and patches the live database.
type Catalog interface {
	Columns(ctx context.Context, table string) (map[string]ColumnInfo, error)
	// EnumLabels returns the labels of an enum type and whether it exists.
	EnumLabels(ctx context.Context, typeName string) ([]string, bool, error)
	// Apply runs statements for one table in a single transaction.
	Apply(ctx context.Context, table string, statements []string) error
	// Lock excludes other processes from reconciling until the returned
	// function is called.
	Lock(ctx context.Context) (func(), error)
}

type Reconciler struct {
	catalog Catalog
	layouts []Layout
	// OnPatched is called for every table that needed DDL or a backfill.
	OnPatched func(TableResult)
}

func NewReconciler(catalog Catalog, layouts []Layout) *Reconciler {
	return &Reconciler{catalog: catalog, layouts: layouts}
}

// Reconcile brings every layout's table in line and records it in state.
// Tables already recorded are skipped. A table that cannot be reconciled is
// left out of state and reported; the remaining tables are still processed.
func (r *Reconciler) Reconcile(ctx context.Context, state *State) error {
	unlock, err := r.catalog.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	var errs []error
	for _, layout := range r.layouts {
		if state.Ready(layout.Table) {
			continue
		}
		result, err := r.reconcileTable(ctx, layout)
		if err != nil {
			log.Printf("schema: %s: %v", layout.Table, err)
			errs = append(errs, err)
			continue
		}
		if result.Patched() {
			log.Printf("schema: %s patched (added=%v backfilled=%v status_migrated=%t)",
				layout.Table, result.Added, result.Backfilled, result.StatusMigrated)
			if r.OnPatched != nil {
				r.OnPatched(result)
			}
		}
		state.Record(result)
	}
	return errors.Join(errs...)
}

func (r *Reconciler) reconcileTable(ctx context.Context, layout Layout) (TableResult, error) {
	columns, err := r.catalog.Columns(ctx, layout.Table)
	if err != nil {
		return TableResult{}, fmt.Errorf("inspect %s: %w", layout.Table, err)
	}
	if len(columns) == 0 {
		return TableResult{}, &Error{Table: layout.Table, Reason: "table does not exist"}
	}
	labels, enumExists, err := r.catalog.EnumLabels(ctx, layout.Status.Type)
	if err != nil {
		return TableResult{}, fmt.Errorf("inspect %s: %w", layout.Status.Type, err)
	}

	statements, result, err := plan(layout, columns, labels, enumExists)
	if err != nil {
		return TableResult{}, err
	}
	if len(statements) > 0 {
		if err := r.catalog.Apply(ctx, layout.Table, statements); err != nil {
			return TableResult{}, fmt.Errorf("patch %s: %w", layout.Table, err)
		}
	}
	return result, nil
}

// plan computes the statements that bring one table to its layout.
func plan(layout Layout, columns map[string]ColumnInfo, enumLabels []string, enumExists bool) ([]string, TableResult, error) {
	result := TableResult{Table: layout.Table}
	table := ident(layout.Table)
	var statements []string

	for _, column := range layout.Columns {
		if _, ok := columns[column.Name]; ok {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, ident(column.Name), column.Type)
		if column.Default != "" {
			ddl += " NOT NULL DEFAULT " + column.Default
		}
		statements = append(statements, ddl)
		result.Added = append(result.Added, column.Name)

		for _, legacy := range column.Legacy {
			if _, ok := columns[legacy]; !ok {
				continue
			}
			statements = append(statements, fmt.Sprintf("UPDATE %s SET %s = %s::%s WHERE %s IS NOT NULL",
				table, ident(column.Name), ident(legacy), column.Type, ident(legacy)))
			result.Backfilled = append(result.Backfilled, column.Name)
			break
		}
	}

	statusStatements, migrated, err := planStatus(layout, columns["status"], columns, enumLabels, enumExists)
	if err != nil {
		return nil, TableResult{}, err
	}
	statements = append(statements, statusStatements...)
	result.StatusMigrated = migrated
	return statements, result, nil
}

func planStatus(layout Layout, status ColumnInfo, columns map[string]ColumnInfo, enumLabels []string, enumExists bool) ([]string, bool, error) {
	enum := layout.Status
	if enumExists {
		for _, value := range enum.Values {
			if !contains(enumLabels, value) {
				return nil, false, &Error{Table: layout.Table, Column: "status", Reason: fmt.Sprintf("enum %s lacks value %q", enum.Type, value)}
			}
		}
	}

	table := ident(layout.Table)
	typeName := ident(enum.Type)
	defaultValue := literal(enum.Default)
	var statements []string
	if !enumExists {
		statements = append(statements, createEnum(enum))
	}

	if _, ok := columns["status"]; !ok {
		statements = append(statements, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS status %s NOT NULL DEFAULT %s", table, typeName, defaultValue))
		return statements, true, nil
	}

	switch status.DataType {
	case "USER-DEFINED":
		if status.UDTName != enum.Type {
			return nil, false, &Error{Table: layout.Table, Column: "status", Reason: fmt.Sprintf("typed as %s, want %s", status.UDTName, enum.Type)}
		}
		return statements, false, nil
	case "text", "character varying", "character":
		values := make([]string, 0, len(enum.Values))
		for _, value := range enum.Values {
			values = append(values, literal(value))
		}
		statements = append(statements,
			fmt.Sprintf("UPDATE %s SET status = lower(btrim(status)) WHERE status IS NOT NULL AND status <> lower(btrim(status))", table),
			fmt.Sprintf("UPDATE %s SET status = %s WHERE status IS NULL OR status NOT IN (%s)", table, defaultValue, strings.Join(values, ", ")),
			fmt.Sprintf("ALTER TABLE %s ALTER COLUMN status DROP DEFAULT", table),
			fmt.Sprintf("ALTER TABLE %s ALTER COLUMN status TYPE %s USING status::%s", table, typeName, typeName),
			fmt.Sprintf("ALTER TABLE %s ALTER COLUMN status SET DEFAULT %s", table, defaultValue),
			fmt.Sprintf("ALTER TABLE %s ALTER COLUMN status SET NOT NULL", table),
		)
		return statements, true, nil
	default:
		return nil, false, &Error{Table: layout.Table, Column: "status", Reason: fmt.Sprintf("unsupported type %s", status.DataType)}
	}
}

// createEnum tolerates a concurrent bootstrap creating the type first.
func createEnum(enum StatusEnum) string {
	values := make([]string, 0, len(enum.Values))
	for _, value := range enum.Values {
		values = append(values, literal(value))
	}
	return fmt.Sprintf(
		"DO $$ BEGIN CREATE TYPE %s AS ENUM (%s); EXCEPTION WHEN duplicate_object THEN NULL; END $$",
		ident(enum.Type), strings.Join(values, ", "),
	)
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func literal(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func contains(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}
