package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
)

type PostgresCatalog struct {
	db *sqlx.DB
}

func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: sqlx.NewDb(db, "pgx")}
}

func (c *PostgresCatalog) Columns(ctx context.Context, table string) (map[string]ColumnInfo, error) {
	rows := make([]ColumnInfo, 0)
	err := c.db.SelectContext(ctx, &rows, `
		SELECT column_name, data_type, udt_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
	`, table)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	columns := make(map[string]ColumnInfo, len(rows))
	for _, row := range rows {
		columns[row.Name] = row
	}
	return columns, nil
}

func (c *PostgresCatalog) EnumLabels(ctx context.Context, typeName string) ([]string, bool, error) {
	var exists bool
	err := c.db.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM pg_type t
			JOIN pg_namespace n ON n.oid = t.typnamespace
			WHERE t.typname = $1 AND t.typtype = 'e' AND n.nspname = current_schema()
		)
	`, typeName)
	if err != nil {
		return nil, false, fmt.Errorf("check enum: %w", err)
	}
	if !exists {
		return nil, false, nil
	}
	labels := make([]string, 0)
	err = c.db.SelectContext(ctx, &labels, `
		SELECT e.enumlabel
		FROM pg_enum e
		JOIN pg_type t ON t.oid = e.enumtypid
		JOIN pg_namespace n ON n.oid = t.typnamespace
		WHERE t.typname = $1 AND n.nspname = current_schema()
		ORDER BY e.enumsortorder
	`, typeName)
	if err != nil {
		return nil, false, fmt.Errorf("list enum labels: %w", err)
	}
	return labels, true, nil
}

// advisoryLockKey identifies the reconciliation lock across processes.
const advisoryLockKey int64 = 0x7761797074

// Lock holds a session advisory lock so that concurrent bootstraps inspect and
// patch one after another.
func (c *PostgresCatalog) Lock(ctx context.Context) (func(), error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock conn: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	return func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryLockKey); err != nil {
			log.Printf("schema: advisory unlock: %v", err)
		}
		_ = conn.Close()
	}, nil
}

func (c *PostgresCatalog) Apply(ctx context.Context, table string, statements []string) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin patch %s: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("exec %q: %w", statement, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit patch %s: %w", table, err)
	}
	return nil
}
