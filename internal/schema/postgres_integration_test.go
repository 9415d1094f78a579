package schema

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waypoint/api/internal/store"
)

// openLegacyDB migrates a fresh schema and reshapes hotels the way older
// deployments left it: text status with blank and mixed-case values, and the
// creator and name under their old column names.
func openLegacyDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("WAYPOINT_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("WAYPOINT_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	const schemaName = "waypoint_it_reconcile"
	admin, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	quoted := pgx.Identifier{schemaName}.Sanitize()
	_, err = admin.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE; CREATE SCHEMA %s;`, quoted, quoted))
	require.NoError(t, err)

	connConfig, err := pgx.ParseConfig(dsn)
	require.NoError(t, err)
	connConfig.RuntimeParams["search_path"] = schemaName
	db := stdlib.OpenDB(*connConfig)
	t.Cleanup(func() {
		_ = db.Close()
		_, _ = admin.ExecContext(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, quoted))
		_ = admin.Close()
	})

	_, err = store.ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"))
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		ALTER TABLE hotels ADD COLUMN created_by TEXT, ADD COLUMN hotel_name TEXT;
		INSERT INTO trips (id, name) VALUES ('trip-legacy', 'Legacy');
		INSERT INTO hotels (id, trip_id, status, created_by, hotel_name) VALUES
			('hotel-blank', 'trip-legacy', '', 'ana', 'Riverside Inn'),
			('hotel-mixed', 'trip-legacy', ' Confirmed ', 'ben', 'Ace Hotel'),
			('hotel-bogus', 'trip-legacy', 'booked', NULL, NULL);
	`)
	require.NoError(t, err)
	return db
}

func TestReconcilePostgresLegacyHotels(t *testing.T) {
	db := openLegacyDB(t)
	ctx := context.Background()

	var patched []string
	reconciler := NewReconciler(NewPostgresCatalog(db), Layouts)
	reconciler.OnPatched = func(result TableResult) { patched = append(patched, result.Table) }
	state := NewState()
	require.NoError(t, reconciler.Reconcile(ctx, state))

	for _, layout := range Layouts {
		assert.True(t, state.Ready(layout.Table), layout.Table)
	}
	assert.Contains(t, patched, "hotels")

	var dataType, udtName string
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT data_type, udt_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'hotels' AND column_name = 'status'
	`).Scan(&dataType, &udtName))
	assert.Equal(t, "USER-DEFINED", dataType)
	assert.Equal(t, "hotel_status", udtName)

	type hotelRow struct {
		Status string
		UserID string
		Name   string
	}
	rows := map[string]hotelRow{}
	result, err := db.QueryContext(ctx, `SELECT id, status::text, user_id, name FROM hotels`)
	require.NoError(t, err)
	defer result.Close()
	for result.Next() {
		var id string
		var row hotelRow
		require.NoError(t, result.Scan(&id, &row.Status, &row.UserID, &row.Name))
		rows[id] = row
	}
	require.NoError(t, result.Err())

	assert.Equal(t, hotelRow{Status: "scheduled", UserID: "ana", Name: "Riverside Inn"}, rows["hotel-blank"])
	assert.Equal(t, hotelRow{Status: "confirmed", UserID: "ben", Name: "Ace Hotel"}, rows["hotel-mixed"])
	assert.Equal(t, hotelRow{Status: "scheduled", UserID: "", Name: ""}, rows["hotel-bogus"])

	_, err = db.ExecContext(ctx, `INSERT INTO hotels (id, trip_id) VALUES ('hotel-default', 'trip-legacy')`)
	require.NoError(t, err)
	var defaultStatus string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status::text FROM hotels WHERE id='hotel-default'`).Scan(&defaultStatus))
	assert.Equal(t, "scheduled", defaultStatus)

	again := NewState()
	require.NoError(t, reconciler.Reconcile(ctx, again))
	for _, table := range again.Results() {
		assert.False(t, table.Patched(), "second run patched %s", table.Table)
	}
}
