package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// recordsSQL flattens proposals and the four category tables into one shape.
const recordsSQL = `
	SELECT 'scheduled'::text AS kind, f.id, f.trip_id, 'flight'::text AS category,
		btrim(f.airline || ' ' || f.flight_number) AS title,
		btrim(f.departure_airport || ' ' || f.arrival_airport) AS snippet,
		f.status::text AS status
	FROM flights f
	UNION ALL
	SELECT 'scheduled', h.id, h.trip_id, 'hotel', h.name,
		concat_ws(', ', NULLIF(h.city, ''), NULLIF(h.country, '')), h.status::text
	FROM hotels h
	UNION ALL
	SELECT 'scheduled', r.id, r.trip_id, 'restaurant', r.name,
		concat_ws(', ', NULLIF(r.city, ''), NULLIF(r.country, '')), r.status::text
	FROM restaurants r
	UNION ALL
	SELECT 'scheduled', a.id, a.trip_id, 'activity', a.name, a.location, a.status::text
	FROM activities a
	UNION ALL
	SELECT 'proposal', p.id, p.trip_id, p.category,
		COALESCE(NULLIF(p.details->>'name', ''),
			btrim(COALESCE(p.details->>'airline', '') || ' ' || COALESCE(p.details->>'flightNumber', ''))),
		COALESCE(NULLIF(p.details->>'city', ''), NULLIF(p.details->>'location', ''), ''),
		p.status
	FROM proposals p
`

// PgSearch searches itinerary records directly in PostgreSQL. It is the
// fallback when Meilisearch is down or not configured.
type PgSearch struct {
	db *sqlx.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: sqlx.NewDb(db, "pgx")}
}

// Search matches the query as full-text terms or as a substring of the title
// or snippet, ranked with ts_rank.
func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.TripID == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	document := "to_tsvector('simple', rec.title || ' ' || rec.snippet)"
	tsQuery := "plainto_tsquery('simple', $2)"
	where := fmt.Sprintf("rec.trip_id = $1 AND (%s @@ %s OR rec.title ILIKE $3 OR rec.snippet ILIKE $3)", document, tsQuery)
	args := []any{q.TripID, q.Text, likePattern(q.Text)}
	if q.FilterCategory != "" {
		where += " AND rec.category = $4"
		args = append(args, q.FilterCategory)
	}

	var total int
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) rec WHERE %s", recordsSQL, where)
	if err := p.db.GetContext(ctx, &total, countSQL, args...); err != nil {
		return nil, 0, fmt.Errorf("pg search count: %w", err)
	}

	records := make([]Record, 0)
	dataSQL := fmt.Sprintf(`SELECT rec.kind, rec.id, rec.trip_id, rec.category, rec.title, rec.snippet, rec.status
		FROM (%s) rec
		WHERE %s
		ORDER BY ts_rank(%s, %s) DESC, rec.title ASC
		LIMIT %d OFFSET %d`, recordsSQL, where, document, tsQuery, limit, offset)
	if err := p.db.SelectContext(ctx, &records, dataSQL, args...); err != nil {
		return nil, 0, fmt.Errorf("pg search query: %w", err)
	}

	results := make([]Result, 0, len(records))
	for _, record := range records {
		results = append(results, record.result())
	}
	return results, total, nil
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]Record, error) {
	records := make([]Record, 0)
	if err := p.db.SelectContext(ctx, &records, `SELECT kind, id, trip_id, category, title, snippet, status FROM (`+recordsSQL+`) rec`); err != nil {
		return nil, fmt.Errorf("load itinerary records: %w", err)
	}
	return records, nil
}

func likePattern(text string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(strings.TrimSpace(text)) + "%"
}
