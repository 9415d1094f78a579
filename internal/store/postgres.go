package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "pgx")}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CountTrips(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM trips`); err != nil {
		return 0, fmt.Errorf("count trips: %w", err)
	}
	return count, nil
}

// InsertTrip creates a trip together with its initial members.
func (s *PostgresStore) InsertTrip(ctx context.Context, trip Trip, members []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert trip: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trips (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, trip.ID, trip.Name); err != nil {
		return fmt.Errorf("insert trip: %w", err)
	}
	for _, userID := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trip_members (trip_id, user_id) VALUES ($1, $2)
			ON CONFLICT (trip_id, user_id) DO NOTHING
		`, trip.ID, userID); err != nil {
			return fmt.Errorf("insert trip member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert trip: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsTripMember(ctx context.Context, tripID, userID string) (bool, error) {
	var member bool
	err := s.db.GetContext(ctx, &member, `
		SELECT EXISTS(SELECT 1 FROM trip_members WHERE trip_id=$1 AND user_id=$2)
	`, tripID, userID)
	if err != nil {
		return false, fmt.Errorf("check trip member: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) ListTripMembers(ctx context.Context, tripID string) ([]string, error) {
	members := make([]string, 0)
	err := s.db.SelectContext(ctx, &members, `
		SELECT user_id FROM trip_members
		WHERE trip_id=$1
		ORDER BY joined_at ASC, user_id ASC
	`, tripID)
	if err != nil {
		return nil, fmt.Errorf("list trip members: %w", err)
	}
	return members, nil
}

const proposalColumns = `
	id, trip_id, category, proposed_by, details, status, voting_deadline, average_ranking,
	source_type, source_saved_item_id, created_at, updated_at
`

func (s *PostgresStore) CreateProposal(ctx context.Context, proposal Proposal) error {
	details := proposal.Details
	if len(details) == 0 {
		details = []byte(`{}`)
	}
	sourceType := proposal.SourceType
	if sourceType == "" {
		sourceType = "manual"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, trip_id, category, proposed_by, details, status, voting_deadline, source_type, source_saved_item_id)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
	`, proposal.ID, proposal.TripID, proposal.Category, proposal.ProposedBy, string(details), proposal.Status,
		proposal.VotingDeadline, sourceType, proposal.SourceSavedItemID)
	if isUniqueViolation(err) {
		return fmt.Errorf("create proposal (%s): %w", uniqueConstraint(err), ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	var item Proposal
	err := s.db.GetContext(ctx, &item, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetProposalBySavedItem(ctx context.Context, savedItemID string) (*Proposal, error) {
	var item Proposal
	err := s.db.GetContext(ctx, &item, `SELECT `+proposalColumns+` FROM proposals WHERE source_saved_item_id=$1`, savedItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal by saved item: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListTripProposals(ctx context.Context, tripID string) ([]Proposal, error) {
	items := make([]Proposal, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE trip_id=$1
		ORDER BY created_at ASC, id ASC
	`, tripID)
	if err != nil {
		return nil, fmt.Errorf("list trip proposals: %w", err)
	}
	return items, nil
}

// TransitionProposalStatus moves a proposal to status only if its current
// status is one of from. It reports whether a row changed.
func (s *PostgresStore) TransitionProposalStatus(ctx context.Context, proposalID string, from []string, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status=$3, updated_at=NOW()
		WHERE id=$1 AND status = ANY($2)
	`, proposalID, from, status)
	if err != nil {
		return false, fmt.Errorf("transition proposal status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition proposal status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateProposalRanking(ctx context.Context, proposalID string, averageRanking *float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET average_ranking=$2, updated_at=NOW() WHERE id=$1
	`, proposalID, averageRanking)
	if err != nil {
		return fmt.Errorf("update proposal ranking: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertProposalVote(ctx context.Context, vote ProposalVote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposal_votes (proposal_id, user_id, status, rank)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_id, user_id)
		DO UPDATE SET status=EXCLUDED.status, rank=EXCLUDED.rank, updated_at=NOW()
	`, vote.ProposalID, vote.UserID, vote.Status, vote.Rank)
	if err != nil {
		return fmt.Errorf("upsert proposal vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProposalVotes(ctx context.Context, proposalID string) ([]ProposalVote, error) {
	items := make([]ProposalVote, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT proposal_id, user_id, status, rank, updated_at
		FROM proposal_votes
		WHERE proposal_id=$1
		ORDER BY user_id ASC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list proposal votes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetConversionLink(ctx context.Context, proposalID string) (*ConversionLink, error) {
	var link ConversionLink
	err := s.db.GetContext(ctx, &link, `
		SELECT id, source_type, proposal_id, scheduled_table, scheduled_entity_id, trip_id, created_by, created_at
		FROM conversion_links
		WHERE proposal_id=$1
	`, proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversion link: %w", err)
	}
	return &link, nil
}

// ConvertProposal writes the scheduled entity, the conversion link and the
// proposal status change in a single transaction. A second writer for the same
// proposal loses on the conversion_links unique index and gets ErrDuplicate;
// its entity insert is rolled back with it.
func (s *PostgresStore) ConvertProposal(ctx context.Context, write ConversionWrite) (ConversionLink, error) {
	if write.Entity == nil || !isScheduledTable(write.Entity.Table()) {
		return ConversionLink{}, ErrUnknownTable
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ConversionLink{}, fmt.Errorf("begin conversion: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertScheduledEntity(ctx, tx, write.Entity); err != nil {
		return ConversionLink{}, err
	}

	link := write.Link
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO conversion_links (source_type, proposal_id, scheduled_table, scheduled_entity_id, trip_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, link.SourceType, link.ProposalID, link.ScheduledTable, link.ScheduledEntityID, link.TripID, link.CreatedBy).
		Scan(&link.ID, &link.CreatedAt)
	if isUniqueViolation(err) {
		return ConversionLink{}, fmt.Errorf("insert conversion link: %w", ErrDuplicate)
	}
	if err != nil {
		return ConversionLink{}, fmt.Errorf("insert conversion link: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE proposals SET status=$3, updated_at=NOW()
		WHERE id=$1 AND status = ANY($2)
	`, write.ProposalID, write.FromStatuses, write.ToStatus)
	if err != nil {
		return ConversionLink{}, fmt.Errorf("update converted proposal: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return ConversionLink{}, fmt.Errorf("update converted proposal rows: %w", err)
	} else if affected == 0 {
		return ConversionLink{}, fmt.Errorf("update converted proposal: %w", ErrStale)
	}

	if err := tx.Commit(); err != nil {
		return ConversionLink{}, fmt.Errorf("commit conversion: %w", err)
	}
	return link, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertScheduledEntity casts the status literal to each table's enum type.
func insertScheduledEntity(ctx context.Context, tx execer, entity ScheduledEntity) error {
	var err error
	switch e := entity.(type) {
	case Flight:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO flights (id, trip_id, user_id, status, airline, flight_number, departure_airport, arrival_airport, departure_time, arrival_time, confirmation_code)
			VALUES ($1, $2, $3, $4::flight_status, $5, $6, $7, $8, $9, $10, $11)
		`, e.ID, e.TripID, e.UserID, e.Status, e.Airline, e.FlightNumber, e.DepartureAirport, e.ArrivalAirport, e.DepartureTime, e.ArrivalTime, e.ConfirmationCode)
	case Hotel:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO hotels (id, trip_id, user_id, status, name, address, city, country, check_in, check_out, confirmation_code)
			VALUES ($1, $2, $3, $4::hotel_status, $5, $6, $7, $8, $9, $10, $11)
		`, e.ID, e.TripID, e.UserID, e.Status, e.Name, e.Address, e.City, e.Country, e.CheckIn, e.CheckOut, e.ConfirmationCode)
	case Restaurant:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO restaurants (id, trip_id, user_id, status, name, address, city, country, reservation_time, party_size)
			VALUES ($1, $2, $3, $4::restaurant_status, $5, $6, $7, $8, $9, $10)
		`, e.ID, e.TripID, e.UserID, e.Status, e.Name, e.Address, e.City, e.Country, e.ReservationTime, e.PartySize)
	case Activity:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO activities (id, trip_id, user_id, status, name, location, start_time, end_time, description)
			VALUES ($1, $2, $3, $4::activity_status, $5, $6, $7, $8, $9)
		`, e.ID, e.TripID, e.UserID, e.Status, e.Name, e.Location, e.StartTime, e.EndTime, e.Description)
	default:
		return fmt.Errorf("insert scheduled entity %T: %w", entity, ErrUnknownTable)
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", entity.Table(), err)
	}
	return nil
}

// GetEntityBase loads the shared columns of a scheduled entity.
func (s *PostgresStore) GetEntityBase(ctx context.Context, table, entityID string) (EntityBase, error) {
	if !isScheduledTable(table) {
		return EntityBase{}, ErrUnknownTable
	}
	var base EntityBase
	err := s.db.GetContext(ctx, &base, `SELECT id, trip_id, COALESCE(user_id, '') AS user_id, status::text AS status FROM `+table+` WHERE id=$1`, entityID)
	if err != nil {
		return EntityBase{}, err
	}
	return base, nil
}

func (s *PostgresStore) InsertSavedItem(ctx context.Context, item SavedItem) error {
	details := item.Details
	if len(details) == 0 {
		details = []byte(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saved_items (id, trip_id, user_id, category, details, scheduled_table, scheduled_entity_id)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.TripID, item.UserID, item.Category, string(details), item.ScheduledTable, item.ScheduledEntityID)
	if err != nil {
		return fmt.Errorf("insert saved item: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSavedItem(ctx context.Context, savedItemID string) (SavedItem, error) {
	var item SavedItem
	err := s.db.GetContext(ctx, &item, `
		SELECT id, trip_id, user_id, category, details, scheduled_table, scheduled_entity_id, created_at
		FROM saved_items
		WHERE id=$1
	`, savedItemID)
	if err != nil {
		return SavedItem{}, err
	}
	return item, nil
}

func (s *PostgresStore) EntityRSVPExists(ctx context.Context, table, entityID, userID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM entity_rsvps WHERE scheduled_table=$1 AND entity_id=$2 AND user_id=$3)
	`, table, entityID, userID)
	if err != nil {
		return false, fmt.Errorf("check entity rsvp: %w", err)
	}
	return exists, nil
}

// InsertEntityRSVP reports false when a concurrent writer already created the row.
func (s *PostgresStore) InsertEntityRSVP(ctx context.Context, rsvp EntityRSVP) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_rsvps (scheduled_table, entity_id, user_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scheduled_table, entity_id, user_id) DO NOTHING
	`, rsvp.ScheduledTable, rsvp.EntityID, rsvp.UserID, rsvp.Status)
	if err != nil {
		return false, fmt.Errorf("insert entity rsvp: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert entity rsvp rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListEntityRSVPs(ctx context.Context, table, entityID string) ([]EntityRSVP, error) {
	items := make([]EntityRSVP, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT scheduled_table, entity_id, user_id, status, created_at
		FROM entity_rsvps
		WHERE scheduled_table=$1 AND entity_id=$2
		ORDER BY user_id ASC
	`, table, entityID)
	if err != nil {
		return nil, fmt.Errorf("list entity rsvps: %w", err)
	}
	return items, nil
}
