package store

import (
	"encoding/json"
	"time"
)

type Trip struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

type Proposal struct {
	ID                string          `db:"id"`
	TripID            string          `db:"trip_id"`
	Category          string          `db:"category"`
	ProposedBy        string          `db:"proposed_by"`
	Details           json.RawMessage `db:"details"`
	Status            string          `db:"status"`
	VotingDeadline    *time.Time      `db:"voting_deadline"`
	AverageRanking    *float64        `db:"average_ranking"`
	SourceType        string          `db:"source_type"`
	SourceSavedItemID *string         `db:"source_saved_item_id"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

type ProposalVote struct {
	ProposalID string    `db:"proposal_id"`
	UserID     string    `db:"user_id"`
	Status     string    `db:"status"`
	Rank       *int      `db:"rank"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// SavedItem is something a member bookmarked for the trip without a vote.
// ScheduledTable/ScheduledEntityID are set when the item is a booking that was
// scheduled directly.
type SavedItem struct {
	ID                string          `db:"id"`
	TripID            string          `db:"trip_id"`
	UserID            string          `db:"user_id"`
	Category          string          `db:"category"`
	Details           json.RawMessage `db:"details"`
	ScheduledTable    *string         `db:"scheduled_table"`
	ScheduledEntityID *string         `db:"scheduled_entity_id"`
	CreatedAt         time.Time       `db:"created_at"`
}

func (s SavedItem) IsScheduled() bool {
	return s.ScheduledEntityID != nil && *s.ScheduledEntityID != ""
}

// ConversionLink is the only record proving a proposal was promoted.
type ConversionLink struct {
	ID                int64     `db:"id"`
	SourceType        string    `db:"source_type"`
	ProposalID        string    `db:"proposal_id"`
	ScheduledTable    string    `db:"scheduled_table"`
	ScheduledEntityID string    `db:"scheduled_entity_id"`
	TripID            string    `db:"trip_id"`
	CreatedBy         string    `db:"created_by"`
	CreatedAt         time.Time `db:"created_at"`
}

type EntityRSVP struct {
	ScheduledTable string    `db:"scheduled_table"`
	EntityID       string    `db:"entity_id"`
	UserID         string    `db:"user_id"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
}

// EntityBase holds the columns every scheduled-entity table shares.
type EntityBase struct {
	ID     string `db:"id"`
	TripID string `db:"trip_id"`
	UserID string `db:"user_id"`
	Status string `db:"status"`
}

// ScheduledEntity is one row of flights, hotels, restaurants or activities.
type ScheduledEntity interface {
	Table() string
	Base() EntityBase
}

type Flight struct {
	EntityBase
	Airline          string     `db:"airline"`
	FlightNumber     string     `db:"flight_number"`
	DepartureAirport string     `db:"departure_airport"`
	ArrivalAirport   string     `db:"arrival_airport"`
	DepartureTime    *time.Time `db:"departure_time"`
	ArrivalTime      *time.Time `db:"arrival_time"`
	ConfirmationCode string     `db:"confirmation_code"`
}

func (Flight) Table() string { return "flights" }
func (f Flight) Base() EntityBase { return f.EntityBase }

type Hotel struct {
	EntityBase
	Name             string     `db:"name"`
	Address          string     `db:"address"`
	City             string     `db:"city"`
	Country          string     `db:"country"`
	CheckIn          *time.Time `db:"check_in"`
	CheckOut         *time.Time `db:"check_out"`
	ConfirmationCode string     `db:"confirmation_code"`
}

func (Hotel) Table() string { return "hotels" }
func (h Hotel) Base() EntityBase { return h.EntityBase }

type Restaurant struct {
	EntityBase
	Name            string     `db:"name"`
	Address         string     `db:"address"`
	City            string     `db:"city"`
	Country         string     `db:"country"`
	ReservationTime *time.Time `db:"reservation_time"`
	PartySize       int        `db:"party_size"`
}

func (Restaurant) Table() string { return "restaurants" }
func (r Restaurant) Base() EntityBase { return r.EntityBase }

type Activity struct {
	EntityBase
	Name        string     `db:"name"`
	Location    string     `db:"location"`
	StartTime   *time.Time `db:"start_time"`
	EndTime     *time.Time `db:"end_time"`
	Description string     `db:"description"`
}

func (Activity) Table() string { return "activities" }
func (a Activity) Base() EntityBase { return a.EntityBase }

// ConversionWrite is everything Convert persists in one transaction.
type ConversionWrite struct {
	ProposalID string
	// FromStatuses guards the proposal update; the write fails with ErrStale
	// when the stored status is not one of them.
	FromStatuses []string
	ToStatus     string
	Entity       ScheduledEntity
	Link         ConversionLink
}

// ScheduledTables lists the scheduled-entity tables in a stable order.
var ScheduledTables = []string{"flights", "hotels", "restaurants", "activities"}

func isScheduledTable(table string) bool {
	for _, known := range ScheduledTables {
		if known == table {
			return true
		}
	}
	return false
}
