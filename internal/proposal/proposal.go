// Package proposal defines the proposal categories, lifecycle states and the
// category-specific detail variants that a trip member can put up for a vote.
package proposal

import "strings"

type Category string

const (
	CategoryFlight     Category = "flight"
	CategoryHotel      Category = "hotel"
	CategoryRestaurant Category = "restaurant"
	CategoryActivity   Category = "activity"
)

// Categories lists every category in a stable order.
var Categories = []Category{CategoryFlight, CategoryHotel, CategoryRestaurant, CategoryActivity}

func ParseCategory(value string) (Category, bool) {
	normalized := Category(strings.ToLower(strings.TrimSpace(value)))
	for _, category := range Categories {
		if category == normalized {
			return category, true
		}
	}
	return "", false
}

// Table is the scheduled-entity table a converted proposal of this category lands in.
func (c Category) Table() string {
	switch c {
	case CategoryFlight:
		return "flights"
	case CategoryHotel:
		return "hotels"
	case CategoryRestaurant:
		return "restaurants"
	case CategoryActivity:
		return "activities"
	default:
		return ""
	}
}

// ScheduledNoun is the plural used in user-facing messages about scheduled entities.
func (c Category) ScheduledNoun() string {
	switch c {
	case CategoryFlight:
		return "flights"
	case CategoryHotel:
		return "stays"
	case CategoryRestaurant:
		return "reservations"
	case CategoryActivity:
		return "activities"
	default:
		return "items"
	}
}

type Status string

const (
	StatusActive    Status = "active"
	StatusVoting    Status = "voting"
	StatusConfirmed Status = "confirmed"
	StatusScheduled Status = "scheduled"
	StatusCanceled  Status = "canceled"

	// StatusVotingClosed is derived on read from the voting deadline and is never stored.
	StatusVotingClosed Status = "voting-closed"
	// StatusTopChoice is a derived display state.
	StatusTopChoice Status = "top-choice"
)

// IsOpen reports whether the proposal still accepts votes and conversion.
func (s Status) IsOpen() bool {
	return s == StatusActive || s == StatusVoting
}

func (s Status) IsConverted() bool {
	return s == StatusConfirmed || s == StatusScheduled
}

// ParseConversionStatus accepts only the two statuses a conversion may request.
func ParseConversionStatus(value string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusScheduled:
		return StatusScheduled, true
	case StatusConfirmed:
		return StatusConfirmed, true
	default:
		return "", false
	}
}

// SourceType records where a proposal came from.
type SourceType string

const (
	SourceManual    SourceType = "manual"
	SourceSavedItem SourceType = "saved_item"
	// SourceScheduled marks rows that wrap an entity which was scheduled directly,
	// without ever going through a vote. Such proposals can never be converted.
	SourceScheduled SourceType = "scheduled"
)

type VoteStatus string

const (
	VotePending  VoteStatus = "pending"
	VoteAccepted VoteStatus = "accepted"
	VoteDeclined VoteStatus = "declined"
)

func ParseVoteStatus(value string) (VoteStatus, bool) {
	switch VoteStatus(strings.ToLower(strings.TrimSpace(value))) {
	case VotePending:
		return VotePending, true
	case VoteAccepted:
		return VoteAccepted, true
	case VoteDeclined:
		return VoteDeclined, true
	default:
		return "", false
	}
}
