package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"waypoint/api/internal/events"
	"waypoint/api/internal/metrics"
	"waypoint/api/internal/proposal"
	"waypoint/api/internal/rsvp"
	"waypoint/api/internal/search"
	"waypoint/api/internal/store"
	"waypoint/api/internal/util"
)

// linkSourceProposal is the conversion_links.source_type written by Convert.
const linkSourceProposal = "proposal"

type ScheduledEntityView struct {
	Table  string `json:"table"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ConversionResult struct {
	Proposal ProposalView        `json:"proposal"`
	Entity   ScheduledEntityView `json:"entity"`
	RSVPs    rsvp.Result         `json:"rsvps"`
	// FanoutPending is set when the conversion committed but RSVP rows could
	// not all be written. `waypointctl fanout` repairs it.
	FanoutPending bool `json:"fanoutPending"`
}

// Convert promotes an open proposal into a scheduled entity of its category.
// The entity, the conversion link and the proposal status are written in one
// transaction; RSVP fan-out runs after commit.
func (s *Service) Convert(ctx context.Context, tripID, proposalID, requestedStatus, actingUserID string) (result ConversionResult, err error) {
	category := "unknown"
	defer func() {
		s.metrics.Conversion(category, conversionOutcome(err))
	}()

	status, ok := proposal.ParseConversionStatus(requestedStatus)
	if !ok {
		return ConversionResult{}, validationError("INVALID_STATUS",
			"Status must be one of: scheduled, confirmed",
			map[string]any{"allowed": []string{string(proposal.StatusScheduled), string(proposal.StatusConfirmed)}})
	}

	item, err := s.loadProposal(ctx, tripID, proposalID)
	if err != nil {
		return ConversionResult{}, err
	}
	category = item.Category

	if err := s.requireMember(ctx, tripID, actingUserID); err != nil {
		return ConversionResult{}, err
	}

	kind, ok := proposal.ParseCategory(item.Category)
	if !ok {
		return ConversionResult{}, validationError("INVALID_CATEGORY", "Proposal has an unknown category", nil)
	}
	if proposal.SourceType(item.SourceType) == proposal.SourceScheduled {
		return ConversionResult{}, forbidden(scheduledSourceMessage(kind))
	}
	if err := s.ensureOpen(ctx, item); err != nil {
		return ConversionResult{}, err
	}

	details, err := proposal.Decode(kind, item.Details)
	if err != nil {
		return ConversionResult{}, validationError("INVALID_DETAILS", "Proposal details are malformed", nil)
	}
	details = details.Resolve()
	if missing := proposal.Missing(details); len(missing) > 0 {
		return ConversionResult{}, validationError("MISSING_FIELDS",
			"Missing required fields: "+strings.Join(missing, ", "),
			map[string]any{"missingFields": missing})
	}

	table := kind.Table()
	if !s.schema.Ready(table) {
		log.Printf("schema: refusing write to unreconciled table %s", table)
		return ConversionResult{}, schemaError()
	}

	if s.guard != nil {
		release, acquired, guardErr := s.guard.Acquire(ctx, "convert:"+item.ID, s.cfg.ConversionLockTTL)
		switch {
		case guardErr != nil:
			log.Printf("guard: acquire convert:%s: %v", item.ID, guardErr)
		case !acquired:
			return ConversionResult{}, conflict("CONVERSION_IN_PROGRESS", "Proposal is already being converted", nil)
		default:
			defer release()
		}
	}

	base := store.EntityBase{
		ID:     util.NewID(string(kind)),
		TripID: tripID,
		UserID: actingUserID,
		Status: string(status),
	}
	entity := scheduledEntity(base, details)

	link, err := s.store.ConvertProposal(ctx, store.ConversionWrite{
		ProposalID:   item.ID,
		FromStatuses: openStatuses(),
		ToStatus:     string(status),
		Entity:       entity,
		Link: store.ConversionLink{
			SourceType:        linkSourceProposal,
			ProposalID:        item.ID,
			ScheduledTable:    table,
			ScheduledEntityID: base.ID,
			TripID:            tripID,
			CreatedBy:         actingUserID,
		},
	})
	if errors.Is(err, store.ErrDuplicate) {
		existing, lookupErr := s.store.GetConversionLink(ctx, item.ID)
		if lookupErr != nil {
			return ConversionResult{}, fmt.Errorf("load winning conversion of %s: %w", item.ID, lookupErr)
		}
		return ConversionResult{}, alreadyConverted(existing)
	}
	if errors.Is(err, store.ErrStale) {
		current, loadErr := s.store.GetProposal(ctx, item.ID)
		if loadErr != nil {
			return ConversionResult{}, loadErr
		}
		if openErr := s.ensureOpen(ctx, current); openErr != nil {
			return ConversionResult{}, openErr
		}
		return ConversionResult{}, conflict("PROPOSAL_CHANGED", "Proposal changed, reload and try again", nil)
	}
	if err != nil {
		return ConversionResult{}, err
	}

	result.Entity = ScheduledEntityView{Table: table, ID: base.ID, Status: base.Status}
	fanout, fanoutErr := s.rsvps.CreateRSVPs(ctx, rsvp.EntityRef{Table: table, ID: base.ID}, tripID, actingUserID)
	result.RSVPs = fanout
	if fanoutErr != nil {
		log.Printf("rsvp: fan-out after converting %s into %s/%s: %v", item.ID, table, base.ID, fanoutErr)
		s.metrics.FanoutFailed()
		result.FanoutPending = true
	}

	if s.search != nil {
		title, snippet := describe(details)
		s.search.Index(search.Record{
			ID:       base.ID,
			Kind:     search.KindScheduled,
			TripID:   tripID,
			Category: string(kind),
			Title:    title,
			Snippet:  snippet,
			Status:   base.Status,
		})
	}
	if pubErr := s.events.Publish(ctx, events.KindProposalConverted, events.ProposalConverted{
		ProposalID:        item.ID,
		TripID:            tripID,
		Category:          string(kind),
		Status:            base.Status,
		ScheduledTable:    table,
		ScheduledEntityID: base.ID,
		ConvertedBy:       actingUserID,
		RSVPsCreated:      fanout.Created,
		ConvertedAt:       link.CreatedAt,
	}); pubErr != nil {
		log.Printf("events: publish %s for %s: %v", events.KindProposalConverted, item.ID, pubErr)
	}

	item.Status = string(status)
	view, err := s.proposalView(ctx, item)
	if err != nil {
		return ConversionResult{}, err
	}
	result.Proposal = view
	return result, nil
}

// ConvertFromSavedItem shares a saved item with the trip as a new proposal.
// Each saved item yields at most one proposal.
func (s *Service) ConvertFromSavedItem(ctx context.Context, tripID, savedItemID, actingUserID string, override json.RawMessage) (ProposalView, error) {
	if err := s.requireMember(ctx, tripID, actingUserID); err != nil {
		return ProposalView{}, err
	}
	saved, err := s.store.GetSavedItem(ctx, savedItemID)
	if err != nil || saved.TripID != tripID {
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return ProposalView{}, err
		}
		return ProposalView{}, notFound("Saved item not found")
	}

	kind, ok := proposal.ParseCategory(saved.Category)
	if !ok {
		return ProposalView{}, validationError("INVALID_CATEGORY", "Saved item has an unknown category", nil)
	}
	if saved.IsScheduled() {
		return ProposalView{}, forbidden(scheduledSourceMessage(kind))
	}

	existing, err := s.store.GetProposalBySavedItem(ctx, saved.ID)
	if err != nil {
		return ProposalView{}, err
	}
	if existing != nil {
		return ProposalView{}, alreadyProposed(existing.ID)
	}

	details, err := proposal.Merge(kind, saved.Details, override)
	if err != nil {
		return ProposalView{}, validationError("INVALID_DETAILS", "Proposal details are malformed", nil)
	}

	savedID := saved.ID
	item := store.Proposal{
		ID:                util.NewID("prop"),
		TripID:            tripID,
		Category:          string(kind),
		ProposedBy:        actingUserID,
		Details:           details,
		Status:            string(proposal.StatusActive),
		SourceType:        string(proposal.SourceSavedItem),
		SourceSavedItemID: &savedID,
	}
	if err := s.store.CreateProposal(ctx, item); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			winner, _ := s.store.GetProposalBySavedItem(ctx, saved.ID)
			if winner != nil {
				return ProposalView{}, alreadyProposed(winner.ID)
			}
			return ProposalView{}, alreadyProposed("")
		}
		return ProposalView{}, err
	}
	s.afterProposalCreated(ctx, item)
	return s.GetProposal(ctx, tripID, item.ID, actingUserID)
}

func alreadyProposed(proposalID string) *DomainError {
	var details any
	if proposalID != "" {
		details = map[string]any{"proposalId": proposalID}
	}
	return conflict("ALREADY_PROPOSED", "Saved item has already been proposed", details)
}

func scheduledSourceMessage(kind proposal.Category) string {
	noun := kind.ScheduledNoun()
	return "Scheduled " + noun + " cannot be proposed"
}

// scheduledEntity maps resolved proposal details onto the category table row.
func scheduledEntity(base store.EntityBase, details proposal.Details) store.ScheduledEntity {
	switch d := details.(type) {
	case proposal.FlightDetails:
		return flightEntity(base, d)
	case proposal.HotelDetails:
		return hotelEntity(base, d)
	case proposal.RestaurantDetails:
		return restaurantEntity(base, d)
	case proposal.ActivityDetails:
		return activityEntity(base, d)
	}
	return nil
}

func flightEntity(base store.EntityBase, d proposal.FlightDetails) store.Flight {
	return store.Flight{
		EntityBase:       base,
		Airline:          d.Airline,
		FlightNumber:     d.FlightNumber,
		DepartureAirport: d.DepartureAirport,
		ArrivalAirport:   d.ArrivalAirport,
		DepartureTime:    utc(d.DepartureTime.Std()),
		ArrivalTime:      utc(d.ArrivalTime.Std()),
		ConfirmationCode: d.ConfirmationCode,
	}
}

func hotelEntity(base store.EntityBase, d proposal.HotelDetails) store.Hotel {
	return store.Hotel{
		EntityBase:       base,
		Name:             d.Name,
		Address:          d.Address,
		City:             d.City,
		Country:          d.Country,
		CheckIn:          utc(d.CheckIn.Std()),
		CheckOut:         utc(d.CheckOut.Std()),
		ConfirmationCode: d.ConfirmationCode,
	}
}

func restaurantEntity(base store.EntityBase, d proposal.RestaurantDetails) store.Restaurant {
	return store.Restaurant{
		EntityBase:      base,
		Name:            d.Name,
		Address:         d.Address,
		City:            d.City,
		Country:         d.Country,
		ReservationTime: utc(d.ReservationTime.Std()),
		PartySize:       d.PartySize,
	}
}

func activityEntity(base store.EntityBase, d proposal.ActivityDetails) store.Activity {
	return store.Activity{
		EntityBase:  base,
		Name:        d.Name,
		Location:    d.Location,
		StartTime:   utc(d.StartTime.Std()),
		EndTime:     utc(d.EndTime.Std()),
		Description: d.Description,
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}

func conversionOutcome(err error) string {
	if err == nil {
		return metrics.OutcomeConverted
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		return metrics.OutcomeError
	}
	switch domainErr.Code {
	case "FORBIDDEN":
		return metrics.OutcomeForbidden
	case "ALREADY_CONVERTED", "PROPOSAL_CANCELED", "PROPOSAL_CHANGED", "CONVERSION_IN_PROGRESS":
		return metrics.OutcomeConflict
	case "SCHEMA_ERROR":
		return metrics.OutcomeError
	default:
		return metrics.OutcomeInvalid
	}
}
