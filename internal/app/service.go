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

	"waypoint/api/internal/config"
	"waypoint/api/internal/events"
	"waypoint/api/internal/metrics"
	"waypoint/api/internal/proposal"
	"waypoint/api/internal/ranking"
	"waypoint/api/internal/rsvp"
	"waypoint/api/internal/schema"
	"waypoint/api/internal/search"
	"waypoint/api/internal/store"
	"waypoint/api/internal/util"
)

type dataStore interface {
	CountTrips(context.Context) (int, error)
	InsertTrip(context.Context, store.Trip, []string) error
	IsTripMember(context.Context, string, string) (bool, error)
	ListTripMembers(context.Context, string) ([]string, error)
	CreateProposal(context.Context, store.Proposal) error
	GetProposal(context.Context, string) (store.Proposal, error)
	GetProposalBySavedItem(context.Context, string) (*store.Proposal, error)
	ListTripProposals(context.Context, string) ([]store.Proposal, error)
	TransitionProposalStatus(context.Context, string, []string, string) (bool, error)
	UpdateProposalRanking(context.Context, string, *float64) error
	UpsertProposalVote(context.Context, store.ProposalVote) error
	ListProposalVotes(context.Context, string) ([]store.ProposalVote, error)
	GetConversionLink(context.Context, string) (*store.ConversionLink, error)
	ConvertProposal(context.Context, store.ConversionWrite) (store.ConversionLink, error)
	GetEntityBase(context.Context, string, string) (store.EntityBase, error)
	InsertSavedItem(context.Context, store.SavedItem) error
	GetSavedItem(context.Context, string) (store.SavedItem, error)
	EntityRSVPExists(context.Context, string, string, string) (bool, error)
	InsertEntityRSVP(context.Context, store.EntityRSVP) (bool, error)
	ListEntityRSVPs(context.Context, string, string) ([]store.EntityRSVP, error)
	Ping(ctx context.Context) error
}

// conversionGuard short-circuits duplicate submissions while a conversion is
// running. Correctness never depends on it.
type conversionGuard interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error)
}

type itineraryIndex interface {
	Index(search.Record)
	Search(context.Context, search.Query) search.Response
}

// Deps are the optional collaborators of a Service. Nil fields disable the
// feature they back.
type Deps struct {
	Guard     conversionGuard
	Publisher events.Publisher
	Search    itineraryIndex
	Metrics   *metrics.Metrics
}

type Service struct {
	cfg     config.Config
	store   dataStore
	schema  *schema.State
	rsvps   *rsvp.Service
	guard   conversionGuard
	events  events.Publisher
	search  itineraryIndex
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, state *schema.State, deps Deps) *Service {
	return newService(cfg, dataStore, state, deps)
}

func newService(cfg config.Config, ds dataStore, state *schema.State, deps Deps) *Service {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	rsvps := rsvp.NewService(ds)
	rsvps.OnCreated = deps.Metrics.RSVPRowsCreated
	return &Service{
		cfg:     cfg,
		store:   ds,
		schema:  state,
		rsvps:   rsvps,
		guard:   deps.Guard,
		events:  publisher,
		search:  deps.Search,
		metrics: deps.Metrics,
		now:     time.Now,
	}
}

type CreateProposalInput struct {
	Category       string
	Details        json.RawMessage
	VotingDeadline *time.Time
}

type VoteInput struct {
	Status string
	Rank   *int
}

type ConversionView struct {
	ScheduledTable    string    `json:"scheduledTable"`
	ScheduledEntityID string    `json:"scheduledEntityId"`
	CreatedBy         string    `json:"createdBy"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ProposalView is the merged read model: stored proposal, vote tally, derived
// display status and conversion link.
type ProposalView struct {
	ID                string          `json:"id"`
	TripID            string          `json:"tripId"`
	Category          string          `json:"category"`
	ProposedBy        string          `json:"proposedBy"`
	Details           json.RawMessage `json:"details"`
	Status            string          `json:"status"`
	Display           ranking.Display `json:"display"`
	Votes             ranking.Tally   `json:"votes"`
	VotingDeadline    *time.Time      `json:"votingDeadline,omitempty"`
	SourceType        string          `json:"sourceType"`
	SourceSavedItemID *string         `json:"sourceSavedItemId,omitempty"`
	MissingFields     []string        `json:"missingFields"`
	Conversion        *ConversionView `json:"conversion,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Bootstrap seeds a demo trip into an empty database.
func (s *Service) Bootstrap(ctx context.Context) error {
	if !s.cfg.SeedDemoData {
		return nil
	}
	count, err := s.store.CountTrips(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	trip := store.Trip{ID: "trip-portland", Name: "Portland long weekend"}
	if err := s.store.InsertTrip(ctx, trip, []string{"avery", "marcus", "sarah"}); err != nil {
		return err
	}

	deadline := s.now().Add(72 * time.Hour).UTC().Truncate(time.Hour)
	seeds := []struct {
		proposedBy string
		category   proposal.Category
		details    string
		deadline   *time.Time
	}{
		{
			proposedBy: "avery",
			category:   proposal.CategoryHotel,
			details:    `{"name":"Riverside Inn","address":"500 River Rd","city":"Portland","country":"USA","checkInDate":"2026-07-01","checkOutDate":"2026-07-04"}`,
			deadline:   &deadline,
		},
		{
			proposedBy: "marcus",
			category:   proposal.CategoryRestaurant,
			details:    `{"name":"Le Pigeon","location":"738 E Burnside St, Portland, USA"}`,
		},
		{
			proposedBy: "sarah",
			category:   proposal.CategoryFlight,
			details:    `{"airline":"Alaska","flightNumber":"AS 1234","departureAirport":"SFO","arrivalAirport":"PDX","departureTime":"2026-07-01T08:15:00-07:00"}`,
		},
	}
	for _, seed := range seeds {
		status := proposal.StatusActive
		if seed.deadline != nil {
			status = proposal.StatusVoting
		}
		if err := s.store.CreateProposal(ctx, store.Proposal{
			ID:             util.NewID("prop"),
			TripID:         trip.ID,
			Category:       string(seed.category),
			ProposedBy:     seed.proposedBy,
			Details:        json.RawMessage(seed.details),
			Status:         string(status),
			VotingDeadline: seed.deadline,
			SourceType:     string(proposal.SourceManual),
		}); err != nil {
			return err
		}
	}

	bookedTable := proposal.CategoryHotel.Table()
	bookedID := "hotel-ace-booked"
	savedItems := []store.SavedItem{
		{
			ID:       "saved-forest-park",
			TripID:   trip.ID,
			UserID:   "sarah",
			Category: string(proposal.CategoryActivity),
			Details:  json.RawMessage(`{"name":"Forest Park hike","location":"Wildwood Trail, Portland"}`),
		},
		{
			ID:                "saved-ace-hotel",
			TripID:            trip.ID,
			UserID:            "avery",
			Category:          string(proposal.CategoryHotel),
			Details:           json.RawMessage(`{"name":"Ace Hotel","address":"1022 SW Harvey Milk St","city":"Portland","checkInDate":"2026-07-04"}`),
			ScheduledTable:    &bookedTable,
			ScheduledEntityID: &bookedID,
		},
	}
	for _, item := range savedItems {
		if err := s.store.InsertSavedItem(ctx, item); err != nil {
			return err
		}
	}
	log.Printf("bootstrap: seeded demo trip %s", trip.ID)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SchemaReady reports whether every category table was reconciled.
func (s *Service) SchemaReady() bool {
	for _, table := range store.ScheduledTables {
		if !s.schema.Ready(table) {
			return false
		}
	}
	return true
}

func (s *Service) requireMember(ctx context.Context, tripID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return forbidden("Not a member of this trip")
	}
	member, err := s.store.IsTripMember(ctx, tripID, userID)
	if err != nil {
		return err
	}
	if !member {
		return forbidden("Not a member of this trip")
	}
	return nil
}

// loadProposal returns NotFound both for unknown ids and for proposals that
// belong to a different trip.
func (s *Service) loadProposal(ctx context.Context, tripID, proposalID string) (store.Proposal, error) {
	item, err := s.store.GetProposal(ctx, proposalID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && item.TripID != tripID) {
		return store.Proposal{}, notFound("Proposal not found")
	}
	if err != nil {
		return store.Proposal{}, err
	}
	return item, nil
}

func (s *Service) CreateProposal(ctx context.Context, tripID, actingUserID string, input CreateProposalInput) (ProposalView, error) {
	category, ok := proposal.ParseCategory(input.Category)
	if !ok {
		return ProposalView{}, validationError("INVALID_CATEGORY", "Category must be one of: flight, hotel, restaurant, activity", nil)
	}
	if _, err := proposal.Decode(category, input.Details); err != nil {
		return ProposalView{}, validationError("INVALID_DETAILS", "Proposal details are malformed", nil)
	}
	if err := s.requireMember(ctx, tripID, actingUserID); err != nil {
		return ProposalView{}, err
	}

	status := proposal.StatusActive
	if input.VotingDeadline != nil {
		status = proposal.StatusVoting
	}
	details := input.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	item := store.Proposal{
		ID:             util.NewID("prop"),
		TripID:         tripID,
		Category:       string(category),
		ProposedBy:     actingUserID,
		Details:        details,
		Status:         string(status),
		VotingDeadline: input.VotingDeadline,
		SourceType:     string(proposal.SourceManual),
	}
	if err := s.store.CreateProposal(ctx, item); err != nil {
		return ProposalView{}, err
	}
	s.afterProposalCreated(ctx, item)
	return s.GetProposal(ctx, tripID, item.ID, actingUserID)
}

func (s *Service) afterProposalCreated(ctx context.Context, item store.Proposal) {
	if err := s.events.Publish(ctx, events.KindProposalCreated, events.ProposalCreated{
		ProposalID: item.ID,
		TripID:     item.TripID,
		Category:   item.Category,
		ProposedBy: item.ProposedBy,
		SourceType: item.SourceType,
		CreatedAt:  s.now().UTC(),
	}); err != nil {
		log.Printf("events: publish %s for %s: %v", events.KindProposalCreated, item.ID, err)
	}
	if s.search != nil {
		s.search.Index(proposalRecord(item))
	}
}

func (s *Service) GetProposal(ctx context.Context, tripID, proposalID, actingUserID string) (ProposalView, error) {
	if err := s.requireMember(ctx, tripID, actingUserID); err != nil {
		return ProposalView{}, err
	}
	item, err := s.loadProposal(ctx, tripID, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	return s.proposalView(ctx, item)
}

func (s *Service) ListTripProposals(ctx context.Context, tripID, actingUserID string) ([]ProposalView, error) {
	if err := s.requireMember(ctx, tripID, actingUserID); err != nil {
		return nil, err
	}
	items, err := s.store.ListTripProposals(ctx, tripID)
	if err != nil {
		return nil, err
	}
	views := make([]ProposalView, 0, len(items))
	for _, item := range items {
		view, err := s.proposalView(ctx, item)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) proposalView(ctx context.Context, item store.Proposal) (ProposalView, error) {
	votes, err := s.store.ListProposalVotes(ctx, item.ID)
	if err != nil {
		return ProposalView{}, err
	}
	link, err := s.store.GetConversionLink(ctx, item.ID)
	if err != nil {
		return ProposalView{}, err
	}

	tally := ranking.Summarize(rankingVotes(votes))
	display := ranking.Derive(ranking.State{
		Status:         proposal.Status(item.Status),
		VotingDeadline: item.VotingDeadline,
		Converted:      link != nil,
	}, tally, s.now())

	missing := []string{}
	if category, ok := proposal.ParseCategory(item.Category); ok {
		if details, err := proposal.Decode(category, item.Details); err == nil {
			missing = proposal.Missing(details)
		}
	}

	view := ProposalView{
		ID:                item.ID,
		TripID:            item.TripID,
		Category:          item.Category,
		ProposedBy:        item.ProposedBy,
		Details:           item.Details,
		Status:            item.Status,
		Display:           display,
		Votes:             tally,
		VotingDeadline:    item.VotingDeadline,
		SourceType:        item.SourceType,
		SourceSavedItemID: item.SourceSavedItemID,
		MissingFields:     missing,
		CreatedAt:         item.CreatedAt,
		UpdatedAt:         item.UpdatedAt,
	}
	if link != nil {
		view.Conversion = &ConversionView{
			ScheduledTable:    link.ScheduledTable,
			ScheduledEntityID: link.ScheduledEntityID,
			CreatedBy:         link.CreatedBy,
			CreatedAt:         link.CreatedAt,
		}
	}
	return view, nil
}

func rankingVotes(votes []store.ProposalVote) []ranking.Vote {
	out := make([]ranking.Vote, 0, len(votes))
	for _, vote := range votes {
		out = append(out, ranking.Vote{Status: proposal.VoteStatus(vote.Status), Rank: vote.Rank})
	}
	return out
}

// CastVote records or replaces the acting member's vote and refreshes the
// stored average ranking. The first vote moves an active proposal to voting.
func (s *Service) CastVote(ctx context.Context, tripID, proposalID, actingUserID string, input VoteInput) (ProposalView, error) {
	status, ok := proposal.ParseVoteStatus(input.Status)
	if !ok {
		return ProposalView{}, validationError("INVALID_VOTE", "Vote status must be one of: pending, accepted, declined", nil)
	}
	if input.Rank != nil && *input.Rank < 1 {
		return ProposalView{}, validationError("INVALID_VOTE", "Rank must be a positive position", nil)
	}
	if err := s.requireMember(ctx, tripID, actingUserID); err != nil {
		return ProposalView{}, err
	}
	item, err := s.loadProposal(ctx, tripID, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	if err := s.ensureOpen(ctx, item); err != nil {
		return ProposalView{}, err
	}
	if item.VotingDeadline != nil && !s.now().Before(*item.VotingDeadline) {
		return ProposalView{}, conflict("VOTING_CLOSED", "Voting on this proposal has closed", nil)
	}

	rank := input.Rank
	if status == proposal.VoteDeclined {
		rank = nil
	}
	if err := s.store.UpsertProposalVote(ctx, store.ProposalVote{
		ProposalID: item.ID,
		UserID:     actingUserID,
		Status:     string(status),
		Rank:       rank,
	}); err != nil {
		return ProposalView{}, err
	}
	if proposal.Status(item.Status) == proposal.StatusActive {
		if _, err := s.store.TransitionProposalStatus(ctx, item.ID,
			[]string{string(proposal.StatusActive)}, string(proposal.StatusVoting)); err != nil {
			return ProposalView{}, err
		}
	}

	votes, err := s.store.ListProposalVotes(ctx, item.ID)
	if err != nil {
		return ProposalView{}, err
	}
	tally := ranking.Summarize(rankingVotes(votes))
	if err := s.store.UpdateProposalRanking(ctx, item.ID, tally.AverageRanking); err != nil {
		return ProposalView{}, err
	}
	return s.GetProposal(ctx, tripID, item.ID, actingUserID)
}

// CancelProposal withdraws an open proposal. Canceling twice is a no-op.
func (s *Service) CancelProposal(ctx context.Context, tripID, proposalID, actingUserID string) (ProposalView, error) {
	if err := s.requireMember(ctx, tripID, actingUserID); err != nil {
		return ProposalView{}, err
	}
	item, err := s.loadProposal(ctx, tripID, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	if proposal.Status(item.Status) == proposal.StatusCanceled {
		return s.proposalView(ctx, item)
	}
	if err := s.ensureOpen(ctx, item); err != nil {
		return ProposalView{}, err
	}

	changed, err := s.store.TransitionProposalStatus(ctx, item.ID, openStatuses(), string(proposal.StatusCanceled))
	if err != nil {
		return ProposalView{}, err
	}
	if !changed {
		return ProposalView{}, conflict("PROPOSAL_CHANGED", "Proposal changed, reload and try again", nil)
	}
	return s.GetProposal(ctx, tripID, item.ID, actingUserID)
}

// ensureOpen rejects proposals that were converted or canceled.
func (s *Service) ensureOpen(ctx context.Context, item store.Proposal) error {
	link, err := s.store.GetConversionLink(ctx, item.ID)
	if err != nil {
		return err
	}
	if link != nil || proposal.Status(item.Status).IsConverted() {
		return alreadyConverted(link)
	}
	if proposal.Status(item.Status) == proposal.StatusCanceled {
		return conflict("PROPOSAL_CANCELED", "Proposal was canceled", nil)
	}
	return nil
}

func alreadyConverted(link *store.ConversionLink) *DomainError {
	var details any
	if link != nil {
		details = map[string]any{
			"scheduledTable":    link.ScheduledTable,
			"scheduledEntityId": link.ScheduledEntityID,
		}
	}
	return conflict("ALREADY_CONVERTED", "Proposal has already been converted", details)
}

func openStatuses() []string {
	return []string{string(proposal.StatusActive), string(proposal.StatusVoting)}
}

func (s *Service) ListEntityRSVPs(ctx context.Context, tripID, table, entityID, actingUserID string) ([]store.EntityRSVP, error) {
	if err := s.requireMember(ctx, tripID, actingUserID); err != nil {
		return nil, err
	}
	base, err := s.store.GetEntityBase(ctx, table, entityID)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrUnknownTable) || (err == nil && base.TripID != tripID) {
		return nil, notFound("Scheduled item not found")
	}
	if err != nil {
		return nil, err
	}
	return s.store.ListEntityRSVPs(ctx, table, entityID)
}

// RepairFanout re-runs RSVP fan-out for an existing entity, using the entity's
// owner as the creator.
func (s *Service) RepairFanout(ctx context.Context, table, entityID string) (rsvp.Result, error) {
	base, err := s.store.GetEntityBase(ctx, table, entityID)
	if err != nil {
		return rsvp.Result{}, fmt.Errorf("load %s/%s: %w", table, entityID, err)
	}
	return s.rsvps.CreateRSVPs(ctx, rsvp.EntityRef{Table: table, ID: entityID}, base.TripID, base.UserID)
}

func (s *Service) SearchItinerary(ctx context.Context, tripID, actingUserID string, q search.Query) (search.Response, error) {
	if err := s.requireMember(ctx, tripID, actingUserID); err != nil {
		return search.Response{}, err
	}
	q.TripID = tripID
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

func proposalRecord(item store.Proposal) search.Record {
	record := search.Record{
		ID:       item.ID,
		Kind:     search.KindProposal,
		TripID:   item.TripID,
		Category: item.Category,
		Status:   item.Status,
	}
	category, ok := proposal.ParseCategory(item.Category)
	if !ok {
		return record
	}
	details, err := proposal.Decode(category, item.Details)
	if err != nil {
		return record
	}
	record.Title, record.Snippet = describe(details.Resolve())
	return record
}

// describe returns a display title and a short location line.
func describe(details proposal.Details) (string, string) {
	switch d := details.(type) {
	case proposal.FlightDetails:
		return strings.TrimSpace(d.Airline + " " + d.FlightNumber), strings.TrimSpace(d.DepartureAirport + " " + d.ArrivalAirport)
	case proposal.HotelDetails:
		return d.Name, proposal.JoinLocation("", d.City, d.Country)
	case proposal.RestaurantDetails:
		return d.Name, proposal.JoinLocation("", d.City, d.Country)
	case proposal.ActivityDetails:
		return d.Name, d.Location
	default:
		return "", ""
	}
}
