package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"waypoint/api/internal/config"
	"waypoint/api/internal/proposal"
	"waypoint/api/internal/schema"
	"waypoint/api/internal/search"
	"waypoint/api/internal/store"
)

// memStore is an in-memory dataStore. ConvertProposal holds the lock for the
// whole write so it behaves like one transaction, and conversion links are
// unique per proposal like the database index.
type memStore struct {
	mu        sync.Mutex
	trips     map[string]store.Trip
	members   map[string][]string
	proposals map[string]store.Proposal
	votes     map[string]map[string]store.ProposalVote
	links     map[string]store.ConversionLink
	entities  map[string]map[string]store.ScheduledEntity
	saved     map[string]store.SavedItem
	rsvps     map[string]store.EntityRSVP
	nextLink  int64

	pingErr        error
	listMembersErr error
	getLinkErr     error
	// beforeConvert runs inside ConvertProposal before the write is checked.
	beforeConvert func()
}

func newMemStore() *memStore {
	return &memStore{
		trips:     map[string]store.Trip{},
		members:   map[string][]string{},
		proposals: map[string]store.Proposal{},
		votes:     map[string]map[string]store.ProposalVote{},
		links:     map[string]store.ConversionLink{},
		entities:  map[string]map[string]store.ScheduledEntity{},
		saved:     map[string]store.SavedItem{},
		rsvps:     map[string]store.EntityRSVP{},
	}
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) CountTrips(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trips), nil
}

func (m *memStore) InsertTrip(_ context.Context, trip store.Trip, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[trip.ID] = trip
	m.members[trip.ID] = append([]string(nil), members...)
	return nil
}

func (m *memStore) IsTripMember(_ context.Context, tripID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range m.members[tripID] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListTripMembers(_ context.Context, tripID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listMembersErr != nil {
		return nil, m.listMembersErr
	}
	return append([]string(nil), m.members[tripID]...), nil
}

func (m *memStore) CreateProposal(_ context.Context, item store.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.proposals[item.ID]; exists {
		return store.ErrDuplicate
	}
	if item.SourceSavedItemID != nil {
		for _, other := range m.proposals {
			if other.SourceSavedItemID != nil && *other.SourceSavedItemID == *item.SourceSavedItemID {
				return store.ErrDuplicate
			}
		}
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	m.proposals[item.ID] = item
	return nil
}

func (m *memStore) GetProposal(_ context.Context, proposalID string) (store.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.proposals[proposalID]
	if !ok {
		return store.Proposal{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memStore) GetProposalBySavedItem(_ context.Context, savedItemID string) (*store.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.proposals {
		if item.SourceSavedItemID != nil && *item.SourceSavedItemID == savedItemID {
			found := item
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListTripProposals(_ context.Context, tripID string) ([]store.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Proposal, 0)
	for _, item := range m.proposals {
		if item.TripID == tripID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) TransitionProposalStatus(_ context.Context, proposalID string, from []string, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.proposals[proposalID]
	if !ok || !contains(from, item.Status) {
		return false, nil
	}
	item.Status = status
	m.proposals[proposalID] = item
	return true, nil
}

func (m *memStore) UpdateProposalRanking(_ context.Context, proposalID string, averageRanking *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.proposals[proposalID]
	if !ok {
		return sql.ErrNoRows
	}
	item.AverageRanking = averageRanking
	m.proposals[proposalID] = item
	return nil
}

func (m *memStore) UpsertProposalVote(_ context.Context, vote store.ProposalVote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.votes[vote.ProposalID] == nil {
		m.votes[vote.ProposalID] = map[string]store.ProposalVote{}
	}
	m.votes[vote.ProposalID][vote.UserID] = vote
	return nil
}

func (m *memStore) ListProposalVotes(_ context.Context, proposalID string) ([]store.ProposalVote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ProposalVote, 0)
	for _, vote := range m.votes[proposalID] {
		out = append(out, vote)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memStore) GetConversionLink(_ context.Context, proposalID string) (*store.ConversionLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getLinkErr != nil {
		return nil, m.getLinkErr
	}
	link, ok := m.links[proposalID]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

func (m *memStore) ConvertProposal(_ context.Context, write store.ConversionWrite) (store.ConversionLink, error) {
	if m.beforeConvert != nil {
		m.beforeConvert()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.links[write.ProposalID]; exists {
		return store.ConversionLink{}, store.ErrDuplicate
	}
	item, ok := m.proposals[write.ProposalID]
	if !ok || !contains(write.FromStatuses, item.Status) {
		return store.ConversionLink{}, store.ErrStale
	}

	table := write.Entity.Table()
	if m.entities[table] == nil {
		m.entities[table] = map[string]store.ScheduledEntity{}
	}
	m.entities[table][write.Entity.Base().ID] = write.Entity

	m.nextLink++
	link := write.Link
	link.ID = m.nextLink
	link.CreatedAt = time.Now().UTC()
	m.links[write.ProposalID] = link

	item.Status = write.ToStatus
	m.proposals[write.ProposalID] = item
	return link, nil
}

func (m *memStore) GetEntityBase(_ context.Context, table, entityID string) (store.EntityBase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !contains(store.ScheduledTables, table) {
		return store.EntityBase{}, store.ErrUnknownTable
	}
	entity, ok := m.entities[table][entityID]
	if !ok {
		return store.EntityBase{}, sql.ErrNoRows
	}
	return entity.Base(), nil
}

func (m *memStore) InsertSavedItem(_ context.Context, item store.SavedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[item.ID] = item
	return nil
}

func (m *memStore) GetSavedItem(_ context.Context, savedItemID string) (store.SavedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.saved[savedItemID]
	if !ok {
		return store.SavedItem{}, sql.ErrNoRows
	}
	return item, nil
}

func rsvpKey(table, entityID, userID string) string {
	return table + "/" + entityID + "/" + userID
}

func (m *memStore) EntityRSVPExists(_ context.Context, table, entityID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rsvps[rsvpKey(table, entityID, userID)]
	return ok, nil
}

func (m *memStore) InsertEntityRSVP(_ context.Context, row store.EntityRSVP) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rsvpKey(row.ScheduledTable, row.EntityID, row.UserID)
	if _, exists := m.rsvps[key]; exists {
		return false, nil
	}
	m.rsvps[key] = row
	return true, nil
}

func (m *memStore) ListEntityRSVPs(_ context.Context, table, entityID string) ([]store.EntityRSVP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.EntityRSVP, 0)
	for _, row := range m.rsvps {
		if row.ScheduledTable == table && row.EntityID == entityID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memStore) entityCount(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities[table])
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}

type recordingIndex struct {
	mu      sync.Mutex
	records []search.Record
}

func (r *recordingIndex) Index(record search.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *recordingIndex) Search(_ context.Context, q search.Query) search.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make([]search.Result, 0)
	for _, record := range r.records {
		if record.TripID == q.TripID {
			results = append(results, search.Result{Kind: record.Kind, ID: record.ID, TripID: record.TripID, Title: record.Title})
		}
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text}
}

type recordingPublisher struct {
	mu    sync.Mutex
	kinds []string
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, kind string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type busyGuard struct{}

func (busyGuard) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

const testTrip = "trip-1"

// newTestService returns a service over a trip with members ana, ben and cara
// and a fully reconciled schema.
func newTestService(t *testing.T) (*Service, *memStore) {
	return newTestServiceWithDeps(t, Deps{})
}

func newTestServiceWithDeps(t *testing.T, deps Deps) (*Service, *memStore) {
	t.Helper()
	ms := newMemStore()
	if err := ms.InsertTrip(context.Background(), store.Trip{ID: testTrip, Name: "Lisbon"}, []string{"ana", "ben", "cara"}); err != nil {
		t.Fatalf("insert trip: %v", err)
	}
	svc := newService(config.Config{ConversionLockTTL: time.Second}, ms, reconciledState(), deps)
	return svc, ms
}

func reconciledState() *schema.State {
	state := schema.NewState()
	for _, table := range store.ScheduledTables {
		state.Record(schema.TableResult{Table: table})
	}
	return state
}

func addProposal(t *testing.T, ms *memStore, id string, category proposal.Category, details string) store.Proposal {
	t.Helper()
	item := store.Proposal{
		ID:         id,
		TripID:     testTrip,
		Category:   string(category),
		ProposedBy: "ana",
		Details:    json.RawMessage(details),
		Status:     string(proposal.StatusActive),
		SourceType: string(proposal.SourceManual),
	}
	if err := ms.CreateProposal(context.Background(), item); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return item
}

func requireDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s (%s)", status, code, domainErr.Status, domainErr.Code, domainErr.Message)
	}
	return domainErr
}

const riversideInn = `{"name":"Riverside Inn","location":"500 River Rd, Portland, USA","checkInDate":"2026-07-01","checkOutDate":"2026-07-04"}`
