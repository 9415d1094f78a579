package search

// Kind separates booked items from items still up for a vote.
type Kind string

const (
	KindScheduled Kind = "scheduled"
	KindProposal  Kind = "proposal"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Kind     Kind   `json:"kind"`
	ID       string `json:"id"`
	TripID   string `json:"tripId"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Status   string `json:"status"`
}

// Query describes a search request. TripID is required.
type Query struct {
	Text           string
	TripID         string
	FilterCategory string // empty = all categories
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Record is the data we index for a proposal or a scheduled entity.
type Record struct {
	ID       string `json:"id" db:"id"`
	Kind     Kind   `json:"kind" db:"kind"`
	TripID   string `json:"tripId" db:"trip_id"`
	Category string `json:"category" db:"category"`
	Title    string `json:"title" db:"title"`
	Snippet  string `json:"snippet" db:"snippet"`
	Status   string `json:"status" db:"status"`
}

// Key is the index primary key. Proposal and entity ids come from different
// tables, so the kind is part of it.
func (r Record) Key() string {
	return string(r.Kind) + "-" + r.ID
}

func (r Record) result() Result {
	return Result{
		Kind:     r.Kind,
		ID:       r.ID,
		TripID:   r.TripID,
		Category: r.Category,
		Title:    r.Title,
		Snippet:  r.Snippet,
		Status:   r.Status,
	}
}
