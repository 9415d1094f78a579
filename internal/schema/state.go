package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSchema marks a table layout that cannot be reconciled.
var ErrSchema = errors.New("schema cannot be reconciled")

// Error describes why a table could not be reconciled. It matches ErrSchema
// with errors.Is.
type Error struct {
	Table  string
	Column string
	Reason string
}

func (e *Error) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("schema: %s: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("schema: %s.%s: %s", e.Table, e.Column, e.Reason)
}

func (e *Error) Unwrap() error { return ErrSchema }

// TableResult is what reconciliation did to one table.
type TableResult struct {
	Table          string
	Added          []string
	Backfilled     []string
	StatusMigrated bool
}

// Patched reports whether any DDL or backfill ran for the table.
func (r TableResult) Patched() bool {
	return len(r.Added) > 0 || len(r.Backfilled) > 0 || r.StatusMigrated
}

// State records which tables are reconciled for this process. It is built
// during bootstrap and read by request handlers.
type State struct {
	mu     sync.RWMutex
	tables map[string]TableResult
}

func NewState() *State {
	return &State{tables: map[string]TableResult{}}
}

// Record marks a table as reconciled.
func (s *State) Record(result TableResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[result.Table] = result
}

// Ready reports whether category writes to table are allowed.
func (s *State) Ready(table string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[table]
	return ok
}

// Results returns the recorded tables ordered by name.
func (s *State) Results() []TableResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TableResult, 0, len(s.tables))
	for _, result := range s.tables {
		out = append(out, result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}
