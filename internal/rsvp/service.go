// Package rsvp creates the per-member response rows for a scheduled entity.
package rsvp

import (
	"context"
	"fmt"

	"waypoint/api/internal/proposal"
	"waypoint/api/internal/store"
)

// EntityRef identifies one scheduled entity.
type EntityRef struct {
	Table string
	ID    string
}

type Store interface {
	ListTripMembers(ctx context.Context, tripID string) ([]string, error)
	EntityRSVPExists(ctx context.Context, table, entityID, userID string) (bool, error)
	InsertEntityRSVP(ctx context.Context, rsvp store.EntityRSVP) (bool, error)
}

// Result counts what a fan-out did.
type Result struct {
	Members int `json:"members"`
	Created int `json:"created"`
}

type Service struct {
	store Store
	// OnCreated is called with the number of rows a fan-out inserted.
	OnCreated func(n int)
}

func NewService(s Store) *Service {
	return &Service{store: s}
}

// CreateRSVPs gives every current trip member a row for the entity. The
// creator starts accepted and everyone else pending. Members that already
// have a row are left alone, so repeated or concurrent calls converge on one
// row per member.
func (s *Service) CreateRSVPs(ctx context.Context, entity EntityRef, tripID, creatorID string) (Result, error) {
	members, err := s.store.ListTripMembers(ctx, tripID)
	if err != nil {
		return Result{}, fmt.Errorf("rsvp fan-out %s/%s: %w", entity.Table, entity.ID, err)
	}

	result := Result{Members: len(members)}
	for _, userID := range members {
		exists, err := s.store.EntityRSVPExists(ctx, entity.Table, entity.ID, userID)
		if err != nil {
			return result, fmt.Errorf("rsvp fan-out %s/%s: %w", entity.Table, entity.ID, err)
		}
		if exists {
			continue
		}

		status := proposal.VotePending
		if userID == creatorID {
			status = proposal.VoteAccepted
		}
		created, err := s.store.InsertEntityRSVP(ctx, store.EntityRSVP{
			ScheduledTable: entity.Table,
			EntityID:       entity.ID,
			UserID:         userID,
			Status:         string(status),
		})
		if err != nil {
			return result, fmt.Errorf("rsvp fan-out %s/%s: %w", entity.Table, entity.ID, err)
		}
		if created {
			result.Created++
		}
	}

	if s.OnCreated != nil && result.Created > 0 {
		s.OnCreated(result.Created)
	}
	return result, nil
}
