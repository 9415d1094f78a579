// Package events publishes proposal lifecycle events for other services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	KindProposalCreated   = "proposal.created"
	KindProposalConverted = "proposal.converted"
)

type ProposalCreated struct {
	ProposalID string    `json:"proposalId"`
	TripID     string    `json:"tripId"`
	Category   string    `json:"category"`
	ProposedBy string    `json:"proposedBy"`
	SourceType string    `json:"sourceType"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ProposalConverted struct {
	ProposalID        string    `json:"proposalId"`
	TripID            string    `json:"tripId"`
	Category          string    `json:"category"`
	Status            string    `json:"status"`
	ScheduledTable    string    `json:"scheduledTable"`
	ScheduledEntityID string    `json:"scheduledEntityId"`
	ConvertedBy       string    `json:"convertedBy"`
	RSVPsCreated      int       `json:"rsvpsCreated"`
	ConvertedAt       time.Time `json:"convertedAt"`
}

type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }
func (NopPublisher) Close() error { return nil }

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes JSON events to "<prefix>.<kind>".
type NATSPublisher struct {
	nc     conn
	prefix string
}

// NewNATSPublisher connects to natsURL.
func NewNATSPublisher(natsURL, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("waypoint-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("events: nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("events: nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(nc conn, prefix string) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "waypoint"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event kind is published on.
func (p *NATSPublisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

func (p *NATSPublisher) Publish(ctx context.Context, kind string, payload any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	if err := p.nc.Publish(p.Subject(kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
