package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	messages []published
	err      error
	drained  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, published{subject: subject, data: data})
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestPublishWritesJSONToPrefixedSubject(t *testing.T) {
	nc := &fakeConn{}
	pub := newNATSPublisher(nc, "waypoint.dev.")

	err := pub.Publish(context.Background(), KindProposalConverted, ProposalConverted{
		ProposalID:        "prop_1",
		TripID:            "trip_1",
		Category:          "hotel",
		Status:            "confirmed",
		ScheduledTable:    "hotels",
		ScheduledEntityID: "hotel_1",
		ConvertedBy:       "ana",
		RSVPsCreated:      3,
		ConvertedAt:       time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	require.Len(t, nc.messages, 1)
	assert.Equal(t, "waypoint.dev.proposal.converted", nc.messages[0].subject)

	var body map[string]any
	require.NoError(t, json.Unmarshal(nc.messages[0].data, &body))
	assert.Equal(t, "prop_1", body["proposalId"])
	assert.Equal(t, "hotels", body["scheduledTable"])
	assert.EqualValues(t, 3, body["rsvpsCreated"])
}

func TestBlankPrefixFallsBackToDefault(t *testing.T) {
	pub := newNATSPublisher(&fakeConn{}, "  ")

	assert.Equal(t, "waypoint.proposal.created", pub.Subject(KindProposalCreated))
}

func TestPublishHonoursCancelledContext(t *testing.T) {
	nc := &fakeConn{}
	pub := newNATSPublisher(nc, "waypoint")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pub.Publish(ctx, KindProposalCreated, ProposalCreated{ProposalID: "prop_1"})

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, nc.messages)
}

func TestPublishWrapsConnectionErrors(t *testing.T) {
	nc := &fakeConn{err: errors.New("nats: connection closed")}

	err := newNATSPublisher(nc, "waypoint").Publish(context.Background(), KindProposalCreated, ProposalCreated{})

	require.ErrorIs(t, err, nc.err)
	assert.Contains(t, err.Error(), KindProposalCreated)
}

func TestCloseDrains(t *testing.T) {
	nc := &fakeConn{}
	require.NoError(t, newNATSPublisher(nc, "waypoint").Close())
	assert.True(t, nc.drained)
}

func TestNopPublisher(t *testing.T) {
	var pub Publisher = NopPublisher{}
	assert.NoError(t, pub.Publish(context.Background(), KindProposalCreated, nil))
	assert.NoError(t, pub.Close())
}
