// Package ranking turns a proposal's votes into tallies and the status shown to
// trip members. Nothing here writes to storage; the deadline-based closure in
// particular is derived on every read.
package ranking

import (
	"fmt"
	"time"

	"waypoint/api/internal/proposal"
)

// TopChoiceThreshold is the highest average rank that still counts as a top choice.
const TopChoiceThreshold = 1.5

type Vote struct {
	Status proposal.VoteStatus
	Rank   *int
}

type Tally struct {
	Accepted       int      `json:"acceptedCount"`
	Pending        int      `json:"pendingCount"`
	Declined       int      `json:"declinedCount"`
	Total          int      `json:"total"`
	AverageRanking *float64 `json:"averageRanking,omitempty"`
}

// Summarize counts votes by status and averages the ranks that were given.
// Ranks on declined votes are ignored. The average stays nil when no counted
// vote carries a rank.
func Summarize(votes []Vote) Tally {
	var tally Tally
	rankSum := 0
	ranked := 0
	for _, vote := range votes {
		switch vote.Status {
		case proposal.VoteAccepted:
			tally.Accepted++
		case proposal.VoteDeclined:
			tally.Declined++
		default:
			tally.Pending++
		}
		tally.Total++
		if vote.Status != proposal.VoteDeclined && vote.Rank != nil && *vote.Rank > 0 {
			rankSum += *vote.Rank
			ranked++
		}
	}
	if ranked > 0 {
		average := float64(rankSum) / float64(ranked)
		tally.AverageRanking = &average
	}
	return tally
}

// State is the stored part of a proposal that display derivation depends on.
type State struct {
	Status         proposal.Status
	VotingDeadline *time.Time
	Converted      bool
}

type Display struct {
	Status proposal.Status `json:"status"`
	Label  string          `json:"label"`
}

// Derive computes the display status. Several proposals in one trip can be a
// top choice at the same time; ordering them is left to the client.
func Derive(state State, tally Tally, now time.Time) Display {
	if !state.Converted && state.Status.IsOpen() && state.VotingDeadline != nil && !now.Before(*state.VotingDeadline) {
		return Display{Status: proposal.StatusVotingClosed, Label: withCounts("Voting closed", tally)}
	}
	if tally.AverageRanking != nil && *tally.AverageRanking <= TopChoiceThreshold && state.Status != proposal.StatusCanceled {
		return Display{Status: proposal.StatusTopChoice, Label: "Top choice"}
	}
	label := statusLabel(state.Status)
	if state.Status.IsOpen() {
		label = withCounts(label, tally)
	}
	return Display{Status: state.Status, Label: label}
}

func withCounts(label string, tally Tally) string {
	if tally.Total == 0 {
		return label
	}
	return fmt.Sprintf("%s · %d/%d votes", label, tally.Accepted, tally.Total)
}

func statusLabel(status proposal.Status) string {
	switch status {
	case proposal.StatusActive:
		return "Active"
	case proposal.StatusVoting:
		return "Voting"
	case proposal.StatusConfirmed:
		return "Confirmed"
	case proposal.StatusScheduled:
		return "Scheduled"
	case proposal.StatusCanceled:
		return "Canceled"
	default:
		return string(status)
	}
}
