package session

import (
	"context"
	"fmt"
	"time"

	"github.com/acme/call-routing/internal/domain"
	apperrors "github.com/acme/call-routing/pkg/errors"
)

// ErrNotFound is returned when a call has no live session.
var ErrNotFound = fmt.Errorf("%w: routing session", apperrors.ErrNotFound)

// Reservation is a capacity slot held on behalf of a call.
type Reservation struct {
	Kind   domain.TargetType `json:"kind"`
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Limits domain.Capacity   `json:"limits"`
}

// State is everything needed to continue routing a call after Route returns.
// FallbackEvaluated is set once the priority router has filled Alternatives.
type State struct {
	CallID            string             `json:"call_id"`
	CampaignID        string             `json:"campaign_id"`
	LastSequence      int                `json:"last_sequence"`
	Source            string             `json:"source"`
	Current           *Reservation       `json:"current,omitempty"`
	Alternatives      []domain.Recipient `json:"alternatives,omitempty"`
	FallbackEvaluated bool               `json:"fallback_evaluated"`
	UpdatedAt         time.Time          `json:"updated_at"`
	ExpiresAt         time.Time          `json:"expires_at"`
}

// DefaultRetention is how long a finished call is remembered when no
// retention is configured.
const DefaultRetention = 24 * time.Hour

// Store keeps per-call routing state. Expiry is driven from outside through
// Sweep so no state outlives its owner by accident.
//
// A finished call leaves a tombstone holding its last decision sequence for
// the retention period, so the same call id cannot start a second decision
// log that would overwrite the first.
type Store interface {
	Get(ctx context.Context, callID string) (*State, error)
	Put(ctx context.Context, s *State) error
	// Close drops the live state of a call and leaves its tombstone.
	Close(ctx context.Context, callID string, lastSequence int) error
	// Closed reports whether a call has finished and its last sequence.
	Closed(ctx context.Context, callID string) (int, bool, error)
	// Sweep removes sessions that expired at or before now, tombstones them
	// and returns them so their reservations can be released.
	Sweep(ctx context.Context, now time.Time) ([]State, error)
}
