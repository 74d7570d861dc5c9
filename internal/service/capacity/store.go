package capacity

import (
	"context"
	"fmt"

	"github.com/acme/call-routing/internal/domain"
)

// Key identifies the counters of one bidder or recipient.
type Key struct {
	Kind domain.TargetType
	ID   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.ID)
}

// KeyFor builds the counter key for an eligibility profile.
func KeyFor(p domain.Profile) Key {
	return Key{Kind: p.Kind, ID: p.ID}
}

// Store tracks daily, hourly and in-flight call counts.
//
// Reserve is a single atomic check-and-increment: two callers racing for the
// last free slot cannot both succeed.
type Store interface {
	Snapshot(ctx context.Context, key Key) (domain.Counters, error)
	SnapshotMany(ctx context.Context, keys []Key) (map[Key]domain.Counters, error)
	Reserve(ctx context.Context, key Key, limits domain.Capacity) (bool, string, error)
	Release(ctx context.Context, key Key) error
}

const (
	reserveOK = iota
	reserveDaily
	reserveHourly
	reserveConcurrency
)

func denialReason(code int) string {
	switch code {
	case reserveDaily:
		return "daily cap reached"
	case reserveHourly:
		return "hourly cap reached"
	case reserveConcurrency:
		return "concurrency limit reached"
	default:
		return ""
	}
}
