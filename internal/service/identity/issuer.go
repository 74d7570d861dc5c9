package identity

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/acme/call-routing/pkg/errors"
	"github.com/acme/call-routing/pkg/logger"
)

// DefaultMaxAttempts bounds IssueUnique when no limit is configured.
const DefaultMaxAttempts = 5

// ErrCollisionExhausted means every generated id already existed. With 122 random
// bits this points at a broken existence check, so it is never retried further.
var ErrCollisionExhausted = fmt.Errorf("%w: external id collisions", apperrors.ErrExhausted)

// ExistsFunc reports whether an id is already assigned.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

// Store persists campaign external identifiers.
type Store interface {
	ExternalIDExists(ctx context.Context, id string) (bool, error)
	SetExternalID(ctx context.Context, campaignID, externalID string) error
}

// Issuer generates the opaque ids campaigns expose to bidders.
type Issuer struct {
	maxAttempts int
	generate    func() string
	logger      *logger.Logger
}

// NewIssuer constructs an issuer.
func NewIssuer(maxAttempts int, lg *logger.Logger) *Issuer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Issuer{maxAttempts: maxAttempts, generate: randomHex, logger: logger.OrNop(lg).Named("identity")}
}

// Issue returns a 32 character lowercase hex id.
func (i *Issuer) Issue() string {
	return i.generate()
}

// IssueUnique generates ids until exists reports one as free.
func (i *Issuer) IssueUnique(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		id := i.generate()
		taken, err := exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("identity: existence check: %w", err)
		}
		if !taken {
			return id, nil
		}
		i.logger.Warn("external id collision", zap.Int("attempt", attempt))
	}
	i.logger.Error("external id generation exhausted", zap.Int("attempts", i.maxAttempts))
	return "", fmt.Errorf("%w after %d attempts", ErrCollisionExhausted, i.maxAttempts)
}

// AssignToCampaign issues a fresh id and stores it on the campaign.
// Calling it twice assigns two different ids.
func (i *Issuer) AssignToCampaign(ctx context.Context, store Store, campaignID string) (string, error) {
	id, err := i.IssueUnique(ctx, store.ExternalIDExists)
	if err != nil {
		return "", err
	}
	if err := store.SetExternalID(ctx, campaignID, id); err != nil {
		return "", fmt.Errorf("identity: assign to campaign %s: %w", campaignID, err)
	}
	return id, nil
}

func randomHex() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
