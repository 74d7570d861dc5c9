package repository

import (
	"context"

	"github.com/acme/call-routing/internal/domain"
	apperrors "github.com/acme/call-routing/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository reads campaign routing settings and owns external ids.
type CampaignRepository interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	ExternalIDExists(ctx context.Context, externalID string) (bool, error)
	SetExternalID(ctx context.Context, campaignID, externalID string) error
}

// BidderRepository lists the auction participants of a campaign.
type BidderRepository interface {
	ListBidders(ctx context.Context, campaignID string) ([]domain.Bidder, error)
}

// RecipientRepository lists the priority fallback candidates of a campaign.
type RecipientRepository interface {
	ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error)
}

// ScheduleRepository stores operating windows and date overrides.
type ScheduleRepository interface {
	Load(ctx context.Context, kind domain.TargetType, ownerIDs []string) (map[string]domain.Schedule, error)
	Replace(ctx context.Context, kind domain.TargetType, ownerID string, schedule domain.Schedule) error
}

// AuctionRepository persists bid requests and responses.
type AuctionRepository interface {
	CreateBidRequest(ctx context.Context, req *domain.BidRequest) error
	InsertBidResponse(ctx context.Context, resp *domain.BidResponse) error
	CompleteBidRequest(ctx context.Context, req *domain.BidRequest, winningResponseID string) error
	GetBidRequest(ctx context.Context, id string) (*domain.BidRequest, error)
	ListBidResponses(ctx context.Context, bidRequestID string) ([]domain.BidResponse, error)
}

// DecisionStore persists the routing audit trail.
type DecisionStore interface {
	AppendDecision(ctx context.Context, decision domain.RoutingDecision) error
	ListDecisions(ctx context.Context, callID string, limit int, pagingState []byte) ([]domain.RoutingDecision, []byte, error)
}
