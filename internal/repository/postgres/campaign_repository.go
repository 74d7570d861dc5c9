package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/internal/repository"
)

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	q := `SELECT id, name, external_id, rtb_enabled, minimum_bidders, auction_timeout_ms,
	       created_at, updated_at
	  FROM campaigns WHERE id = $1`

	row := r.db.QueryRowxContext(ctx, q, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: campaign %s", repository.ErrNotFound, id)
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// ExternalIDExists reports whether any campaign already carries externalID.
func (r *CampaignRepository) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE external_id = $1)`, externalID); err != nil {
		return false, fmt.Errorf("campaign repo: external id exists: %w", err)
	}
	return exists, nil
}

// SetExternalID stores a newly issued external id on the campaign.
func (r *CampaignRepository) SetExternalID(ctx context.Context, campaignID, externalID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET external_id = $1, updated_at = NOW() WHERE id = $2`, externalID, campaignID)
	if err != nil {
		return fmt.Errorf("campaign repo: set external id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: campaign %s", repository.ErrNotFound, campaignID)
	}
	return nil
}

type campaignRecord struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	ExternalID       sql.NullString `db:"external_id"`
	RTBEnabled       bool           `db:"rtb_enabled"`
	MinimumBidders   int            `db:"minimum_bidders"`
	AuctionTimeoutMs int64          `db:"auction_timeout_ms"`
	CreatedAt        sql.NullTime   `db:"created_at"`
	UpdatedAt        sql.NullTime   `db:"updated_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	return domain.Campaign{
		ID:             r.ID,
		Name:           r.Name,
		ExternalID:     r.ExternalID.String,
		RTBEnabled:     r.RTBEnabled,
		MinimumBidders: r.MinimumBidders,
		AuctionTimeout: time.Duration(r.AuctionTimeoutMs) * time.Millisecond,
		CreatedAt:      r.CreatedAt.Time,
		UpdatedAt:      r.UpdatedAt.Time,
	}
}
