package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/acme/call-routing/internal/domain"
)

// BidderRepository reads the auction participants of a campaign.
type BidderRepository struct {
	db        *sqlx.DB
	schedules *ScheduleRepository
}

// NewBidderRepository constructs the repository.
func NewBidderRepository(db *sqlx.DB, schedules *ScheduleRepository) *BidderRepository {
	return &BidderRepository{db: db, schedules: schedules}
}

// ListBidders returns every bidder of the campaign, inactive ones included so
// the eligibility check can record why they were skipped.
func (r *BidderRepository) ListBidders(ctx context.Context, campaignID string) ([]domain.Bidder, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT id, campaign_id, name, endpoint_url,
		auth_scheme, auth_credential, auth_header, timeout_ms, min_bid, max_bid, currency,
		daily_cap, hourly_cap, concurrency_limit, time_zone, active,
		amount_path, destination_path, duration_path, currency_path
		FROM bidders
		WHERE campaign_id = $1
		ORDER BY created_at ASC, id ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("bidders: list: %w", err)
	}
	defer rows.Close()

	var bidders []domain.Bidder
	for rows.Next() {
		var rec bidderRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("bidders: scan: %w", err)
		}
		bidders = append(bidders, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bidders: rows err: %w", err)
	}

	if r.schedules == nil || len(bidders) == 0 {
		return bidders, nil
	}

	ids := make([]string, 0, len(bidders))
	for _, b := range bidders {
		ids = append(ids, b.ID)
	}
	schedules, err := r.schedules.Load(ctx, domain.TargetTypeRTB, ids)
	if err != nil {
		return nil, fmt.Errorf("bidders: %w", err)
	}
	for i := range bidders {
		s := schedules[bidders[i].ID]
		s.TimeZone = bidders[i].Schedule.TimeZone
		bidders[i].Schedule = s
	}
	return bidders, nil
}

type bidderRecord struct {
	ID               string          `db:"id"`
	CampaignID       string          `db:"campaign_id"`
	Name             string          `db:"name"`
	EndpointURL      string          `db:"endpoint_url"`
	AuthScheme       string          `db:"auth_scheme"`
	AuthCredential   sql.NullString  `db:"auth_credential"`
	AuthHeader       sql.NullString  `db:"auth_header"`
	TimeoutMs        int64           `db:"timeout_ms"`
	MinBid           decimal.Decimal `db:"min_bid"`
	MaxBid           decimal.Decimal `db:"max_bid"`
	Currency         string          `db:"currency"`
	DailyCap         int             `db:"daily_cap"`
	HourlyCap        int             `db:"hourly_cap"`
	ConcurrencyLimit int             `db:"concurrency_limit"`
	TimeZone         sql.NullString  `db:"time_zone"`
	Active           bool            `db:"active"`
	AmountPath       sql.NullString  `db:"amount_path"`
	DestinationPath  sql.NullString  `db:"destination_path"`
	DurationPath     sql.NullString  `db:"duration_path"`
	CurrencyPath     sql.NullString  `db:"currency_path"`
}

func (r bidderRecord) toDomain() domain.Bidder {
	return domain.Bidder{
		ID:          r.ID,
		CampaignID:  r.CampaignID,
		Name:        r.Name,
		EndpointURL: r.EndpointURL,
		Auth: domain.BidderAuth{
			Scheme:     domain.AuthScheme(r.AuthScheme),
			Credential: r.AuthCredential.String,
			Header:     r.AuthHeader.String,
		},
		Timeout:  time.Duration(r.TimeoutMs) * time.Millisecond,
		MinBid:   r.MinBid,
		MaxBid:   r.MaxBid,
		Currency: r.Currency,
		Capacity: domain.Capacity{
			DailyCap:         r.DailyCap,
			HourlyCap:        r.HourlyCap,
			ConcurrencyLimit: r.ConcurrencyLimit,
		},
		Schedule: domain.Schedule{TimeZone: r.TimeZone.String},
		Active:   r.Active,
		Mapping: domain.ResponseMapping{
			AmountPath:      r.AmountPath.String,
			DestinationPath: r.DestinationPath.String,
			DurationPath:    r.DurationPath.String,
			CurrencyPath:    r.CurrencyPath.String,
		},
	}
}
