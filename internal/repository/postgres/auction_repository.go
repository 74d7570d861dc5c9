package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/internal/repository"
)

// AuctionRepository persists bid requests and their responses.
type AuctionRepository struct {
	db *sqlx.DB
}

// NewAuctionRepository builds the repository.
func NewAuctionRepository(db *sqlx.DB) *AuctionRepository {
	return &AuctionRepository{db: db}
}

// CreateBidRequest inserts the request row when an auction starts.
func (r *AuctionRepository) CreateBidRequest(ctx context.Context, req *domain.BidRequest) error {
	q := `INSERT INTO bid_requests (
		id, call_id, campaign_id, campaign_external_id, caller_id, caller_state, caller_zip,
		call_started_at, timeout_ms, total_targets_pinged, successful_responses, created_at
	) VALUES (
		:id, :call_id, :campaign_id, :campaign_external_id, :caller_id, :caller_state, :caller_zip,
		:call_started_at, :timeout_ms, :total_targets_pinged, 0, :created_at
	)`

	params := map[string]any{
		"id":                   req.ID,
		"call_id":              req.CallID,
		"campaign_id":          req.CampaignID,
		"campaign_external_id": req.CampaignExternalID,
		"caller_id":            req.CallerID,
		"caller_state":         req.CallerState,
		"caller_zip":           req.CallerZip,
		"call_started_at":      req.CallStartedAt,
		"timeout_ms":           req.TimeoutMs,
		"total_targets_pinged": req.TotalTargetsPinged,
		"created_at":           req.CreatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("auction repo: insert request: %w", err)
	}
	return nil
}

// InsertBidResponse writes one bidder's outcome.
func (r *AuctionRepository) InsertBidResponse(ctx context.Context, resp *domain.BidResponse) error {
	q := `INSERT INTO bid_responses (
		id, bid_request_id, bidder_id, amount, currency, destination, required_seconds,
		latency_ms, status, is_valid, is_winning, rejection_reason, created_at
	) VALUES (
		:id, :bid_request_id, :bidder_id, :amount, :currency, :destination, :required_seconds,
		:latency_ms, :status, :is_valid, FALSE, :rejection_reason, :created_at
	)`

	params := map[string]any{
		"id":               resp.ID,
		"bid_request_id":   resp.BidRequestID,
		"bidder_id":        resp.BidderID,
		"amount":           decimal.NullDecimal{Decimal: derefDecimal(resp.Amount), Valid: resp.Amount != nil},
		"currency":         resp.Currency,
		"destination":      nullString(resp.Destination),
		"required_seconds": resp.RequiredSeconds,
		"latency_ms":       resp.Latency.Milliseconds(),
		"status":           resp.Status,
		"is_valid":         resp.Valid,
		"rejection_reason": nullString(resp.RejectionReason),
		"created_at":       resp.CreatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("auction repo: insert response: %w", err)
	}
	return nil
}

// CompleteBidRequest writes the summary and flags the winner in one transaction.
func (r *AuctionRepository) CompleteBidRequest(ctx context.Context, req *domain.BidRequest, winningResponseID string) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE bid_requests SET
			successful_responses = $2,
			winning_amount = $3,
			winning_bidder_id = $4,
			completed_at = $5,
			total_elapsed_ms = $6
		WHERE id = $1`,
			req.ID,
			req.SuccessfulResponses,
			decimal.NullDecimal{Decimal: derefDecimal(req.WinningAmount), Valid: req.WinningAmount != nil},
			nullString(req.WinningBidderID),
			req.CompletedAt,
			req.TotalElapsed.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("auction repo: complete request: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: bid request %s", repository.ErrNotFound, req.ID)
		}

		if winningResponseID == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bid_responses SET is_winning = TRUE WHERE id = $1 AND bid_request_id = $2`, winningResponseID, req.ID); err != nil {
			return fmt.Errorf("auction repo: mark winner: %w", err)
		}
		return nil
	})
}

// GetBidRequest loads one request row.
func (r *AuctionRepository) GetBidRequest(ctx context.Context, id string) (*domain.BidRequest, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT id, call_id, campaign_id, campaign_external_id, caller_id,
		caller_state, caller_zip, call_started_at, timeout_ms, total_targets_pinged, successful_responses,
		winning_amount, winning_bidder_id, created_at, completed_at, total_elapsed_ms
		FROM bid_requests WHERE id = $1`, id)

	var rec bidRequestRecord
	if err := row.StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: bid request %s", repository.ErrNotFound, id)
		}
		return nil, fmt.Errorf("auction repo: get request: %w", err)
	}
	req := rec.toDomain()
	return &req, nil
}

// ListBidResponses returns every response of a request.
func (r *AuctionRepository) ListBidResponses(ctx context.Context, bidRequestID string) ([]domain.BidResponse, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT id, bid_request_id, bidder_id, amount, currency, destination,
		required_seconds, latency_ms, status, is_valid, is_winning, rejection_reason, created_at
		FROM bid_responses WHERE bid_request_id = $1 ORDER BY created_at ASC, id ASC`, bidRequestID)
	if err != nil {
		return nil, fmt.Errorf("auction repo: list responses: %w", err)
	}
	defer rows.Close()

	var out []domain.BidResponse
	for rows.Next() {
		var rec bidResponseRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("auction repo: scan response: %w", err)
		}
		out = append(out, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auction repo: rows err: %w", err)
	}
	return out, nil
}

type bidRequestRecord struct {
	ID                  string              `db:"id"`
	CallID              string              `db:"call_id"`
	CampaignID          string              `db:"campaign_id"`
	CampaignExternalID  sql.NullString      `db:"campaign_external_id"`
	CallerID            sql.NullString      `db:"caller_id"`
	CallerState         sql.NullString      `db:"caller_state"`
	CallerZip           sql.NullString      `db:"caller_zip"`
	CallStartedAt       time.Time           `db:"call_started_at"`
	TimeoutMs           int64               `db:"timeout_ms"`
	TotalTargetsPinged  int                 `db:"total_targets_pinged"`
	SuccessfulResponses int                 `db:"successful_responses"`
	WinningAmount       decimal.NullDecimal `db:"winning_amount"`
	WinningBidderID     sql.NullString      `db:"winning_bidder_id"`
	CreatedAt           time.Time           `db:"created_at"`
	CompletedAt         sql.NullTime        `db:"completed_at"`
	TotalElapsedMs      sql.NullInt64       `db:"total_elapsed_ms"`
}

func (r bidRequestRecord) toDomain() domain.BidRequest {
	req := domain.BidRequest{
		ID:                  r.ID,
		CallID:              r.CallID,
		CampaignID:          r.CampaignID,
		CampaignExternalID:  r.CampaignExternalID.String,
		CallerID:            r.CallerID.String,
		CallerState:         r.CallerState.String,
		CallerZip:           r.CallerZip.String,
		CallStartedAt:       r.CallStartedAt,
		TimeoutMs:           r.TimeoutMs,
		TotalTargetsPinged:  r.TotalTargetsPinged,
		SuccessfulResponses: r.SuccessfulResponses,
		WinningBidderID:     r.WinningBidderID.String,
		CreatedAt:           r.CreatedAt,
		TotalElapsed:        time.Duration(r.TotalElapsedMs.Int64) * time.Millisecond,
	}
	if r.WinningAmount.Valid {
		amount := r.WinningAmount.Decimal
		req.WinningAmount = &amount
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		req.CompletedAt = &t
	}
	return req
}

type bidResponseRecord struct {
	ID              string              `db:"id"`
	BidRequestID    string              `db:"bid_request_id"`
	BidderID        string              `db:"bidder_id"`
	Amount          decimal.NullDecimal `db:"amount"`
	Currency        sql.NullString      `db:"currency"`
	Destination     sql.NullString      `db:"destination"`
	RequiredSeconds sql.NullInt64       `db:"required_seconds"`
	LatencyMs       int64               `db:"latency_ms"`
	Status          string              `db:"status"`
	Valid           bool                `db:"is_valid"`
	Winning         bool                `db:"is_winning"`
	RejectionReason sql.NullString      `db:"rejection_reason"`
	CreatedAt       time.Time           `db:"created_at"`
}

func (r bidResponseRecord) toDomain() domain.BidResponse {
	resp := domain.BidResponse{
		ID:              r.ID,
		BidRequestID:    r.BidRequestID,
		BidderID:        r.BidderID,
		Currency:        r.Currency.String,
		Destination:     r.Destination.String,
		Latency:         time.Duration(r.LatencyMs) * time.Millisecond,
		Status:          domain.ResponseStatus(r.Status),
		Valid:           r.Valid,
		Winning:         r.Winning,
		RejectionReason: r.RejectionReason.String,
		CreatedAt:       r.CreatedAt,
	}
	if r.Amount.Valid {
		amount := r.Amount.Decimal
		resp.Amount = &amount
	}
	if r.RequiredSeconds.Valid {
		secs := int(r.RequiredSeconds.Int64)
		resp.RequiredSeconds = &secs
	}
	return resp
}

func derefDecimal(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
