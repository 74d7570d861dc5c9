package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResponseStatus classifies how a bidder dispatch ended.
type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "success"
	ResponseTimeout ResponseStatus = "timeout"
	ResponseError   ResponseStatus = "error"
	ResponseInvalid ResponseStatus = "invalid"
)

// BidRequest is the audit row for one auction.
type BidRequest struct {
	ID                  string
	CallID              string
	CampaignID          string
	CampaignExternalID  string
	CallerID            string
	CallerState         string
	CallerZip           string
	CallStartedAt       time.Time
	TimeoutMs           int64
	TotalTargetsPinged  int
	SuccessfulResponses int
	WinningAmount       *decimal.Decimal
	WinningBidderID     string
	CreatedAt           time.Time
	CompletedAt         *time.Time
	TotalElapsed        time.Duration
}

// BidResponse is the audit row for one bidder within an auction.
type BidResponse struct {
	ID              string
	BidRequestID    string
	BidderID        string
	Amount          *decimal.Decimal
	Currency        string
	Destination     string
	RequiredSeconds *int
	Latency         time.Duration
	Status          ResponseStatus
	Valid           bool
	Winning         bool
	RejectionReason string
	CreatedAt       time.Time
}
