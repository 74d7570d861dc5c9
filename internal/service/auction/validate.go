package auction

import (
	"github.com/acme/call-routing/internal/bidder"
	"github.com/acme/call-routing/internal/domain"
)

// Rejection reasons stored on invalid responses.
const (
	ReasonAmountMissing      = "bid amount missing or not numeric"
	ReasonAmountNegative     = "bid amount is negative"
	ReasonBelowMinimum       = "bid below minimum"
	ReasonExceedsMaximum     = "bid exceeds maximum"
	ReasonMissingDestination = "missing destination"
)

// validate returns an empty string for an acceptable bid. A zero MaxBid means
// the bidder has no ceiling.
func validate(bid bidder.Bid, b domain.Bidder) string {
	switch {
	case bid.Amount == nil:
		return ReasonAmountMissing
	case bid.Amount.IsNegative():
		return ReasonAmountNegative
	case bid.Amount.LessThan(b.MinBid):
		return ReasonBelowMinimum
	case !b.MaxBid.IsZero() && bid.Amount.GreaterThan(b.MaxBid):
		return ReasonExceedsMaximum
	case bid.Destination == "":
		return ReasonMissingDestination
	}
	return ""
}
