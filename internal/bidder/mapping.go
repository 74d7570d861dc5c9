package bidder

import (
	"fmt"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"

	"github.com/acme/call-routing/internal/domain"
)

// Default response paths, used when a bidder leaves a path empty.
const (
	DefaultAmountPath      = "bid_amount"
	DefaultDestinationPath = "destination"
	DefaultDurationPath    = "required_duration"
	DefaultCurrencyPath    = "currency"
)

// ParseBid extracts a bid from body using the bidder's path rules. Paths are
// dot separated; array elements are addressed as "[n]", e.g. "bids.[0].price".
// Only a body that is not a JSON object is an error. Missing or mistyped fields
// leave the corresponding Bid field empty for the auction to judge.
func ParseBid(body []byte, mapping domain.ResponseMapping, defaultCurrency string) (Bid, error) {
	_, dataType, _, err := jsonparser.Get(body)
	if err != nil || dataType != jsonparser.Object {
		return Bid{}, fmt.Errorf("%w: expected a JSON object", ErrMalformedResponse)
	}

	mapping = withDefaults(mapping)
	bid := Bid{Currency: defaultCurrency}

	if value, dataType, _, err := jsonparser.Get(body, keys(mapping.AmountPath)...); err == nil {
		switch dataType {
		case jsonparser.Number:
			bid.RawAmount = string(value)
		case jsonparser.String:
			if s, err := jsonparser.ParseString(value); err == nil {
				bid.RawAmount = strings.TrimSpace(s)
			}
		}
		if bid.RawAmount != "" {
			if amount, err := decimal.NewFromString(bid.RawAmount); err == nil {
				bid.Amount = &amount
			}
		}
	}

	if value, dataType, _, err := jsonparser.Get(body, keys(mapping.DestinationPath)...); err == nil && dataType == jsonparser.String {
		if s, err := jsonparser.ParseString(value); err == nil {
			bid.Destination = strings.TrimSpace(s)
		}
	}

	if value, dataType, _, err := jsonparser.Get(body, keys(mapping.DurationPath)...); err == nil && dataType == jsonparser.Number {
		if n, err := jsonparser.ParseInt(value); err == nil && n >= 0 {
			seconds := int(n)
			bid.RequiredSeconds = &seconds
		}
	}

	if value, dataType, _, err := jsonparser.Get(body, keys(mapping.CurrencyPath)...); err == nil && dataType == jsonparser.String {
		if s, err := jsonparser.ParseString(value); err == nil && strings.TrimSpace(s) != "" {
			bid.Currency = strings.ToUpper(strings.TrimSpace(s))
		}
	}

	return bid, nil
}

func withDefaults(m domain.ResponseMapping) domain.ResponseMapping {
	if m.AmountPath == "" {
		m.AmountPath = DefaultAmountPath
	}
	if m.DestinationPath == "" {
		m.DestinationPath = DefaultDestinationPath
	}
	if m.DurationPath == "" {
		m.DurationPath = DefaultDurationPath
	}
	if m.CurrencyPath == "" {
		m.CurrencyPath = DefaultCurrencyPath
	}
	return m
}

func keys(path string) []string {
	return strings.Split(path, ".")
}
