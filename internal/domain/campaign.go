package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Campaign groups the bidders and recipients that may receive a call.
type Campaign struct {
	ID             string
	Name           string
	ExternalID     string
	RTBEnabled     bool
	MinimumBidders int
	AuctionTimeout time.Duration
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AuthScheme enumerates how a bidder endpoint authenticates requests.
type AuthScheme string

const (
	AuthNone   AuthScheme = "none"
	AuthAPIKey AuthScheme = "api_key"
	AuthBearer AuthScheme = "bearer"
	AuthBasic  AuthScheme = "basic"
)

// BidderAuth carries the scheme and credential for one endpoint.
type BidderAuth struct {
	Scheme     AuthScheme
	Credential string
	// Header overrides the default API key header name.
	Header string
}

// ResponseMapping lists dot-separated paths used to pull fields out of a bid response.
type ResponseMapping struct {
	AmountPath      string
	DestinationPath string
	DurationPath    string
	CurrencyPath    string
}

// Bidder is an external endpoint competing for calls.
type Bidder struct {
	ID          string
	CampaignID  string
	Name        string
	EndpointURL string
	Auth        BidderAuth
	Timeout     time.Duration
	MinBid      decimal.Decimal
	MaxBid      decimal.Decimal
	Currency    string
	Capacity    Capacity
	Schedule    Schedule
	Active      bool
	Mapping     ResponseMapping
}

// Profile returns the eligibility view of the bidder.
func (b Bidder) Profile() Profile {
	return Profile{
		Kind:        TargetTypeRTB,
		ID:          b.ID,
		Name:        b.Name,
		Active:      b.Active,
		Capacity:    b.Capacity,
		Schedule:    b.Schedule,
		Destination: b.EndpointURL,
	}
}

// RecipientStatus is the administrative state of a recipient.
type RecipientStatus string

const (
	RecipientActive   RecipientStatus = "active"
	RecipientInactive RecipientStatus = "inactive"
)

// Recipient is a destination considered by the priority fallback.
type Recipient struct {
	ID               string
	CampaignID       string
	Name             string
	PhoneNumber      string
	Priority         int
	CampaignPriority int
	Status           RecipientStatus
	Capacity         Capacity
	Schedule         Schedule
}

// Profile returns the eligibility view of the recipient.
func (r Recipient) Profile() Profile {
	return Profile{
		Kind:        TargetTypeRecipient,
		ID:          r.ID,
		Name:        r.Name,
		Active:      r.Status == RecipientActive,
		Capacity:    r.Capacity,
		Schedule:    r.Schedule,
		Destination: r.PhoneNumber,
	}
}

// Capacity holds traffic caps. Zero means unlimited.
type Capacity struct {
	DailyCap         int
	HourlyCap        int
	ConcurrencyLimit int
}

// Counters is a point-in-time snapshot of an entity's load.
type Counters struct {
	Today    int
	ThisHour int
	Active   int
}

// Profile is what the eligibility checker needs to know about a candidate.
type Profile struct {
	Kind        TargetType
	ID          string
	Name        string
	Active      bool
	Capacity    Capacity
	Schedule    Schedule
	Destination string
}

// Schedule describes when an entity accepts traffic.
type Schedule struct {
	TimeZone  string
	Windows   []OperatingWindow
	Overrides []ScheduleOverride
}

// OperatingWindow captures an allowed window per day of week.
// End at or before Start means the window spans midnight.
type OperatingWindow struct {
	DayOfWeek time.Weekday
	Start     time.Time
	End       time.Time
}

// ScheduleOverride replaces the weekly windows for a single local date.
type ScheduleOverride struct {
	Date    time.Time
	Closed  bool
	Windows []OperatingWindow
}

// InboundCall is the routing request for one call.
type InboundCall struct {
	CallID      string
	CampaignID  string
	CallerID    string
	CallerState string
	CallerZip   string
	StartedAt   time.Time
}
