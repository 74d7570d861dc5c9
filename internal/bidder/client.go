package bidder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/pkg/logger"
)

// Failure classes for one solicitation.
var (
	ErrTimeout           = errors.New("bidder timed out")
	ErrTransport         = errors.New("bidder unreachable")
	ErrBadStatus         = errors.New("bidder returned non-2xx status")
	ErrMalformedResponse = errors.New("bidder response malformed")
	ErrCircuitOpen       = errors.New("bidder circuit open")
)

// Solicitation carries the call attributes sent to every bidder in an auction.
type Solicitation struct {
	RequestID          string
	CampaignExternalID string
	CallerID           string
	CallerState        string
	CallerZip          string
	CallStartedAt      time.Time
	Timeout            time.Duration
}

type payload struct {
	RequestID   string    `json:"request_id"`
	CampaignID  string    `json:"campaign_id"`
	CallerID    string    `json:"caller_id"`
	CallerState string    `json:"caller_state,omitempty"`
	CallerZip   string    `json:"caller_zip,omitempty"`
	CallStart   time.Time `json:"call_start"`
	TimeoutMs   int64     `json:"timeout_ms"`
	MinBid      string    `json:"min_bid"`
	MaxBid      string    `json:"max_bid"`
}

// Options tunes the client.
type Options struct {
	APIKeyHeader    string
	UserAgent       string
	MaxBodyBytes    int64
	BreakerInterval time.Duration
	BreakerTimeout  time.Duration
	BreakerFailures uint32
}

// Client sends bid solicitations, one circuit breaker per bidder.
type Client struct {
	http   *http.Client
	opts   Options
	logger *logger.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

// NewClient builds a client. Per-request deadlines come from the caller's context.
func NewClient(httpClient *http.Client, opts Options, lg *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	return &Client{
		http:     httpClient,
		opts:     opts,
		logger:   logger.OrNop(lg).Named("bidder"),
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

// Solicit asks one bidder for a bid. A returned Bid has passed shape checks only;
// amount limits are enforced by the auction.
func (c *Client) Solicit(ctx context.Context, b domain.Bidder, s Solicitation) (Bid, error) {
	body, err := json.Marshal(payload{
		RequestID:   s.RequestID,
		CampaignID:  s.CampaignExternalID,
		CallerID:    s.CallerID,
		CallerState: s.CallerState,
		CallerZip:   s.CallerZip,
		CallStart:   s.CallStartedAt.UTC(),
		TimeoutMs:   s.Timeout.Milliseconds(),
		MinBid:      b.MinBid.String(),
		MaxBid:      b.MaxBid.String(),
	})
	if err != nil {
		return Bid{}, fmt.Errorf("bidder %s: marshal payload: %w", b.ID, err)
	}

	raw, err := c.breaker(b).Execute(func() ([]byte, error) {
		return c.do(ctx, b, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Bid{}, fmt.Errorf("%w: %s", ErrCircuitOpen, b.ID)
	}
	if err != nil {
		return Bid{}, err
	}

	return ParseBid(raw, b.Mapping, b.Currency)
}

func (c *Client) do(ctx context.Context, b domain.Bidder, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if err := c.authorize(req, b.Auth); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, classify(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}
	if int64(len(data)) > c.opts.MaxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedResponse, c.opts.MaxBodyBytes)
	}
	return data, nil
}

func (c *Client) authorize(req *http.Request, auth domain.BidderAuth) error {
	switch auth.Scheme {
	case domain.AuthNone, "":
	case domain.AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = c.opts.APIKeyHeader
		}
		req.Header.Set(header, auth.Credential)
	case domain.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Credential)
	case domain.AuthBasic:
		user, pass, _ := strings.Cut(auth.Credential, ":")
		req.SetBasicAuth(user, pass)
	default:
		return fmt.Errorf("%w: unsupported auth scheme %q", ErrTransport, auth.Scheme)
	}
	return nil
}

func (c *Client) breaker(b domain.Bidder) *gobreaker.CircuitBreaker[[]byte] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[b.ID]; ok {
		return cb
	}

	failures := c.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:     b.ID,
		Interval: c.opts.BreakerInterval,
		Timeout:  c.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("bidder circuit state changed",
				zap.String("bidder_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	c.breakers[b.ID] = cb
	return cb
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// Bid is a parsed bidder response.
type Bid struct {
	// Amount is nil when the response carried no usable number.
	Amount          *decimal.Decimal
	RawAmount       string
	Destination     string
	RequiredSeconds *int
	Currency        string
}
