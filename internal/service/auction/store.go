package auction

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/call-routing/internal/domain"
	apperrors "github.com/acme/call-routing/pkg/errors"
)

// Store persists the audit trail of auctions.
type Store interface {
	CreateBidRequest(ctx context.Context, req *domain.BidRequest) error
	InsertBidResponse(ctx context.Context, resp *domain.BidResponse) error
	// CompleteBidRequest writes the final summary and, when winningResponseID is
	// set, flags that response as the winner.
	CompleteBidRequest(ctx context.Context, req *domain.BidRequest, winningResponseID string) error
}

// Reader loads auctions back for inspection.
type Reader interface {
	GetBidRequest(ctx context.Context, id string) (*domain.BidRequest, error)
	ListBidResponses(ctx context.Context, bidRequestID string) ([]domain.BidResponse, error)
}

// MemoryStore keeps auctions in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]domain.BidRequest
	responses map[string][]domain.BidResponse
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]domain.BidRequest),
		responses: make(map[string][]domain.BidResponse),
	}
}

func (s *MemoryStore) CreateBidRequest(_ context.Context, req *domain.BidRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return fmt.Errorf("%w: bid request %s", apperrors.ErrConflict, req.ID)
	}
	s.requests[req.ID] = *req
	return nil
}

func (s *MemoryStore) InsertBidResponse(_ context.Context, resp *domain.BidResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[resp.BidRequestID]; !ok {
		return fmt.Errorf("%w: bid request %s", apperrors.ErrNotFound, resp.BidRequestID)
	}
	s.responses[resp.BidRequestID] = append(s.responses[resp.BidRequestID], *resp)
	return nil
}

func (s *MemoryStore) CompleteBidRequest(_ context.Context, req *domain.BidRequest, winningResponseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		return fmt.Errorf("%w: bid request %s", apperrors.ErrNotFound, req.ID)
	}
	s.requests[req.ID] = *req
	if winningResponseID == "" {
		return nil
	}
	rows := s.responses[req.ID]
	for i := range rows {
		if rows[i].ID == winningResponseID {
			rows[i].Winning = true
			return nil
		}
	}
	return fmt.Errorf("%w: bid response %s", apperrors.ErrNotFound, winningResponseID)
}

func (s *MemoryStore) GetBidRequest(_ context.Context, id string) (*domain.BidRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &req, nil
}

func (s *MemoryStore) ListBidResponses(_ context.Context, bidRequestID string) ([]domain.BidResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BidResponse, len(s.responses[bidRequestID]))
	copy(out, s.responses[bidRequestID])
	return out, nil
}
