package priority

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/internal/service/capacity"
	"github.com/acme/call-routing/internal/service/eligibility"
	"github.com/acme/call-routing/internal/service/recorder"
)

type staticSource struct {
	recipients []domain.Recipient
	err        error
}

func (s staticSource) ListRecipients(context.Context, string) ([]domain.Recipient, error) {
	return s.recipients, s.err
}

func recipient(id string, campaignPriority, priority int) domain.Recipient {
	return domain.Recipient{
		ID:               id,
		CampaignID:       "camp-1",
		Name:             "recipient " + id,
		PhoneNumber:      "+1555000" + id,
		Priority:         priority,
		CampaignPriority: campaignPriority,
		Status:           domain.RecipientActive,
	}
}

func newRouter(recipients []domain.Recipient, counters *capacity.MemoryStore, sink *recorder.MemorySink) *Router {
	checker := eligibility.NewCheckerWithClock(func() time.Time {
		return time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	})
	return NewRouter(staticSource{recipients: recipients}, counters, checker, recorder.New(sink, nil), nil)
}

func TestSelectPrefersLeastLoadedOnEqualPriority(t *testing.T) {
	a, b := recipient("1", 0, 5), recipient("2", 0, 5)
	counters := capacity.NewMemoryStore()
	counters.Set(capacity.KeyFor(a.Profile()), domain.Counters{Today: 3})
	counters.Set(capacity.KeyFor(b.Profile()), domain.Counters{Today: 1})
	sink := recorder.NewMemorySink()

	res, err := newRouter([]domain.Recipient{a, b}, counters, sink).Select(context.Background(), "call-1", "camp-1", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Selected)
	assert.Equal(t, "2", res.Selected.Recipient.ID)
	require.Len(t, res.Alternatives, 1)
	assert.Equal(t, "1", res.Alternatives[0].Recipient.ID)

	decisions := sink.Decisions("call-1")
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.OutcomeSelected, decisions[0].Outcome)
	assert.Equal(t, domain.TargetTypeRecipient, decisions[0].TargetType)
	assert.Equal(t, "2", decisions[0].TargetID)
}

func TestSelectOrdering(t *testing.T) {
	recipients := []domain.Recipient{
		recipient("1", 1, 1),
		recipient("2", 2, 0),
		recipient("3", 1, 9),
		recipient("4", 1, 9),
	}
	res, err := newRouter(recipients, capacity.NewMemoryStore(), recorder.NewMemorySink()).Select(context.Background(), "call-2", "camp-1", nil)
	require.NoError(t, err)

	order := []string{res.Selected.Recipient.ID}
	for _, alt := range res.Alternatives {
		order = append(order, alt.Recipient.ID)
	}
	assert.Equal(t, []string{"2", "3", "4", "1"}, order)
}

func TestOrderIsStable(t *testing.T) {
	var candidates []Candidate
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		candidates = append(candidates, Candidate{Recipient: recipient(id, 1, 1), Counters: domain.Counters{Today: 2}})
	}
	for run := 0; run < 10; run++ {
		cp := append([]Candidate(nil), candidates...)
		Order(cp)
		for i := range cp {
			assert.Equal(t, candidates[i].Recipient.ID, cp[i].Recipient.ID)
		}
	}
}

func TestSelectRecordsEliminations(t *testing.T) {
	inactive := recipient("1", 9, 9)
	inactive.Status = domain.RecipientInactive
	capped := recipient("2", 5, 5)
	capped.Capacity.DailyCap = 10
	ok := recipient("3", 1, 1)

	counters := capacity.NewMemoryStore()
	counters.Set(capacity.KeyFor(capped.Profile()), domain.Counters{Today: 10})
	sink := recorder.NewMemorySink()
	seq := recorder.NewSequence(2)

	res, err := newRouter([]domain.Recipient{inactive, capped, ok}, counters, sink).Select(context.Background(), "call-3", "camp-1", seq)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Selected.Recipient.ID)
	assert.Empty(t, res.Alternatives)

	decisions := sink.Decisions("call-3")
	require.Len(t, decisions, 3)
	assert.Equal(t, 3, decisions[0].Sequence)
	assert.Equal(t, domain.OutcomeRejected, decisions[0].Outcome)
	assert.Equal(t, eligibility.ReasonInactive, decisions[0].Reason)
	assert.Equal(t, "daily cap reached (10/10)", decisions[1].Reason)
	assert.Equal(t, domain.OutcomeSelected, decisions[2].Outcome)
	assert.Equal(t, 5, seq.Last())
}

func TestSelectExhausted(t *testing.T) {
	a := recipient("1", 1, 1)
	a.Status = domain.RecipientInactive
	b := recipient("2", 1, 1)
	b.PhoneNumber = ""

	res, err := newRouter([]domain.Recipient{a, b}, capacity.NewMemoryStore(), recorder.NewMemorySink()).Select(context.Background(), "call-4", "camp-1", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Selected)
	assert.Equal(t, ReasonExhausted, res.Reason)
	require.Len(t, res.Alternatives, 2)
	assert.Equal(t, eligibility.ReasonInactive, res.Alternatives[0].Reason)
	assert.Equal(t, eligibility.ReasonNoDestination, res.Alternatives[1].Reason)
}

func TestSelectSourceError(t *testing.T) {
	r := NewRouter(staticSource{err: errors.New("db down")}, nil, nil, nil, nil)
	_, err := r.Select(context.Background(), "call-5", "camp-1", nil)
	require.Error(t, err)
}

func TestRecheckUsesFreshCounters(t *testing.T) {
	rc := recipient("1", 1, 1)
	rc.Capacity.ConcurrencyLimit = 1
	counters := capacity.NewMemoryStore()
	r := newRouter(nil, counters, recorder.NewMemorySink())

	assert.Empty(t, r.Recheck(context.Background(), rc).Reason)

	counters.Set(capacity.KeyFor(rc.Profile()), domain.Counters{Active: 1})
	assert.Equal(t, "concurrency limit reached (1/1)", r.Recheck(context.Background(), rc).Reason)
}
