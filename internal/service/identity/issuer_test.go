package identity

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/call-routing/pkg/errors"
)

var hexID = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestIssueFormat(t *testing.T) {
	issuer := NewIssuer(0, nil)
	for i := 0; i < 100; i++ {
		id := issuer.Issue()
		require.Regexp(t, hexID, id)
	}
}

func TestIssueUniqueAgainstGrowingSet(t *testing.T) {
	issuer := NewIssuer(5, nil)
	seen := make(map[string]bool)
	exists := func(_ context.Context, id string) (bool, error) { return seen[id], nil }

	for i := 0; i < 500; i++ {
		id, err := issuer.IssueUnique(context.Background(), exists)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestIssueUniqueRetriesOnCollision(t *testing.T) {
	issuer := NewIssuer(5, nil)
	ids := []string{"aa", "bb", "cc"}
	issuer.generate = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	taken := map[string]bool{"aa": true, "bb": true}

	id, err := issuer.IssueUnique(context.Background(), func(_ context.Context, id string) (bool, error) {
		return taken[id], nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cc", id)
}

func TestIssueUniqueExhaustion(t *testing.T) {
	issuer := NewIssuer(3, nil)
	checks := 0

	id, err := issuer.IssueUnique(context.Background(), func(context.Context, string) (bool, error) {
		checks++
		return true, nil
	})
	require.Error(t, err)
	assert.Empty(t, id)
	assert.ErrorIs(t, err, ErrCollisionExhausted)
	assert.ErrorIs(t, err, apperrors.ErrExhausted)
	assert.Equal(t, 3, checks)
}

func TestIssueUniqueExistenceError(t *testing.T) {
	issuer := NewIssuer(3, nil)
	boom := errors.New("db down")

	_, err := issuer.IssueUnique(context.Background(), func(context.Context, string) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

type fakeStore struct {
	ids      map[string]bool
	assigned map[string]string
	setErr   error
}

func (f *fakeStore) ExternalIDExists(_ context.Context, id string) (bool, error) {
	return f.ids[id], nil
}

func (f *fakeStore) SetExternalID(_ context.Context, campaignID, id string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.ids[id] = true
	f.assigned[campaignID] = id
	return nil
}

func TestAssignToCampaign(t *testing.T) {
	store := &fakeStore{ids: map[string]bool{}, assigned: map[string]string{}}
	issuer := NewIssuer(5, nil)

	first, err := issuer.AssignToCampaign(context.Background(), store, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, first, store.assigned["camp-1"])

	second, err := issuer.AssignToCampaign(context.Background(), store, "camp-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestAssignToCampaignWriteFailure(t *testing.T) {
	store := &fakeStore{ids: map[string]bool{}, assigned: map[string]string{}, setErr: apperrors.ErrNotFound}
	issuer := NewIssuer(5, nil)

	_, err := issuer.AssignToCampaign(context.Background(), store, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
