package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The mock must enforce the same active-link invariant as the SQLite
// implementation, or service tests would pass against behavior the real
// store rejects.

func TestMockRepository_ReactivationConflictsWithOtherActiveLink(t *testing.T) {
	repo := NewMockRepository()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveTransaction(testTransaction("tx1", now)))

	require.NoError(t, repo.ApplyLinkChanges(nil, []*SubscriptionLink{
		{ID: "l1", SubscriptionID: "sub1", TransactionID: "tx1"},
	}, MatchSourceRule, now))
	require.NoError(t, repo.DeactivateLinks("sub1", []string{"tx1"}))
	require.NoError(t, repo.ApplyLinkChanges(nil, []*SubscriptionLink{
		{ID: "l2", SubscriptionID: "sub2", TransactionID: "tx1"},
	}, MatchSourceManual, now))

	err := repo.ApplyLinkChanges([]string{"l1"}, nil, MatchSourceManual, now.Add(time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	var conflict *LinkConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"tx1"}, conflict.TransactionIDs)

	for _, l := range repo.AllLinks() {
		if l.ID == "l1" {
			assert.Equal(t, LinkStatusUnlinked, l.Status, "failed reactivation wrote nothing")
		}
	}
}

func TestMockRepository_ReactivationOfOwnActiveRowIsIdempotent(t *testing.T) {
	repo := NewMockRepository()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveTransaction(testTransaction("tx1", now)))

	require.NoError(t, repo.ApplyLinkChanges(nil, []*SubscriptionLink{
		{ID: "l1", SubscriptionID: "sub1", TransactionID: "tx1"},
	}, MatchSourceRule, now))

	require.NoError(t, repo.ApplyLinkChanges([]string{"l1"}, nil, MatchSourceManual, now.Add(time.Hour)))

	links := repo.AllLinks()
	require.Len(t, links, 1)
	assert.Equal(t, LinkStatusActive, links[0].Status)
	assert.Equal(t, MatchSourceManual, links[0].MatchSource)
}
