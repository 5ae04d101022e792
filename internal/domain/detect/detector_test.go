package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subtrackd/subtrack-backend/internal/infrastructure/storage"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func seedMonthlyExpenses(t *testing.T, repo *storage.MockRepository, note string, amount int64, n int, start time.Time) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := note + "-" + start.AddDate(0, 0, 30*i).Format("2006-01-02")
		require.NoError(t, repo.SaveTransaction(&storage.Transaction{
			ID:           id,
			UserID:       "user1",
			AccountID:    "acct1",
			Amount:       amount,
			CurrencyCode: "USD",
			Note:         note,
			OccurredAt:   start.AddDate(0, 0, 30*i),
			Type:         storage.TransactionTypeExpense,
		}))
		ids = append(ids, id)
	}
	return ids
}

func TestDetector_FindsMonthlySubscription(t *testing.T) {
	// Arrange
	repo := storage.NewMockRepository()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ids := seedMonthlyExpenses(t, repo, "APPLE.COM/BILL", 999, 3, now.AddDate(0, -4, 0))

	detector := NewDetector(repo, DefaultConfig(), nil)
	detector.SetClock(fixedClock(now))

	// Act
	result, err := detector.Detect("user1")

	// Assert
	require.NoError(t, err)
	assert.False(t, result.IsFromCache)
	require.Len(t, result.Candidates, 1)

	c := result.Candidates[0]
	assert.Equal(t, "APPLE.COM/BILL", c.SuggestedName)
	assert.Equal(t, storage.FrequencyMonthly, c.Frequency)
	assert.Equal(t, 3, c.OccurrenceCount)
	assert.Equal(t, int64(999), c.AverageAmount)
	assert.Equal(t, "USD", c.CurrencyCode)
	assert.Equal(t, "acct1", c.AccountID)
	assert.GreaterOrEqual(t, c.Confidence, 0.7)
	assert.Equal(t, storage.CandidateStatusPending, c.Status)
	assert.Equal(t, ids[2], c.SampleTransactionIDs[0], "samples are newest first")
	assert.True(t, repo.SaveCandidatesCalled)
}

func TestDetector_EmptyHistoryPerformsNoWrites(t *testing.T) {
	repo := storage.NewMockRepository()
	detector := NewDetector(repo, DefaultConfig(), nil)
	detector.SetClock(fixedClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

	result, err := detector.Detect("user1")

	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
	assert.False(t, result.IsFromCache)
	assert.False(t, repo.SaveCandidatesCalled)

	run, err := repo.GetLastDetectionRun("user1")
	require.NoError(t, err)
	assert.Nil(t, run, "no-result runs leave no trace")
}

func TestDetector_CooldownReturnsPendingFromStorage(t *testing.T) {
	repo := storage.NewMockRepository()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seedMonthlyExpenses(t, repo, "NETFLIX.COM", 1299, 4, now.AddDate(0, -5, 0))

	detector := NewDetector(repo, DefaultConfig(), nil)
	detector.SetClock(fixedClock(now))

	first, err := detector.Detect("user1")
	require.NoError(t, err)
	require.Len(t, first.Candidates, 1)

	// Second call 30 minutes later lands inside the cooldown.
	detector.SetClock(fixedClock(now.Add(30 * time.Minute)))
	repo.SaveCandidatesCalled = false

	second, err := detector.Detect("user1")
	require.NoError(t, err)
	assert.True(t, second.IsFromCache)
	require.NotNil(t, second.LastRunAt)
	assert.True(t, second.LastRunAt.Equal(now))
	require.Len(t, second.Candidates, 1)
	assert.False(t, repo.SaveCandidatesCalled, "cooldown runs never write")
}

func TestDetector_SuppressesAlreadySeenSignatures(t *testing.T) {
	repo := storage.NewMockRepository()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedMonthlyExpenses(t, repo, "SPOTIFY", 1099, 4, now.AddDate(0, -5, 0))

	detector := NewDetector(repo, DefaultConfig(), nil)
	detector.SetClock(fixedClock(now))

	first, err := detector.Detect("user1")
	require.NoError(t, err)
	require.Len(t, first.Candidates, 1)

	// Past the cooldown, the same history must not produce a duplicate,
	// even after the user dismissed the candidate.
	dismissed := *first.Candidates[0]
	dismissed.Status = storage.CandidateStatusDismissed
	require.NoError(t, repo.SaveCandidates([]*storage.SubscriptionCandidate{&dismissed}))

	detector.SetClock(fixedClock(now.Add(2 * time.Hour)))
	second, err := detector.Detect("user1")
	require.NoError(t, err)
	assert.False(t, second.IsFromCache)
	assert.Empty(t, second.Candidates)
}

func TestDetector_SkipsActivelyLinkedTransactions(t *testing.T) {
	repo := storage.NewMockRepository()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ids := seedMonthlyExpenses(t, repo, "GYM CLUB", 4500, 3, now.AddDate(0, -4, 0))

	// One member already belongs to a subscription; the group drops below
	// the occurrence threshold.
	require.NoError(t, repo.ApplyLinkChanges(nil, []*storage.SubscriptionLink{{
		ID:             "link1",
		SubscriptionID: "sub1",
		TransactionID:  ids[0],
	}}, storage.MatchSourceRule, now))

	detector := NewDetector(repo, DefaultConfig(), nil)
	detector.SetClock(fixedClock(now))

	result, err := detector.Detect("user1")
	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
}

func TestDetector_RanksByConfidenceAndCapsResults(t *testing.T) {
	repo := storage.NewMockRepository()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Regular series scores higher than a jittery one.
	seedMonthlyExpenses(t, repo, "CLEAN STREAM", 999, 6, now.AddDate(0, -7, 0))

	jitterStart := now.AddDate(0, -7, 0)
	offsets := []int{0, 25, 62, 90, 128}
	for i, off := range offsets {
		require.NoError(t, repo.SaveTransaction(&storage.Transaction{
			ID:           "jitter-" + string(rune('a'+i)),
			UserID:       "user1",
			AccountID:    "acct1",
			Amount:       2500,
			CurrencyCode: "USD",
			Note:         "WOBBLY BOX",
			OccurredAt:   jitterStart.AddDate(0, 0, off),
			Type:         storage.TransactionTypeExpense,
		}))
	}

	cfg := DefaultConfig()
	detector := NewDetector(repo, cfg, nil)
	detector.SetClock(fixedClock(now))

	result, err := detector.Detect("user1")
	require.NoError(t, err)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, "CLEAN STREAM", result.Candidates[0].SuggestedName)
	assert.Equal(t, "WOBBLY BOX", result.Candidates[1].SuggestedName)
	assert.Greater(t, result.Candidates[0].Confidence, result.Candidates[1].Confidence)

	// With a cap of one, only the top candidate is persisted.
	repo2 := storage.NewMockRepository()
	seedMonthlyExpenses(t, repo2, "CLEAN STREAM", 999, 6, now.AddDate(0, -7, 0))
	for i, off := range offsets {
		require.NoError(t, repo2.SaveTransaction(&storage.Transaction{
			ID:           "jitter-" + string(rune('a'+i)),
			UserID:       "user1",
			AccountID:    "acct1",
			Amount:       2500,
			CurrencyCode: "USD",
			Note:         "WOBBLY BOX",
			OccurredAt:   jitterStart.AddDate(0, 0, off),
			Type:         storage.TransactionTypeExpense,
		}))
	}

	cfg.MaxCandidates = 1
	capped := NewDetector(repo2, cfg, nil)
	capped.SetClock(fixedClock(now))

	result, err = capped.Detect("user1")
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "CLEAN STREAM", result.Candidates[0].SuggestedName)
}

func TestDetector_MostCommonNoteTieBreaksFirstSeen(t *testing.T) {
	repo := storage.NewMockRepository()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	start := now.AddDate(0, -5, 0)

	// Two raw spellings normalize identically and appear twice each; the
	// spelling encountered first wins.
	notes := []string{"Gym Club!", "GYM CLUB", "Gym Club!", "GYM CLUB"}
	for i, note := range notes {
		require.NoError(t, repo.SaveTransaction(&storage.Transaction{
			ID:           "g" + string(rune('1'+i)),
			UserID:       "user1",
			AccountID:    "acct1",
			Amount:       4500,
			CurrencyCode: "USD",
			Note:         note,
			OccurredAt:   start.AddDate(0, 0, 30*i),
			Type:         storage.TransactionTypeExpense,
		}))
	}

	detector := NewDetector(repo, DefaultConfig(), nil)
	detector.SetClock(fixedClock(now))

	result, err := detector.Detect("user1")
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "Gym Club!", result.Candidates[0].SuggestedName)
}

func TestDetector_PropagatesStorageErrors(t *testing.T) {
	repo := storage.NewMockRepository()
	repo.ListTransactionsErr = assert.AnError

	detector := NewDetector(repo, DefaultConfig(), nil)
	detector.SetClock(fixedClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

	_, err := detector.Detect("user1")
	assert.ErrorIs(t, err, assert.AnError)
}
