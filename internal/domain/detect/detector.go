package detect

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/subtrackd/subtrack-backend/internal/infrastructure/storage"
)

// Config holds detection tuning knobs.
type Config struct {
	// LookbackMonths bounds the history window scanned per run.
	LookbackMonths int

	// MinOccurrences is how many times a signature must appear before a
	// group is considered at all.
	MinOccurrences int

	// Cooldown is the minimum gap between full runs for one user; runs
	// inside it return the existing pending candidates from storage.
	Cooldown time.Duration

	// MaxCandidates caps how many ranked candidates one run persists.
	MaxCandidates int

	// MaxSampleIDs caps how many recent transaction ids a candidate keeps
	// as evidence.
	MaxSampleIDs int
}

// DefaultConfig returns the standard detection tuning.
func DefaultConfig() Config {
	return Config{
		LookbackMonths: 12,
		MinOccurrences: 3,
		Cooldown:       time.Hour,
		MaxCandidates:  50,
		MaxSampleIDs:   10,
	}
}

// repository is the slice of storage the detector needs.
type repository interface {
	storage.TransactionRepository
	storage.CandidateRepository
	storage.LinkRepository
	storage.DetectionRunRepository
}

// Detector runs batch candidate detection over a user's expense history.
// A run is strictly ordered: group, analyze, rank, then persist, so an
// interrupted run leaves either zero or a fully-ranked batch.
type Detector struct {
	repo   repository
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a detector. A nil logger falls back to slog.Default.
func NewDetector(repo repository, config Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		repo:   repo,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the detector's time source, for tests.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// Result is the outcome of one Detect call.
type Result struct {
	Candidates  []*storage.SubscriptionCandidate `json:"candidates"`
	LastRunAt   *time.Time                       `json:"last_run_at,omitempty"`
	IsFromCache bool                             `json:"is_from_cache"`
}

// Detect discovers new subscription candidates for a user. Repeated calls
// inside the cooldown window return the pending candidates already on file
// instead of re-running analysis.
func (d *Detector) Detect(userID string) (*Result, error) {
	now := d.now()

	lastRun, err := d.repo.GetLastDetectionRun(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load last detection run: %w", err)
	}
	if lastRun != nil && now.Sub(lastRun.RanAt) < d.config.Cooldown {
		pending, err := d.repo.ListPendingCandidates(userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load pending candidates: %w", err)
		}
		ranAt := lastRun.RanAt
		return &Result{Candidates: pending, LastRunAt: &ranAt, IsFromCache: true}, nil
	}

	txs, err := d.eligibleTransactions(userID, now)
	if err != nil {
		return nil, err
	}

	groups := GroupBySignature(txs, d.config.MinOccurrences)

	seen, err := d.seenSignatures(userID)
	if err != nil {
		return nil, err
	}

	var analyses []*Analysis
	for _, group := range groups {
		if seen[group.Signature] {
			continue
		}
		if a := AnalyzeGroup(group, d.config.MinOccurrences); a != nil {
			analyses = append(analyses, a)
		}
	}

	// A run with nothing to suggest performs no writes at all.
	if len(analyses) == 0 {
		d.logger.Debug("detection found no qualifying groups",
			"user_id", userID,
			"transactions", len(txs),
			"groups", len(groups))
		return &Result{Candidates: []*storage.SubscriptionCandidate{}, IsFromCache: false}, nil
	}

	sort.SliceStable(analyses, func(i, j int) bool {
		return analyses[i].Confidence > analyses[j].Confidence
	})
	if len(analyses) > d.config.MaxCandidates {
		analyses = analyses[:d.config.MaxCandidates]
	}

	candidates := make([]*storage.SubscriptionCandidate, 0, len(analyses))
	for _, a := range analyses {
		candidates = append(candidates, d.buildCandidate(userID, a, now))
	}

	if err := d.repo.SaveCandidates(candidates); err != nil {
		return nil, fmt.Errorf("failed to persist candidates: %w", err)
	}
	if err := d.repo.RecordDetectionRun(userID, now); err != nil {
		return nil, fmt.Errorf("failed to record detection run: %w", err)
	}

	d.logger.Info("detection run complete",
		"user_id", userID,
		"transactions", len(txs),
		"groups", len(groups),
		"candidates", len(candidates))

	return &Result{Candidates: candidates, LastRunAt: &now, IsFromCache: false}, nil
}

// eligibleTransactions fetches the trailing-window expense history minus
// transactions already actively linked to a subscription.
func (d *Detector) eligibleTransactions(userID string, now time.Time) ([]*storage.Transaction, error) {
	since := now.AddDate(0, -d.config.LookbackMonths, 0)

	txs, err := d.repo.ListTransactions(userID, storage.TransactionFilter{
		Type:            storage.TransactionTypeExpense,
		Since:           since,
		ExcludeTransfer: true,
		ExcludeRefunded: true,
		RequireNote:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	linked, err := d.repo.ActivelyLinkedTransactionIDs(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked transactions: %w", err)
	}

	eligible := txs[:0]
	for _, tx := range txs {
		if !linked[tx.ID] {
			eligible = append(eligible, tx)
		}
	}
	return eligible, nil
}

// seenSignatures rebuilds, from persisted candidates of any status, the set
// of signatures that must not be suggested again. Derived fresh per run;
// there is no process-wide cache.
func (d *Detector) seenSignatures(userID string) (map[string]bool, error) {
	existing, err := d.repo.ListCandidates(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list existing candidates: %w", err)
	}

	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[SignatureKeyParts(c.SuggestedName, c.AccountID, c.CurrencyCode)] = true
	}
	return seen, nil
}

func (d *Detector) buildCandidate(userID string, a *Analysis, now time.Time) *storage.SubscriptionCandidate {
	txs := a.Transactions
	first := txs[0]

	var amountSum float64
	for _, tx := range txs {
		amountSum += math.Abs(float64(tx.Amount))
	}

	// Samples are the most recent ids; txs is already time-ascending.
	sampleStart := len(txs) - d.config.MaxSampleIDs
	if sampleStart < 0 {
		sampleStart = 0
	}
	samples := make([]string, 0, len(txs)-sampleStart)
	for i := len(txs) - 1; i >= sampleStart; i-- {
		samples = append(samples, txs[i].ID)
	}

	return &storage.SubscriptionCandidate{
		ID:                   uuid.NewString(),
		UserID:               userID,
		SuggestedName:        mostCommonNote(txs),
		Frequency:            a.Frequency,
		AverageAmount:        int64(math.Round(amountSum / float64(len(txs)))),
		CurrencyCode:         first.CurrencyCode,
		AccountID:            first.AccountID,
		SampleTransactionIDs: samples,
		OccurrenceCount:      len(txs),
		Confidence:           a.Confidence,
		MedianIntervalDays:   a.MedianIntervalDays,
		Status:               storage.CandidateStatusPending,
		DetectedAt:           now,
		LastOccurrenceAt:     txs[len(txs)-1].OccurredAt,
	}
}

// mostCommonNote picks the most frequent raw note; ties go to the note seen
// first in the group.
func mostCommonNote(txs []*storage.Transaction) string {
	counts := make(map[string]int)
	var order []string
	for _, tx := range txs {
		if counts[tx.Note] == 0 {
			order = append(order, tx.Note)
		}
		counts[tx.Note]++
	}

	best := order[0]
	for _, note := range order {
		if counts[note] > counts[best] {
			best = note
		}
	}
	return best
}
