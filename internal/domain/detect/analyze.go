package detect

import (
	"math"
	"sort"

	"github.com/subtrackd/subtrack-backend/internal/infrastructure/storage"
)

const (
	// maxAmountCV is the spread of absolute amounts above which a group is
	// split into amount buckets instead of analyzed whole.
	maxAmountCV = 0.20

	// bucketTolerance is the relative distance from a bucket's running mean
	// within which a transaction joins that bucket.
	bucketTolerance = 0.10

	// maxIntervalCV is the spread of day-gaps above which timing is
	// considered irregular and the group rejected.
	maxIntervalCV = 0.50
)

// Analysis is the output of a successful group analysis.
type Analysis struct {
	// Transactions surviving amount filtering, sorted by occurrence time.
	Transactions []*storage.Transaction

	Frequency          storage.Frequency
	MedianIntervalDays float64
	IntervalCV         float64
	Confidence         float64
}

// AnalyzeGroup decides whether a signature group looks subscription-like.
// It returns nil if amounts are too scattered, timing is too irregular, or
// too few transactions survive amount bucketing.
func AnalyzeGroup(group Group, minOccurrences int) *Analysis {
	survivors := consistentAmountSet(group.Transactions, minOccurrences)
	if len(survivors) < minOccurrences {
		return nil
	}

	sorted := make([]*storage.Transaction, len(survivors))
	copy(sorted, survivors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
	})

	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].OccurredAt.Sub(sorted[i-1].OccurredAt).Hours()/24)
	}
	if len(gaps) < 2 {
		return nil
	}

	gapCV := coefficientOfVariation(gaps)
	if math.IsInf(gapCV, 1) || gapCV > maxIntervalCV {
		return nil
	}

	medianGap := median(gaps)

	return &Analysis{
		Transactions:       sorted,
		Frequency:          FrequencyForInterval(medianGap),
		MedianIntervalDays: medianGap,
		IntervalCV:         gapCV,
		Confidence:         confidenceScore(len(sorted), gapCV),
	}
}

// consistentAmountSet returns the transactions to analyze for timing. A
// group whose absolute amounts vary little is kept whole; otherwise it is
// split into tolerance buckets and the largest qualifying bucket survives.
func consistentAmountSet(txs []*storage.Transaction, minOccurrences int) []*storage.Transaction {
	amounts := make([]float64, len(txs))
	for i, tx := range txs {
		amounts[i] = math.Abs(float64(tx.Amount))
	}

	if coefficientOfVariation(amounts) <= maxAmountCV {
		return txs
	}

	return largestAmountBucket(txs, minOccurrences)
}

type amountBucket struct {
	transactions []*storage.Transaction
	sum          float64
}

func (b *amountBucket) meanAmount() float64 {
	return b.sum / float64(len(b.transactions))
}

// largestAmountBucket greedily assigns transactions, in ascending absolute
// amount order, to the first bucket whose running mean is within tolerance.
// The largest bucket meeting minOccurrences wins; earlier buckets win ties.
// Returns nil if no bucket qualifies.
func largestAmountBucket(txs []*storage.Transaction, minOccurrences int) []*storage.Transaction {
	sorted := make([]*storage.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return math.Abs(float64(sorted[i].Amount)) < math.Abs(float64(sorted[j].Amount))
	})

	var buckets []*amountBucket
	for _, tx := range sorted {
		amount := math.Abs(float64(tx.Amount))
		placed := false
		for _, b := range buckets {
			m := b.meanAmount()
			if m > 0 && math.Abs(amount-m)/m <= bucketTolerance {
				b.transactions = append(b.transactions, tx)
				b.sum += amount
				placed = true
				break
			}
		}
		if !placed {
			buckets = append(buckets, &amountBucket{
				transactions: []*storage.Transaction{tx},
				sum:          amount,
			})
		}
	}

	var best *amountBucket
	for _, b := range buckets {
		if len(b.transactions) < minOccurrences {
			continue
		}
		if best == nil || len(b.transactions) > len(best.transactions) {
			best = b
		}
	}
	if best == nil {
		return nil
	}
	return best.transactions
}

// FrequencyForInterval maps a median day-gap onto a billing cadence.
// Boundary values belong to the lower bucket (10 days is still weekly).
func FrequencyForInterval(medianDays float64) storage.Frequency {
	switch {
	case medianDays <= 10:
		return storage.FrequencyWeekly
	case medianDays <= 21:
		return storage.FrequencyBiweekly
	case medianDays <= 50:
		return storage.FrequencyMonthly
	case medianDays <= 120:
		return storage.FrequencyQuarterly
	case medianDays <= 270:
		return storage.FrequencySemiAnnual
	default:
		return storage.FrequencyAnnual
	}
}

// confidenceScore weights timing regularity over raw occurrence count: a
// handful of very regular payments is stronger signal than many irregular
// ones. Occurrence contribution saturates at a year of monthly payments.
func confidenceScore(occurrences int, intervalCV float64) float64 {
	countPart := math.Min(1, float64(occurrences)/12)
	regularityPart := math.Max(0, 1-intervalCV)
	return 0.4*countPart + 0.6*regularityPart
}
