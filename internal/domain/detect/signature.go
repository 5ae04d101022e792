// Package detect discovers recurring-payment candidates in a user's expense
// history. Transactions are grouped by a (normalized note, account, currency)
// signature, each group is tested for amount consistency and timing
// regularity, and surviving groups become ranked subscription candidates.
package detect

import (
	"github.com/subtrackd/subtrack-backend/internal/domain/normalize"
	"github.com/subtrackd/subtrack-backend/internal/infrastructure/storage"
)

// signatureSeparator joins the three signature parts. It never appears in a
// normalized note, so keys cannot collide across parts.
const signatureSeparator = "||"

// SignatureKey builds the grouping key for a transaction.
func SignatureKey(tx *storage.Transaction) string {
	return SignatureKeyParts(tx.Note, tx.AccountID, tx.CurrencyCode)
}

// SignatureKeyParts builds a grouping key from a raw note, account id and
// currency code. The note is normalized; the other parts are used as-is.
func SignatureKeyParts(note, accountID, currencyCode string) string {
	return normalize.Note(note) + signatureSeparator + accountID + signatureSeparator + currencyCode
}

// Group is a set of transactions sharing one signature. Members keep their
// input order so downstream tie-breaks (most common note, bucket assignment)
// are deterministic.
type Group struct {
	Signature    string
	Transactions []*storage.Transaction
}

// GroupBySignature buckets transactions by signature and drops groups with
// fewer than minOccurrences members. Group order follows the first
// appearance of each signature in the input.
func GroupBySignature(txs []*storage.Transaction, minOccurrences int) []Group {
	byKey := make(map[string][]*storage.Transaction)
	var keyOrder []string

	for _, tx := range txs {
		key := SignatureKey(tx)
		if _, seen := byKey[key]; !seen {
			keyOrder = append(keyOrder, key)
		}
		byKey[key] = append(byKey[key], tx)
	}

	var groups []Group
	for _, key := range keyOrder {
		members := byKey[key]
		if len(members) < minOccurrences {
			continue
		}
		groups = append(groups, Group{Signature: key, Transactions: members})
	}
	return groups
}
