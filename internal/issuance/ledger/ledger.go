// Package ledger anchors batch roots on an external ledger.
//
// The Committer owns the retry policy: every submission error is classified
// as fatal, retryable after a fixed delay, or retryable with a higher fee bid.
package ledger

import (
	"context"
	"math/big"
	"strings"

	"credmint/internal/issuance/merkle"
)

// Client submits batch roots. Implementations must be safe for concurrent use.
type Client interface {
	// SubmitBatchRoot sends (root, expirationEpoch) and returns the transaction
	// reference once the ledger has accepted it.
	SubmitBatchRoot(ctx context.Context, root merkle.Digest, expirationEpoch int64, bid FeeBid) (string, error)
	// EstimateFee returns the fee actually paid by tx, in the ledger's base unit.
	EstimateFee(ctx context.Context, txReference string) (*big.Int, error)
}

// SequenceStore hands out per-issuer batch sequence numbers.
type SequenceStore interface {
	NextBatchSequence(ctx context.Context, issuerID string) (int64, error)
}

// FeeBid scales the ledger's suggested fee. Percent 100 bids the suggestion as is.
type FeeBid struct {
	Percent int64
}

// DefaultBid bids the suggested fee.
var DefaultBid = FeeBid{Percent: 100}

// Escalate raises the bid by bumpPercent, always by at least one point.
func (b FeeBid) Escalate(bumpPercent int) FeeBid {
	next := b.Percent * int64(100+bumpPercent) / 100
	if next <= b.Percent {
		next = b.Percent + 1
	}
	return FeeBid{Percent: next}
}

// Apply scales price by the bid.
func (b FeeBid) Apply(price *big.Int) *big.Int {
	out := new(big.Int).Mul(price, big.NewInt(b.Percent))
	return out.Div(out, big.NewInt(100))
}

// TxURL builds the explorer link for a transaction reference. Without an
// explorer it returns an empty string.
func TxURL(explorerBase, txReference string) string {
	if explorerBase == "" || txReference == "" {
		return ""
	}
	return strings.TrimRight(explorerBase, "/") + "/tx/" + txReference
}
