package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"credmint/internal/issuance/merkle"
)

// Submission is one accepted call recorded by MemoryClient.
type Submission struct {
	Root            merkle.Digest
	ExpirationEpoch int64
	Bid             FeeBid
	TxReference     string
}

// MemoryClient is an in-process ledger for development and tests. It rejects
// a root it has already anchored, like the on-chain contract does.
type MemoryClient struct {
	mu          sync.Mutex
	failures    []error
	anchored    map[merkle.Digest]string
	fees        map[string]*big.Int
	calls       int
	submissions []Submission
	baseFee     *big.Int
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		anchored: make(map[merkle.Digest]string),
		fees:     make(map[string]*big.Int),
		baseFee:  big.NewInt(21_000 * 1_000_000_000),
	}
}

// FailNext queues errors returned by the next submissions, in order.
func (m *MemoryClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

func (m *MemoryClient) SubmitBatchRoot(ctx context.Context, root merkle.Digest, expirationEpoch int64, bid FeeBid) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return "", err
	}
	if _, ok := m.anchored[root]; ok {
		return "", fmt.Errorf("execution reverted: batch already issued for root %s", root)
	}

	tx := merkle.Sum(root[:], big.NewInt(int64(m.calls)).Bytes()).String()
	m.anchored[root] = tx
	m.fees[tx] = bid.Apply(m.baseFee)
	m.submissions = append(m.submissions, Submission{Root: root, ExpirationEpoch: expirationEpoch, Bid: bid, TxReference: tx})
	return tx, nil
}

func (m *MemoryClient) EstimateFee(_ context.Context, txReference string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fee, ok := m.fees[txReference]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", txReference)
	}
	return new(big.Int).Set(fee), nil
}

// Calls returns how many submissions were attempted, including failures.
func (m *MemoryClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Submissions returns accepted submissions in order.
func (m *MemoryClient) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Submission(nil), m.submissions...)
}
