// Package issuer stores issuers and their running counters.
package issuer

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"credmint/internal/issuance/models"
	"credmint/pkg/platform/sentinel"
	"credmint/pkg/requestcontext"
)

// InMemoryStore keeps issuers in process memory. Every counter update happens
// under one lock so concurrent batches never share a sequence number.
type InMemoryStore struct {
	mu      sync.Mutex
	issuers map[string]*models.Issuer
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{issuers: make(map[string]*models.Issuer)}
}

func (s *InMemoryStore) Create(ctx context.Context, issuer *models.Issuer) error {
	if issuer == nil {
		return fmt.Errorf("issuer is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.issuers[issuer.ID]; exists {
		return sentinel.ErrConflict
	}
	cp := *issuer
	if cp.TransactionFee == nil {
		cp.TransactionFee = new(big.Int)
	} else {
		cp.TransactionFee = new(big.Int).Set(cp.TransactionFee)
	}
	now := requestcontext.Now(ctx)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.issuers[cp.ID] = &cp
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (*models.Issuer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issuer, ok := s.issuers[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(issuer), nil
}

func (s *InMemoryStore) NextBatchSequence(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issuer, ok := s.issuers[id]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	issuer.BatchSequence++
	issuer.UpdatedAt = requestcontext.Now(ctx)
	return issuer.BatchSequence, nil
}

func (s *InMemoryStore) AddTotals(ctx context.Context, id string, certificates int, fee *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issuer, ok := s.issuers[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	issuer.CertificatesIssued += int64(certificates)
	if fee != nil {
		issuer.TransactionFee = new(big.Int).Add(issuer.TransactionFee, fee)
	}
	issuer.UpdatedAt = requestcontext.Now(ctx)
	return nil
}

func (s *InMemoryStore) ConsumeCredits(ctx context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issuer, ok := s.issuers[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if issuer.ServiceCredits < 0 {
		return nil
	}
	if issuer.ServiceCredits < int64(n) {
		return sentinel.ErrConflict
	}
	issuer.ServiceCredits -= int64(n)
	issuer.UpdatedAt = requestcontext.Now(ctx)
	return nil
}

func clone(i *models.Issuer) *models.Issuer {
	cp := *i
	cp.TransactionFee = new(big.Int).Set(i.TransactionFee)
	return &cp
}

