package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/metrics"
	"credmint/internal/issuance/models"
	dErrors "credmint/pkg/domain-errors"
	"credmint/pkg/platform/sentinel"
)

// =============================================================================
// Verifier Test Suite
// =============================================================================
// Justification: verification is the public trust surface. A stored row must
// only verify if its content still hashes into the anchored root.

type countingLookup struct {
	views map[string]*models.IssuanceView
	err   error
	calls int
}

func (c *countingLookup) FindByCertificateNumber(_ context.Context, n string) (*models.IssuanceView, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	v, ok := c.views[n]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

type VerifierSuite struct {
	suite.Suite
	lookup   *countingLookup
	metrics  *metrics.Metrics
	verifier *Verifier
}

func TestVerifierSuite(t *testing.T) {
	suite.Run(t, new(VerifierSuite))
}

func (s *VerifierSuite) SetupTest() {
	records := []models.CertificateRecord{
		{Index: 0, DocumentID: "A-1", Name: "Ann", Fields: map[string]string{"course": "Go"}},
		{Index: 1, DocumentID: "B-2", Name: "Bob"},
		{Index: 2, DocumentID: "C-3", Name: "Cy"},
	}
	tree, err := merkle.Build(models.HashRecords(records))
	s.Require().NoError(err)

	s.lookup = &countingLookup{views: map[string]*models.IssuanceView{}}
	batchID := uuid.New()
	for i, r := range records {
		p, _ := tree.Proof(i)
		s.lookup.views[r.DocumentID] = &models.IssuanceView{
			Record: models.IssuanceRecord{
				CertificateNumber: r.DocumentID,
				BatchID:           batchID,
				IssuerID:          "acme",
				Index:             r.Index,
				Name:              r.Name,
				Fields:            r.Fields,
				LeafHash:          r.Leaf(),
				Proof:             p,
				CombinedHash:      merkle.CombinedHash(r.Leaf(), tree.Root()),
				Status:            models.StatusIssued,
				IssuedAt:          time.Now(),
			},
			Root:          tree.Root(),
			TxReference:   "0xbeef",
			BatchSequence: 3,
		}
	}

	s.metrics = metrics.New(prometheus.NewRegistry())
	v, err := New(s.lookup, WithCache(16, time.Minute), WithExplorerURL("https://scan.example"), WithMetrics(s.metrics))
	s.Require().NoError(err)
	s.verifier = v
}

func (s *VerifierSuite) TestValidCertificate() {
	res, err := s.verifier.Verify(context.Background(), "A-1")
	s.Require().NoError(err)
	s.True(res.Valid)
	s.Equal("acme", res.IssuerID)
	s.Equal(int64(3), res.BatchSequence)
	s.Equal("https://scan.example/tx/0xbeef", res.TxURL)
}

func (s *VerifierSuite) TestTamperedContentFailsVerification() {
	s.lookup.views["B-2"].Record.Name = "Mallory"
	res, err := s.verifier.Verify(context.Background(), "B-2")
	s.Require().NoError(err)
	s.False(res.Valid)
}

func (s *VerifierSuite) TestRevokedCertificateIsInvalid() {
	s.lookup.views["C-3"].Record.Status = models.StatusRevoked
	res, err := s.verifier.Verify(context.Background(), "C-3")
	s.Require().NoError(err)
	s.False(res.Valid)
}

func (s *VerifierSuite) TestCachesViews() {
	for range 3 {
		_, err := s.verifier.Verify(context.Background(), "A-1")
		s.Require().NoError(err)
	}
	s.Equal(1, s.lookup.calls)
	s.Equal(float64(2), testutil.ToFloat64(s.metrics.VerifyCache.WithLabelValues("hit")))
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.VerifyCache.WithLabelValues("miss")))

	s.verifier.Invalidate("A-1")
	_, err := s.verifier.Verify(context.Background(), "A-1")
	s.Require().NoError(err)
	s.Equal(2, s.lookup.calls)
}

func (s *VerifierSuite) TestNotFound() {
	_, err := s.verifier.Verify(context.Background(), "nope")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *VerifierSuite) TestEmptyNumber() {
	_, err := s.verifier.Verify(context.Background(), "")
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *VerifierSuite) TestStoreFailure() {
	s.lookup.err = errors.New("db down")
	_, err := s.verifier.Verify(context.Background(), "A-1")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *VerifierSuite) TestCacheDisabled() {
	v, err := New(s.lookup, WithCache(0, 0))
	s.Require().NoError(err)
	for range 2 {
		_, err := v.Verify(context.Background(), "A-1")
		s.Require().NoError(err)
	}
	s.Equal(2, s.lookup.calls)
}
