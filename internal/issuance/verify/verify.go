// Package verify answers whether a certificate number belongs to an anchored batch.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"credmint/internal/issuance/ledger"
	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/metrics"
	"credmint/internal/issuance/models"
	dErrors "credmint/pkg/domain-errors"
	"credmint/pkg/platform/sentinel"
)

// Lookup loads a persisted certificate with its batch commit.
type Lookup interface {
	FindByCertificateNumber(ctx context.Context, certificateNumber string) (*models.IssuanceView, error)
}

// Result is the public verification answer.
type Result struct {
	Valid             bool                  `json:"valid"`
	CertificateNumber string                `json:"certificateNumber"`
	Name              string                `json:"name"`
	Fields            map[string]string     `json:"fields,omitempty"`
	IssuerID          string                `json:"issuerId"`
	BatchID           string                `json:"batchId"`
	BatchSequence     int64                 `json:"batchSequence"`
	Status            models.IssuanceStatus `json:"status"`
	Root              merkle.Digest         `json:"root"`
	LeafHash          merkle.Digest         `json:"leafHash"`
	CombinedHash      merkle.Digest         `json:"combinedHash"`
	Proof             merkle.Proof          `json:"proof"`
	TxReference       string                `json:"txReference"`
	TxURL             string                `json:"txUrl,omitempty"`
	ArtifactURL       string                `json:"artifactUrl"`
	IssuedAt          time.Time             `json:"issuedAt"`
}

// Verifier recomputes inclusion for stored certificates. Views are cached for
// a bounded time; the proof is re-checked on every call.
type Verifier struct {
	store       Lookup
	cache       *expirable.LRU[string, *models.IssuanceView]
	explorerURL string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Verifier)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithCache sets the view cache size and TTL. A size of zero disables caching.
func WithCache(size int, ttl time.Duration) Option {
	return func(v *Verifier) {
		if size <= 0 {
			v.cache = nil
			return
		}
		v.cache = expirable.NewLRU[string, *models.IssuanceView](size, nil, ttl)
	}
}

// WithExplorerURL sets the base used to build transaction links.
func WithExplorerURL(base string) Option {
	return func(v *Verifier) { v.explorerURL = base }
}

func New(store Lookup, opts ...Option) (*Verifier, error) {
	if store == nil {
		return nil, errors.New("issuance store is required")
	}
	v := &Verifier{
		store:  store,
		cache:  expirable.NewLRU[string, *models.IssuanceView](1024, nil, 5*time.Minute),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Verifier) Verify(ctx context.Context, certificateNumber string) (*Result, error) {
	if certificateNumber == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "certificate number is required")
	}
	view, err := v.load(ctx, certificateNumber)
	if err != nil {
		return nil, err
	}

	rec := view.Record
	leaf := models.CertificateRecord{
		Index:      rec.Index,
		DocumentID: rec.CertificateNumber,
		Name:       rec.Name,
		Fields:     rec.Fields,
	}.Leaf()
	valid := rec.Status == models.StatusIssued &&
		leaf == rec.LeafHash &&
		merkle.Verify(leaf, rec.Proof, view.Root) &&
		merkle.CombinedHash(leaf, view.Root) == rec.CombinedHash

	if !valid {
		v.logger.WarnContext(ctx, "certificate failed verification",
			"certificate_number", certificateNumber,
			"batch_id", rec.BatchID,
			"status", rec.Status,
		)
	}

	return &Result{
		Valid:             valid,
		CertificateNumber: rec.CertificateNumber,
		Name:              rec.Name,
		Fields:            rec.Fields,
		IssuerID:          rec.IssuerID,
		BatchID:           rec.BatchID.String(),
		BatchSequence:     view.BatchSequence,
		Status:            rec.Status,
		Root:              view.Root,
		LeafHash:          rec.LeafHash,
		CombinedHash:      rec.CombinedHash,
		Proof:             rec.Proof,
		TxReference:       view.TxReference,
		TxURL:             ledger.TxURL(v.explorerURL, view.TxReference),
		ArtifactURL:       rec.ArtifactURL,
		IssuedAt:          rec.IssuedAt,
	}, nil
}

// Invalidate drops a cached view, e.g. after a status change.
func (v *Verifier) Invalidate(certificateNumber string) {
	if v.cache != nil {
		v.cache.Remove(certificateNumber)
	}
}

func (v *Verifier) load(ctx context.Context, certificateNumber string) (*models.IssuanceView, error) {
	if v.cache != nil {
		if view, ok := v.cache.Get(certificateNumber); ok {
			v.metrics.IncrementVerifyCache(true)
			return view, nil
		}
		v.metrics.IncrementVerifyCache(false)
	}

	view, err := v.store.FindByCertificateNumber(ctx, certificateNumber)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "certificate not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certificate")
	}
	if v.cache != nil {
		v.cache.Add(certificateNumber, view)
	}
	return view, nil
}
