// Package stamper turns one chunk job into uploaded certificate images.
//
// A chunk is all-or-nothing: a record without a template or a valid proof
// fails the job before anything is rendered, and a record whose render or
// upload keeps failing after its retries fails the job too.
package stamper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/metrics"
	"credmint/internal/issuance/models"
	"credmint/internal/issuance/storage"
	"credmint/internal/issuance/workdir"
	dErrors "credmint/pkg/domain-errors"
)

const artifactContentType = "image/png"

// Stamper renders and uploads the certificates of a chunk.
type Stamper struct {
	store         storage.ObjectStore
	renderer      Renderer
	verifyBaseURL string
	attempts      int
	retryDelay    time.Duration
	concurrency   int
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

type Option func(*Stamper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Stamper) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stamper) { s.metrics = m }
}

// WithRetry bounds render+upload attempts per record, including the first.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Stamper) {
		if attempts > 0 {
			s.attempts = attempts
		}
		s.retryDelay = delay
	}
}

// WithConcurrency bounds how many records of one chunk render at once.
func WithConcurrency(n int) Option {
	return func(s *Stamper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func New(store storage.ObjectStore, renderer Renderer, verifyBaseURL string, opts ...Option) (*Stamper, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if verifyBaseURL == "" {
		return nil, errors.New("verification base url is required")
	}
	s := &Stamper{
		store:         store,
		renderer:      renderer,
		verifyBaseURL: strings.TrimRight(verifyBaseURL, "/"),
		attempts:      3,
		retryDelay:    time.Second,
		concurrency:   4,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// VerificationURL is what each certificate's QR code points at.
func (s *Stamper) VerificationURL(certificateNumber string) string {
	return s.verifyBaseURL + "/" + certificateNumber
}

type preparedRecord struct {
	record   models.CertificateRecord
	template string
	leaf     merkle.Digest
	proof    merkle.Proof
}

// Stamp processes every record of job and returns results in record order.
func (s *Stamper) Stamp(ctx context.Context, job models.ChunkJob) ([]models.StampResult, error) {
	ctx, span := otel.Tracer("credmint/stamper").Start(ctx, "stamper.chunk")
	defer span.End()
	span.SetAttributes(
		attribute.String("batch_id", job.QueueID),
		attribute.Int("chunk_index", job.ChunkIndex),
		attribute.Int("records", len(job.Records)),
	)

	prepared, err := s.prepare(job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk rejected")
		return nil, err
	}

	layout := job.Context.Layout
	results := make([]models.StampResult, len(prepared))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, p := range prepared {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.ErrorContext(gctx, "certificate stamp panicked",
						"certificate_number", p.record.DocumentID,
						"panic", r,
					)
					err = fmt.Errorf("%s: render panic: %v", p.record.DocumentID, r)
				}
			}()
			url, err := s.stampOne(gctx, p, layout)
			if err != nil {
				return fmt.Errorf("%s: %w", p.record.DocumentID, err)
			}
			results[i] = models.StampResult{
				CertificateNumber: p.record.DocumentID,
				Index:             p.record.Index,
				LeafHash:          p.leaf,
				Proof:             p.proof,
				CombinedHash:      merkle.CombinedHash(p.leaf, job.Context.Root),
				ArtifactURL:       url,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stamping failed")
		return nil, dErrors.Wrap(err, dErrors.CodeBatchFailed, "certificate stamping failed").
			WithReason("stamp_failed").
			WithDetails(err.Error())
	}
	return results, nil
}

// prepare resolves templates and proofs for every record up front.
func (s *Stamper) prepare(job models.ChunkJob) ([]preparedRecord, error) {
	templates, err := workdir.Index(job.Context.TemplateDir)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "template directory unavailable").
			WithReason("template_dir_missing")
	}

	var missing, badProofs []string
	prepared := make([]preparedRecord, 0, len(job.Records))
	for _, r := range job.Records {
		path, ok := templates[r.DocumentID]
		if !ok {
			missing = append(missing, fmt.Sprintf("no template named %q", r.DocumentID))
			continue
		}
		leaf := r.Leaf()
		proof, ok := job.Proofs[r.Index]
		if !ok || !merkle.Verify(leaf, proof, job.Context.Root) {
			badProofs = append(badProofs, fmt.Sprintf("record %d (%s) has no valid inclusion proof", r.Index, r.DocumentID))
			continue
		}
		prepared = append(prepared, preparedRecord{record: r, template: path, leaf: leaf, proof: proof})
	}

	if len(missing) > 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "template missing for record").
			WithReason("template_missing").
			WithDetails(missing...)
	}
	if len(badProofs) > 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "inclusion proof mismatch").
			WithReason("proof_invalid").
			WithDetails(badProofs...)
	}
	return prepared, nil
}

func (s *Stamper) stampOne(ctx context.Context, p preparedRecord, layout models.LayoutParams) (string, error) {
	qr, err := EncodeQR(s.VerificationURL(p.record.DocumentID), layout)
	if err != nil {
		return "", err
	}
	in := RenderInput{TemplatePath: p.template, QR: qr, Layout: layout}
	key := p.record.DocumentID + ".png"

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 {
			s.metrics.IncrementStampRetry()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}

		url, err := s.renderAndUpload(ctx, in, key)
		if err == nil {
			return url, nil
		}
		if errors.Is(err, ErrQROutOfBounds) || errors.Is(err, storage.ErrInvalidKey) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		s.logger.WarnContext(ctx, "certificate stamp attempt failed",
			"certificate_number", p.record.DocumentID,
			"attempt", attempt,
			"max_attempts", s.attempts,
			"error", err,
		)
	}
	return "", fmt.Errorf("gave up after %d attempts: %w", s.attempts, lastErr)
}

func (s *Stamper) renderAndUpload(ctx context.Context, in RenderInput, key string) (string, error) {
	img, err := s.renderer.Render(ctx, in)
	if err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	url, err := s.store.Put(ctx, key, img, artifactContentType)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return url, nil
}
