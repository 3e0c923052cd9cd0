// Package service runs the batch issuance pipeline end to end.
//
// A batch moves through validate, commit, dispatch, wait and persist. The
// ledger commit finishes before any chunk is dispatched, and nothing is
// persisted unless every chunk succeeded.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"credmint/internal/issuance/events"
	"credmint/internal/issuance/ledger"
	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/metrics"
	"credmint/internal/issuance/models"
	"credmint/internal/issuance/scheduler"
	"credmint/internal/issuance/tracker"
	"credmint/internal/issuance/workdir"
	dErrors "credmint/pkg/domain-errors"
	"credmint/pkg/platform/sentinel"
)

type IssuerStore interface {
	FindByID(ctx context.Context, id string) (*models.Issuer, error)
}

type Committer interface {
	Commit(ctx context.Context, issuerID string, batchID uuid.UUID, root merkle.Digest, recordCount int) (*models.BatchCommit, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, bc models.BatchContext, records []models.CertificateRecord, tree *merkle.Tree) ([]scheduler.JobHandle, error)
}

type Waiter interface {
	Wait(ctx context.Context, queueID string, handles []scheduler.JobHandle, scope *tracker.Scope) ([]models.StampResult, error)
}

type QueuePurger interface {
	Purge(ctx context.Context, queueID string) error
}

type Persister interface {
	Persist(ctx context.Context, commit models.BatchCommit, records []models.CertificateRecord, results []models.StampResult) ([]models.IssuanceRecord, error)
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Issuers    IssuerStore
	Committer  Committer
	Dispatcher Dispatcher
	Tracker    Waiter
	Queue      QueuePurger
	Writer     Persister
}

// Config holds the pipeline settings.
type Config struct {
	WorkRoot string
	// BatchTimeout bounds the wait for chunk outcomes. Zero waits forever.
	BatchTimeout time.Duration
	ExplorerURL  string
	QRSize       int
	QRForeground string
	QRBackground string
}

type Service struct {
	deps      Dependencies
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher
	tracer    trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func New(deps Dependencies, cfg Config, opts ...Option) (*Service, error) {
	switch {
	case deps.Issuers == nil:
		return nil, errors.New("issuer store is required")
	case deps.Committer == nil:
		return nil, errors.New("ledger committer is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("scheduler is required")
	case deps.Tracker == nil:
		return nil, errors.New("tracker is required")
	case deps.Queue == nil:
		return nil, errors.New("queue broker is required")
	case deps.Writer == nil:
		return nil, errors.New("persistence writer is required")
	case cfg.WorkRoot == "":
		return nil, errors.New("work root is required")
	}
	s := &Service{
		deps:      deps,
		cfg:       cfg,
		logger:    slog.Default(),
		publisher: events.NopPublisher{},
		tracer:    otel.Tracer("credmint/issuance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueBatch validates, anchors, stamps and persists one batch.
//
// Validation failures return before the issuer's batch sequence is touched.
// Every failure after the commit is reported with a machine-readable reason,
// and the batch's queue and working directory are released on every path.
func (s *Service) IssueBatch(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	start := time.Now()

	records, layout, err := s.validate(req)
	if err != nil {
		s.metrics.IncrementBatchOutcome("validation_failed")
		return nil, err
	}
	if err := s.checkIssuer(ctx, req.IssuerID, len(records)); err != nil {
		s.metrics.IncrementBatchOutcome("validation_failed")
		return nil, err
	}

	tree, err := merkle.Build(models.HashRecords(records))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build merkle tree")
	}
	batchID := uuid.New()
	log := s.logger.With("batch_id", batchID.String(), "issuer_id", req.IssuerID)
	log.InfoContext(ctx, "batch accepted", "records", len(records), "root", tree.Root().String())

	commit, err := s.commit(ctx, req.IssuerID, batchID, tree.Root(), len(records))
	if err != nil {
		return nil, s.fail(ctx, "ledger_failed", batchID, req.IssuerID, len(records), err)
	}
	events.Emit(ctx, s.logger, s.publisher, events.Event{
		Type:          events.BatchCommitted,
		BatchID:       batchID.String(),
		IssuerID:      req.IssuerID,
		BatchSequence: commit.BatchSequence,
		Root:          commit.Root.String(),
		TxReference:   commit.TxReference,
		TxFee:         commit.FeeOrZero().String(),
		Records:       len(records),
	})

	results, err := s.stamp(ctx, commit, records, req.Templates, layout, tree)
	if err != nil {
		return nil, s.fail(ctx, "stamp_failed", batchID, req.IssuerID, len(records), err)
	}

	persistCtx, span := s.tracer.Start(ctx, "issuance.persist")
	rows, err := s.deps.Writer.Persist(persistCtx, *commit, records, results)
	endSpan(span, err)
	if err != nil {
		return nil, s.fail(ctx, "persist_failed", batchID, req.IssuerID, len(records), err)
	}

	s.metrics.IncrementBatchOutcome("issued")
	s.metrics.ObserveBatchDuration(time.Since(start))
	s.metrics.AddRecordsIssued(len(rows))
	events.Emit(ctx, s.logger, s.publisher, events.Event{
		Type:          events.BatchIssued,
		BatchID:       batchID.String(),
		IssuerID:      req.IssuerID,
		BatchSequence: commit.BatchSequence,
		Root:          commit.Root.String(),
		TxReference:   commit.TxReference,
		TxFee:         commit.FeeOrZero().String(),
		Records:       len(rows),
	})

	certs := make([]IssuedCertificate, len(rows))
	for i, r := range rows {
		certs[i] = IssuedCertificate{CertificateNumber: r.CertificateNumber, URL: r.ArtifactURL, CombinedHash: r.CombinedHash}
	}
	return &IssueResult{
		Status:          StatusIssued,
		BatchID:         batchID,
		BatchSequence:   commit.BatchSequence,
		Root:            commit.Root,
		RootTxReference: commit.TxReference,
		RootTxURL:       ledger.TxURL(s.cfg.ExplorerURL, commit.TxReference),
		TxFee:           commit.FeeOrZero().String(),
		ExpirationEpoch: commit.ExpirationEpoch,
		Certificates:    certs,
	}, nil
}

func (s *Service) checkIssuer(ctx context.Context, issuerID string, n int) error {
	issuer, err := s.deps.Issuers.FindByID(ctx, issuerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "issuer not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load issuer")
	}
	if !issuer.HasCredits(n) {
		return dErrors.New(dErrors.CodeConflict, "issuer has insufficient service credits").
			WithReason("insufficient_credits").
			WithDetails(formatCredits(issuer.ServiceCredits, n))
	}
	return nil
}

func (s *Service) commit(ctx context.Context, issuerID string, batchID uuid.UUID, root merkle.Digest, n int) (*models.BatchCommit, error) {
	ctx, span := s.tracer.Start(ctx, "issuance.commit")
	commit, err := s.deps.Committer.Commit(ctx, issuerID, batchID, root, n)
	endSpan(span, err)
	if err == nil {
		return commit, nil
	}

	var ce *ledger.CommitError
	if !errors.As(err, &ce) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "ledger commit failed")
	}
	code := dErrors.CodeLedgerRejected
	switch ce.Reason {
	case ledger.ReasonCancelled:
		code = dErrors.CodeTimeout
	case ledger.ReasonSequence:
		code = dErrors.CodeInternal
		if errors.Is(ce.Err, sentinel.ErrNotFound) {
			code = dErrors.CodeNotFound
		}
	}
	details := []string{}
	if ce.Err != nil {
		details = append(details, ce.Err.Error())
	}
	return nil, dErrors.Wrap(err, code, "batch root was not committed").
		WithReason(string(ce.Reason)).
		WithDetails(details...)
}

// stamp dispatches the chunk jobs and waits for all of them. The scope owns
// the queue and the working directory; the tracker closes it, and the
// deferred Close covers exits before the tracker runs.
func (s *Service) stamp(ctx context.Context, commit *models.BatchCommit, records []models.CertificateRecord, templates []models.Template, layout models.LayoutParams, tree *merkle.Tree) ([]models.StampResult, error) {
	queueID := commit.BatchID.String()
	scope := tracker.NewScope()
	defer func() {
		if err := scope.Close(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "batch cleanup failed", "batch_id", queueID, "error", err)
		}
	}()

	dir, err := workdir.Acquire(s.cfg.WorkRoot, commit.BatchID, templates)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to stage templates").WithReason("workdir_failed")
	}
	scope.Add(func(context.Context) error { return dir.Release() })
	scope.Add(func(ctx context.Context) error { return s.deps.Queue.Purge(ctx, queueID) })

	bc := models.BatchContext{
		BatchID:       commit.BatchID,
		IssuerID:      commit.IssuerID,
		BatchSequence: commit.BatchSequence,
		Root:          commit.Root,
		TxReference:   commit.TxReference,
		TemplateDir:   dir.Path(),
		Layout:        layout,
		TotalRecords:  len(records),
	}

	dispatchCtx, span := s.tracer.Start(ctx, "issuance.dispatch")
	handles, err := s.deps.Dispatcher.Dispatch(dispatchCtx, bc, records, tree)
	endSpan(span, err)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to dispatch chunk jobs").WithReason("dispatch_failed")
	}

	waitCtx := ctx
	if s.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.BatchTimeout)
		defer cancel()
	}
	waitCtx, span = s.tracer.Start(waitCtx, "issuance.await")
	span.SetAttributes(attribute.Int("chunks", len(handles)))
	results, err := s.deps.Tracker.Wait(waitCtx, queueID, handles, scope)
	endSpan(span, err)
	return results, err
}

func (s *Service) fail(ctx context.Context, outcome string, batchID uuid.UUID, issuerID string, n int, err error) error {
	s.metrics.IncrementBatchOutcome(outcome)
	s.logger.ErrorContext(ctx, "batch failed",
		"batch_id", batchID.String(),
		"issuer_id", issuerID,
		"stage", outcome,
		"reason", dErrors.ReasonOf(err),
		"error", err,
	)
	events.Emit(ctx, s.logger, s.publisher, events.Event{
		Type:     events.BatchFailed,
		BatchID:  batchID.String(),
		IssuerID: issuerID,
		Records:  n,
		Reason:   dErrors.ReasonOf(err),
		Details:  dErrors.DetailsOf(err),
	})
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
