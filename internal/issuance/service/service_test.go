package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"credmint/internal/issuance/events"
	eventmocks "credmint/internal/issuance/events/mocks"
	"credmint/internal/issuance/ledger"
	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/metrics"
	"credmint/internal/issuance/models"
	"credmint/internal/issuance/persistence"
	"credmint/internal/issuance/queue"
	"credmint/internal/issuance/scheduler"
	"credmint/internal/issuance/service"
	"credmint/internal/issuance/stamper"
	"credmint/internal/issuance/storage"
	"credmint/internal/issuance/store/issuance"
	"credmint/internal/issuance/store/issuer"
	"credmint/internal/issuance/tracker"
	"credmint/internal/issuance/worker"
	dErrors "credmint/pkg/domain-errors"
	txcontext "credmint/pkg/platform/tx"
)

// =============================================================================
// Batch Issuance Scenario Suite
// =============================================================================
// Justification: these scenarios run the whole pipeline with in-process
// collaborators (memory ledger, queue, storage and stores) and a real worker
// pool, so ordering, all-or-nothing persistence and cleanup are observed
// end to end rather than per component.

type recordingBroker struct {
	*queue.MemoryBroker
	mu   sync.Mutex
	jobs []models.ChunkJob
}

func (r *recordingBroker) Enqueue(ctx context.Context, job models.ChunkJob) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	return r.MemoryBroker.Enqueue(ctx, job)
}

func (r *recordingBroker) dispatched() []models.ChunkJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChunkJob(nil), r.jobs...)
}

type scriptedRenderer struct {
	mu      sync.Mutex
	broken  map[string]bool
	renders int
}

func (r *scriptedRenderer) Render(_ context.Context, in stamper.RenderInput) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders++
	name := models.DeclaredName(in.TemplatePath)
	if r.broken[name] {
		return nil, errors.New("rasterizer crashed")
	}
	return []byte("certificate:" + name), nil
}

type IssueBatchSuite struct {
	suite.Suite
	logger    *slog.Logger
	workRoot  string
	broker    *recordingBroker
	ledger    *ledger.MemoryClient
	issuers   *issuer.InMemoryStore
	issuances *issuance.InMemoryStore
	objects   *storage.MemoryStore
	renderer  *scriptedRenderer
	metrics   *metrics.Metrics
	stamp     *stamper.Stamper
	cancel    context.CancelFunc
	poolDone  chan error
}

func TestIssueBatchSuite(t *testing.T) {
	suite.Run(t, new(IssueBatchSuite))
}

func (s *IssueBatchSuite) SetupTest() {
	ctx := context.Background()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.workRoot = s.T().TempDir()
	s.broker = &recordingBroker{MemoryBroker: queue.NewMemoryBroker(s.logger)}
	s.ledger = ledger.NewMemoryClient()
	s.issuers = issuer.NewInMemory()
	s.issuances = issuance.NewInMemory()
	s.objects = storage.NewMemoryStore("https://cdn.example.com")
	s.renderer = &scriptedRenderer{broken: map[string]bool{}}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.Require().NoError(s.issuers.Create(ctx, &models.Issuer{ID: "acme", Name: "Acme", ServiceCredits: 100}))

	st, err := stamper.New(s.objects, s.renderer, "https://verify.example.com/c",
		stamper.WithRetry(2, time.Millisecond), stamper.WithLogger(s.logger), stamper.WithMetrics(s.metrics))
	s.Require().NoError(err)
	s.stamp = st
	s.cancel = nil
}

func (s *IssueBatchSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		s.NoError(<-s.poolDone)
	}
}

func (s *IssueBatchSuite) startWorkers(n int) {
	pool, err := worker.NewPool(s.broker, s.stamp, n, worker.WithLogger(s.logger), worker.WithMetrics(s.metrics))
	s.Require().NoError(err)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.poolDone = make(chan error, 1)
	go func() { s.poolDone <- pool.Run(ctx) }()
}

func (s *IssueBatchSuite) newService(timeout time.Duration, opts ...service.Option) *service.Service {
	committer, err := ledger.NewCommitter(s.ledger, s.issuers,
		ledger.WithMaxAttempts(3), ledger.WithRetryDelay(time.Millisecond), ledger.WithLogger(s.logger), ledger.WithMetrics(s.metrics))
	s.Require().NoError(err)
	sched, err := scheduler.New(s.broker, 2, scheduler.WithLogger(s.logger))
	s.Require().NoError(err)
	tr, err := tracker.New(s.broker, tracker.WithLogger(s.logger))
	s.Require().NoError(err)
	writer, err := persistence.NewWriter(s.issuances, s.issuers, txcontext.NopRunner{}, persistence.WithLogger(s.logger))
	s.Require().NoError(err)

	opts = append([]service.Option{service.WithLogger(s.logger), service.WithMetrics(s.metrics)}, opts...)
	svc, err := service.New(service.Dependencies{
		Issuers:    s.issuers,
		Committer:  committer,
		Dispatcher: sched,
		Tracker:    tr,
		Queue:      s.broker,
		Writer:     writer,
	}, service.Config{
		WorkRoot:     s.workRoot,
		BatchTimeout: timeout,
		ExplorerURL:  "https://scan.example",
		QRSize:       64,
		QRForeground: "#000000",
		QRBackground: "#ffffff",
	}, opts...)
	s.Require().NoError(err)
	return svc
}

func request(n, templates int) service.IssueRequest {
	req := service.IssueRequest{IssuerID: "acme", Layout: models.LayoutParams{QRX: 10, QRY: 10}}
	for i := range n {
		id := fmt.Sprintf("CERT-%03d", i)
		req.Records = append(req.Records, models.CertificateRecord{
			DocumentID: id,
			Name:       fmt.Sprintf("Holder %d", i),
			Fields:     map[string]string{"course": "Distributed Systems"},
		})
		if i < templates {
			req.Templates = append(req.Templates, models.Template{FileName: id + ".png", Content: []byte("tmpl")})
		}
	}
	return req
}

func (s *IssueBatchSuite) assertCleanedUp() {
	entries, err := os.ReadDir(s.workRoot)
	s.Require().NoError(err)
	s.Empty(entries, "working directories released")
	queues, err := s.broker.Queues(context.Background())
	s.Require().NoError(err)
	s.Empty(queues, "batch queue purged")
}

func (s *IssueBatchSuite) sequence() int64 {
	iss, err := s.issuers.FindByID(context.Background(), "acme")
	s.Require().NoError(err)
	return iss.BatchSequence
}

// Five records, five templates, chunk size two: three jobs of sizes 2, 2, 1,
// all carrying the same commit, and five rows persisted under one sequence.
func (s *IssueBatchSuite) TestFiveRecordsInThreeChunks() {
	s.startWorkers(2)
	svc := s.newService(10 * time.Second)

	res, err := svc.IssueBatch(context.Background(), request(5, 5))
	s.Require().NoError(err)

	s.Equal(service.StatusIssued, res.Status)
	s.Equal(int64(1), res.BatchSequence)
	s.Equal("https://scan.example/tx/"+res.RootTxReference, res.RootTxURL)
	s.Require().Len(res.Certificates, 5)
	for i, c := range res.Certificates {
		s.Equal(fmt.Sprintf("CERT-%03d", i), c.CertificateNumber)
		s.Equal(fmt.Sprintf("https://cdn.example.com/CERT-%03d.png", i), c.URL)
	}

	jobs := s.broker.dispatched()
	s.Require().Len(jobs, 3)
	sizes := []int{len(jobs[0].Records), len(jobs[1].Records), len(jobs[2].Records)}
	s.Equal([]int{2, 2, 1}, sizes)
	for _, j := range jobs {
		s.Equal(res.RootTxReference, j.Context.TxReference)
		s.Equal(res.Root, j.Context.Root)
	}

	rows, err := s.issuances.ListByBatch(context.Background(), res.BatchID)
	s.Require().NoError(err)
	s.Len(rows, 5)
	view, err := s.issuances.FindByCertificateNumber(context.Background(), "CERT-003")
	s.Require().NoError(err)
	s.Equal(int64(1), view.BatchSequence)
	s.True(merkle.Verify(view.Record.LeafHash, view.Record.Proof, view.Root))

	iss, err := s.issuers.FindByID(context.Background(), "acme")
	s.Require().NoError(err)
	s.Equal(int64(5), iss.CertificatesIssued)
	s.Equal(res.TxFee, iss.TransactionFee.String())
	s.Equal(int64(95), iss.ServiceCredits)
	s.Equal(5, s.objects.Len())
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.BatchOutcome.WithLabelValues("issued")))

	s.assertCleanedUp()
}

// Three records with two templates fail validation before the ledger is
// contacted, and no batch sequence is consumed.
func (s *IssueBatchSuite) TestTemplateCountMismatch() {
	svc := s.newService(time.Second)

	_, err := svc.IssueBatch(context.Background(), request(3, 2))

	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	s.Equal("template_count_mismatch", dErrors.ReasonOf(err))
	s.Equal([]string{"3 records, 2 templates"}, dErrors.DetailsOf(err))
	s.Zero(s.ledger.Calls())
	s.Zero(s.sequence())
	s.Empty(s.broker.dispatched())
}

func (s *IssueBatchSuite) TestMisnamedTemplate() {
	svc := s.newService(time.Second)
	req := request(2, 2)
	req.Templates[1].FileName = "cert-001.png"

	_, err := svc.IssueBatch(context.Background(), req)

	s.Equal("template_missing", dErrors.ReasonOf(err))
	s.Equal([]string{`no template named "CERT-001"`}, dErrors.DetailsOf(err))
	s.Zero(s.sequence())
}

func (s *IssueBatchSuite) TestDuplicateDocumentIDs() {
	svc := s.newService(time.Second)
	req := request(3, 3)
	req.Records[2].DocumentID = "CERT-000"

	_, err := svc.IssueBatch(context.Background(), req)

	s.Equal("duplicate_document_id", dErrors.ReasonOf(err))
	s.Equal([]string{"CERT-000"}, dErrors.DetailsOf(err))
	s.Zero(s.ledger.Calls())
}

func (s *IssueBatchSuite) TestEmptyBatch() {
	svc := s.newService(time.Second)
	_, err := svc.IssueBatch(context.Background(), service.IssueRequest{IssuerID: "acme"})
	s.Equal("empty_batch", dErrors.ReasonOf(err))
	s.Zero(s.ledger.Calls())
}

func (s *IssueBatchSuite) TestInvalidLayout() {
	svc := s.newService(time.Second)
	req := request(1, 1)
	req.Layout.Foreground = "black"
	_, err := svc.IssueBatch(context.Background(), req)
	s.Equal("invalid_layout", dErrors.ReasonOf(err))
}

func (s *IssueBatchSuite) TestInsufficientCreditsBeforeCommit() {
	ctx := context.Background()
	s.Require().NoError(s.issuers.Create(ctx, &models.Issuer{ID: "tiny", Name: "Tiny", ServiceCredits: 1}))
	svc := s.newService(time.Second)
	req := request(2, 2)
	req.IssuerID = "tiny"

	_, err := svc.IssueBatch(ctx, req)

	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Equal("insufficient_credits", dErrors.ReasonOf(err))
	s.Zero(s.ledger.Calls())
}

func (s *IssueBatchSuite) TestUnknownIssuer() {
	svc := s.newService(time.Second)
	req := request(1, 1)
	req.IssuerID = "ghost"
	_, err := svc.IssueBatch(context.Background(), req)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

// A fatal ledger error fails the batch after one attempt with no jobs
// dispatched. The sequence was still consumed, leaving a gap.
func (s *IssueBatchSuite) TestFatalLedgerError() {
	s.ledger.FailNext(errors.New("insufficient funds for gas * price + value"))
	svc := s.newService(time.Second)

	_, err := svc.IssueBatch(context.Background(), request(4, 4))

	s.True(dErrors.HasCode(err, dErrors.CodeLedgerRejected))
	s.Equal(string(ledger.ReasonInsufficientFunds), dErrors.ReasonOf(err))
	s.Equal(1, s.ledger.Calls())
	s.Empty(s.broker.dispatched())
	s.Equal(int64(1), s.sequence())
	s.assertCleanedUp()
}

// One record whose render keeps failing fails its chunk, and with it the
// batch: nothing is persisted even though the other chunks succeeded.
func (s *IssueBatchSuite) TestStampFailureIsAllOrNothing() {
	s.renderer.broken["CERT-004"] = true
	s.startWorkers(3)
	svc := s.newService(10 * time.Second)

	_, err := svc.IssueBatch(context.Background(), request(5, 5))

	s.True(dErrors.HasCode(err, dErrors.CodeBatchFailed))
	s.Equal("chunk_failed", dErrors.ReasonOf(err))
	s.Contains(dErrors.DetailsOf(err)[0], "chunk 2")

	iss, err := s.issuers.FindByID(context.Background(), "acme")
	s.Require().NoError(err)
	s.Zero(iss.CertificatesIssued)
	s.Equal(int64(100), iss.ServiceCredits)
	_, err = s.issuances.FindByCertificateNumber(context.Background(), "CERT-000")
	s.Error(err, "no rows for a failed batch")
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.BatchOutcome.WithLabelValues("stamp_failed")))
	s.assertCleanedUp()
}

// Without workers the batch never completes; the timeout fails it and the
// queue and working directory are still released.
func (s *IssueBatchSuite) TestBatchTimeout() {
	svc := s.newService(50 * time.Millisecond)

	_, err := svc.IssueBatch(context.Background(), request(3, 3))

	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	s.Equal([]string{"chunk 0 pending", "chunk 1 pending"}, dErrors.DetailsOf(err))
	s.assertCleanedUp()

	stats, err := s.broker.Stats(context.Background())
	s.Require().NoError(err)
	s.Zero(stats.Pending, "undelivered jobs purged")
}

func (s *IssueBatchSuite) TestSequencesIncreasePerBatch() {
	s.startWorkers(2)
	svc := s.newService(10 * time.Second)

	first, err := svc.IssueBatch(context.Background(), request(2, 2))
	s.Require().NoError(err)

	second := request(2, 2)
	for i := range second.Records {
		id := fmt.Sprintf("NEXT-%d", i)
		second.Records[i].DocumentID = id
		second.Templates[i].FileName = id + ".png"
	}
	res, err := svc.IssueBatch(context.Background(), second)
	s.Require().NoError(err)
	s.Equal(first.BatchSequence+1, res.BatchSequence)
	s.NotEqual(first.Root, res.Root)
}

func (s *IssueBatchSuite) TestLifecycleEventsPublished() {
	ctrl := gomock.NewController(s.T())
	pub := eventmocks.NewMockPublisher(ctrl)
	gomock.InOrder(
		pub.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e events.Event) error {
			s.Equal(events.BatchCommitted, e.Type)
			s.NotEmpty(e.TxReference)
			return nil
		}),
		pub.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e events.Event) error {
			s.Equal(events.BatchIssued, e.Type)
			s.Equal(2, e.Records)
			return errors.New("broker unavailable")
		}),
	)
	s.startWorkers(1)
	svc := s.newService(10*time.Second, service.WithPublisher(pub))

	_, err := svc.IssueBatch(context.Background(), request(2, 2))
	s.Require().NoError(err, "publish failures never fail a batch")
}

func (s *IssueBatchSuite) TestFailedBatchPublishesReason() {
	ctrl := gomock.NewController(s.T())
	pub := eventmocks.NewMockPublisher(ctrl)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e events.Event) error {
		s.Equal(events.BatchFailed, e.Type)
		s.Equal(string(ledger.ReasonNonceConflict), e.Reason)
		return nil
	})
	s.ledger.FailNext(errors.New("nonce too low"))
	svc := s.newService(time.Second, service.WithPublisher(pub))

	_, err := svc.IssueBatch(context.Background(), request(1, 1))
	s.Error(err)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := service.New(service.Dependencies{}, service.Config{WorkRoot: filepath.Join(os.TempDir(), "x")})
	if err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}
