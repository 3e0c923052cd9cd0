package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/metrics"
	"credmint/internal/issuance/models"
	"credmint/internal/issuance/queue"
	"credmint/internal/issuance/stamper"
	"credmint/internal/issuance/storage"
	dErrors "credmint/pkg/domain-errors"
)

type stamperFunc func(ctx context.Context, job models.ChunkJob) ([]models.StampResult, error)

func (f stamperFunc) Stamp(ctx context.Context, job models.ChunkJob) ([]models.StampResult, error) {
	return f(ctx, job)
}

func testJob(queueID string, chunk int, ids ...string) models.ChunkJob {
	var records []models.CertificateRecord
	proofs := map[int]merkle.Proof{}
	for i, id := range ids {
		idx := chunk*10 + i
		records = append(records, models.CertificateRecord{Index: idx, DocumentID: id, Name: "n"})
		proofs[idx] = merkle.Proof{}
	}
	return models.ChunkJob{
		QueueID:    queueID,
		ChunkIndex: chunk,
		Records:    records,
		Proofs:     proofs,
		Context: models.BatchContext{
			Root:         merkle.Sum([]byte("root")),
			TxReference:  "0xtx",
			TemplateDir:  "/tmp/templates",
			TotalRecords: 100,
		},
	}
}

func echoStamper(_ context.Context, job models.ChunkJob) ([]models.StampResult, error) {
	out := make([]models.StampResult, len(job.Records))
	for i, r := range job.Records {
		out[i] = models.StampResult{CertificateNumber: r.DocumentID, Index: r.Index}
	}
	return out, nil
}

func TestPoolProcessesAndReports(t *testing.T) {
	broker := queue.NewMemoryBroker(nil)
	ctx := context.Background()
	require.NoError(t, broker.Enqueue(ctx, testJob("q1", 0, "A", "B")))
	require.NoError(t, broker.Enqueue(ctx, testJob("q1", 1, "C")))

	pool, err := NewPool(broker, stamperFunc(echoStamper), 2, WithMetrics(metrics.New(prometheus.NewRegistry())))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	seen := map[int]models.ChunkOutcome{}
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	for len(seen) < 2 {
		o, err := broker.Await(waitCtx, "q1")
		require.NoError(t, err)
		seen[o.ChunkIndex] = o
	}
	cancel()
	require.NoError(t, <-done)

	assert.True(t, seen[0].Succeeded)
	assert.Len(t, seen[0].Results, 2)
	assert.Equal(t, "C", seen[1].Results[0].CertificateNumber)
}

func TestProcessConvertsErrorToOutcome(t *testing.T) {
	pool, err := NewPool(queue.NewMemoryBroker(nil), stamperFunc(func(context.Context, models.ChunkJob) ([]models.StampResult, error) {
		return nil, dErrors.New(dErrors.CodeValidation, "template missing for record").WithDetails(`no template named "A"`)
	}), 1)
	require.NoError(t, err)

	o := pool.Process(context.Background(), testJob("q", 3, "A"))
	assert.False(t, o.Succeeded)
	assert.Equal(t, 3, o.ChunkIndex)
	assert.Equal(t, "q", o.QueueID)
	assert.Contains(t, o.Error, "template missing")
	assert.Equal(t, []string{`no template named "A"`}, o.Details)
}

func TestProcessRecoversPanic(t *testing.T) {
	pool, err := NewPool(queue.NewMemoryBroker(nil), stamperFunc(func(context.Context, models.ChunkJob) ([]models.StampResult, error) {
		panic("nil template")
	}), 1)
	require.NoError(t, err)

	o := pool.Process(context.Background(), testJob("q", 0, "A"))
	assert.False(t, o.Succeeded)
	assert.Equal(t, "worker panic: nil template", o.Error)
}

type panickingRenderer struct{}

func (panickingRenderer) Render(context.Context, stamper.RenderInput) ([]byte, error) {
	panic("boom in renderer")
}

func TestProcessReportsPanicInsideStamper(t *testing.T) {
	dir := t.TempDir()
	records := []models.CertificateRecord{
		{Index: 0, DocumentID: "A", Name: "n"},
		{Index: 1, DocumentID: "B", Name: "n"},
	}
	tree, err := merkle.Build(models.HashRecords(records))
	require.NoError(t, err)
	proofs := map[int]merkle.Proof{}
	for _, r := range records {
		require.NoError(t, os.WriteFile(filepath.Join(dir, r.DocumentID+".png"), []byte("png"), 0o600))
		proofs[r.Index], err = tree.Proof(r.Index)
		require.NoError(t, err)
	}
	job := models.ChunkJob{
		Version: models.ChunkJobVersion,
		QueueID: "q",
		Records: records,
		Proofs:  proofs,
		Context: models.BatchContext{
			Root:         tree.Root(),
			TxReference:  "0xtx",
			TemplateDir:  dir,
			Layout:       models.LayoutParams{QRX: 10, QRY: 10, QRSize: 64},
			TotalRecords: len(records),
		},
	}

	st, err := stamper.New(storage.NewMemoryStore(""), panickingRenderer{}, "https://verify.example.com/c/",
		stamper.WithRetry(2, time.Millisecond))
	require.NoError(t, err)
	pool, err := NewPool(queue.NewMemoryBroker(nil), st, 1)
	require.NoError(t, err)

	o := pool.Process(context.Background(), job)
	assert.False(t, o.Succeeded)
	assert.Equal(t, "q", o.QueueID)
	assert.Contains(t, o.Error, "render panic: boom in renderer")
}

type flakyConsumer struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyConsumer) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *flakyConsumer) Report(context.Context, *queue.Delivery, models.ChunkOutcome) error {
	return nil
}

func TestPoolSurvivesBrokerErrors(t *testing.T) {
	consumer := &flakyConsumer{failures: 3}
	pool, err := NewPool(consumer, stamperFunc(echoStamper), 1, WithErrorBackoff(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		consumer.mu.Lock()
		defer consumer.mu.Unlock()
		return consumer.calls > 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestNewPoolValidates(t *testing.T) {
	_, err := NewPool(nil, stamperFunc(echoStamper), 1)
	assert.Error(t, err)
	_, err = NewPool(queue.NewMemoryBroker(nil), nil, 1)
	assert.Error(t, err)
	_, err = NewPool(queue.NewMemoryBroker(nil), stamperFunc(echoStamper), 0)
	assert.Error(t, err)
}

type reclaimingConsumer struct {
	flakyConsumer
	reclaims int
}

func (r *reclaimingConsumer) RequeueStale(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reclaims++
	if r.reclaims == 1 {
		return 0, errors.New("connection reset")
	}
	return 1, nil
}

func TestPoolReclaimsStaleJobs(t *testing.T) {
	consumer := &reclaimingConsumer{}
	pool, err := NewPool(consumer, stamperFunc(echoStamper), 1, WithReclaimInterval(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		consumer.mu.Lock()
		defer consumer.mu.Unlock()
		return consumer.reclaims >= 3
	}, time.Second, 5*time.Millisecond, "a failed reclaim does not stop the loop")
	cancel()
	assert.NoError(t, <-done)
}

func TestPoolWithoutReclaimIntervalNeverReclaims(t *testing.T) {
	consumer := &reclaimingConsumer{}
	pool, err := NewPool(consumer, stamperFunc(echoStamper), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, pool.Run(ctx))
	assert.Zero(t, consumer.reclaims)
}
