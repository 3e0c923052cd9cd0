package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/models"
)

func testJob(queueID string, chunk int) models.ChunkJob {
	return models.ChunkJob{
		QueueID:    queueID,
		ChunkIndex: chunk,
		Records:    []models.CertificateRecord{{Index: chunk, DocumentID: "C" + uuid.NewString()[:8], Name: "Ada"}},
		Proofs:     map[int]merkle.Proof{chunk: {}},
		Context: models.BatchContext{
			BatchID:      uuid.New(),
			IssuerID:     "acme",
			Root:         merkle.Sum([]byte(queueID)),
			TxReference:  "0xtx",
			TemplateDir:  "/tmp/" + queueID,
			TotalRecords: 10,
		},
	}
}

// runBrokerContract exercises behaviour every Broker must share.
func runBrokerContract(t *testing.T, newBroker func(t *testing.T) Broker) {
	t.Run("job round trip and outcome barrier", func(t *testing.T) {
		b := newBroker(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		q := uuid.NewString()
		require.NoError(t, b.Enqueue(ctx, testJob(q, 0)))
		require.NoError(t, b.Enqueue(ctx, testJob(q, 1)))

		seen := map[int]bool{}
		for range 2 {
			d, err := b.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, models.ChunkJobVersion, d.Job.Version)
			seen[d.Job.ChunkIndex] = true
			require.NoError(t, b.Report(ctx, d, models.ChunkOutcome{
				QueueID: q, ChunkIndex: d.Job.ChunkIndex, Succeeded: d.Job.ChunkIndex == 0,
			}))
		}
		assert.Equal(t, map[int]bool{0: true, 1: true}, seen)

		got := map[int]bool{}
		for range 2 {
			o, err := b.Await(ctx, q)
			require.NoError(t, err)
			got[o.ChunkIndex] = o.Succeeded
		}
		assert.Equal(t, map[int]bool{0: true, 1: false}, got)

		infos, err := b.Queues(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, QueueInfo{QueueID: q, Jobs: 2, Succeeded: 1, Failed: 1}, infos[0])

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Processing)
	})

	t.Run("purge drops untaken jobs of that queue only", func(t *testing.T) {
		b := newBroker(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		doomed, kept := uuid.NewString(), uuid.NewString()
		require.NoError(t, b.Enqueue(ctx, testJob(doomed, 0)))
		require.NoError(t, b.Enqueue(ctx, testJob(kept, 0)))
		require.NoError(t, b.Purge(ctx, doomed))

		d, err := b.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, kept, d.Job.QueueID)

		infos, err := b.Queues(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, kept, infos[0].QueueID)
	})

	t.Run("await honours context", func(t *testing.T) {
		b := newBroker(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := b.Await(ctx, uuid.NewString())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("invalid job rejected at enqueue", func(t *testing.T) {
		b := newBroker(t)
		job := testJob(uuid.NewString(), 0)
		job.Context.TxReference = ""
		assert.ErrorIs(t, b.Enqueue(context.Background(), job), ErrMalformedJob)
	})
}
