// Package scheduler splits a committed batch into chunk jobs and enqueues them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/models"
)

// Enqueuer is the part of the queue broker the scheduler uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.ChunkJob) error
}

// JobHandle identifies one dispatched chunk.
type JobHandle struct {
	QueueID    string
	ChunkIndex int
	Size       int
}

// Scheduler dispatches chunk jobs of a fixed size.
type Scheduler struct {
	broker    Enqueuer
	chunkSize int
	logger    *slog.Logger
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func New(broker Enqueuer, chunkSize int, opts ...Option) (*Scheduler, error) {
	if broker == nil {
		return nil, errors.New("queue broker is required")
	}
	if chunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be >= 1, got %d", chunkSize)
	}
	s := &Scheduler{broker: broker, chunkSize: chunkSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Partition splits records into consecutive chunks of size; the last may be
// shorter. Concatenating the result reproduces records exactly.
func Partition(records []models.CertificateRecord, size int) ([][]models.CertificateRecord, error) {
	if size < 1 {
		return nil, fmt.Errorf("chunk size must be >= 1, got %d", size)
	}
	chunks := make([][]models.CertificateRecord, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, records[start:end:end])
	}
	return chunks, nil
}

// Dispatch enqueues one job per chunk under the batch's queue id. Every job
// carries the same batch context and the proofs for its own records. On an
// enqueue failure the handles dispatched so far are returned with the error.
func (s *Scheduler) Dispatch(ctx context.Context, bc models.BatchContext, records []models.CertificateRecord, tree *merkle.Tree) ([]JobHandle, error) {
	if tree == nil || tree.Len() != len(records) {
		return nil, errors.New("merkle tree does not match record count")
	}
	chunks, err := Partition(records, s.chunkSize)
	if err != nil {
		return nil, err
	}

	queueID := bc.BatchID.String()
	handles := make([]JobHandle, 0, len(chunks))
	for i, chunk := range chunks {
		proofs := make(map[int]merkle.Proof, len(chunk))
		for _, r := range chunk {
			p, err := tree.Proof(r.Index)
			if err != nil {
				return handles, fmt.Errorf("proof for record %d: %w", r.Index, err)
			}
			proofs[r.Index] = p
		}

		job := models.ChunkJob{
			Version:    models.ChunkJobVersion,
			QueueID:    queueID,
			ChunkIndex: i,
			Records:    chunk,
			Proofs:     proofs,
			Context:    bc,
		}
		if err := s.broker.Enqueue(ctx, job); err != nil {
			return handles, fmt.Errorf("enqueue chunk %d: %w", i, err)
		}
		handles = append(handles, JobHandle{QueueID: queueID, ChunkIndex: i, Size: len(chunk)})
	}

	s.logger.InfoContext(ctx, "chunk jobs dispatched",
		"batch_id", queueID,
		"chunks", len(handles),
		"chunk_size", s.chunkSize,
		"records", len(records),
	)
	return handles, nil
}
