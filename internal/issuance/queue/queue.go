// Package queue carries chunk jobs from the scheduler to workers and their
// outcomes back to the tracker.
//
// Every batch gets its own queue id. Jobs from all batches share one pending
// list; outcomes are kept per queue so a tracker can wait on exactly its own.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"credmint/internal/issuance/models"
)

var (
	// ErrMalformedJob is returned for payloads that fail decoding or validation.
	ErrMalformedJob = errors.New("queue: malformed chunk job")
	// ErrClosed is returned once a broker has been closed.
	ErrClosed = errors.New("queue: broker closed")
)

// Delivery is a dequeued job. It must be passed back to Report.
type Delivery struct {
	Job models.ChunkJob
	raw string
}

// Stats is a point-in-time view of the shared lists.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Queues     int64 `json:"queues"`
}

// QueueInfo summarises one batch queue.
type QueueInfo struct {
	QueueID   string `json:"queueId"`
	Jobs      int    `json:"jobs"`
	Pending   int    `json:"pending"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Broker is the queue transport.
type Broker interface {
	Enqueue(ctx context.Context, job models.ChunkJob) error
	// Dequeue blocks until a valid job is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Report(ctx context.Context, d *Delivery, outcome models.ChunkOutcome) error
	// Await blocks until the next outcome for queueID arrives.
	Await(ctx context.Context, queueID string) (models.ChunkOutcome, error)
	// Purge drops every trace of queueID, including jobs not yet taken.
	Purge(ctx context.Context, queueID string) error
	Stats(ctx context.Context) (Stats, error)
	Queues(ctx context.Context) ([]QueueInfo, error)
}

const (
	jobPending   = "pending"
	jobSucceeded = "succeeded"
	jobFailed    = "failed"
)

// EncodeJob serialises a job after stamping the current version.
func EncodeJob(job models.ChunkJob) (string, error) {
	job.Version = models.ChunkJobVersion
	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode chunk job: %w", err)
	}
	return string(raw), nil
}

// DecodeJob parses and validates a job. On validation failure the partially
// decoded job is still returned so the caller can report against its queue.
func DecodeJob(raw string) (models.ChunkJob, error) {
	var job models.ChunkJob
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		return models.ChunkJob{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if err := job.Validate(); err != nil {
		return job, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	return job, nil
}

// malformedOutcome is reported for a job that cannot be run.
func malformedOutcome(job models.ChunkJob, err error) models.ChunkOutcome {
	return models.ChunkOutcome{
		QueueID:    job.QueueID,
		ChunkIndex: job.ChunkIndex,
		Succeeded:  false,
		Error:      "malformed chunk job",
		Details:    []string{err.Error()},
	}
}

func outcomeStatus(o models.ChunkOutcome) string {
	if o.Succeeded {
		return jobSucceeded
	}
	return jobFailed
}
