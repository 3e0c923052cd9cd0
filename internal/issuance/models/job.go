package models

import (
	"errors"
	"fmt"

	"credmint/internal/issuance/merkle"
)

// ChunkJobVersion tags the wire shape of ChunkJob.
const ChunkJobVersion = 1

// ChunkJob is one queued unit of stamping work: a contiguous slice of the
// batch plus the proofs for exactly those records.
type ChunkJob struct {
	Version    int                  `json:"version"`
	QueueID    string               `json:"queueId"`
	ChunkIndex int                  `json:"chunkIndex"`
	Records    []CertificateRecord  `json:"records"`
	Proofs     map[int]merkle.Proof `json:"proofs"`
	Context    BatchContext         `json:"context"`
}

// Validate checks a decoded job is complete and self-consistent.
func (j ChunkJob) Validate() error {
	var errs []error
	if j.Version != ChunkJobVersion {
		errs = append(errs, fmt.Errorf("unsupported job version %d", j.Version))
	}
	if j.QueueID == "" {
		errs = append(errs, errors.New("queue id is required"))
	}
	if j.ChunkIndex < 0 {
		errs = append(errs, fmt.Errorf("chunk index must be non-negative, got %d", j.ChunkIndex))
	}
	if len(j.Records) == 0 {
		errs = append(errs, errors.New("job has no records"))
	}
	if j.Context.Root.IsZero() {
		errs = append(errs, errors.New("batch root is required"))
	}
	if j.Context.TxReference == "" {
		errs = append(errs, errors.New("tx reference is required"))
	}
	if j.Context.TemplateDir == "" {
		errs = append(errs, errors.New("template dir is required"))
	}
	for _, r := range j.Records {
		if r.Index < 0 || r.Index >= j.Context.TotalRecords {
			errs = append(errs, fmt.Errorf("record %q index %d outside batch of %d", r.DocumentID, r.Index, j.Context.TotalRecords))
		}
		if r.DocumentID == "" {
			errs = append(errs, fmt.Errorf("record at index %d has no document id", r.Index))
		}
	}
	return errors.Join(errs...)
}

// StampResult is the outcome for one record of a chunk.
type StampResult struct {
	CertificateNumber string        `json:"certificateNumber"`
	Index             int           `json:"index"`
	LeafHash          merkle.Digest `json:"leafHash"`
	Proof             merkle.Proof  `json:"proof"`
	CombinedHash      merkle.Digest `json:"combinedHash"`
	ArtifactURL       string        `json:"artifactUrl,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// ChunkOutcome is what a worker reports back for one job.
type ChunkOutcome struct {
	QueueID    string        `json:"queueId"`
	ChunkIndex int           `json:"chunkIndex"`
	Succeeded  bool          `json:"succeeded"`
	Results    []StampResult `json:"results,omitempty"`
	Error      string        `json:"error,omitempty"`
	Details    []string      `json:"details,omitempty"`
}
