// Package events publishes batch lifecycle events.
package events

import (
	"context"
	"log/slog"
	"time"

	"credmint/pkg/requestcontext"
)

// Type names a lifecycle event.
type Type string

const (
	BatchCommitted Type = "batch_committed"
	BatchIssued    Type = "batch_issued"
	BatchFailed    Type = "batch_failed"
)

// Event is the payload written to the event stream.
type Event struct {
	Type          Type      `json:"type"`
	BatchID       string    `json:"batchId"`
	IssuerID      string    `json:"issuerId"`
	BatchSequence int64     `json:"batchSequence,omitempty"`
	Root          string    `json:"root,omitempty"`
	TxReference   string    `json:"txReference,omitempty"`
	TxFee         string    `json:"txFee,omitempty"`
	Records       int       `json:"records"`
	Reason        string    `json:"reason,omitempty"`
	Details       []string  `json:"details,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Emit logs event as an audit line and publishes it. Publishing is best
// effort: a failure is logged and never returned.
func Emit(ctx context.Context, logger *slog.Logger, publisher Publisher, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = requestcontext.Now(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}

	if logger != nil {
		args := []any{
			"event", string(event.Type),
			"log_type", "audit",
			"batch_id", event.BatchID,
			"issuer_id", event.IssuerID,
			"records", event.Records,
		}
		if event.RequestID != "" {
			args = append(args, "request_id", event.RequestID)
		}
		if event.TxReference != "" {
			args = append(args, "tx_reference", event.TxReference)
		}
		if event.Reason != "" {
			args = append(args, "reason", event.Reason)
		}
		logger.InfoContext(ctx, string(event.Type), args...)
	}

	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil && logger != nil {
		logger.WarnContext(ctx, "failed to publish lifecycle event",
			"event", string(event.Type),
			"batch_id", event.BatchID,
			"error", err,
		)
	}
}
