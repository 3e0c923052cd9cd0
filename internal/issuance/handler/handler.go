// Package handler exposes batch issuance, public verification and queue
// administration over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"credmint/internal/issuance/models"
	"credmint/internal/issuance/queue"
	"credmint/internal/issuance/service"
	"credmint/internal/issuance/verify"
	dErrors "credmint/pkg/domain-errors"
	"credmint/pkg/platform/httputil"
	request "credmint/pkg/platform/middleware/request"
	"credmint/pkg/requestcontext"
)

// BatchIssuer runs one batch to completion.
type BatchIssuer interface {
	IssueBatch(ctx context.Context, req service.IssueRequest) (*service.IssueResult, error)
}

// Verifier answers public certificate lookups.
type Verifier interface {
	Verify(ctx context.Context, certificateNumber string) (*verify.Result, error)
}

// QueueAdmin is the operator view of the job queue.
type QueueAdmin interface {
	Stats(ctx context.Context) (queue.Stats, error)
	Queues(ctx context.Context) ([]queue.QueueInfo, error)
	Purge(ctx context.Context, queueID string) error
}

// Handler serves the issuance API.
type Handler struct {
	issuer   BatchIssuer
	verifier Verifier
	queues   QueueAdmin
	logger   *slog.Logger
}

// New creates a Handler.
func New(issuer BatchIssuer, verifier Verifier, queues QueueAdmin, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{issuer: issuer, verifier: verifier, queues: queues, logger: logger}
}

// Register mounts the routes. Batch submission sits behind requireAuth and
// the queue routes behind requireAdmin; verification is public.
func (h *Handler) Register(r chi.Router, requireAuth, requireAdmin func(http.Handler) http.Handler) {
	r.Get("/v1/verify/{certificateNumber}", h.handleVerify)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/v1/batches", h.handleIssueBatch)
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(requireAdmin)
		r.Get("/queues", h.handleListQueues)
		r.Delete("/queues/{queueID}", h.handlePurgeQueue)
	})
}

type recordRequest struct {
	DocumentID string            `json:"documentId"`
	Name       string            `json:"name"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// templateRequest carries one template file; Content is base64 in JSON.
type templateRequest struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

type batchRequest struct {
	Records   []recordRequest     `json:"records"`
	Templates []templateRequest   `json:"templates"`
	Layout    models.LayoutParams `json:"layout"`
}

func (b batchRequest) toIssueRequest(issuerID string) service.IssueRequest {
	req := service.IssueRequest{
		IssuerID:  issuerID,
		Records:   make([]models.CertificateRecord, len(b.Records)),
		Templates: make([]models.Template, len(b.Templates)),
		Layout:    b.Layout,
	}
	for i, r := range b.Records {
		req.Records[i] = models.CertificateRecord{Index: i, DocumentID: r.DocumentID, Name: r.Name, Fields: r.Fields}
	}
	for i, t := range b.Templates {
		req.Templates[i] = models.Template{FileName: t.Name, Content: t.Content}
	}
	return req
}

func (h *Handler) handleIssueBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	issuerID := requestcontext.IssuerID(ctx)
	if issuerID == "" {
		h.logger.ErrorContext(ctx, "issuer missing from context despite auth middleware",
			"request_id", requestID,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return
	}

	body, ok := httputil.DecodeJSON[batchRequest](w, r, h.logger)
	if !ok {
		return
	}

	res, err := h.issuer.IssueBatch(ctx, body.toIssueRequest(issuerID))
	if err != nil {
		h.logger.WarnContext(ctx, "batch issuance failed",
			"request_id", requestID,
			"issuer_id", issuerID,
			"reason", dErrors.ReasonOf(err),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	number := chi.URLParam(r, "certificateNumber")
	res, err := h.verifier.Verify(ctx, number)
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeNotFound) {
			h.logger.ErrorContext(ctx, "verification failed",
				"request_id", request.GetRequestID(ctx),
				"certificate_number", number,
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

type queuesResponse struct {
	Stats  queue.Stats       `json:"stats"`
	Queues []queue.QueueInfo `json:"queues"`
}

func (h *Handler) handleListQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.queues.Stats(ctx)
	if err != nil {
		h.queueError(w, r, "failed to read queue stats", err)
		return
	}
	queues, err := h.queues.Queues(ctx)
	if err != nil {
		h.queueError(w, r, "failed to list queues", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, queuesResponse{Stats: stats, Queues: queues})
}

func (h *Handler) handlePurgeQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queueID := chi.URLParam(r, "queueID")
	if err := h.queues.Purge(ctx, queueID); err != nil {
		h.queueError(w, r, "failed to purge queue", err)
		return
	}
	h.logger.InfoContext(ctx, "queue purged by operator",
		"log_type", "audit",
		"request_id", request.GetRequestID(ctx),
		"queue_id", queueID,
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) queueError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg,
		"request_id", request.GetRequestID(r.Context()),
		"error", err,
	)
	httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, msg))
}
