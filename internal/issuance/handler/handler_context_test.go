package handler_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"credmint/internal/issuance/handler"
	"credmint/internal/issuance/handler/mocks"
	"credmint/internal/issuance/service"
	"credmint/pkg/testutil"
)

func passthrough(next http.Handler) http.Handler { return next }

func newContextRouter(t *testing.T) (chi.Router, *mocks.MockBatchIssuer) {
	t.Helper()
	ctrl := gomock.NewController(t)
	issuer := mocks.NewMockBatchIssuer(ctrl)
	h := handler.New(issuer, mocks.NewMockVerifier(ctrl), mocks.NewMockQueueAdmin(ctrl), slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	h.Register(r, passthrough, passthrough)
	return r, issuer
}

func TestIssueBatchIssuerScoping(t *testing.T) {
	body := map[string]any{
		"records":   []map[string]string{{"documentId": "A", "name": "Ada"}},
		"templates": []map[string]any{{"name": "A.png", "content": []byte("x")}},
	}

	testutil.Given(t, "an authenticated request", func(t *testing.T) {
		router, issuer := newContextRouter(t)
		issuer.EXPECT().IssueBatch(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req service.IssueRequest) (*service.IssueResult, error) {
				assert.Equal(t, "globex", req.IssuerID)
				return &service.IssueResult{Status: service.StatusIssued}, nil
			})

		testutil.When(t, "the batch is posted", func(t *testing.T) {
			req := testutil.WithIssuer(testutil.NewJSONRequest(t, http.MethodPost, "/v1/batches", body), "globex")
			rr := testutil.DoRequest(router, req)

			testutil.Then(t, "it is issued for the context issuer", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusCreated)
				testutil.AssertJSONContains(t, rr, "status", "issued")
			})
		})
	})

	testutil.Given(t, "a request without an issuer in context", func(t *testing.T) {
		router, _ := newContextRouter(t)
		rr := testutil.DoRequest(router, testutil.NewJSONRequest(t, http.MethodPost, "/v1/batches", body))

		testutil.Then(t, "it is an internal error and the service is not called", func(t *testing.T) {
			testutil.AssertStatusAndError(t, rr, http.StatusInternalServerError, "internal_error")
		})
	})

	testutil.Given(t, "a malformed body", func(t *testing.T) {
		router, _ := newContextRouter(t)
		req := testutil.WithIssuer(testutil.NewRequestWithBody(t, http.MethodPost, "/v1/batches", "{"), "globex")
		rr := testutil.DoRequest(router, req)

		testutil.Then(t, "it is rejected as a bad request", func(t *testing.T) {
			testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
		})
	})
}
