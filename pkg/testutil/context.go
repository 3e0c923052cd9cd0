package testutil

import (
	"net/http"

	"credmint/pkg/requestcontext"
)

// WithIssuer adds an issuer ID to the request context, as the auth
// middleware would for an authenticated request.
func WithIssuer(req *http.Request, issuerID string) *http.Request {
	if issuerID == "" {
		return req
	}
	return req.WithContext(requestcontext.WithIssuerID(req.Context(), issuerID))
}
