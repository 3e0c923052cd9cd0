package stamper

import (
	"context"
	"errors"

	"credmint/internal/issuance/models"
)

// ErrQROutOfBounds is returned when the QR placement does not fit the template.
var ErrQROutOfBounds = errors.New("stamper: qr code does not fit inside template")

// RenderInput is everything needed to produce one certificate image.
type RenderInput struct {
	TemplatePath string
	QR           []byte
	Layout       models.LayoutParams
}

// Renderer composites a QR code onto a template and returns a PNG.
type Renderer interface {
	Render(ctx context.Context, in RenderInput) ([]byte, error)
}
