package stamper

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"
)

// RasterRenderer composites directly on PNG or JPEG templates.
type RasterRenderer struct{}

func NewRasterRenderer() RasterRenderer {
	return RasterRenderer{}
}

func (RasterRenderer) Render(ctx context.Context, in RenderInput) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(in.TemplatePath)
	if err != nil {
		return nil, fmt.Errorf("open template: %w", err)
	}
	defer f.Close()

	tmpl, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	qr, err := png.Decode(bytes.NewReader(in.QR))
	if err != nil {
		return nil, fmt.Errorf("decode qr: %w", err)
	}

	bounds := tmpl.Bounds()
	at := image.Pt(bounds.Min.X+in.Layout.QRX, bounds.Min.Y+in.Layout.QRY)
	target := image.Rectangle{Min: at, Max: at.Add(qr.Bounds().Size())}
	if !target.In(bounds) {
		return nil, fmt.Errorf("%w: %v outside %v", ErrQROutOfBounds, target, bounds)
	}

	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, tmpl, bounds.Min, draw.Src)
	draw.Draw(canvas, target, qr, qr.Bounds().Min, draw.Over)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode certificate: %w", err)
	}
	return buf.Bytes(), nil
}
