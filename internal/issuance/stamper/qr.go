package stamper

import (
	"fmt"
	"image/color"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"

	"credmint/internal/issuance/models"
)

// EncodeQR renders content as a square PNG QR code sized and coloured by layout.
func EncodeQR(content string, layout models.LayoutParams) ([]byte, error) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	if layout.Foreground != "" {
		fg, err := parseHexColor(layout.Foreground)
		if err != nil {
			return nil, err
		}
		q.ForegroundColor = fg
	}
	if layout.Background != "" {
		bg, err := parseHexColor(layout.Background)
		if err != nil {
			return nil, err
		}
		q.BackgroundColor = bg
	}
	png, err := q.PNG(layout.QRSize)
	if err != nil {
		return nil, fmt.Errorf("encode qr png: %w", err)
	}
	return png, nil
}

func parseHexColor(s string) (color.RGBA, error) {
	if len(s) != 7 || s[0] != '#' {
		return color.RGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
