package models

import (
	"fmt"
	"regexp"
)

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// LayoutParams positions the QR code on every certificate in a batch.
type LayoutParams struct {
	QRX        int    `json:"qrX"`
	QRY        int    `json:"qrY"`
	QRSize     int    `json:"qrSize"`
	Foreground string `json:"foreground,omitempty"`
	Background string `json:"background,omitempty"`
}

// WithDefaults fills unset size and colours.
func (l LayoutParams) WithDefaults(size int, fg, bg string) LayoutParams {
	if l.QRSize == 0 {
		l.QRSize = size
	}
	if l.Foreground == "" {
		l.Foreground = fg
	}
	if l.Background == "" {
		l.Background = bg
	}
	return l
}

// Validate rejects negative geometry and malformed colours.
func (l LayoutParams) Validate() error {
	if l.QRX < 0 || l.QRY < 0 {
		return fmt.Errorf("qr position must be non-negative, got (%d,%d)", l.QRX, l.QRY)
	}
	if l.QRSize < 21 || l.QRSize > 4096 {
		return fmt.Errorf("qr size must be between 21 and 4096, got %d", l.QRSize)
	}
	if l.Foreground != "" && !hexColor.MatchString(l.Foreground) {
		return fmt.Errorf("foreground must be #rrggbb, got %q", l.Foreground)
	}
	if l.Background != "" && !hexColor.MatchString(l.Background) {
		return fmt.Errorf("background must be #rrggbb, got %q", l.Background)
	}
	return nil
}
