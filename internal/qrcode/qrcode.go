package qrcode

import (
	"encoding/base64"
	"errors"

	qr "github.com/skip2/go-qrcode"
)

// DefaultSize is the edge length in pixels used when none is given.
const DefaultSize = 300

// Renderer encodes content as a square PNG QR code.
type Renderer struct {
	level qr.RecoveryLevel
}

// NewRenderer creates a Renderer with medium error correction.
func NewRenderer() *Renderer {
	return &Renderer{level: qr.Medium}
}

// Render returns the base64 encoded PNG for content, size×size pixels.
func (r *Renderer) Render(content string, size int) (string, error) {
	if content == "" {
		return "", errors.New("qrcode: empty content")
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qr.Encode(content, r.level, size)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
