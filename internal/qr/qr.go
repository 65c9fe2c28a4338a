// Package qr renders pairing codes as PNG data URIs suitable for direct
// embedding in an <img> tag or a terminal QR viewer.
package qr

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const defaultSize = 256

// Encoder renders raw pairing codes as PNG data URIs.
type Encoder struct {
	size int
}

// NewEncoder returns an encoder producing size×size pixel images. A size of
// zero or less falls back to 256.
func NewEncoder(size int) *Encoder {
	if size <= 0 {
		size = defaultSize
	}
	return &Encoder{size: size}
}

// Encode renders the pairing code. The returned string has the form
// "data:image/png;base64,...".
func (e *Encoder) Encode(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, e.size)
	if err != nil {
		return "", fmt.Errorf("encode pairing code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
