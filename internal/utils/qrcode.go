// Package utils provides helpers shared by the front-ends, chiefly QR code
// rendering of client configurations so they can be scanned by the
// AmneziaWG mobile app.
package utils

import (
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

// DefaultModulePixels is the edge length in pixels of one QR module.
const DefaultModulePixels = 10

// QRCodeGenerator renders text as QR codes. Configuration payloads are
// several hundred bytes, so the image grows with the payload instead of
// being squeezed into a fixed size.
type QRCodeGenerator struct {
	// ModulePixels is the size in pixels of one module
	ModulePixels int
	// RecoveryLevel determines the error correction level for the QR code
	RecoveryLevel qrcode.RecoveryLevel
}

// NewQRCodeGenerator creates a generator with medium error correction and
// 10px modules.
func NewQRCodeGenerator() *QRCodeGenerator {
	return &QRCodeGenerator{
		ModulePixels:  DefaultModulePixels,
		RecoveryLevel: qrcode.Medium,
	}
}

// GeneratePNG encodes content as a PNG image. The output is deterministic
// for a given content and encoder version.
func (qr *QRCodeGenerator) GeneratePNG(content string) ([]byte, error) {
	if content == "" {
		return nil, fmt.Errorf("QR content cannot be empty")
	}
	pixels := qr.ModulePixels
	if pixels <= 0 {
		pixels = DefaultModulePixels
	}

	// A negative size asks the encoder for a fixed number of pixels per module.
	pngData, err := qrcode.Encode(content, qr.RecoveryLevel, -pixels)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code PNG: %w", err)
	}
	return pngData, nil
}

// GenerateTerminal renders content as block characters for a terminal.
// Dark modules are printed as spaces so the code scans on dark backgrounds.
func (qr *QRCodeGenerator) GenerateTerminal(content string) (string, error) {
	code, err := qrcode.New(content, qr.RecoveryLevel)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	var buf strings.Builder
	for _, row := range code.Bitmap() {
		for _, dark := range row {
			if dark {
				buf.WriteString("  ")
			} else {
				buf.WriteString("██")
			}
		}
		buf.WriteString("\n")
	}
	return buf.String(), nil
}
