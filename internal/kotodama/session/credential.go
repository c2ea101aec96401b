package session

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const credentialSize = 256

// RenderCredential encodes a link code as a QR PNG data URI.
func RenderCredential(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("session: empty credential code")
	}
	png, err := qrcode.Encode(code, qrcode.Medium, credentialSize)
	if err != nil {
		return "", fmt.Errorf("session: render credential: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
