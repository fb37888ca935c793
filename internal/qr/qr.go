// Package qr issues and renders per-session QR tokens for the fallback
// check-in path.
package qr

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// tokenBytes gives 160 bits of entropy per session token.
const tokenBytes = 20

// NewToken returns a random URL-safe session token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate qr token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PNG renders the payload a student's scanner reads. The payload carries the
// session id and token so the client can post both back.
func PNG(sessionID, token string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	payload := fmt.Sprintf("campusattend://checkin?session=%s&token=%s", sessionID, token)
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
