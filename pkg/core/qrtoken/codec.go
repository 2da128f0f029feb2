package qrtoken

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jakechorley/care-attendance/pkg/core/model"
)

const (
	// DefaultValidity is how long a kiosk token is accepted after issuance
	DefaultValidity = 30 * time.Minute

	keySize   = 32
	nonceSize = 16
	tagSize   = 16
)

var (
	// ErrInvalidToken covers malformed, truncated, or tampered tokens.
	// Decode never reports which check failed beyond this.
	ErrInvalidToken = errors.New("invalid QR token")

	// ErrExpiredToken means the token authenticated but its validity
	// window has passed
	ErrExpiredToken = errors.New("expired QR token")
)

// Payload is the workplace kiosk token contents. It is scoped to a
// workplace and a direction, never to a worker.
type Payload struct {
	WorkplaceID string               `json:"workplaceId"`
	Type        model.ClockDirection `json:"type"`
	IssuedAt    int64                `json:"issuedAt"`   // epoch ms
	ValidUntil  int64                `json:"validUntil"` // epoch ms
}

// Codec encrypts and decrypts workplace kiosk tokens with AES-256-GCM.
// Wire layout is nonce(16) || tag(16) || ciphertext, base64-encoded.
type Codec struct {
	aead     cipher.AEAD
	validity time.Duration
	now      func() time.Time
}

// New creates a Codec from a 32-byte key
func New(key []byte) (*Codec, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("QR token key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	return &Codec{aead: aead, validity: DefaultValidity, now: time.Now}, nil
}

// WithValidity overrides the token validity window
func (c *Codec) WithValidity(d time.Duration) *Codec {
	c.validity = d
	return c
}

// WithClock overrides the time source, for tests
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Encode issues a fresh token for a workplace and direction
func (c *Codec) Encode(workplaceID string, direction model.ClockDirection) (string, time.Time, error) {
	issued := c.now()
	validUntil := issued.Add(c.validity)
	payload := Payload{
		WorkplaceID: workplaceID,
		Type:        direction,
		IssuedAt:    issued.UnixMilli(),
		ValidUntil:  validUntil.UnixMilli(),
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to marshal token payload: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal returns ciphertext || tag; the wire layout wants the tag up
	// front so decode can split at fixed offsets
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	buf := make([]byte, 0, nonceSize+tagSize+len(ciphertext))
	buf = append(buf, nonce...)
	buf = append(buf, tag...)
	buf = append(buf, ciphertext...)

	return base64.StdEncoding.EncodeToString(buf), validUntil, nil
}

// Decode authenticates and decrypts a token, rejecting tampered tokens
// with ErrInvalidToken and authenticated-but-stale tokens with
// ErrExpiredToken.
func (c *Codec) Decode(token string) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if len(raw) < nonceSize+tagSize {
		return nil, ErrInvalidToken
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ciphertext := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if payload.WorkplaceID == "" || (payload.Type != model.DirectionIn && payload.Type != model.DirectionOut) {
		return nil, ErrInvalidToken
	}

	if c.now().UnixMilli() > payload.ValidUntil {
		return nil, ErrExpiredToken
	}

	return &payload, nil
}
