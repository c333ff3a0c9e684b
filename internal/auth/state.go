package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"calconnect-go/internal/apperr"
)

const (
	// DefaultStateTTL bounds how long a user may take on the consent screen.
	DefaultStateTTL = 10 * time.Minute

	nonceLength    = 32
	maxStateLength = 512
)

// ErrStateNotFound is returned when a nonce was never issued, already used or expired.
var ErrStateNotFound = errors.New("oauth state not found")

// State is the opaque value round-tripped through the provider's consent
// screen. It binds the callback to the user who started the connect.
type State struct {
	UserID   string `json:"u"`
	Provider string `json:"p"`
	Nonce    string `json:"n"`
}

// Encode serializes the state as unpadded base64url JSON.
func (s State) Encode() string {
	buf, _ := json.Marshal(s)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// DecodeState parses a state produced by Encode. Any malformed input is InvalidState.
func DecodeState(raw string) (State, error) {
	invalid := func(reason string, err error) (State, error) {
		return State{}, apperr.New(apperr.KindInvalidState, "invalid state: "+reason, err)
	}

	if raw == "" {
		return invalid("missing", nil)
	}
	if len(raw) > maxStateLength {
		return invalid("too long", nil)
	}
	buf, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return invalid("not base64url", err)
	}
	var s State
	if err := json.Unmarshal(buf, &s); err != nil {
		return invalid("not json", err)
	}
	if s.UserID == "" || s.Provider == "" || s.Nonce == "" {
		return invalid("incomplete", nil)
	}
	return s, nil
}

// newNonce returns a URL-safe single-use anti-forgery token.
func newNonce() (string, error) {
	n, err := gonanoid.New(nonceLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}
	return n, nil
}

// PendingConnect is the server-side half of a state: what the nonce was issued for.
type PendingConnect struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Verifier  string    `json:"verifier"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StateStore keeps issued nonces until they are consumed or expire.
type StateStore interface {
	// Save records a pending connect under nonce.
	Save(ctx context.Context, nonce string, pending PendingConnect) error
	// Consume atomically removes and returns the record. A nonce can be
	// consumed once; unknown or expired nonces return ErrStateNotFound.
	Consume(ctx context.Context, nonce string) (*PendingConnect, error)
}
