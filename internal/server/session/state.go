// Package session holds the upload session lifecycle: its states, the
// allowed transitions between them, and capability token generation.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusExpired  Status = "EXPIRED"
	StatusConsumed Status = "CONSUMED"
)

// ErrInvalidTransition is returned for any transition outside the table.
var ErrInvalidTransition = errors.New("invalid session state transition")

// transitions is the complete transition table. Terminal states map to nil.
var transitions = map[Status]map[Status]bool{
	StatusActive:   {StatusExpired: true, StatusConsumed: true},
	StatusExpired:  nil,
	StatusConsumed: nil,
}

// ParseStatus converts a stored value back into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown session status %q", s)
	}
	return st, nil
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Transition validates from -> to and returns the new state.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

// Mutable reports whether files may still be added to or removed from a
// session in this state.
func (s Status) Mutable() bool {
	return s == StatusActive
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) String() string {
	return string(s)
}

// TokenLength is the length of generated session tokens. 32 characters
// from a 62-symbol alphabet is roughly 190 bits of entropy.
const TokenLength = 32

const tokenCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewToken produces an unguessable, URL-safe session token.
func NewToken() (string, error) {
	return generateSecureToken(TokenLength)
}

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	result := make([]byte, length)
	max := big.NewInt(int64(len(tokenCharset)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = tokenCharset[n.Int64()]
	}
	return string(result), nil
}

// ShortToken returns a prefix of the token that is safe to put in logs.
func ShortToken(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[:6] + "…"
}
