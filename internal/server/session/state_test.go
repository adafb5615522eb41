package session

import (
	"errors"
	"strings"
	"testing"
)

func TestTransition(t *testing.T) {
	all := []Status{StatusActive, StatusExpired, StatusConsumed}
	allowed := map[[2]Status]bool{
		{StatusActive, StatusExpired}:  true,
		{StatusActive, StatusConsumed}: true,
	}

	for _, from := range all {
		for _, to := range all {
			name := string(from) + "->" + string(to)
			t.Run(name, func(t *testing.T) {
				got, err := Transition(from, to)
				if allowed[[2]Status{from, to}] {
					if err != nil {
						t.Fatalf("expected transition to be allowed, got %v", err)
					}
					if got != to {
						t.Errorf("expected %s, got %s", to, got)
					}
					return
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				if got != from {
					t.Errorf("rejected transition should keep state %s, got %s", from, got)
				}
			})
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusActive.Mutable() {
		t.Error("ACTIVE should be mutable")
	}
	if StatusExpired.Mutable() || StatusConsumed.Mutable() {
		t.Error("terminal states must not be mutable")
	}
	if StatusActive.Terminal() {
		t.Error("ACTIVE is not terminal")
	}
	if !StatusExpired.Terminal() || !StatusConsumed.Terminal() {
		t.Error("EXPIRED and CONSUMED are terminal")
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"ACTIVE", "EXPIRED", "CONSUMED"} {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q) unexpected error: %v", s, err)
		}
	}
	if _, err := ParseStatus("active"); err == nil {
		t.Error("expected error for lowercase status")
	}
}

func TestNewToken(t *testing.T) {
	t.Run("generates correct length", func(t *testing.T) {
		token, err := NewToken()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(token) != TokenLength {
			t.Errorf("expected length %d, got %d", TokenLength, len(token))
		}
	})

	t.Run("generates unique tokens", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 200; i++ {
			token, err := NewToken()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if seen[token] {
				t.Fatalf("duplicate token generated: %s", token)
			}
			seen[token] = true
		}
	})

	t.Run("only contains URL-safe characters", func(t *testing.T) {
		token, err := generateSecureToken(200)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, c := range token {
			if !strings.ContainsRune(tokenCharset, c) {
				t.Errorf("token contains invalid character: %c", c)
			}
		}
	})
}

func TestShortToken(t *testing.T) {
	if got := ShortToken("abc"); got != "abc" {
		t.Errorf("expected short token unchanged, got %q", got)
	}
	if got := ShortToken("abcdefghij"); got != "abcdef…" {
		t.Errorf("unexpected truncation %q", got)
	}
}
