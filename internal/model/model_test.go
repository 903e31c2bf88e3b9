package model

import (
	"errors"
	"testing"
)

func TestNewAccountKey_Normalizes(t *testing.T) {
	a := NewAccountKey("User", " Alice ", "ALPACA")
	b := NewAccountKey(OwnerUser, "alice", "alpaca")
	if a != b {
		t.Errorf("expected normalized keys to be equal: %v vs %v", a, b)
	}
	if a.String() != "user:alice:alpaca" {
		t.Errorf("unexpected string form %q", a.String())
	}
}

func TestParseAccountKey_RoundTrip(t *testing.T) {
	key := NewAccountKey(OwnerPlatform, "fund-1", "binance")
	parsed, err := ParseAccountKey(key.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed != key {
		t.Errorf("expected %v, got %v", key, parsed)
	}
}

func TestParseAccountKey_Invalid(t *testing.T) {
	cases := []string{"", "user:alice", "robot:alice:alpaca", "user::alpaca"}
	for _, c := range cases {
		if _, err := ParseAccountKey(c); err == nil {
			t.Errorf("expected error for %q", c)
		}
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" baller ")
	if err != nil || tier != TierBaller {
		t.Fatalf("expected BALLER, got %q (%v)", tier, err)
	}
	if _, err := ParseTier("PLATINUM"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
}

func TestFailureType_Names(t *testing.T) {
	if FailureRateLimit.String() != "rate_limit_error" {
		t.Errorf("unexpected name %q", FailureRateLimit.String())
	}
	if ParseFailureType("AUTH_ERROR") != FailureAuth {
		t.Error("expected auth_error to parse")
	}
	if ParseFailureType("bogus") != FailureUnknown {
		t.Error("expected unknown names to map to FailureUnknown")
	}
	if FailureType(42).String() != "unknown" {
		t.Error("out of range failure type should render as unknown")
	}
}
