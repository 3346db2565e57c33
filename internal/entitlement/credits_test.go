package entitlement

import (
	"errors"
	"testing"
)

func TestCreditsFromMinorRoundsDown(t *testing.T) {
	r := Rate{CreditsPerUnit: 3, Currency: "USD"}
	cases := []struct {
		minor int64
		want  int64
	}{
		{0, 0},
		{33, 0},
		{34, 1},
		{100, 3},
		{199, 5},
	}
	for _, tc := range cases {
		got, err := r.CreditsFromMinor(tc.minor)
		if err != nil {
			t.Fatalf("CreditsFromMinor(%d): %v", tc.minor, err)
		}
		if got != tc.want {
			t.Fatalf("CreditsFromMinor(%d) = %d, want %d", tc.minor, got, tc.want)
		}
	}
}

func TestMinorFromCreditsRoundsHalfUp(t *testing.T) {
	r := Rate{CreditsPerUnit: 8, Currency: "USD"}
	cases := []struct {
		credits int64
		want    int64
	}{
		{0, 0},
		{1, 13},  // 12.5 cents
		{3, 38},  // 37.5 cents
		{8, 100}, // one unit
		{5, 63},  // 62.5 cents
	}
	for _, tc := range cases {
		got, err := r.MinorFromCredits(tc.credits)
		if err != nil {
			t.Fatalf("MinorFromCredits(%d): %v", tc.credits, err)
		}
		if got != tc.want {
			t.Fatalf("MinorFromCredits(%d) = %d, want %d", tc.credits, got, tc.want)
		}
	}
}

func TestRateRejectsNegative(t *testing.T) {
	r := Rate{CreditsPerUnit: 100}
	if _, err := r.CreditsFromMinor(-1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := r.MinorFromCredits(-1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := NewRate(0, "usd"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestNewRateNormalizesCurrency(t *testing.T) {
	r, err := NewRate(100, " eur ")
	if err != nil {
		t.Fatalf("NewRate: %v", err)
	}
	if r.Currency != "EUR" {
		t.Fatalf("currency = %q", r.Currency)
	}
	r, _ = NewRate(100, "")
	if r.Currency != "USD" {
		t.Fatalf("default currency = %q", r.Currency)
	}
}

func TestFormatMinor(t *testing.T) {
	for minor, want := range map[int64]string{0: "0.00", 5: "0.05", 1234: "12.34", -250: "-2.50"} {
		if got := FormatMinor(minor); got != want {
			t.Fatalf("FormatMinor(%d) = %q, want %q", minor, got, want)
		}
	}
}
