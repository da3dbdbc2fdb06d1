package compliance

import (
	"errors"
	"math"
	"testing"
)

func TestDosesPerDay_StandardCodes(t *testing.T) {
	tests := []struct {
		code string
		want float64
	}{
		{"QD", 1},
		{"BID", 2},
		{"TID", 3},
		{"QID", 4},
		{"qd", 1},
		{" bid ", 2},
		{"weekly", 1.0 / 7.0},
		{"WEEKLY", 1.0 / 7.0},
	}
	for _, tt := range tests {
		got, err := DosesPerDay(tt.code, nil)
		if err != nil {
			t.Fatalf("DosesPerDay(%q) error: %v", tt.code, err)
		}
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("DosesPerDay(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestDosesPerDay_UnknownCode(t *testing.T) {
	for _, code := range []string{"", "Q2D", "PRN", "daily"} {
		_, err := DosesPerDay(code, nil)
		if !errors.Is(err, ErrUnknownDosingFrequency) {
			t.Errorf("DosesPerDay(%q) err = %v, want ErrUnknownDosingFrequency", code, err)
		}
	}
}

func TestDosesPerDay_Custom(t *testing.T) {
	rate := 1.5
	got, err := DosesPerDay("custom", &rate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1.5 {
		t.Errorf("expected 1.5, got %v", got)
	}

	zero := 0.0
	nan := math.NaN()
	inf := math.Inf(1)
	neg := -2.0
	for _, o := range []*float64{nil, &zero, &nan, &inf, &neg} {
		if _, err := DosesPerDay("custom", o); !errors.Is(err, ErrUnsupportedDosing) {
			t.Errorf("override %v: err = %v, want ErrUnsupportedDosing", o, err)
		}
	}
}

func TestDosesPerDay_OverrideIgnoredForStandardCodes(t *testing.T) {
	rate := 9.0
	got, err := DosesPerDay("BID", &rate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2 {
		t.Errorf("expected 2, got %v", got)
	}
}

func TestNormalizeFrequency(t *testing.T) {
	tests := map[string]string{
		"qd":     FrequencyQD,
		"Tid":    FrequencyTID,
		"Weekly": FrequencyWeekly,
		"CUSTOM": FrequencyCustom,
	}
	for in, want := range tests {
		got, err := NormalizeFrequency(in)
		if err != nil || got != want {
			t.Errorf("NormalizeFrequency(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}
