package validation

import (
	"testing"
	"time"
)

func TestFormatOrderNumber(t *testing.T) {
	day := time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)

	got := FormatOrderNumber(day, 6)
	want := "MKT-20250314-00006"
	if got != want {
		t.Fatalf("FormatOrderNumber = %q, want %q", got, want)
	}

	got = FormatOrderNumber(day, 12345)
	want = "MKT-20250314-12345"
	if got != want {
		t.Fatalf("FormatOrderNumber = %q, want %q", got, want)
	}
}

func TestFormatSubOrderNumber(t *testing.T) {
	got := FormatSubOrderNumber("MKT-20250314-00006", 1)
	want := "MKT-20250314-00006-V01"
	if got != want {
		t.Fatalf("FormatSubOrderNumber = %q, want %q", got, want)
	}

	got = FormatSubOrderNumber("MKT-20250314-00006", 12)
	want = "MKT-20250314-00006-V12"
	if got != want {
		t.Fatalf("FormatSubOrderNumber = %q, want %q", got, want)
	}
}

func TestIsValidOrderNumber(t *testing.T) {
	tests := []struct {
		name   string
		number string
		valid  bool
	}{
		{
			name:   "valid number",
			number: "MKT-20250314-00006",
			valid:  true,
		},
		{
			name:   "empty string",
			number: "",
			valid:  false,
		},
		{
			name:   "missing prefix",
			number: "20250314-00006",
			valid:  false,
		},
		{
			name:   "short sequence",
			number: "MKT-20250314-006",
			valid:  false,
		},
		{
			name:   "sub-order number is not a parent number",
			number: "MKT-20250314-00006-V01",
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidOrderNumber(tt.number); got != tt.valid {
				t.Fatalf("IsValidOrderNumber(%q) = %v, want %v", tt.number, got, tt.valid)
			}
		})
	}
}

func TestIsValidSubOrderNumber(t *testing.T) {
	if !IsValidSubOrderNumber("MKT-20250314-00006-V02") {
		t.Fatalf("expected valid sub-order number")
	}
	if IsValidSubOrderNumber("MKT-20250314-00006") {
		t.Fatalf("parent number must not pass sub-order validation")
	}
}
