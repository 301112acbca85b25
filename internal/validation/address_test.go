package validation

import (
	"strings"
	"testing"
)

func TestIsValidAddress(t *testing.T) {
	valid := "tgl1" + strings.Repeat("0a1b2c3d4e5f", 4)

	tests := []struct {
		name    string
		address string
		want    bool
	}{
		{"valid address", valid, true},
		{"empty", "", false},
		{"wrong prefix", "abc1" + strings.Repeat("0a1b2c3d4e5f", 4), false},
		{"too short", "tgl1deadbeef", false},
		{"too long", valid + "00", false},
		{"uppercase hex", "tgl1" + strings.Repeat("0A1B2C3D4E5F", 4), false},
		{"non-hex characters", "tgl1" + strings.Repeat("0a1b2c3d4e5g", 4), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidAddress(tt.address); got != tt.want {
				t.Fatalf("IsValidAddress(%q) = %v, want %v", tt.address, got, tt.want)
			}
		})
	}
}
