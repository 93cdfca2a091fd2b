package validation

import (
	"testing"
)

func TestValidateScenarioID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid ids
		{"simple", "smoke", false},
		{"single char", "a", false},
		{"with digit", "smoke2", false},
		{"hyphenated", "analgesics-smoke", false},
		{"underscored", "cold_flu_otc", false},
		{"max length", "a123456789012345678901234567890123456789012345678901234567890123", false},

		// Invalid ids - injection and format violations
		{"empty", "", true},
		{"flux injection", `smoke") |> drop()`, true},
		{"sql injection", "smoke'; DROP TABLE--", true},
		{"newline injection", "smoke\n|> drop()", true},
		{"uppercase", "Smoke", true},
		{"too long", "a1234567890123456789012345678901234567890123456789012345678901234", true},
		{"path traversal", "../smoke", true},
		{"spaces", "smoke test", true},
		{"starts with hyphen", "-smoke", true},
		{"starts with underscore", "_smoke", true},
		{"dot", "smoke.v1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScenarioID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateScenarioID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRunID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid run ids
		{"generated form", "analgesics-smoke_v1_20251102_150405", false},
		{"dotted version", "analgesics-smoke_v1.2_20251102_150405", false},
		{"bare scenario", "smoke", false},
		{"single char", "7", false},

		// Invalid run ids - injection attempts
		{"empty", "", true},
		{"flux injection", `x") |> drop()`, true},
		{"quote breakout", `x" or true or r["`, true},
		{"newline injection", "x\n|> drop()", true},
		{"path traversal", "../../etc/passwd", true},
		{"spaces", "run id", true},
		{"starts with dot", ".run", true},
		{"starts with hyphen", "-run", true},
		{"slash", "runs/2025", true},
		{"backslash", `runs\2025`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRunID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRunID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRunID_TooLong(t *testing.T) {
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateRunID(string(long)); err == nil {
		t.Error("ValidateRunID accepted a 129-char id")
	}
	if err := ValidateRunID(string(long[:128])); err != nil {
		t.Errorf("ValidateRunID rejected a 128-char id: %v", err)
	}
}

func TestSanitizeRunID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{"passthrough", "analgesics-smoke_v1_20251102_150405", "analgesics-smoke_v1_20251102_150405", false},
		{"trimmed", "  smoke_v1_20251102_150405  ", "smoke_v1_20251102_150405", false},
		{"inner space rejected", "smoke v1", "", true},
		{"injection rejected", `x") |> drop()`, "", true},
		{"empty rejected", "   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeRunID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeRunID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeRunID(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}
