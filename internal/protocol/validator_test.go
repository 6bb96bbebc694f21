package protocol

import (
	"strings"
	"testing"
)

func TestValidateText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"ok", "hello", false},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), true},
		{"too many chars", strings.Repeat("é", MaxTextChars+1), true},
		{"invalid utf8", "\xff\xfe", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateText(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateText(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	if err := ValidateName("alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateName(""); err == nil {
		t.Error("expected error for empty name")
	}
	if err := ValidateName(strings.Repeat("x", MaxNameChars+1)); err == nil {
		t.Error("expected error for long name")
	}
}
