package interactive

import (
	"bytes"
	"strings"
	"testing"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"yes short", "y\n", true},
		{"yes long", "yes\n", true},
		{"yes uppercase", "YES\n", true},
		{"no", "n\n", false},
		{"empty defaults to no", "\n", false},
		{"gibberish is no", "sure why not\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewPrompterWith(strings.NewReader(tt.input), &out)

			got, err := p.Confirm("Proceed?")
			if err != nil {
				t.Fatalf("Confirm() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if !strings.Contains(out.String(), "[y/N]") {
				t.Errorf("prompt %q missing [y/N] marker", out.String())
			}
		})
	}
}

func TestConfirmClosedInput(t *testing.T) {
	p := NewPrompterWith(strings.NewReader(""), &bytes.Buffer{})
	if _, err := p.Confirm("Proceed?"); err == nil {
		t.Error("Confirm() with closed input expected error")
	}
}
