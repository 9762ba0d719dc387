package utils

import "testing"

func TestMaskSensitiveString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "***"},
		{"12345678", "********"},
		{"sk-abcdef1234567890", "sk-a****7890"},
	}
	for _, tt := range tests {
		if got := MaskSensitiveString(tt.in); got != tt.want {
			t.Fatalf("MaskSensitiveString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
