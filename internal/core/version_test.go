package core

import "testing"

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"v1.0.9", "1.0.9"},
		{"1.0.9", "1.0.9"},
		{"devel-ad721b3", "devel-ad721b3"},
		{"devel-ad721b3-dirty", "devel-ad721b3-dirty"},
		{"devel", "devel"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := FormatVersion(tt.input); got != tt.want {
			t.Errorf("FormatVersion(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestIsPseudoVersion(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"v0.0.0-20260217105831-82903d1d8810", true},
		{"v0.0.0-20260217105831-82903d1d8810+dirty", true},
		{"v1.12.1-0.20260217105831-82903d1d8810", true},
		{"v1.0.9", false},
		{"v2.0.0-rc1", false},
		{"(devel)", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isPseudoVersion(tt.input); got != tt.want {
			t.Errorf("isPseudoVersion(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
