// util_test.go — EscapeLike / ClampInt / ToMapAny 表驱动测试。
package util

import (
	"testing"
)

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"percent", "100%", `100\%`},
		{"underscore", "a_b", `a\_b`},
		{"backslash", `a\b`, `a\\b`},
		{"combined", `%_\`, `\%\_\\`},
		{"no_special", "hello", "hello"},
		{"empty", "", ""},
		{"multiple_percent", "%%", `\%\%`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EscapeLike(tt.in)
			if got != tt.want {
				t.Errorf("EscapeLike(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		name      string
		v, lo, hi int
		want      int
	}{
		{"below_min", -1, 0, 10, 0},
		{"above_max", 20, 0, 10, 10},
		{"in_range", 5, 0, 10, 5},
		{"at_min", 0, 0, 10, 0},
		{"at_max", 10, 0, 10, 10},
		{"negative_range", -5, -10, -1, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampInt(tt.v, tt.lo, tt.hi)
			if got != tt.want {
				t.Errorf("ClampInt(%d, %d, %d) = %d, want %d", tt.v, tt.lo, tt.hi, got, tt.want)
			}
		})
	}
}

func TestToMapAny_PassThrough(t *testing.T) {
	in := map[string]any{"a": 1}
	got := ToMapAny(in)
	if len(got) != 1 {
		t.Fatalf("expected passthrough map, got %v", got)
	}
}

func TestToMapAny_StructConversion(t *testing.T) {
	type payload struct {
		Path  string `json:"path"`
		Depth int    `json:"depth"`
	}
	got := ToMapAny(payload{Path: "/tmp", Depth: 2})
	if got["path"] != "/tmp" {
		t.Errorf("path = %v, want /tmp", got["path"])
	}
	// json 数字解码为 float64
	if got["depth"] != float64(2) {
		t.Errorf("depth = %v, want 2", got["depth"])
	}
}

func TestToMapAny_UnmarshalableReturnsEmpty(t *testing.T) {
	got := ToMapAny(make(chan int))
	if len(got) != 0 {
		t.Errorf("expected empty map for unmarshalable value, got %v", got)
	}
}
