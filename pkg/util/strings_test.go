package util

import "testing"

func TestFirstNonEmpty(t *testing.T) {
	// 配置回退链：环境变量 → profile 值 → 内置默认
	tests := []struct {
		name  string
		input []string
		want  string
	}{
		{"env wins over default", []string{"http://localhost:9400", "http://127.0.0.1:8080"}, "http://localhost:9400"},
		{"blank env falls through", []string{"", "  ", "ws"}, "ws"},
		{"all blank", []string{"", "\t", "  "}, ""},
		{"single value", []string{"sse"}, "sse"},
		{"no candidates", nil, ""},
		{"result is trimmed", []string{"  profiles.json  "}, "profiles.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FirstNonEmpty(tt.input...)
			if got != tt.want {
				t.Errorf("FirstNonEmpty(%v) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
