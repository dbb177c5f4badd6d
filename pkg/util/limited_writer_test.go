package util

import (
	"bytes"
	"strings"
	"testing"
)

// LimitedWriter 用于限制引擎子进程 stderr 的留存量，超限静默丢弃。

func TestLimitedWriter_CapBehavior(t *testing.T) {
	tests := []struct {
		name     string
		limit    int
		writes   []string
		wantKept string
		wantNs   []int
	}{
		{
			name:     "under limit keeps everything",
			limit:    32,
			writes:   []string{"engine: listening on :7831\n"},
			wantKept: "engine: listening on :7831\n",
			wantNs:   []int{27},
		},
		{
			name:     "single write truncated at limit",
			limit:    10,
			writes:   []string{"123456789012"},
			wantKept: "1234567890",
			// exec.Cmd 不应看到短写错误，返回 len(p)
			wantNs: []int{10},
		},
		{
			name:     "second write split at boundary",
			limit:    8,
			writes:   []string{"12345", "67890"},
			wantKept: "12345678",
			wantNs:   []int{5, 3},
		},
		{
			name:     "writes after limit silently discarded",
			limit:    5,
			writes:   []string{"hello", "world"},
			wantKept: "hello",
			wantNs:   []int{5, 5},
		},
		{
			name:     "zero limit discards all",
			limit:    0,
			writes:   []string{"anything"},
			wantKept: "",
			wantNs:   []int{8},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			lw := NewLimitedWriter(&buf, tt.limit)
			for i, w := range tt.writes {
				n, err := lw.Write([]byte(w))
				if err != nil {
					t.Fatalf("write %d: unexpected error: %v", i, err)
				}
				if n != tt.wantNs[i] {
					t.Fatalf("write %d: n = %d, want %d", i, n, tt.wantNs[i])
				}
			}
			if buf.String() != tt.wantKept {
				t.Fatalf("kept = %q, want %q", buf.String(), tt.wantKept)
			}
		})
	}
}

func TestLimitedWriter_WorksWithStringsBuilder(t *testing.T) {
	var sb strings.Builder
	lw := NewLimitedWriter(&sb, 6)

	lw.Write([]byte("hello world"))
	if sb.String() != "hello " {
		t.Fatalf("expected 'hello ', got %q", sb.String())
	}
}

func TestLimitedWriter_Overflow(t *testing.T) {
	// 恰好写满不算溢出，只有真正丢弃过数据才置位
	var buf bytes.Buffer
	lw := NewLimitedWriter(&buf, 5)

	if _, err := lw.Write([]byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lw.Overflow() {
		t.Fatal("expected overflow=false when output exactly hits limit without discard")
	}

	if _, err := lw.Write([]byte("!")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !lw.Overflow() {
		t.Fatal("expected overflow=true after data is discarded")
	}
}
