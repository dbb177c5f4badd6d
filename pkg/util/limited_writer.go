package util

import "io"

// LimitedWriter 限制写入字节数, 超出后静默丢弃 (防止内存耗尽)。
//
// 语义: 超限时返回 len(p) 而非 (0, ErrShortWrite), 避免 exec.Cmd 等
// 调用方误认为管道断裂。未超限时返回实际写入字节数以满足 io.Writer 契约。
type LimitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	discarded bool
}

// NewLimitedWriter 创建 LimitedWriter。
func NewLimitedWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{w: w, limit: limit}
}

// Write 写入 p, 超限后静默丢弃。
func (lw *LimitedWriter) Write(p []byte) (int, error) {
	remain := lw.limit - lw.written
	if remain <= 0 {
		if len(p) > 0 {
			lw.discarded = true
		}
		return len(p), nil // 静默丢弃, 对调用方透明
	}
	if len(p) > remain {
		lw.discarded = true
		p = p[:remain]
	}
	n, err := lw.w.Write(p)
	lw.written += n
	return n, err
}

// Overflow 返回是否有数据因超限被丢弃。恰好写满不算溢出。
func (lw *LimitedWriter) Overflow() bool { return lw.discarded }

// Written 返回实际已写入的字节数。
func (lw *LimitedWriter) Written() int { return lw.written }
