// system_log.go — system_logs 表查询 (logger.DBHandler 的落库对端)。
//
// 写入由 pkg/logger 的异步 DBHandler 完成, 本 store 只提供查询与清理。
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SystemLog 系统日志条目。
type SystemLog struct {
	ID         int       `db:"id" json:"id"`
	Ts         time.Time `db:"ts" json:"ts"`
	Level      string    `db:"level" json:"level"`
	Logger     string    `db:"logger" json:"logger"`
	Message    string    `db:"message" json:"message"`
	Raw        string    `db:"raw" json:"raw"`
	Source     string    `db:"source" json:"source"`
	Component  string    `db:"component" json:"component"`
	SessionID  string    `db:"session_id" json:"session_id"`
	TurnID     string    `db:"turn_id" json:"turn_id"`
	EventType  string    `db:"event_type" json:"event_type"`
	ToolName   string    `db:"tool_name" json:"tool_name"`
	DurationMS *int      `db:"duration_ms" json:"duration_ms"`
	Extra      any       `db:"extra" json:"extra"`
}

// SystemLogStore 系统日志存储。
type SystemLogStore struct{ BaseStore }

// NewSystemLogStore 创建。
func NewSystemLogStore(pool *pgxpool.Pool) *SystemLogStore {
	return &SystemLogStore{NewBaseStore(pool)}
}

const sysLogCols = `id, ts, level, logger, message, raw,
	source, component, session_id, turn_id,
	event_type, tool_name, duration_ms, extra`

// ListParams 日志查询参数。
type ListParams struct {
	Level     string
	Logger    string
	Source    string
	Component string
	SessionID string
	TurnID    string
	EventType string
	ToolName  string
	Keyword   string
	Limit     int
}

// List 查询系统日志。
func (s *SystemLogStore) List(ctx context.Context, p ListParams) ([]SystemLog, error) {
	q := NewQueryBuilder().
		Eq("level", p.Level).
		Eq("logger", p.Logger).
		Eq("source", p.Source).
		Eq("component", p.Component).
		Eq("session_id", p.SessionID).
		Eq("turn_id", p.TurnID).
		Eq("event_type", p.EventType).
		Eq("tool_name", p.ToolName).
		KeywordLike(p.Keyword, "level", "logger", "message", "raw", "source", "component")
	sql, params := q.Build("SELECT "+sysLogCols+" FROM system_logs", "ts DESC, id DESC", p.Limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[SystemLog](rows)
}

// ListFilterValues 返回去重筛选值 (筛选器下拉用)。
func (s *SystemLogStore) ListFilterValues(ctx context.Context) (map[string][]string, error) {
	return DistinctMap(ctx, s.pool, "system_logs", "level", "logger", "source", "component", "event_type", "tool_name")
}

// DeleteOlderThan 清理 retention 窗口外的旧日志, 返回删除行数。
func (s *SystemLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM system_logs WHERE ts < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
