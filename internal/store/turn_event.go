// turn_event.go — turn_events 表 CRUD (原始帧转写)。
//
// 记录流上收到的每一条非心跳帧, 支持按会话回放历史。
// 写入走 InsertBatch: transcript 记录器攒批落盘, 减少往返。
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TurnEvent 一条原始帧记录。
type TurnEvent struct {
	ID        int64           `db:"id" json:"id"`
	SessionID string          `db:"session_id" json:"sessionId"`
	Frame     string          `db:"frame" json:"frame"` // 帧名: tool / complete / error / ...
	Payload   json.RawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// TurnEventStore turn_events 存储。
type TurnEventStore struct{ BaseStore }

// NewTurnEventStore 创建。
func NewTurnEventStore(pool *pgxpool.Pool) *TurnEventStore {
	return &TurnEventStore{NewBaseStore(pool)}
}

const teCols = "id, session_id, frame, payload, created_at"

// InsertBatch 批量写入帧记录 (单条失败不影响其他条)。
func (s *TurnEventStore) InsertBatch(ctx context.Context, events []TurnEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		payload := e.Payload
		if len(payload) == 0 {
			payload = mustMarshalJSON(nil)
		}
		batch.Queue(
			`INSERT INTO turn_events (session_id, frame, payload, created_at)
			 VALUES ($1, $2, $3, $4)`,
			e.SessionID, e.Frame, payload, createdAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	var firstErr error
	for range events {
		if _, err := results.Exec(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ListBySession 按会话查询帧历史 (最新在前, 游标分页: before=0 从最新开始)。
func (s *TurnEventStore) ListBySession(ctx context.Context, sessionID string, limit int, before int64) ([]TurnEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	var sql string
	var args []any
	if before > 0 {
		sql = "SELECT " + teCols + " FROM turn_events WHERE session_id=$1 AND id < $2 ORDER BY id DESC LIMIT $3"
		args = []any{sessionID, before, limit}
	} else {
		sql = "SELECT " + teCols + " FROM turn_events WHERE session_id=$1 ORDER BY id DESC LIMIT $2"
		args = []any{sessionID, limit}
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectRows[TurnEvent](rows)
}

// CountBySession 统计某会话的帧总数。
func (s *TurnEventStore) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM turn_events WHERE session_id=$1", sessionID).Scan(&count)
	return count, err
}

// DeleteBySession 删除某会话的全部帧记录。
func (s *TurnEventStore) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM turn_events WHERE session_id=$1", sessionID)
	return err
}

// DeleteOlderThan 清理 retention 窗口外的旧帧, 返回删除行数。
func (s *TurnEventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM turn_events WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
