// turn.go — turns 表 CRUD (轮次转写)。
//
// 一行 = 一个轮次: 提交内容 + 终态结果。进行中的轮次 status=processing,
// 终态帧到达后由 Finish 补齐结果列。
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// 轮次终态。
const (
	TurnStatusProcessing = "processing"
	TurnStatusCompleted  = "completed"
	TurnStatusErrored    = "errored"
	TurnStatusCancelled  = "cancelled"
)

// Turn 一个轮次的转写记录。
type Turn struct {
	ID                  int64      `db:"id" json:"id"`
	SessionID           string     `db:"session_id" json:"sessionId"`
	Content             string     `db:"content" json:"content"`
	Status              string     `db:"status" json:"status"`
	FinalContent        string     `db:"final_content" json:"finalContent"`
	Reasoning           string     `db:"reasoning" json:"reasoning"`
	ReasoningDurationMS int64      `db:"reasoning_duration_ms" json:"reasoningDurationMs"`
	Error               string     `db:"error" json:"error"`
	ToolCallCount       int        `db:"tool_call_count" json:"toolCallCount"`
	StartedAt           time.Time  `db:"started_at" json:"startedAt"`
	EndedAt             *time.Time `db:"ended_at" json:"endedAt,omitempty"`
}

// TurnStore turns 存储。
type TurnStore struct{ BaseStore }

// NewTurnStore 创建。
func NewTurnStore(pool *pgxpool.Pool) *TurnStore {
	return &TurnStore{NewBaseStore(pool)}
}

const turnCols = `id, session_id, content, status, final_content, reasoning,
	reasoning_duration_ms, error, tool_call_count, started_at, ended_at`

// Begin 写入一个进行中的轮次, 返回行 ID。
func (s *TurnStore) Begin(ctx context.Context, sessionID, content string, startedAt time.Time) (int64, error) {
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO turns (session_id, content, status, started_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		sessionID, content, TurnStatusProcessing, startedAt).Scan(&id)
	return id, err
}

// FinishParams 轮次终态列。
type FinishParams struct {
	Status              string
	FinalContent        string
	Reasoning           string
	ReasoningDurationMS int64
	Error               string
	ToolCallCount       int
}

// Finish 补齐轮次终态。幂等: 已终结的轮次不再改写。
func (s *TurnStore) Finish(ctx context.Context, id int64, p FinishParams) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE turns SET status=$2, final_content=$3, reasoning=$4,
		 reasoning_duration_ms=$5, error=$6, tool_call_count=$7, ended_at=NOW()
		 WHERE id=$1 AND status=$8`,
		id, p.Status, p.FinalContent, p.Reasoning,
		p.ReasoningDurationMS, p.Error, p.ToolCallCount, TurnStatusProcessing)
	return err
}

// ListBySession 按会话查询轮次 (最新在前, 游标分页: before=0 从最新开始)。
func (s *TurnStore) ListBySession(ctx context.Context, sessionID string, limit int, before int64) ([]Turn, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var sql string
	var args []any
	if before > 0 {
		sql = "SELECT " + turnCols + " FROM turns WHERE session_id=$1 AND id < $2 ORDER BY id DESC LIMIT $3"
		args = []any{sessionID, before, limit}
	} else {
		sql = "SELECT " + turnCols + " FROM turns WHERE session_id=$1 ORDER BY id DESC LIMIT $2"
		args = []any{sessionID, limit}
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectRows[Turn](rows)
}

// CountBySession 统计某会话的轮次总数。
func (s *TurnStore) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM turns WHERE session_id=$1", sessionID).Scan(&count)
	return count, err
}

// DeleteBySession 删除某会话的全部轮次 (会话删除时级联调用)。
func (s *TurnStore) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM turns WHERE session_id=$1", sessionID)
	return err
}
