// toolcall.go — 工具调用聚合表: 按 ID 合并增量更新, 保持插入顺序。
package stream

import (
	"fmt"
	"time"
)

// ToolCallRecord 聚合后的单条工具调用记录。
//
// Parameters 的 map 在合并时整体替换、从不原地修改,
// 因此快照之间共享同一 map 是安全的。
type ToolCallRecord struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   int64          `json:"startedAt,omitempty"` // 进入 running 的毫秒时间戳, 0 = 未运行
}

// MergeToolCall 把一条 tool 帧合并进聚合表, 返回新切片 (写时复制)。
//
// 规则:
//   - 无 ID 的帧按 name+时间 合成 ID (冲突时追加序号), 新建记录
//   - 已知 ID: 帧里出现的字段覆盖, 缺失字段保留旧值
//   - 新记录按到达顺序追加, 已有记录永不重排
//   - 首次进入 running 时打 StartedAt, 到达终态后清零
func MergeToolCall(calls []ToolCallRecord, d *ToolData, now time.Time) []ToolCallRecord {
	out := make([]ToolCallRecord, len(calls), len(calls)+1)
	copy(out, calls)

	id := d.ID
	if id == "" {
		id = synthesizeToolID(out, d.Name, now)
	}

	idx := indexOfToolCall(out, id)
	if idx < 0 {
		rec := ToolCallRecord{
			ID:     id,
			Name:   d.Name,
			Status: ToolStatusPending,
		}
		applyToolData(&rec, d, now)
		return append(out, rec)
	}

	rec := out[idx]
	applyToolData(&rec, d, now)
	out[idx] = rec
	return out
}

// applyToolData 把帧字段覆盖进记录。缺失字段 (零值) 不触碰。
func applyToolData(rec *ToolCallRecord, d *ToolData, now time.Time) {
	if d.Name != "" {
		rec.Name = d.Name
	}
	if d.Description != "" {
		rec.Description = d.Description
	}
	if d.Status != "" {
		rec.Status = d.Status
	}
	if params := ParseToolInput(d.Input); params != nil {
		rec.Parameters = params
	}
	if d.Result != "" {
		rec.Result = d.Result
	}
	if d.Error != "" {
		rec.Error = d.Error
	}

	// 运行计时: 首次 running 打点, 终态清零。
	if rec.Status == ToolStatusRunning && rec.StartedAt == 0 {
		rec.StartedAt = now.UnixMilli()
	}
	if IsTerminalToolStatus(rec.Status) {
		rec.StartedAt = 0
	}
}

// CloneToolCalls 浅拷贝聚合表, 用于状态快照。
func CloneToolCalls(calls []ToolCallRecord) []ToolCallRecord {
	if calls == nil {
		return nil
	}
	out := make([]ToolCallRecord, len(calls))
	copy(out, calls)
	return out
}

func indexOfToolCall(calls []ToolCallRecord, id string) int {
	for i := range calls {
		if calls[i].ID == id {
			return i
		}
	}
	return -1
}

func synthesizeToolID(calls []ToolCallRecord, name string, now time.Time) string {
	base := fmt.Sprintf("%s-%d", name, now.UnixMilli())
	id := base
	for n := 2; indexOfToolCall(calls, id) >= 0; n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return id
}
