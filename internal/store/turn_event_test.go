package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestTurnEventStore(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	store := NewTurnEventStore(pool)
	ctx := context.Background()
	const sessionID = "test-event-session"

	pool.Exec(ctx, "DELETE FROM turn_events WHERE session_id=$1", sessionID)

	t.Run("InsertBatch_Then_List", func(t *testing.T) {
		events := []TurnEvent{
			{SessionID: sessionID, Frame: "tool", Payload: json.RawMessage(`{"id":"t1","name":"list_files","status":"running"}`)},
			{SessionID: sessionID, Frame: "tool", Payload: json.RawMessage(`{"id":"t1","status":"completed","result":"3 files"}`)},
			{SessionID: sessionID, Frame: "complete", Payload: json.RawMessage(`{"content":"Here are your files"}`)},
		}
		if err := store.InsertBatch(ctx, events); err != nil {
			t.Fatalf("insert batch: %v", err)
		}

		got, err := store.ListBySession(ctx, sessionID, 10, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 events, got %d", len(got))
		}
		// 最新在前
		if got[0].Frame != "complete" {
			t.Errorf("newest frame = %q, want complete", got[0].Frame)
		}
	})

	t.Run("InsertBatch_Empty_IsNoop", func(t *testing.T) {
		if err := store.InsertBatch(ctx, nil); err != nil {
			t.Fatalf("empty batch: %v", err)
		}
	})

	t.Run("Empty_Payload_Normalized", func(t *testing.T) {
		err := store.InsertBatch(ctx, []TurnEvent{{SessionID: sessionID, Frame: "connected"}})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		got, err := store.ListBySession(ctx, sessionID, 1, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if !json.Valid(got[0].Payload) {
			t.Errorf("payload not valid JSON: %q", got[0].Payload)
		}
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		deleted, err := store.DeleteOlderThan(ctx, time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("delete older: %v", err)
		}
		if deleted < 4 {
			t.Errorf("expected >=4 deleted, got %d", deleted)
		}
		count, err := store.CountBySession(ctx, sessionID)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0 after cleanup, got %d", count)
		}
	})
}
