package store_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/basket/kernel/internal/store"
)

func TestUpsertInboundMessage_InsertThenEditBumpsVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insert := func(content string) string {
		tx, err := s.DB().BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		defer tx.Rollback()
		id, err := s.UpsertInboundMessage(ctx, tx, store.Message{
			PlatformID:       "wa-1",
			PlatformChatID:   "chat-1",
			PlatformSenderID: "user-1",
			Direction:        store.DirectionIn,
			Content:          sql.NullString{String: content, Valid: true},
			TraceID:          "trace-1",
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
		return id
	}

	id1 := insert("hello")
	id2 := insert("hello, edited")
	if id1 != id2 {
		t.Fatalf("expected same message id across edit, got %q then %q", id1, id2)
	}

	var version int
	if err := s.DB().QueryRowContext(ctx, `SELECT content_version FROM messages WHERE id = ?;`, id1).Scan(&version); err != nil {
		t.Fatalf("read content_version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected content_version=2 after edit, got %d", version)
	}
}

func TestUpsertInboundMessage_RepeatWithSameContentDoesNotBumpVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	write := func() string {
		tx, _ := s.DB().BeginTx(ctx, nil)
		defer tx.Rollback()
		id, err := s.UpsertInboundMessage(ctx, tx, store.Message{
			PlatformID:       "wa-2",
			PlatformChatID:   "chat-1",
			PlatformSenderID: "user-1",
			Direction:        store.DirectionIn,
			Content:          sql.NullString{String: "same", Valid: true},
			TraceID:          "trace-1",
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		tx.Commit()
		return id
	}

	write()
	id := write()

	var version int
	s.DB().QueryRowContext(ctx, `SELECT content_version FROM messages WHERE id = ?;`, id).Scan(&version)
	if version != 1 {
		t.Fatalf("expected content_version to stay 1 for unchanged content, got %d", version)
	}
}

func TestClaimUnroutedInbound_OnlyReturnsUnroutedDirectionIn(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed := func(platformID string, direction store.Direction, routed bool) {
		tx, _ := s.DB().BeginTx(ctx, nil)
		defer tx.Rollback()
		id, err := s.UpsertInboundMessage(ctx, tx, store.Message{
			PlatformID:       platformID,
			PlatformChatID:   "chat-1",
			PlatformSenderID: "user-1",
			Direction:        direction,
			Content:          sql.NullString{String: "x", Valid: true},
			TraceID:          "trace-1",
		})
		if err != nil {
			t.Fatalf("seed upsert: %v", err)
		}
		if routed {
			if err := store.MarkRouted(ctx, tx, []string{id}); err != nil {
				t.Fatalf("mark routed: %v", err)
			}
		}
		tx.Commit()
	}

	seed("in-unrouted", store.DirectionIn, false)
	seed("in-routed", store.DirectionIn, true)
	seed("out-1", store.DirectionOut, false)

	claimed, err := s.ClaimUnroutedInbound(ctx, 10)
	if err != nil {
		t.Fatalf("claim unrouted: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 unrouted inbound message, got %d", len(claimed))
	}
	if claimed[0].PlatformID != "in-unrouted" {
		t.Fatalf("expected in-unrouted, got %q", claimed[0].PlatformID)
	}
}

func TestRAGHistory_RanksByCosineDistanceAndExcludes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed := func(platformID string, embedding []float32) string {
		tx, _ := s.DB().BeginTx(ctx, nil)
		defer tx.Rollback()
		id, err := s.UpsertInboundMessage(ctx, tx, store.Message{
			PlatformID:       platformID,
			PlatformChatID:   "chat-1",
			PlatformSenderID: "user-1",
			Direction:        store.DirectionIn,
			Content:          sql.NullString{String: platformID, Valid: true},
			Embedding:        embedding,
			TraceID:          "trace-1",
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		tx.Commit()
		return id
	}

	closeID := seed("close", []float32{1, 0, 0})
	farID := seed("far", []float32{0, 1, 0})
	excludedID := seed("excluded", []float32{1, 0, 0})
	_ = farID

	candidates, err := s.RAGHistory(ctx, "chat-1", []float32{1, 0, 0}, map[string]bool{excludedID: true}, 5)
	if err != nil {
		t.Fatalf("rag history: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates after excluding one, got %d", len(candidates))
	}
	if candidates[0].MessageID != closeID {
		t.Fatalf("expected closest candidate first, got %q", candidates[0].MessageID)
	}
}
