package store_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/basket/kernel/internal/store"
)

func TestOutboxLifecycle_InsertRewriteDeliver(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, _ := s.DB().BeginTx(ctx, nil)
	id, err := store.InsertOutboxRow(ctx, tx, "chat-1", sql.NullString{String: "draft reply", Valid: true}, nil, sql.NullString{}, "trace-1")
	if err != nil {
		t.Fatalf("insert outbox row: %v", err)
	}
	tx.Commit()

	unrewritten, err := s.ClaimUnrewrittenOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("claim unrewritten: %v", err)
	}
	if len(unrewritten) != 1 || unrewritten[0].ID != id {
		t.Fatalf("expected one unrewritten row, got %+v", unrewritten)
	}

	tx, _ = s.DB().BeginTx(ctx, nil)
	if err := store.MarkRewritten(ctx, tx, id, sql.NullString{String: "final reply", Valid: true}); err != nil {
		t.Fatalf("mark rewritten: %v", err)
	}
	tx.Commit()

	stillUnrewritten, err := s.ClaimUnrewrittenOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("claim unrewritten again: %v", err)
	}
	if len(stillUnrewritten) != 0 {
		t.Fatalf("expected no unrewritten rows remaining, got %d", len(stillUnrewritten))
	}

	deliverable, err := s.ClaimDeliverableOutbox(ctx, 10, 3)
	if err != nil {
		t.Fatalf("claim deliverable: %v", err)
	}
	if len(deliverable) != 1 || deliverable[0].Content.String != "final reply" {
		t.Fatalf("expected rewritten content ready to deliver, got %+v", deliverable)
	}

	tx, _ = s.DB().BeginTx(ctx, nil)
	if err := store.MarkDelivered(ctx, tx, id); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	tx.Commit()

	afterDelivery, err := s.ClaimDeliverableOutbox(ctx, 10, 3)
	if err != nil {
		t.Fatalf("claim deliverable after delivery: %v", err)
	}
	if len(afterDelivery) != 0 {
		t.Fatalf("expected no deliverable rows after send, got %d", len(afterDelivery))
	}
}

func TestClaimDeliverableOutbox_ExcludesRowsPastAttemptCeiling(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, _ := s.DB().BeginTx(ctx, nil)
	id, err := store.InsertOutboxRow(ctx, tx, "chat-1", sql.NullString{String: "reply", Valid: true}, nil, sql.NullString{}, "trace-1")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.MarkRewritten(ctx, tx, id, sql.NullString{String: "reply", Valid: true}); err != nil {
		t.Fatalf("mark rewritten: %v", err)
	}
	tx.Commit()

	for i := 0; i < 3; i++ {
		tx, _ = s.DB().BeginTx(ctx, nil)
		if err := store.MarkDeliveryFailed(ctx, tx, id, "send failed"); err != nil {
			t.Fatalf("mark delivery failed: %v", err)
		}
		tx.Commit()
	}

	deliverable, err := s.ClaimDeliverableOutbox(ctx, 10, 3)
	if err != nil {
		t.Fatalf("claim deliverable: %v", err)
	}
	if len(deliverable) != 0 {
		t.Fatalf("expected row past attempt ceiling to be excluded, got %+v", deliverable)
	}
}
