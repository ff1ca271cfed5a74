package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/kernel/internal/store"
)

func TestCreateCron_RejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, _ := s.DB().BeginTx(ctx, nil)
	if _, err := store.CreateCron(ctx, tx, "daily-standup", "0 9 * * *", "UTC", "chat-1", "summarize standup"); err != nil {
		t.Fatalf("create cron: %v", err)
	}
	tx.Commit()

	tx, _ = s.DB().BeginTx(ctx, nil)
	defer tx.Rollback()
	_, err := store.CreateCron(ctx, tx, "daily-standup", "0 9 * * *", "UTC", "chat-2", "summarize standup again")
	if err != store.ErrCronNameExists {
		t.Fatalf("expected ErrCronNameExists, got %v", err)
	}
}

func TestClaimDueCrons_FindsNeverScheduledAndPastDue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, _ := s.DB().BeginTx(ctx, nil)
	neverScheduledID, err := store.CreateCron(ctx, tx, "never-scheduled", "0 * * * *", "UTC", "chat-1", "ping")
	if err != nil {
		t.Fatalf("create cron: %v", err)
	}
	tx.Commit()

	due, err := s.ClaimDueCrons(ctx, 10)
	if err != nil {
		t.Fatalf("claim due crons: %v", err)
	}
	if len(due) != 1 || due[0].ID != neverScheduledID {
		t.Fatalf("expected never-scheduled cron to be due, got %+v", due)
	}

	tx, _ = s.DB().BeginTx(ctx, nil)
	future := time.Now().Add(time.Hour)
	if err := store.InitializeCronSchedule(ctx, tx, neverScheduledID, future); err != nil {
		t.Fatalf("initialize schedule: %v", err)
	}
	tx.Commit()

	due, err = s.ClaimDueCrons(ctx, 10)
	if err != nil {
		t.Fatalf("claim due crons after scheduling: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no crons due once scheduled in the future, got %+v", due)
	}
}

func TestAdvanceCronAfterFire_SetsLastAndNextRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, _ := s.DB().BeginTx(ctx, nil)
	id, err := store.CreateCron(ctx, tx, "hourly-ping", "0 * * * *", "UTC", "chat-1", "ping")
	if err != nil {
		t.Fatalf("create cron: %v", err)
	}
	tx.Commit()

	next := time.Now().Add(time.Hour)
	tx, _ = s.DB().BeginTx(ctx, nil)
	if err := store.AdvanceCronAfterFire(ctx, tx, id, next, "job-1"); err != nil {
		t.Fatalf("advance cron: %v", err)
	}
	tx.Commit()

	crons, err := s.ActiveCronsForChat(ctx, "chat-1")
	if err != nil {
		t.Fatalf("active crons: %v", err)
	}
	if len(crons) != 1 {
		t.Fatalf("expected 1 active cron, got %d", len(crons))
	}
	if !crons[0].LastRunAt.Valid {
		t.Fatalf("expected last_run_at to be set after fire")
	}
	if crons[0].LastJobID.String != "job-1" {
		t.Fatalf("expected last_job_id=job-1, got %q", crons[0].LastJobID.String)
	}
}
