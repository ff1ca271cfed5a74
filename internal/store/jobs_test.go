package store_test

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/kernel/internal/store"
)

func createDraftJob(t *testing.T, s *store.Store, chatID string) string {
	t.Helper()
	ctx := context.Background()
	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	id, err := store.CreateDraftJob(ctx, tx, store.JobKindChat, chatID, "do something", "trace-1", []string{"msg-1"})
	if err != nil {
		t.Fatalf("create draft job: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id
}

func TestEnrichJob_OnlyAppliesOnceFromDraft(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := createDraftJob(t, s, "chat-1")

	applied, err := s.EnrichJob(ctx, id, "enriched prompt", "trace-1")
	if err != nil {
		t.Fatalf("enrich job: %v", err)
	}
	if !applied {
		t.Fatalf("expected first enrich to apply")
	}

	appliedAgain, err := s.EnrichJob(ctx, id, "enriched prompt again", "trace-1")
	if err != nil {
		t.Fatalf("enrich job again: %v", err)
	}
	if appliedAgain {
		t.Fatalf("expected second enrich on a non-draft job to be a no-op")
	}

	job, err := s.JobByID(ctx, id)
	if err != nil {
		t.Fatalf("job by id: %v", err)
	}
	if job.Status != store.JobStatusPending {
		t.Fatalf("expected status pending, got %q", job.Status)
	}
	if job.EnrichedPrompt.String != "enriched prompt" {
		t.Fatalf("expected first enrich's prompt to stick, got %q", job.EnrichedPrompt.String)
	}
}

func TestJobLifecycle_PendingRunningDone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := createDraftJob(t, s, "chat-1")

	if _, err := s.EnrichJob(ctx, id, "enriched", "trace-1"); err != nil {
		t.Fatalf("enrich: %v", err)
	}

	started, err := s.StartJob(ctx, id, "run-handle-1", "trace-1")
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	if !started {
		t.Fatalf("expected start to apply from pending")
	}

	tx, _ := s.DB().BeginTx(ctx, nil)
	if err := s.CompleteJob(ctx, tx, id, "done output"); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	job, err := s.JobByID(ctx, id)
	if err != nil {
		t.Fatalf("job by id: %v", err)
	}
	if job.Status != store.JobStatusDone {
		t.Fatalf("expected status done, got %q", job.Status)
	}
	if job.Output.String != "done output" {
		t.Fatalf("expected output to be recorded, got %q", job.Output.String)
	}

	var payload string
	if err := s.DB().QueryRowContext(ctx, `
		SELECT payload FROM events WHERE action = 'job_started' AND trace_id = 'trace-1';
	`).Scan(&payload); err != nil {
		t.Fatalf("query job_started event: %v", err)
	}
	if !strings.Contains(payload, `"run_handle":"run-handle-1"`) {
		t.Fatalf("expected job_started payload to include run_handle, got %s", payload)
	}
}

func TestClaimPendingJobsNotActive_ExcludesActiveRunSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1 := createDraftJob(t, s, "chat-1")
	id2 := createDraftJob(t, s, "chat-2")
	if _, err := s.EnrichJob(ctx, id1, "enriched", "trace-1"); err != nil {
		t.Fatalf("enrich 1: %v", err)
	}
	if _, err := s.EnrichJob(ctx, id2, "enriched", "trace-1"); err != nil {
		t.Fatalf("enrich 2: %v", err)
	}

	claimed, err := s.ClaimPendingJobsNotActive(ctx, 10, map[string]bool{id1: true})
	if err != nil {
		t.Fatalf("claim pending: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id2 {
		t.Fatalf("expected only id2 to be claimable, got %+v", claimed)
	}
}

func TestOrphanedRunningJobs_RequeuesStaleHeartbeat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := createDraftJob(t, s, "chat-1")
	if _, err := s.EnrichJob(ctx, id, "enriched", "trace-1"); err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if _, err := s.StartJob(ctx, id, "run-1", "trace-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := s.DB().ExecContext(ctx, `UPDATE jobs SET last_heartbeat_at = datetime('now', '-1 hour') WHERE id = ?;`, id); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	orphans, err := s.OrphanedRunningJobs(ctx, 0, 10)
	if err != nil {
		t.Fatalf("orphaned running jobs: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != id {
		t.Fatalf("expected orphan job to be found, got %+v", orphans)
	}

	tx, _ := s.DB().BeginTx(ctx, nil)
	if err := s.RequeueOrphan(ctx, tx, id); err != nil {
		t.Fatalf("requeue orphan: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	job, err := s.JobByID(ctx, id)
	if err != nil {
		t.Fatalf("job by id: %v", err)
	}
	if job.Status != store.JobStatusPending {
		t.Fatalf("expected requeued job to be pending, got %q", job.Status)
	}
}
