package executor_test

import (
	"context"
	"testing"

	"github.com/basket/kernel/internal/executor"
)

func TestFakeBackend_StartQueuesScriptForPoll(t *testing.T) {
	backend := executor.NewFakeBackend(
		executor.Event{Kind: executor.EventStdout, Line: "building"},
		executor.Event{Kind: executor.EventComplete, Output: "done"},
	)

	handle, err := backend.Start(context.Background(), executor.Input{JobID: "job-1", Prompt: "do the thing"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	events, err := backend.Poll(context.Background(), handle)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(events) != 2 || events[0].Kind != executor.EventStdout || events[1].Kind != executor.EventComplete {
		t.Fatalf("unexpected events: %+v", events)
	}

	// second poll drains to empty
	events, err = backend.Poll(context.Background(), handle)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected drained queue, got %+v", events)
	}

	started := backend.Started()
	if len(started) != 1 || started[0].JobID != "job-1" {
		t.Fatalf("unexpected started record: %+v", started)
	}
}

func TestFakeBackend_PollUnknownHandleErrors(t *testing.T) {
	backend := executor.NewFakeBackend()
	if _, err := backend.Poll(context.Background(), executor.Handle("nope")); err == nil {
		t.Fatal("expected error for unknown handle")
	}
}

func TestFakeBackend_CancelRemovesQueueAndRecords(t *testing.T) {
	backend := executor.NewFakeBackend(executor.Event{Kind: executor.EventStdout, Line: "x"})
	handle, _ := backend.Start(context.Background(), executor.Input{JobID: "job-1"})

	if err := backend.Cancel(context.Background(), handle); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := backend.Poll(context.Background(), handle); err == nil {
		t.Fatal("expected poll on cancelled handle to error")
	}
	cancelled := backend.Cancelled()
	if len(cancelled) != 1 || cancelled[0] != handle {
		t.Fatalf("unexpected cancelled record: %+v", cancelled)
	}
}

func TestFakeBackend_EnqueueAddsEventsAcrossPolls(t *testing.T) {
	backend := executor.NewFakeBackend()
	handle, _ := backend.Start(context.Background(), executor.Input{JobID: "job-1"})

	backend.Enqueue(handle, executor.Event{Kind: executor.EventAskUser, Question: "continue?"})
	events, err := backend.Poll(context.Background(), handle)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(events) != 1 || events[0].Kind != executor.EventAskUser {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestFakeBackend_StartFuncOverride(t *testing.T) {
	backend := executor.NewFakeBackend()
	backend.StartFunc = func(ctx context.Context, input executor.Input) (executor.Handle, error) {
		return executor.Handle("fixed-handle"), nil
	}
	handle, err := backend.Start(context.Background(), executor.Input{JobID: "job-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if handle != "fixed-handle" {
		t.Fatalf("expected override handle, got %q", handle)
	}
}
