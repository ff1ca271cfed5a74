package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeBackend is a hand-written Backend double for worker tests, queuing
// canned events per handle instead of driving a real container or wasm
// module. Mirrors the teacher's preference for fakes over mocking
// frameworks in collaborator-boundary tests.
type FakeBackend struct {
	mu sync.Mutex

	// StartFunc, when set, is called by Start instead of the default
	// behavior of minting a handle and queuing Script for it.
	StartFunc func(ctx context.Context, input Input) (Handle, error)

	// Script is the fixed sequence of events returned by the first calls
	// to Poll for any handle minted by the default Start behavior.
	Script []Event

	started   []Input
	cancelled []Handle
	queues    map[Handle][]Event
}

func NewFakeBackend(script ...Event) *FakeBackend {
	return &FakeBackend{Script: script, queues: make(map[Handle][]Event)}
}

func (f *FakeBackend) Start(ctx context.Context, input Input) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, input)
	if f.StartFunc != nil {
		return f.StartFunc(ctx, input)
	}
	handle := Handle(uuid.NewString())
	f.queues[handle] = append([]Event(nil), f.Script...)
	return handle, nil
}

func (f *FakeBackend) Poll(ctx context.Context, handle Handle) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue, ok := f.queues[handle]
	if !ok {
		return nil, fmt.Errorf("unknown executor handle %q", handle)
	}
	f.queues[handle] = nil
	return queue, nil
}

func (f *FakeBackend) Cancel(ctx context.Context, handle Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	delete(f.queues, handle)
	return nil
}

func (f *FakeBackend) Started() []Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Input(nil), f.started...)
}

func (f *FakeBackend) Cancelled() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Handle(nil), f.cancelled...)
}

// Enqueue appends more events to a specific handle's queue, for tests that
// need to simulate events arriving across multiple poll ticks.
func (f *FakeBackend) Enqueue(handle Handle, events ...Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[handle] = append(f.queues[handle], events...)
}

var _ Backend = (*FakeBackend)(nil)
