package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"zenfeed/internal/models"
)

// blockingRunner parks inside SyncAll until released, counting invocations.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	calls int
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) SyncAll(ctx context.Context) ([]models.SyncResult, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	r.once.Do(func() { close(r.started) })
	<-r.release
	return nil, nil
}

func (r *blockingRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestScheduler_SkipsOverlappingPass(t *testing.T) {
	runner := newBlockingRunner()
	s := New(context.Background(), runner, time.Hour)

	firstDone := make(chan struct{})
	go func() {
		s.runPass()
		close(firstDone)
	}()

	<-runner.started

	// The first pass is still inside SyncAll; a second invocation must return
	// without starting another one.
	secondDone := make(chan struct{})
	go func() {
		s.runPass()
		close(secondDone)
	}()

	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Overlapping pass did not return promptly")
	}
	if got := runner.callCount(); got != 1 {
		t.Fatalf("Expected 1 sync call while the first pass runs, got %d", got)
	}

	close(runner.release)
	<-firstDone

	// With the first pass finished, the next interval runs again.
	s.runPass()
	if got := runner.callCount(); got != 2 {
		t.Errorf("Expected a fresh pass after the first completed, got %d calls", got)
	}
}

func TestSummarize(t *testing.T) {
	results := []models.SyncResult{
		{State: models.SyncDone, ArticlesAdded: 3, ArticlesUpdated: 1},
		{State: models.SyncDone, ArticlesAdded: 0, ArticlesUpdated: 2},
		{State: models.SyncFailed},
		{State: models.SyncInProgress},
	}

	added, updated, failed := summarize(results)
	if added != 3 || updated != 3 || failed != 1 {
		t.Errorf("Expected (3, 3, 1), got (%d, %d, %d)", added, updated, failed)
	}

	added, updated, failed = summarize(nil)
	if added != 0 || updated != 0 || failed != 0 {
		t.Errorf("Expected zeros for empty pass, got (%d, %d, %d)", added, updated, failed)
	}
}
