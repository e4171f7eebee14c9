package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"zenfeed/internal/models"

	"github.com/robfig/cron/v3"
)

// syncRunner is the one operation the scheduler drives.
type syncRunner interface {
	SyncAll(ctx context.Context) ([]models.SyncResult, error)
}

// Scheduler runs periodic background sync passes. A run that would overlap a
// still-running pass is skipped rather than queued.
type Scheduler struct {
	ctx      context.Context
	cron     *cron.Cron
	syncer   syncRunner
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	running bool
}

func New(ctx context.Context, s syncRunner, interval time.Duration) *Scheduler {
	return &Scheduler{
		ctx:      ctx,
		cron:     cron.New(),
		syncer:   s,
		interval: interval,
		timeout:  interval,
	}
}

func (s *Scheduler) Start() {
	log.Printf("Starting background sync every %v", s.interval)
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.runPass))
	s.cron.Start()

	// Sync immediately on start so a fresh launch has articles to show.
	go s.runPass()
}

func (s *Scheduler) Stop() {
	log.Println("Stopping background sync...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	log.Println("Background sync stopped")
}

func (s *Scheduler) runPass() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Println("Previous sync pass still running, skipping this interval")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	results, err := s.syncer.SyncAll(ctx)
	if err != nil {
		log.Printf("Background sync pass failed: %v", err)
		return
	}

	added, updated, failed := summarize(results)
	log.Printf("Background sync pass completed: %d added, %d updated, %d feeds failed",
		added, updated, failed)
}

func summarize(results []models.SyncResult) (added, updated, failed int) {
	for _, r := range results {
		added += r.ArticlesAdded
		updated += r.ArticlesUpdated
		if r.State == models.SyncFailed {
			failed++
		}
	}
	return added, updated, failed
}
