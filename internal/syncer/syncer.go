package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"zenfeed/internal/cache"
	"zenfeed/internal/fetcher"
	"zenfeed/internal/merge"
	"zenfeed/internal/models"
	"zenfeed/internal/parser"
	"zenfeed/internal/storage"
)

// ErrSyncInProgress is reported when a feed is asked to sync while a previous
// sync of the same feed is still running. The store is never touched twice
// concurrently for one feed.
var ErrSyncInProgress = fmt.Errorf("sync already in progress for this feed")

// Syncer coordinates the fetch -> parse -> merge pipeline across all
// configured feeds. Feeds run concurrently up to the configured cap; within
// one feed the pipeline is strictly sequential.
type Syncer struct {
	fetcher     *fetcher.Fetcher
	parser      *parser.Parser
	engine      *merge.Engine
	store       storage.Storage
	cache       *cache.Manager
	concurrency int

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

func New(f *fetcher.Fetcher, p *parser.Parser, e *merge.Engine, store storage.Storage, cacheManager *cache.Manager, concurrency int) *Syncer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Syncer{
		fetcher:     f,
		parser:      p,
		engine:      e,
		store:       store,
		cache:       cacheManager,
		concurrency: concurrency,
		inFlight:    make(map[int64]struct{}),
	}
}

// SyncAll runs one sync pass over every configured feed. The returned slice
// has one result per feed in storage listing order. A failure on one feed
// never aborts or rolls back another.
func (s *Syncer) SyncAll(ctx context.Context) ([]models.SyncResult, error) {
	feeds, err := s.store.ListFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %v", err)
	}

	results := make([]models.SyncResult, len(feeds))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for i, feed := range feeds {
		// Cooperative cancellation: stop dispatching new pipelines, let the
		// in-flight ones finish their transactions.
		if ctx.Err() != nil {
			results[i] = models.SyncResult{
				FeedID:  feed.ID,
				FeedURL: feed.URL,
				State:   models.SyncFailed,
				Err:     ctx.Err(),
			}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, feed models.Feed) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = s.syncFeed(ctx, feed)
		}(i, feed)
	}

	wg.Wait()

	if s.cache != nil {
		s.cache.Flush()
	}

	return results, nil
}

// SyncOne runs the pipeline for a single feed.
func (s *Syncer) SyncOne(ctx context.Context, feedID int64) (models.SyncResult, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return models.SyncResult{}, err
	}

	result := s.syncFeed(ctx, *feed)

	if s.cache != nil {
		s.cache.Flush()
	}

	return result, nil
}

// syncFeed drives one feed through Fetching -> Parsing -> Merging. Any stage
// failure lands in the result and the feed's last_error; the pass itself
// carries on.
func (s *Syncer) syncFeed(ctx context.Context, feed models.Feed) models.SyncResult {
	result := models.SyncResult{FeedID: feed.ID, FeedURL: feed.URL}

	if !s.acquire(feed.ID) {
		result.State = models.SyncInProgress
		result.Err = ErrSyncInProgress
		return result
	}
	defer s.release(feed.ID)

	// Fetching
	raw, err := s.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		return s.fail(ctx, result, err)
	}

	// Parsing
	parsed, err := s.parser.Parse(raw, time.Now())
	if err != nil {
		return s.fail(ctx, result, err)
	}

	if parsed.FeedTitle != "" && parsed.FeedTitle != feed.Title {
		if err := s.store.UpdateFeedTitle(ctx, feed.ID, parsed.FeedTitle); err != nil {
			log.Printf("Warning: failed to update title for feed %d: %v", feed.ID, err)
		}
	}

	// Merging
	added, updated, err := s.engine.Merge(ctx, feed.ID, parsed.Articles)
	if err != nil {
		return s.fail(ctx, result, err)
	}

	result.State = models.SyncDone
	result.ArticlesAdded = added
	result.ArticlesUpdated = updated

	if err := s.store.SetFeedSyncStatus(ctx, feed.ID, time.Now(), ""); err != nil {
		log.Printf("Warning: failed to record sync status for feed %d: %v", feed.ID, err)
	}

	return result
}

func (s *Syncer) fail(ctx context.Context, result models.SyncResult, err error) models.SyncResult {
	result.State = models.SyncFailed
	result.Err = err

	if statusErr := s.store.SetFeedSyncStatus(ctx, result.FeedID, time.Now(), err.Error()); statusErr != nil {
		log.Printf("Warning: failed to record sync error for feed %d: %v", result.FeedID, statusErr)
	}

	return result
}

// acquire marks a feed as syncing. It returns false when the feed already has
// a pipeline in flight.
func (s *Syncer) acquire(feedID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[feedID]; ok {
		return false
	}
	s.inFlight[feedID] = struct{}{}
	return true
}

func (s *Syncer) release(feedID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, feedID)
}

// AddFeed registers a new feed. The feed document is fetched once to resolve
// its title; a fetch or parse failure does not block the add, the URL stands
// in as the title until the first successful sync.
func (s *Syncer) AddFeed(ctx context.Context, feedURL, categoryName string) (*models.Feed, error) {
	feedURL = NormalizeURL(feedURL)
	if feedURL == "" {
		return nil, fmt.Errorf("invalid feed URL")
	}

	// Check for the duplicate up front so an already-configured feed is not
	// fetched a second time just to fail on the insert.
	if _, err := s.store.GetFeedByURL(ctx, feedURL); err == nil {
		return nil, storage.ErrDuplicateFeedURL
	} else if !errors.Is(err, storage.ErrFeedNotFound) {
		return nil, err
	}

	title := feedURL
	if raw, err := s.fetcher.Fetch(ctx, feedURL); err == nil {
		if parsed, err := s.parser.Parse(raw, time.Now()); err == nil && parsed.FeedTitle != "" {
			title = parsed.FeedTitle
		}
	} else {
		log.Printf("Warning: could not resolve title for %s: %v", feedURL, err)
	}

	return s.store.AddFeed(ctx, feedURL, title, categoryName)
}

// RemoveFeed deletes a feed and, through the schema's cascade, its articles.
func (s *Syncer) RemoveFeed(ctx context.Context, feedID int64) error {
	if err := s.store.RemoveFeed(ctx, feedID); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Flush()
	}
	return nil
}

// NormalizeURL canonicalizes a feed URL for storage and duplicate detection.
// Direct adds and OPML imports both go through it, so trivially different
// spellings of one URL collapse to a single feed. Returns "" for anything that
// is not an absolute http(s) URL.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Host == "" {
		return ""
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/")
}
