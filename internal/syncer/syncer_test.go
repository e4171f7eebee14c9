package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"zenfeed/internal/cache"
	"zenfeed/internal/config"
	"zenfeed/internal/fetcher"
	"zenfeed/internal/merge"
	"zenfeed/internal/models"
	"zenfeed/internal/parser"
	"zenfeed/internal/storage"
)

func feedDocument(title string, items ...string) string {
	doc := `<?xml version="1.0"?><rss version="2.0"><channel><title>` + title + `</title>`
	for _, item := range items {
		doc += item
	}
	return doc + `</channel></rss>`
}

func feedItem(guid, title string) string {
	return fmt.Sprintf(
		`<item><guid>%s</guid><title>%s</title><link>https://example.com/%s</link><pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate></item>`,
		guid, title, guid)
}

func newTestSyncer(t *testing.T) (*Syncer, storage.Storage) {
	t.Helper()

	store, err := storage.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close storage: %v", err)
		}
	})

	cfg := &config.Config{
		FetchTimeout:       2 * time.Second,
		FetchRetries:       0,
		FetchRetryInterval: 10 * time.Millisecond,
		FetchRatePerSecond: 1000,
		FetchBurst:         1000,
		UserAgent:          "zenfeed-test",
	}

	s := New(fetcher.New(cfg), parser.New(), merge.New(store), store,
		cache.NewManager(time.Minute), 4)
	return s, store
}

func serveFeed(t *testing.T, doc *string, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if _, err := w.Write([]byte(*doc)); err != nil {
			t.Errorf("write: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSyncer_SyncOneIsIdempotent(t *testing.T) {
	s, store := newTestSyncer(t)
	ctx := context.Background()

	var mu sync.Mutex
	doc := feedDocument("Blog", feedItem("a", "First"), feedItem("b", "Second"))
	server := serveFeed(t, &doc, &mu)

	feed, err := store.AddFeed(ctx, server.URL, "placeholder", "")
	if err != nil {
		t.Fatalf("AddFeed() error: %v", err)
	}

	result, err := s.SyncOne(ctx, feed.ID)
	if err != nil {
		t.Fatalf("SyncOne() error: %v", err)
	}
	if result.State != models.SyncDone {
		t.Fatalf("Expected done, got %v (%v)", result.State, result.Err)
	}
	if result.ArticlesAdded != 2 || result.ArticlesUpdated != 0 {
		t.Errorf("First sync: expected (2, 0), got (%d, %d)", result.ArticlesAdded, result.ArticlesUpdated)
	}

	// Unchanged remote document: the second pass must change nothing.
	result, err = s.SyncOne(ctx, feed.ID)
	if err != nil {
		t.Fatalf("SyncOne() error: %v", err)
	}
	if result.ArticlesAdded != 0 || result.ArticlesUpdated != 0 {
		t.Errorf("Second sync: expected (0, 0), got (%d, %d)", result.ArticlesAdded, result.ArticlesUpdated)
	}

	// The placeholder title was replaced with the feed's own.
	reloaded, err := store.GetFeed(ctx, feed.ID)
	if err != nil {
		t.Fatalf("GetFeed() error: %v", err)
	}
	if reloaded.Title != "Blog" {
		t.Errorf("Expected refreshed title 'Blog', got %q", reloaded.Title)
	}
	if reloaded.LastSyncedAt == nil {
		t.Error("Expected last_synced_at to be recorded")
	}
	if reloaded.LastError != "" {
		t.Errorf("Expected empty last_error, got %q", reloaded.LastError)
	}
}

func TestSyncer_ChangedContentUpdatesWithoutDuplicating(t *testing.T) {
	s, store := newTestSyncer(t)
	ctx := context.Background()

	var mu sync.Mutex
	doc := feedDocument("Blog", feedItem("stable-guid", "Original title"))
	server := serveFeed(t, &doc, &mu)

	feed, err := store.AddFeed(ctx, server.URL, "Blog", "")
	if err != nil {
		t.Fatalf("AddFeed() error: %v", err)
	}

	if _, err := s.SyncOne(ctx, feed.ID); err != nil {
		t.Fatalf("SyncOne() error: %v", err)
	}
	before, err := store.ListArticles(ctx, models.ArticleFilter{FeedID: feed.ID})
	if err != nil || len(before) != 1 {
		t.Fatalf("Expected 1 article, got %d (err %v)", len(before), err)
	}

	mu.Lock()
	doc = feedDocument("Blog", feedItem("stable-guid", "Rewritten title"))
	mu.Unlock()

	result, err := s.SyncOne(ctx, feed.ID)
	if err != nil {
		t.Fatalf("SyncOne() error: %v", err)
	}
	if result.ArticlesAdded != 0 || result.ArticlesUpdated != 1 {
		t.Errorf("Expected (0, 1), got (%d, %d)", result.ArticlesAdded, result.ArticlesUpdated)
	}

	after, err := store.ListArticles(ctx, models.ArticleFilter{FeedID: feed.ID})
	if err != nil || len(after) != 1 {
		t.Fatalf("Expected 1 article after update, got %d (err %v)", len(after), err)
	}
	if after[0].ID != before[0].ID {
		t.Error("Update must keep the same row, not insert a duplicate")
	}
	if !after[0].FirstSeenAt.Equal(before[0].FirstSeenAt) {
		t.Error("first_seen_at must survive content updates")
	}
}

func TestSyncer_PartialFailureIsolation(t *testing.T) {
	s, store := newTestSyncer(t)
	ctx := context.Background()

	var mu sync.Mutex
	docA := feedDocument("Feed A", feedItem("a1", "A1"))
	docC := feedDocument("Feed C", feedItem("c1", "C1"))
	serverA := serveFeed(t, &docA, &mu)
	serverC := serveFeed(t, &docC, &mu)

	// Feed B's host is unreachable.
	deadServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := deadServer.URL
	deadServer.Close()

	feedA, err := store.AddFeed(ctx, serverA.URL, "A", "")
	if err != nil {
		t.Fatalf("AddFeed(A) error: %v", err)
	}
	feedB, err := store.AddFeed(ctx, deadURL, "B", "")
	if err != nil {
		t.Fatalf("AddFeed(B) error: %v", err)
	}
	feedC, err := store.AddFeed(ctx, serverC.URL, "C", "")
	if err != nil {
		t.Fatalf("AddFeed(C) error: %v", err)
	}

	results, err := s.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll() error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}

	byFeed := make(map[int64]models.SyncResult, len(results))
	for _, r := range results {
		byFeed[r.FeedID] = r
	}

	if r := byFeed[feedA.ID]; r.State != models.SyncDone || r.ArticlesAdded != 1 {
		t.Errorf("Feed A: %+v", r)
	}
	if r := byFeed[feedC.ID]; r.State != models.SyncDone || r.ArticlesAdded != 1 {
		t.Errorf("Feed C: %+v", r)
	}

	rb := byFeed[feedB.ID]
	if rb.State != models.SyncFailed {
		t.Fatalf("Feed B: expected failed, got %v", rb.State)
	}
	var fe *fetcher.Error
	if !errors.As(rb.Err, &fe) {
		t.Fatalf("Feed B: expected *fetcher.Error, got %T", rb.Err)
	}
	if fe.Kind != fetcher.KindConnectionRefused && fe.Kind != fetcher.KindTimeout {
		t.Errorf("Feed B: unexpected kind %v", fe.Kind)
	}

	// The failure is persisted on the feed, and A/C committed their merges.
	reloadedB, err := store.GetFeed(ctx, feedB.ID)
	if err != nil {
		t.Fatalf("GetFeed(B) error: %v", err)
	}
	if reloadedB.LastError == "" {
		t.Error("Expected last_error to be recorded for feed B")
	}

	articles, err := store.ListArticles(ctx, models.ArticleFilter{})
	if err != nil {
		t.Fatalf("ListArticles() error: %v", err)
	}
	if len(articles) != 2 {
		t.Errorf("Expected 2 committed articles from A and C, got %d", len(articles))
	}
}

func TestSyncer_ParseErrorRecordedPerFeed(t *testing.T) {
	s, store := newTestSyncer(t)
	ctx := context.Background()

	var mu sync.Mutex
	doc := "<html><body>definitely not a feed</body></html>"
	server := serveFeed(t, &doc, &mu)

	feed, err := store.AddFeed(ctx, server.URL, "Bad", "")
	if err != nil {
		t.Fatalf("AddFeed() error: %v", err)
	}

	result, err := s.SyncOne(ctx, feed.ID)
	if err != nil {
		t.Fatalf("SyncOne() error: %v", err)
	}
	if result.State != models.SyncFailed {
		t.Fatalf("Expected failed, got %v", result.State)
	}
	var pe *parser.Error
	if !errors.As(result.Err, &pe) {
		t.Fatalf("Expected *parser.Error, got %T", result.Err)
	}
}

func TestSyncer_SameFeedNeverSyncsConcurrently(t *testing.T) {
	s, store := newTestSyncer(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		if _, err := w.Write([]byte(feedDocument("Slow", feedItem("s1", "S1")))); err != nil {
			t.Errorf("write: %v", err)
		}
	}))
	defer server.Close()

	feed, err := store.AddFeed(ctx, server.URL, "Slow", "")
	if err != nil {
		t.Fatalf("AddFeed() error: %v", err)
	}

	firstDone := make(chan models.SyncResult, 1)
	go func() {
		result, _ := s.SyncOne(ctx, feed.ID)
		firstDone <- result
	}()

	<-started

	// A second sync of the same feed while the first holds it must be
	// rejected without touching storage.
	second, err := s.SyncOne(ctx, feed.ID)
	if err != nil {
		t.Fatalf("SyncOne() error: %v", err)
	}
	if second.State != models.SyncInProgress {
		t.Errorf("Expected in_progress, got %v", second.State)
	}
	if !errors.Is(second.Err, ErrSyncInProgress) {
		t.Errorf("Expected ErrSyncInProgress, got %v", second.Err)
	}

	close(release)
	first := <-firstDone
	if first.State != models.SyncDone {
		t.Errorf("First sync should complete normally, got %v (%v)", first.State, first.Err)
	}
}

func TestSyncer_CancellationStopsDispatch(t *testing.T) {
	s, store := newTestSyncer(t)

	var mu sync.Mutex
	doc := feedDocument("Feed", feedItem("x", "X"))
	server := serveFeed(t, &doc, &mu)

	for i := 0; i < 3; i++ {
		url := fmt.Sprintf("%s/?feed=%d", server.URL, i)
		if _, err := store.AddFeed(context.Background(), url, "F", ""); err != nil {
			t.Fatalf("AddFeed() error: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := s.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll() error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected a result per feed even when canceled, got %d", len(results))
	}
	for _, r := range results {
		if r.State != models.SyncFailed {
			t.Errorf("Expected failed result under canceled context, got %v", r.State)
		}
	}

	articles, err := store.ListArticles(context.Background(), models.ArticleFilter{})
	if err != nil {
		t.Fatalf("ListArticles() error: %v", err)
	}
	if len(articles) != 0 {
		t.Errorf("No pipeline should have run; got %d articles", len(articles))
	}
}

func TestSyncer_AddFeedResolvesTitleAndRejectsDuplicates(t *testing.T) {
	s, _ := newTestSyncer(t)
	ctx := context.Background()

	var mu sync.Mutex
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		if _, err := w.Write([]byte(feedDocument("Resolved Title", feedItem("a", "A")))); err != nil {
			t.Errorf("write: %v", err)
		}
	}))
	defer server.Close()

	feed, err := s.AddFeed(ctx, server.URL, "Tech")
	if err != nil {
		t.Fatalf("AddFeed() error: %v", err)
	}
	if feed.Title != "Resolved Title" {
		t.Errorf("Expected resolved title, got %q", feed.Title)
	}
	if feed.CategoryName != "Tech" {
		t.Errorf("Expected category 'Tech', got %q", feed.CategoryName)
	}

	// The duplicate is rejected before the document is fetched again.
	if _, err := s.AddFeed(ctx, server.URL, ""); !errors.Is(err, storage.ErrDuplicateFeedURL) {
		t.Errorf("Expected ErrDuplicateFeedURL, got %v", err)
	}
	mu.Lock()
	got := requests
	mu.Unlock()
	if got != 1 {
		t.Errorf("Expected 1 fetch, got %d", got)
	}

	if _, err := s.AddFeed(ctx, "not a url", ""); err == nil {
		t.Error("Expected error for invalid URL")
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "https://example.com/rss", "https://example.com/rss"},
		{"whitespace", "  https://example.com/rss  ", "https://example.com/rss"},
		{"mixed case host", "https://Example.COM/rss", "https://example.com/rss"},
		{"trailing slash", "https://example.com/rss/", "https://example.com/rss"},
		{"fragment", "https://example.com/rss#latest", "https://example.com/rss"},
		{"http allowed", "http://example.com/rss", "http://example.com/rss"},
		{"ftp rejected", "ftp://example.com/feed", ""},
		{"no host", "https:///rss", ""},
		{"not a url", "not a url", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeURL(tt.in); got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
