package reader

import (
	"context"
	"testing"
	"time"

	"zenfeed/internal/cache"
	"zenfeed/internal/models"
	"zenfeed/internal/storage"
)

func newTestReader(t *testing.T) (*Reader, storage.Storage, int64) {
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

	ctx := context.Background()
	feed, err := store.AddFeed(ctx, "https://example.com/rss", "Example", "")
	if err != nil {
		t.Fatalf("AddFeed() error: %v", err)
	}

	articles := []models.Article{
		{
			CanonicalKey: "k1",
			Title:        "Concurrency patterns in Go",
			Link:         "https://example.com/1",
			Content:      "Channels and goroutines.",
			PublishedAt:  time.Now().Add(-2 * time.Hour),
		},
		{
			CanonicalKey: "k2",
			Title:        "Database indexing",
			Link:         "https://example.com/2",
			Content:      "B-trees everywhere.",
			PublishedAt:  time.Now().Add(-1 * time.Hour),
		},
	}
	if _, _, err := store.MergeArticles(ctx, feed.ID, articles); err != nil {
		t.Fatalf("MergeArticles() error: %v", err)
	}

	return New(store, cache.NewManager(time.Minute), 100), store, feed.ID
}

func TestReader_UnreadCountsInvalidatedByMarkRead(t *testing.T) {
	r, store, feedID := newTestReader(t)
	ctx := context.Background()

	counts, err := r.UnreadCounts(ctx)
	if err != nil {
		t.Fatalf("UnreadCounts() error: %v", err)
	}
	if counts[feedID] != 2 {
		t.Fatalf("Expected 2 unread, got %d", counts[feedID])
	}

	articles, err := store.ListArticles(ctx, models.ArticleFilter{FeedID: feedID})
	if err != nil || len(articles) == 0 {
		t.Fatalf("ListArticles() error: %v (%d articles)", err, len(articles))
	}

	if err := r.MarkArticleRead(ctx, articles[0].ID, true); err != nil {
		t.Fatalf("MarkArticleRead() error: %v", err)
	}

	// The cached counts must not survive the mutation.
	counts, err = r.UnreadCounts(ctx)
	if err != nil {
		t.Fatalf("UnreadCounts() error: %v", err)
	}
	if counts[feedID] != 1 {
		t.Errorf("Expected 1 unread after marking, got %d", counts[feedID])
	}

	if err := r.MarkFeedRead(ctx, feedID); err != nil {
		t.Fatalf("MarkFeedRead() error: %v", err)
	}
	counts, err = r.UnreadCounts(ctx)
	if err != nil {
		t.Fatalf("UnreadCounts() error: %v", err)
	}
	if counts[feedID] != 0 {
		t.Errorf("Expected 0 unread after feed-level mark, got %d", counts[feedID])
	}
}

func TestReader_SearchCachesAndInvalidates(t *testing.T) {
	r, _, _ := newTestReader(t)
	ctx := context.Background()

	results, err := r.Search(ctx, "concurrency")
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 match, got %d", len(results))
	}
	if results[0].IsRead {
		t.Fatal("Expected article to start unread")
	}

	if err := r.MarkArticleRead(ctx, results[0].ID, true); err != nil {
		t.Fatalf("MarkArticleRead() error: %v", err)
	}

	// Re-running the same query must reflect the new flag, not the cache.
	results, err = r.Search(ctx, "concurrency")
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 match, got %d", len(results))
	}
	if !results[0].IsRead {
		t.Error("Search returned stale read flag after mutation")
	}
}

func TestReader_SearchIsRestartable(t *testing.T) {
	r, _, _ := newTestReader(t)
	ctx := context.Background()

	first, err := r.Search(ctx, "example.com")
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	second, err := r.Search(ctx, "example.com")
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(first) != len(second) {
		t.Errorf("Repeated identical query changed result size: %d vs %d", len(first), len(second))
	}

	none, err := r.Search(ctx, "no such phrase anywhere")
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no matches, got %d", len(none))
	}
}

func TestReader_ToggleSavedFlushesCache(t *testing.T) {
	r, store, feedID := newTestReader(t)
	ctx := context.Background()

	articles, err := store.ListArticles(ctx, models.ArticleFilter{FeedID: feedID})
	if err != nil || len(articles) == 0 {
		t.Fatalf("ListArticles() error: %v (%d articles)", err, len(articles))
	}
	target := articles[0]

	// Warm the search cache before toggling.
	if _, err := r.Search(ctx, target.Title); err != nil {
		t.Fatalf("Search() error: %v", err)
	}

	saved, err := r.ToggleSaved(ctx, target.ID)
	if err != nil {
		t.Fatalf("ToggleSaved() error: %v", err)
	}
	if !saved {
		t.Error("Expected first toggle to save")
	}

	refreshed, err := r.Search(ctx, target.Title)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(refreshed) != 1 || !refreshed[0].IsSaved {
		t.Error("Search returned stale saved flag after toggle")
	}

	saved, err = r.ToggleSaved(ctx, target.ID)
	if err != nil {
		t.Fatalf("ToggleSaved() error: %v", err)
	}
	if saved {
		t.Error("Expected second toggle to unsave")
	}
}
