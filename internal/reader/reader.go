package reader

import (
	"context"
	"fmt"
	"time"

	"zenfeed/internal/cache"
	"zenfeed/internal/models"
	"zenfeed/internal/storage"
)

// Reader is the query-side facade consumed by the terminal UI. Hot queries
// (unread counts, search) are cached; every user-state mutation invalidates
// the cache so the UI never renders stale flags.
type Reader struct {
	store       storage.Storage
	cache       *cache.Manager
	searchLimit int
}

func New(store storage.Storage, cacheManager *cache.Manager, searchLimit int) *Reader {
	if searchLimit < 1 {
		searchLimit = 100
	}
	return &Reader{
		store:       store,
		cache:       cacheManager,
		searchLimit: searchLimit,
	}
}

func (r *Reader) ListFeeds(ctx context.Context) ([]models.Feed, error) {
	return r.store.ListFeeds(ctx)
}

func (r *Reader) ListCategories(ctx context.Context) ([]models.Category, error) {
	return r.store.ListCategories(ctx)
}

func (r *Reader) ListArticles(ctx context.Context, filter models.ArticleFilter) ([]models.Article, error) {
	return r.store.ListArticles(ctx, filter)
}

func (r *Reader) GetArticle(ctx context.Context, id int64) (*models.Article, error) {
	return r.store.GetArticle(ctx, id)
}

// Search is restartable and finite: every call re-runs the query from the
// start and returns at most the configured limit.
func (r *Reader) Search(ctx context.Context, query string) ([]models.Article, error) {
	if articles, found := r.cache.SearchResults(query); found {
		return articles, nil
	}

	articles, err := r.store.ListArticles(ctx, models.ArticleFilter{
		Search: query,
		Limit:  r.searchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %v", err)
	}

	r.cache.SetSearchResults(query, articles)
	return articles, nil
}

func (r *Reader) UnreadCounts(ctx context.Context) (map[int64]int, error) {
	if counts, found := r.cache.UnreadCounts(); found {
		return counts, nil
	}

	counts, err := r.store.UnreadCounts(ctx)
	if err != nil {
		return nil, err
	}

	r.cache.SetUnreadCounts(counts)
	return counts, nil
}

// ArticlesSince feeds the daily briefing; it is a plain passthrough so the
// summarizer always sees committed data.
func (r *Reader) ArticlesSince(ctx context.Context, since time.Time) ([]models.Article, error) {
	return r.store.ArticlesSince(ctx, since)
}

func (r *Reader) MarkArticleRead(ctx context.Context, id int64, read bool) error {
	if err := r.store.MarkArticleRead(ctx, id, read); err != nil {
		return err
	}
	r.cache.Flush()
	return nil
}

func (r *Reader) MarkFeedRead(ctx context.Context, feedID int64) error {
	if err := r.store.MarkFeedRead(ctx, feedID); err != nil {
		return err
	}
	r.cache.Flush()
	return nil
}

func (r *Reader) MarkCategoryRead(ctx context.Context, categoryID int64) error {
	if err := r.store.MarkCategoryRead(ctx, categoryID); err != nil {
		return err
	}
	r.cache.Flush()
	return nil
}

func (r *Reader) MarkAllRead(ctx context.Context) error {
	if err := r.store.MarkAllRead(ctx); err != nil {
		return err
	}
	r.cache.Flush()
	return nil
}

func (r *Reader) ToggleSaved(ctx context.Context, id int64) (bool, error) {
	saved, err := r.store.ToggleSaved(ctx, id)
	if err != nil {
		return false, err
	}
	r.cache.Flush()
	return saved, nil
}
