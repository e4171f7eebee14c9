package storage

import (
	"context"
	"errors"
	"time"

	"zenfeed/internal/models"
)

// Validation and lookup failures surfaced to callers. Fetch and parse
// problems never reach this layer; they stay per-feed in the sync results.
var (
	ErrDuplicateFeedURL    = errors.New("a feed with this URL already exists")
	ErrFeedNotFound        = errors.New("feed not found")
	ErrArticleNotFound     = errors.New("article not found")
	ErrCategoryNotFound    = errors.New("category not found")
	ErrInvalidCategoryName = errors.New("category name must not be empty")
)

// Storage is the persistent store for feeds, categories, articles and
// user-state flags. Implementations must give readers committed data only;
// a half-merged feed is never observable.
type Storage interface {
	// Feed bookkeeping. AddFeed enforces URL uniqueness across live feeds.
	AddFeed(ctx context.Context, url, title, categoryName string) (*models.Feed, error)
	GetFeed(ctx context.Context, id int64) (*models.Feed, error)
	GetFeedByURL(ctx context.Context, url string) (*models.Feed, error)
	ListFeeds(ctx context.Context) ([]models.Feed, error)
	RemoveFeed(ctx context.Context, id int64) error
	UpdateFeedTitle(ctx context.Context, id int64, title string) error
	SetFeedSyncStatus(ctx context.Context, id int64, syncedAt time.Time, lastError string) error

	// Categories are weak groupings: deleting one reassigns its feeds to
	// uncategorized, never deletes them.
	ListCategories(ctx context.Context) ([]models.Category, error)
	DeleteCategory(ctx context.Context, id int64) error

	// MergeArticles applies one feed's batch in a single transaction:
	// unknown keys insert, changed rows update in place, identical rows are
	// no-ops. is_read, is_saved and first_seen_at are never written by merge.
	MergeArticles(ctx context.Context, feedID int64, incoming []models.Article) (added, updated int, err error)

	// Article queries and user-state mutations.
	ListArticles(ctx context.Context, filter models.ArticleFilter) ([]models.Article, error)
	GetArticle(ctx context.Context, id int64) (*models.Article, error)
	ArticlesSince(ctx context.Context, since time.Time) ([]models.Article, error)
	MarkArticleRead(ctx context.Context, id int64, read bool) error
	MarkFeedRead(ctx context.Context, feedID int64) error
	MarkCategoryRead(ctx context.Context, categoryID int64) error
	MarkAllRead(ctx context.Context) error
	ToggleSaved(ctx context.Context, id int64) (bool, error)
	UnreadCounts(ctx context.Context) (map[int64]int, error)

	Close() error
}
