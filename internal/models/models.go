package models

import (
	"time"
)

// Feed represents a configured remote RSS/Atom/RDF source.
type Feed struct {
	ID           int64      `json:"id"`
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	CategoryID   *int64     `json:"category_id,omitempty"`
	CategoryName string     `json:"category_name,omitempty"`
	AddedAt      time.Time  `json:"added_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Category groups feeds. Deleting a category never deletes its feeds;
// they fall back to uncategorized.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Article is one stored entry of a feed, identified per-feed by CanonicalKey.
// IsRead and IsSaved are user state and are never touched by sync.
type Article struct {
	ID           int64     `json:"id"`
	FeedID       int64     `json:"feed_id"`
	FeedTitle    string    `json:"feed_title,omitempty"`
	CanonicalKey string    `json:"canonical_key"`
	Title        string    `json:"title"`
	Link         string    `json:"link"`
	Content      string    `json:"content"`
	Language     string    `json:"language,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
	IsRead       bool      `json:"is_read"`
	IsSaved      bool      `json:"is_saved"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
}

// RawArticle is a parsed feed entry before deduplication. GUID may be empty;
// real-world feeds frequently omit it.
type RawArticle struct {
	GUID        string
	Link        string
	Title       string
	Content     string
	PublishedAt time.Time
}

// SyncState is the terminal state of one feed's sync pipeline.
type SyncState string

const (
	SyncDone       SyncState = "done"
	SyncFailed     SyncState = "failed"
	SyncInProgress SyncState = "in_progress"
)

// SyncResult summarizes one feed's outcome within a sync pass.
type SyncResult struct {
	FeedID          int64     `json:"feed_id"`
	FeedURL         string    `json:"feed_url"`
	State           SyncState `json:"state"`
	ArticlesAdded   int       `json:"articles_added"`
	ArticlesUpdated int       `json:"articles_updated"`
	Err             error     `json:"-"`
}

// FeedSpec is one entry of an import batch.
type FeedSpec struct {
	URL          string
	CategoryName string
}

// ArticleFilter narrows article listings. Zero value means no filtering
// beyond the limit.
type ArticleFilter struct {
	FeedID     int64
	CategoryID int64
	UnreadOnly bool
	SavedOnly  bool
	Search     string
	Limit      int
}
