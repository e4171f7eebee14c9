package cache

import (
	"sync"
	"time"

	"zenfeed/internal/models"

	"github.com/patrickmn/go-cache"
)

const (
	unreadCountsKey = "unread_counts"
	searchKeyPrefix = "search:"
)

// Manager caches hot read-side query results (unread counts, search results)
// so the UI can redraw without hitting SQLite every keystroke. Any user-state
// mutation or completed sync pass flushes it wholesale; entries are cheap to
// rebuild and a stale flag on screen is worse than a re-query.
type Manager struct {
	cache *cache.Cache
	mu    sync.RWMutex
}

func NewManager(defaultTTL time.Duration) *Manager {
	return &Manager{
		cache: cache.New(defaultTTL, 10*time.Minute),
	}
}

// UnreadCounts returns the cached per-feed unread counts, if present.
func (m *Manager) UnreadCounts() (map[int64]int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, found := m.cache.Get(unreadCountsKey)
	if !found {
		return nil, false
	}
	counts, ok := value.(map[int64]int)
	return counts, ok
}

func (m *Manager) SetUnreadCounts(counts map[int64]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.SetDefault(unreadCountsKey, counts)
}

// SearchResults returns the cached result set for a query, if present.
func (m *Manager) SearchResults(query string) ([]models.Article, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, found := m.cache.Get(searchKeyPrefix + query)
	if !found {
		return nil, false
	}
	articles, ok := value.([]models.Article)
	return articles, ok
}

func (m *Manager) SetSearchResults(query string, articles []models.Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.SetDefault(searchKeyPrefix+query, articles)
}

// Flush drops every cached query result. Called after any mutation of feeds,
// articles or user-state flags.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Flush()
}
