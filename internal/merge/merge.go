package merge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"zenfeed/internal/models"
)

// ArticleStore is the slice of the storage layer the merge engine writes
// through. The whole batch for one feed commits in a single transaction.
type ArticleStore interface {
	MergeArticles(ctx context.Context, feedID int64, incoming []models.Article) (added, updated int, err error)
}

// Engine reconciles freshly parsed articles against the stored set for a feed
// without ever disturbing user-set state (is_read, is_saved, first_seen_at).
type Engine struct {
	store ArticleStore
}

func New(store ArticleStore) *Engine {
	return &Engine{store: store}
}

// Merge deduplicates a batch of raw articles and applies it to storage.
// Articles already stored but absent from the batch are left alone: feeds
// commonly truncate their item list, so absence is not evidence of deletion.
func (e *Engine) Merge(ctx context.Context, feedID int64, raws []models.RawArticle) (added, updated int, err error) {
	incoming := Deduplicate(raws)
	if len(incoming) == 0 {
		return 0, 0, nil
	}
	return e.store.MergeArticles(ctx, feedID, incoming)
}

// Deduplicate computes canonical keys for a batch and drops in-batch
// duplicates, keeping the first occurrence of each key.
func Deduplicate(raws []models.RawArticle) []models.Article {
	seen := make(map[string]struct{}, len(raws))
	incoming := make([]models.Article, 0, len(raws))

	for _, raw := range raws {
		key := CanonicalKey(raw)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		incoming = append(incoming, models.Article{
			CanonicalKey: key,
			Title:        raw.Title,
			Link:         raw.Link,
			Content:      raw.Content,
			PublishedAt:  raw.PublishedAt,
		})
	}

	return incoming
}

// CanonicalKey derives the dedup identity of an entry. Precedence is
// guid > link > title+day. Real-world feeds frequently omit guid or reuse it
// across entries, so link is the next-most-stable identifier; the title+day
// hash is a best-effort last resort, not a cryptographic identity. An entry
// whose title changes under the last-resort key is treated as a new article.
func CanonicalKey(raw models.RawArticle) string {
	if guid := strings.TrimSpace(raw.GUID); guid != "" {
		return guid
	}

	if link := normalizeLink(raw.Link); link != "" {
		return hashKey("link:" + link)
	}

	title := normalizeTitle(raw.Title)
	if title == "" {
		return ""
	}
	day := raw.PublishedAt.UTC().Format("2006-01-02")
	return hashKey("title+date:" + title + "|" + day)
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// normalizeLink lowercases scheme and host and trims trailing slashes so that
// trivially different spellings of the same URL collapse to one key.
func normalizeLink(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}

	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return strings.TrimRight(link, "/")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/")
}

func normalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}
