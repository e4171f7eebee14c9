package briefing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zenfeed/internal/models"
)

// articleSource is the read-only slice of storage the builder needs.
type articleSource interface {
	ArticlesSince(ctx context.Context, since time.Time) ([]models.Article, error)
}

// ErrNoArticles is returned when the window contains nothing to brief on.
var ErrNoArticles = errors.New("no articles in the briefing window")

// Per-article excerpt cap keeps the prompt within a sane size even when feeds
// ship full article bodies.
const excerptMaxRunes = 500

// Builder assembles the daily briefing: recent articles in, one block of
// prose out. Briefing generation is read-only with respect to storage.
type Builder struct {
	source     articleSource
	summarizer Summarizer
	window     time.Duration
}

func NewBuilder(source articleSource, summarizer Summarizer, window time.Duration) *Builder {
	return &Builder{
		source:     source,
		summarizer: summarizer,
		window:     window,
	}
}

// Build generates a briefing for all articles first seen within the window.
func (b *Builder) Build(ctx context.Context) (string, error) {
	since := time.Now().Add(-b.window)
	articles, err := b.source.ArticlesSince(ctx, since)
	if err != nil {
		return "", fmt.Errorf("failed to load articles for briefing: %v", err)
	}
	if len(articles) == 0 {
		return "", ErrNoArticles
	}

	summary, err := b.summarizer.Summarize(ctx, Input{Text: composePrompt(articles)})
	if err != nil {
		return "", fmt.Errorf("failed to generate briefing: %v", err)
	}
	return summary, nil
}

func composePrompt(articles []models.Article) string {
	var sb strings.Builder
	for _, article := range articles {
		sb.WriteString("## ")
		if article.FeedTitle != "" {
			sb.WriteString(article.FeedTitle)
			sb.WriteString(": ")
		}
		sb.WriteString(article.Title)
		sb.WriteString("\n")
		sb.WriteString(excerpt(article.Content))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func excerpt(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= excerptMaxRunes {
		return content
	}
	return strings.TrimSpace(string(runes[:excerptMaxRunes])) + "..."
}
