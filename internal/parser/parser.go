package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"zenfeed/internal/models"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/mmcdole/gofeed"
)

// Dialect identifies the feed format detected from the document root element.
type Dialect string

const (
	DialectRSS2    Dialect = "rss2"
	DialectAtom    Dialect = "atom"
	DialectRDF     Dialect = "rdf"
	DialectUnknown Dialect = "unknown"
)

// ErrorKind classifies parse failures.
type ErrorKind string

const (
	KindMalformedDocument  ErrorKind = "malformed_document"
	KindUnsupportedDialect ErrorKind = "unsupported_dialect"
)

// Error is a whole-document parse failure. A single bad entry inside an
// otherwise valid document is skipped instead.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse feed: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is the normalized outcome of parsing one feed document.
type Result struct {
	Dialect   Dialect
	FeedTitle string
	Articles  []models.RawArticle
}

// Parser normalizes RSS 2.0, Atom and RDF/RSS 1.0 documents into RawArticles.
type Parser struct {
	feed      *gofeed.Parser
	converter *md.Converter
}

func New() *Parser {
	return &Parser{
		feed:      gofeed.NewParser(),
		converter: md.NewConverter("", true, nil),
	}
}

// Parse normalizes a raw feed document. fetchedAt is the fallback publication
// time for entries that carry no parseable date.
func (p *Parser) Parse(raw []byte, fetchedAt time.Time) (*Result, error) {
	dialect, err := SniffDialect(raw)
	if err != nil {
		return nil, &Error{Kind: KindMalformedDocument, Err: err}
	}
	if dialect == DialectUnknown {
		return nil, &Error{Kind: KindUnsupportedDialect, Err: fmt.Errorf("unrecognized root element")}
	}

	feed, err := p.feed.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, &Error{Kind: KindMalformedDocument, Err: err}
	}

	result := &Result{
		Dialect:   dialect,
		FeedTitle: strings.TrimSpace(feed.Title),
	}

	for _, item := range feed.Items {
		article, ok := p.parseItem(item, fetchedAt)
		if !ok {
			continue
		}
		result.Articles = append(result.Articles, article)
	}

	return result, nil
}

// parseItem extracts one entry. Entries missing both link and title carry no
// usable identity and are skipped.
func (p *Parser) parseItem(item *gofeed.Item, fetchedAt time.Time) (models.RawArticle, bool) {
	if item == nil {
		return models.RawArticle{}, false
	}

	title := strings.TrimSpace(item.Title)
	link := strings.TrimSpace(item.Link)
	if title == "" && link == "" {
		return models.RawArticle{}, false
	}

	published := fetchedAt
	if item.PublishedParsed != nil {
		published = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		published = *item.UpdatedParsed
	}

	// Prefer full content over the summary when both are present.
	content := item.Content
	if strings.TrimSpace(content) == "" {
		content = item.Description
	}

	return models.RawArticle{
		GUID:        strings.TrimSpace(item.GUID),
		Link:        link,
		Title:       title,
		Content:     p.sanitize(content),
		PublishedAt: published,
	}, true
}

// sanitize converts entry HTML to markdown, falling back to a plain
// tag-stripped rendering when conversion fails.
func (p *Parser) sanitize(html string) string {
	html = strings.TrimSpace(html)
	if html == "" {
		return ""
	}

	markdown, err := p.converter.ConvertString(html)
	if err != nil {
		log.Printf("Warning: failed to convert entry HTML to markdown: %v", err)
		return stripTags(html)
	}
	return strings.TrimSpace(markdown)
}

// SniffDialect identifies the feed format from the first XML start element.
// Parser selection is a pure function of the sniffed root, never of a file
// extension or content type.
func SniffDialect(raw []byte) (Dialect, error) {
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	decoder.Strict = false

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return DialectUnknown, fmt.Errorf("no root element found")
		}
		if err != nil {
			return DialectUnknown, err
		}

		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		switch strings.ToLower(start.Name.Local) {
		case "rss":
			return DialectRSS2, nil
		case "feed":
			return DialectAtom, nil
		case "rdf":
			return DialectRDF, nil
		default:
			return DialectUnknown, nil
		}
	}
}

// stripTags is the last-resort sanitizer: it drops everything between angle
// brackets and unescapes nothing. Good enough for a fallback rendering.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
