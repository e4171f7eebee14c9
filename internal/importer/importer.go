package importer

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"zenfeed/internal/models"
	"zenfeed/internal/storage"
	"zenfeed/internal/syncer"
)

// ItemStatus is the per-item outcome of an import batch.
type ItemStatus string

const (
	StatusAdded   ItemStatus = "added"
	StatusSkipped ItemStatus = "skipped" // already present, within the batch or in storage
	StatusFailed  ItemStatus = "failed"
)

// ItemResult reports one import entry. Failures never abort the batch.
type ItemResult struct {
	Spec   models.FeedSpec
	Status ItemStatus
	Feed   *models.Feed
	Err    error
}

// Report summarizes an import batch.
type Report struct {
	Items   []ItemResult
	Added   int
	Skipped int
	Failed  int
}

// Importer feeds an ordered list of feed specs into storage. Feed titles are
// taken from the source document and refreshed on first sync.
type Importer struct {
	store storage.Storage
}

func New(store storage.Storage) *Importer {
	return &Importer{store: store}
}

// Import adds each spec, deduplicating by URL within the batch first. A spec
// whose URL already exists in storage is reported as skipped, not failed.
func (i *Importer) Import(ctx context.Context, specs []models.FeedSpec) Report {
	var report Report
	seen := make(map[string]struct{}, len(specs))

	for _, spec := range specs {
		// The same normalization as direct adds, so the two paths share one
		// notion of a duplicate.
		url := syncer.NormalizeURL(spec.URL)
		if url == "" {
			report.Items = append(report.Items, ItemResult{
				Spec: spec, Status: StatusFailed, Err: fmt.Errorf("invalid feed URL %q", spec.URL),
			})
			report.Failed++
			continue
		}

		if _, ok := seen[url]; ok {
			report.Items = append(report.Items, ItemResult{Spec: spec, Status: StatusSkipped})
			report.Skipped++
			continue
		}
		seen[url] = struct{}{}

		// The URL stands in as the title; the first sync replaces it with
		// the feed's own title.
		feed, err := i.store.AddFeed(ctx, url, url, spec.CategoryName)
		switch {
		case errors.Is(err, storage.ErrDuplicateFeedURL):
			report.Items = append(report.Items, ItemResult{Spec: spec, Status: StatusSkipped})
			report.Skipped++
		case err != nil:
			report.Items = append(report.Items, ItemResult{Spec: spec, Status: StatusFailed, Err: err})
			report.Failed++
		default:
			report.Items = append(report.Items, ItemResult{Spec: spec, Status: StatusAdded, Feed: feed})
			report.Added++
		}
	}

	log.Printf("Import completed: %d added, %d skipped, %d failed",
		report.Added, report.Skipped, report.Failed)

	return report
}

// opmlOutline is one <outline> node. Outlines with an xmlUrl are feeds;
// outlines without one act as category folders for their children.
type opmlOutline struct {
	Text     string        `xml:"text,attr"`
	Title    string        `xml:"title,attr"`
	XMLURL   string        `xml:"xmlUrl,attr"`
	Outlines []opmlOutline `xml:"outline"`
}

type opmlDocument struct {
	XMLName xml.Name `xml:"opml"`
	Body    struct {
		Outlines []opmlOutline `xml:"outline"`
	} `xml:"body"`
}

// ParseOPML converts an OPML outline document into an ordered list of feed
// specs. Nested outlines become category names; deeper nesting keeps the
// nearest titled ancestor as the category.
func ParseOPML(r io.Reader) ([]models.FeedSpec, error) {
	var doc opmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse OPML document: %v", err)
	}

	var specs []models.FeedSpec
	for _, outline := range doc.Body.Outlines {
		specs = appendOutline(specs, outline, "")
	}
	return specs, nil
}

func appendOutline(specs []models.FeedSpec, node opmlOutline, category string) []models.FeedSpec {
	if url := strings.TrimSpace(node.XMLURL); url != "" {
		return append(specs, models.FeedSpec{URL: url, CategoryName: category})
	}

	// A folder: its title becomes the category for its children.
	name := strings.TrimSpace(node.Text)
	if name == "" {
		name = strings.TrimSpace(node.Title)
	}
	if name != "" {
		category = name
	}

	for _, child := range node.Outlines {
		specs = appendOutline(specs, child, category)
	}
	return specs
}
