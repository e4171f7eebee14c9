package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"zenfeed/internal/briefing"
	"zenfeed/internal/cache"
	"zenfeed/internal/config"
	"zenfeed/internal/fetcher"
	"zenfeed/internal/importer"
	"zenfeed/internal/merge"
	"zenfeed/internal/models"
	"zenfeed/internal/parser"
	"zenfeed/internal/reader"
	"zenfeed/internal/scheduler"
	"zenfeed/internal/storage"
	"zenfeed/internal/syncer"

	"github.com/urfave/cli/v2"
)

// app wires the engine together. Everything is built from explicit
// configuration; there is no hidden process-wide state.
type app struct {
	cfg    *config.Config
	store  storage.Storage
	syncer *syncer.Syncer
	reader *reader.Reader
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %v", err)
	}

	cacheManager := cache.NewManager(cfg.CacheTTL)
	f := fetcher.New(cfg)
	p := parser.New()
	engine := merge.New(store)

	return &app{
		cfg:    cfg,
		store:  store,
		syncer: syncer.New(f, p, engine, store, cacheManager, cfg.FetchConcurrency),
		reader: reader.New(store, cacheManager, cfg.SearchLimit),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.Printf("Warning: failed to close storage: %v", err)
	}
}

func main() {
	cliApp := &cli.App{
		Name:  "zenfeed",
		Usage: "A minimalist RSS reader core: sync, store and browse feeds locally",
		Commands: []*cli.Command{
			syncCmd(),
			watchCmd(),
			importCmd(),
			feedsCmd(),
			addCmd(),
			removeCmd(),
			briefingCmd(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// signalContext is canceled on SIGINT/SIGTERM so in-flight feed pipelines can
// finish their transactions before exit.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func syncCmd() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one sync pass over all configured feeds",
		Action: func(c *cli.Context) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			results, err := a.syncer.SyncAll(ctx)
			if err != nil {
				return err
			}
			printResults(results)
			return nil
		},
	}
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Sync periodically until interrupted",
		Action: func(c *cli.Context) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			sched := scheduler.New(ctx, a.syncer, a.cfg.SyncInterval)
			sched.Start()
			<-ctx.Done()
			sched.Stop()
			return nil
		},
	}
}

func importCmd() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import feeds from an OPML file",
		ArgsUsage: "<file.opml>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one OPML file argument")
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			file, err := os.Open(c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to open OPML file: %v", err)
			}
			defer func() {
				if err := file.Close(); err != nil {
					log.Printf("Warning: failed to close OPML file: %v", err)
				}
			}()

			specs, err := importer.ParseOPML(file)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			report := importer.New(a.store).Import(ctx, specs)
			for _, item := range report.Items {
				switch item.Status {
				case importer.StatusAdded:
					fmt.Printf("  [+] %s\n", item.Spec.URL)
				case importer.StatusSkipped:
					fmt.Printf("  [=] %s (already exists)\n", item.Spec.URL)
				case importer.StatusFailed:
					fmt.Printf("  [!] %s: %v\n", item.Spec.URL, item.Err)
				}
			}
			fmt.Printf("Imported %d feeds (%d skipped, %d failed)\n",
				report.Added, report.Skipped, report.Failed)
			return nil
		},
	}
}

func feedsCmd() *cli.Command {
	return &cli.Command{
		Name:  "feeds",
		Usage: "List configured feeds",
		Action: func(c *cli.Context) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			feeds, err := a.reader.ListFeeds(ctx)
			if err != nil {
				return err
			}

			for _, feed := range feeds {
				category := feed.CategoryName
				if category == "" {
					category = "Uncategorized"
				}
				status := "ok"
				if feed.LastError != "" {
					status = "error: " + feed.LastError
				}
				fmt.Printf("%4d  [%s] %s  %s  (%s)\n", feed.ID, category, feed.Title, feed.URL, status)
			}
			return nil
		},
	}
}

func addCmd() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Add a single feed",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Usage: "category to file the feed under"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one feed URL argument")
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			feed, err := a.syncer.AddFeed(ctx, c.Args().First(), c.String("category"))
			if err != nil {
				return err
			}
			fmt.Printf("Added feed %d: %s\n", feed.ID, feed.Title)
			return nil
		},
	}
}

func removeCmd() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Remove a feed and its articles",
		ArgsUsage: "<feed-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one feed id argument")
			}
			var feedID int64
			if _, err := fmt.Sscanf(c.Args().First(), "%d", &feedID); err != nil {
				return fmt.Errorf("invalid feed id %q", c.Args().First())
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := a.syncer.RemoveFeed(ctx, feedID); err != nil {
				return err
			}
			fmt.Printf("Removed feed %d\n", feedID)
			return nil
		},
	}
}

func briefingCmd() *cli.Command {
	return &cli.Command{
		Name:  "briefing",
		Usage: "Generate an AI briefing of recent articles",
		Action: func(c *cli.Context) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.OpenAIAPIKey == "" {
				return fmt.Errorf("OPENAI_API_KEY is not set")
			}

			ctx, cancel := signalContext()
			defer cancel()

			builder := briefing.NewBuilder(a.store,
				briefing.NewOpenAISummarizer(a.cfg.OpenAIAPIKey), a.cfg.BriefingWindow)
			text, err := builder.Build(ctx)
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
}

func printResults(results []models.SyncResult) {
	var added, updated, failed int
	for _, r := range results {
		switch r.State {
		case models.SyncDone:
			fmt.Printf("  [ok]   feed %d: %d added, %d updated\n", r.FeedID, r.ArticlesAdded, r.ArticlesUpdated)
			added += r.ArticlesAdded
			updated += r.ArticlesUpdated
		case models.SyncFailed:
			fmt.Printf("  [fail] feed %d (%s): %v\n", r.FeedID, r.FeedURL, r.Err)
			failed++
		case models.SyncInProgress:
			fmt.Printf("  [busy] feed %d: sync already in progress\n", r.FeedID)
		}
	}
	fmt.Printf("Sync complete: %d added, %d updated, %d feeds failed\n", added, updated, failed)
}
