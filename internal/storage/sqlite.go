package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zenfeed/internal/models"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pemistahl/lingua-go"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStorage is the default Storage implementation. WAL mode lets readers
// see committed data while a merge transaction is in flight on another
// connection.
type SQLiteStorage struct {
	db       *sql.DB
	detector lingua.LanguageDetector
}

func NewSQLiteStorage(dataDir string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "zenfeed.db")
	log.Printf("Initializing database at: %s", dbPath)

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_synchronous=NORMAL&_busy_timeout=30000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// A small pool: SQLite allows one writer at a time, but WAL readers can
	// run alongside it.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := runMigrations(db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("Warning: failed to close database: %v", closeErr)
		}
		return nil, err
	}

	detector := lingua.NewLanguageDetectorBuilder().
		FromLanguages(
			lingua.English, lingua.German, lingua.French, lingua.Spanish,
			lingua.Russian, lingua.Italian, lingua.Portuguese, lingua.Dutch,
			lingua.Swedish, lingua.Danish, lingua.Finnish, lingua.Polish,
		).
		Build()

	return &SQLiteStorage{
		db:       db,
		detector: detector,
	}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %v", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %v", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %v", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("Database schema is up to date")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %v", err)
	}

	log.Printf("Database schema migrated")
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Feeds ---

func (s *SQLiteStorage) AddFeed(ctx context.Context, url, title, categoryName string) (*models.Feed, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("feed URL must not be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				log.Printf("Warning: failed to rollback transaction: %v", err)
			}
		}
	}()

	var categoryID *int64
	if strings.TrimSpace(categoryName) != "" {
		id, err := getOrCreateCategory(ctx, tx, categoryName)
		if err != nil {
			return nil, err
		}
		categoryID = &id
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO feeds (url, title, category_id) VALUES (?, ?, ?)",
		url, title, categoryID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateFeedURL
		}
		return nil, fmt.Errorf("failed to insert feed: %v", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get feed id: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %v", err)
	}
	committed = true

	return s.GetFeed(ctx, id)
}

func getOrCreateCategory(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, ErrInvalidCategoryName
	}

	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM categories WHERE name = ?", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up category: %v", err)
	}

	res, err := tx.ExecContext(ctx, "INSERT INTO categories (name) VALUES (?)", name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert category: %v", err)
	}
	return res.LastInsertId()
}

const feedColumns = `f.id, f.url, f.title, f.category_id, c.name, f.added_at, f.last_synced_at, f.last_error`

func scanFeed(row interface{ Scan(...interface{}) error }) (*models.Feed, error) {
	var feed models.Feed
	var categoryID sql.NullInt64
	var categoryName sql.NullString
	var lastSynced sql.NullTime

	err := row.Scan(&feed.ID, &feed.URL, &feed.Title, &categoryID, &categoryName,
		&feed.AddedAt, &lastSynced, &feed.LastError)
	if err != nil {
		return nil, err
	}

	if categoryID.Valid {
		feed.CategoryID = &categoryID.Int64
	}
	if categoryName.Valid {
		feed.CategoryName = categoryName.String
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		feed.LastSyncedAt = &t
	}
	return &feed, nil
}

func (s *SQLiteStorage) GetFeed(ctx context.Context, id int64) (*models.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+feedColumns+" FROM feeds f LEFT JOIN categories c ON f.category_id = c.id WHERE f.id = ?", id)
	feed, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeedNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %v", err)
	}
	return feed, nil
}

func (s *SQLiteStorage) GetFeedByURL(ctx context.Context, url string) (*models.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+feedColumns+" FROM feeds f LEFT JOIN categories c ON f.category_id = c.id WHERE f.url = ?", url)
	feed, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeedNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed by URL: %v", err)
	}
	return feed, nil
}

func (s *SQLiteStorage) ListFeeds(ctx context.Context) ([]models.Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+feedColumns+" FROM feeds f LEFT JOIN categories c ON f.category_id = c.id ORDER BY c.name, f.title, f.id")
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %v", err)
	}
	defer closeRows(rows)

	var feeds []models.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed: %v", err)
		}
		feeds = append(feeds, *feed)
	}
	return feeds, rows.Err()
}

func (s *SQLiteStorage) RemoveFeed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM feeds WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete feed: %v", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %v", err)
	}
	if affected == 0 {
		return ErrFeedNotFound
	}
	return nil
}

func (s *SQLiteStorage) UpdateFeedTitle(ctx context.Context, id int64, title string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE feeds SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return fmt.Errorf("failed to update feed title: %v", err)
	}
	return nil
}

func (s *SQLiteStorage) SetFeedSyncStatus(ctx context.Context, id int64, syncedAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE feeds SET last_synced_at = ?, last_error = ? WHERE id = ?",
		syncedAt, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update feed sync status: %v", err)
	}
	return nil
}

// --- Categories ---

func (s *SQLiteStorage) ListCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM categories ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %v", err)
	}
	defer closeRows(rows)

	var categories []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan category: %v", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// DeleteCategory removes a category. Its feeds survive with category_id set
// to NULL by the schema's ON DELETE SET NULL.
func (s *SQLiteStorage) DeleteCategory(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM categories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete category: %v", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %v", err)
	}
	if affected == 0 {
		return ErrCategoryNotFound
	}
	return nil
}

// --- Merge ---

// MergeArticles applies one feed's batch inside a single transaction. A crash
// mid-merge leaves the feed exactly as it was before the pass. User state
// columns are never part of the UPDATE.
func (s *SQLiteStorage) MergeArticles(ctx context.Context, feedID int64, incoming []models.Article) (added, updated int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %v", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				log.Printf("Warning: failed to rollback merge transaction: %v", err)
			}
		}
	}()

	selectStmt, err := tx.PrepareContext(ctx,
		"SELECT id, title, content, published_at FROM articles WHERE feed_id = ? AND canonical_key = ?")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare lookup statement: %v", err)
	}
	defer closeStmt(selectStmt)

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO articles (feed_id, canonical_key, title, link, content, language, published_at, is_read, is_saved, first_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare insert statement: %v", err)
	}
	defer closeStmt(insertStmt)

	updateStmt, err := tx.PrepareContext(ctx,
		"UPDATE articles SET title = ?, content = ?, language = ?, published_at = ? WHERE id = ?")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare update statement: %v", err)
	}
	defer closeStmt(updateStmt)

	now := time.Now().UTC()

	for _, article := range incoming {
		var (
			existingID      int64
			existingTitle   string
			existingContent string
			existingPub     time.Time
		)
		err := selectStmt.QueryRowContext(ctx, feedID, article.CanonicalKey).
			Scan(&existingID, &existingTitle, &existingContent, &existingPub)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			lang := s.detectLanguage(article.Title + " " + article.Content)
			if _, err := insertStmt.ExecContext(ctx, feedID, article.CanonicalKey,
				article.Title, article.Link, article.Content, lang,
				article.PublishedAt.UTC(), now); err != nil {
				return 0, 0, fmt.Errorf("failed to insert article: %v", err)
			}
			added++

		case err != nil:
			return 0, 0, fmt.Errorf("failed to look up article: %v", err)

		default:
			if existingTitle == article.Title && existingContent == article.Content &&
				existingPub.Equal(article.PublishedAt.UTC()) {
				continue
			}
			lang := s.detectLanguage(article.Title + " " + article.Content)
			if _, err := updateStmt.ExecContext(ctx, article.Title, article.Content,
				lang, article.PublishedAt.UTC(), existingID); err != nil {
				return 0, 0, fmt.Errorf("failed to update article: %v", err)
			}
			updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit merge transaction: %v", err)
	}
	committed = true

	return added, updated, nil
}

// --- Article queries ---

const articleColumns = `a.id, a.feed_id, f.title, a.canonical_key, a.title, a.link, a.content,
	a.language, a.published_at, a.is_read, a.is_saved, a.first_seen_at`

func scanArticle(row interface{ Scan(...interface{}) error }) (*models.Article, error) {
	var a models.Article
	err := row.Scan(&a.ID, &a.FeedID, &a.FeedTitle, &a.CanonicalKey, &a.Title, &a.Link,
		&a.Content, &a.Language, &a.PublishedAt, &a.IsRead, &a.IsSaved, &a.FirstSeenAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStorage) ListArticles(ctx context.Context, filter models.ArticleFilter) ([]models.Article, error) {
	query := "SELECT " + articleColumns + " FROM articles a JOIN feeds f ON a.feed_id = f.id"
	var conditions []string
	var args []interface{}

	if filter.FeedID > 0 {
		conditions = append(conditions, "a.feed_id = ?")
		args = append(args, filter.FeedID)
	}
	if filter.CategoryID > 0 {
		conditions = append(conditions, "f.category_id = ?")
		args = append(args, filter.CategoryID)
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "a.is_read = 0")
	}
	if filter.SavedOnly {
		conditions = append(conditions, "a.is_saved = 1")
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		conditions = append(conditions, "(a.title LIKE ? OR a.content LIKE ?)")
		pattern := "%" + search + "%"
		args = append(args, pattern, pattern)

		// When the query itself has a detectable language, scope the match to
		// articles in that language. Articles whose language could not be
		// detected stay visible.
		if lang := s.searchLanguage(search); lang != "" {
			conditions = append(conditions, "(a.language = ? OR a.language = '')")
			args = append(args, lang)
		}
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY a.published_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query articles: %v", err)
	}
	defer closeRows(rows)

	var articles []models.Article
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %v", err)
		}
		articles = append(articles, *article)
	}
	return articles, rows.Err()
}

func (s *SQLiteStorage) GetArticle(ctx context.Context, id int64) (*models.Article, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+articleColumns+" FROM articles a JOIN feeds f ON a.feed_id = f.id WHERE a.id = ?", id)
	article, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArticleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %v", err)
	}
	return article, nil
}

// ArticlesSince returns articles first seen at or after the given time, oldest
// first. This is the read-only query behind the daily briefing.
func (s *SQLiteStorage) ArticlesSince(ctx context.Context, since time.Time) ([]models.Article, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+articleColumns+" FROM articles a JOIN feeds f ON a.feed_id = f.id WHERE a.first_seen_at >= ? ORDER BY a.published_at ASC",
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query articles since %v: %v", since, err)
	}
	defer closeRows(rows)

	var articles []models.Article
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %v", err)
		}
		articles = append(articles, *article)
	}
	return articles, rows.Err()
}

// --- User state ---

func (s *SQLiteStorage) MarkArticleRead(ctx context.Context, id int64, read bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE articles SET is_read = ? WHERE id = ?", read, id)
	if err != nil {
		return fmt.Errorf("failed to mark article read: %v", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %v", err)
	}
	if affected == 0 {
		return ErrArticleNotFound
	}
	return nil
}

func (s *SQLiteStorage) MarkFeedRead(ctx context.Context, feedID int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE articles SET is_read = 1 WHERE feed_id = ?", feedID)
	if err != nil {
		return fmt.Errorf("failed to mark feed read: %v", err)
	}
	return nil
}

func (s *SQLiteStorage) MarkCategoryRead(ctx context.Context, categoryID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE articles SET is_read = 1 WHERE feed_id IN (SELECT id FROM feeds WHERE category_id = ?)",
		categoryID)
	if err != nil {
		return fmt.Errorf("failed to mark category read: %v", err)
	}
	return nil
}

func (s *SQLiteStorage) MarkAllRead(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE articles SET is_read = 1")
	if err != nil {
		return fmt.Errorf("failed to mark all read: %v", err)
	}
	return nil
}

func (s *SQLiteStorage) ToggleSaved(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %v", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				log.Printf("Warning: failed to rollback transaction: %v", err)
			}
		}
	}()

	var saved bool
	err = tx.QueryRowContext(ctx, "SELECT is_saved FROM articles WHERE id = ?", id).Scan(&saved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrArticleNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up article: %v", err)
	}

	newState := !saved
	if _, err := tx.ExecContext(ctx, "UPDATE articles SET is_saved = ? WHERE id = ?", newState, id); err != nil {
		return false, fmt.Errorf("failed to toggle saved state: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %v", err)
	}
	committed = true

	return newState, nil
}

func (s *SQLiteStorage) UnreadCounts(ctx context.Context) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT feed_id, COUNT(*) FROM articles WHERE is_read = 0 GROUP BY feed_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query unread counts: %v", err)
	}
	defer closeRows(rows)

	counts := make(map[int64]int)
	for rows.Next() {
		var feedID int64
		var count int
		if err := rows.Scan(&feedID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %v", err)
		}
		counts[feedID] = count
	}
	return counts, rows.Err()
}

// --- Helpers ---

// detectLanguage returns the ISO 639-1 code of the dominant language of the
// given text, or empty when detection is inconclusive.
func (s *SQLiteStorage) detectLanguage(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	// Detection quality plateaus quickly; a prefix is enough.
	if runes := []rune(text); len(runes) > 400 {
		text = string(runes[:400])
	}

	language, exists := s.detector.DetectLanguageOf(text)
	if !exists {
		return ""
	}
	return strings.ToLower(language.IsoCode639_1().String())
}

// searchLanguage guesses the language of a search query. Queries under three
// words carry too little signal for a trustworthy guess, so they are never
// scoped.
func (s *SQLiteStorage) searchLanguage(query string) string {
	if len(strings.Fields(query)) < 3 {
		return ""
	}
	return s.detectLanguage(query)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		log.Printf("Warning: failed to close rows: %v", err)
	}
}

func closeStmt(stmt *sql.Stmt) {
	if err := stmt.Close(); err != nil {
		log.Printf("Warning: failed to close statement: %v", err)
	}
}
