// Package postgres provides the Postgres-backed article store.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
)

// PoolIface is the subset of pgxpool.Pool the store uses; pgxmock satisfies
// it in tests.
type PoolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store persists articles in the articles table, keyed by (keyword, link).
type Store struct {
	pool PoolIface
}

// New connects a pool and returns the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool PoolIface) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS articles (
	keyword      TEXT        NOT NULL,
	link         TEXT        NOT NULL,
	title        TEXT        NOT NULL,
	description  TEXT        NOT NULL DEFAULT '',
	publisher    TEXT        NOT NULL DEFAULT '',
	pub_date     TIMESTAMPTZ NOT NULL,
	title_hash   TEXT        NOT NULL,
	read         BOOLEAN     NOT NULL DEFAULT FALSE,
	bookmarked   BOOLEAN     NOT NULL DEFAULT FALSE,
	is_duplicate BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (keyword, link)
);
CREATE INDEX IF NOT EXISTS articles_title_hash_idx ON articles (keyword, title_hash);
CREATE INDEX IF NOT EXISTS articles_pub_date_idx ON articles (keyword, pub_date DESC);`

// EnsureSchema creates the articles table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const upsertSQL = `
INSERT INTO articles (
	keyword, link, title, description, publisher, pub_date, title_hash,
	is_duplicate, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	EXISTS (SELECT 1 FROM articles WHERE keyword = $1 AND title_hash = $7),
	$8
)
ON CONFLICT (keyword, link) DO NOTHING`

// Upsert inserts items under the keyword. Rows already present for
// (keyword, link) are counted as duplicates and left untouched, so read and
// bookmark flags survive refreshes. New rows whose normalized title already
// exists for the keyword are flagged as near-duplicates.
func (s *Store) Upsert(ctx context.Context, items []news.Item, keyword string) (int, int, error) {
	added, duplicates := 0, 0
	now := time.Now().UTC()
	for _, item := range items {
		tag, err := s.pool.Exec(ctx, upsertSQL,
			keyword,
			item.Link,
			item.Title,
			item.Description,
			item.Publisher,
			item.PubDate,
			news.TitleHash(item.Title),
			now,
		)
		if err != nil {
			return added, duplicates, fmt.Errorf("insert article: %w", err)
		}
		if tag.RowsAffected() == 0 {
			duplicates++
		} else {
			added++
		}
	}
	return added, duplicates, nil
}

const articleColumns = `keyword, link, title, description, publisher, pub_date,
	read, bookmarked, is_duplicate, created_at`

// Search returns rows matching the query and the unfiltered article count
// for the query's keyword.
func (s *Store) Search(ctx context.Context, q news.Query) ([]news.StoredItem, int, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Keyword != "" {
		conds = append(conds, "keyword = "+arg(q.Keyword))
	}
	if q.FilterText != "" {
		p := arg("%" + q.FilterText + "%")
		conds = append(conds, fmt.Sprintf("(title ILIKE %s OR description ILIKE %s)", p, p))
	}
	for _, word := range q.ExcludeWords {
		p := arg("%" + word + "%")
		conds = append(conds, fmt.Sprintf("title NOT ILIKE %s AND description NOT ILIKE %s", p, p))
	}
	if q.OnlyBookmarked {
		conds = append(conds, "bookmarked")
	}
	if q.OnlyUnread {
		conds = append(conds, "NOT read")
	}
	if q.HideDuplicates {
		conds = append(conds, "NOT is_duplicate")
	}
	if q.StartDate != nil {
		conds = append(conds, "pub_date >= "+arg(*q.StartDate))
	}
	if q.EndDate != nil {
		conds = append(conds, "pub_date <= "+arg(*q.EndDate))
	}

	sql := "SELECT " + articleColumns + " FROM articles"
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	switch q.Sort {
	case news.SortOldest:
		sql += " ORDER BY pub_date ASC"
	case news.SortPublisher:
		sql += " ORDER BY publisher ASC, pub_date DESC"
	default:
		sql += " ORDER BY pub_date DESC"
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search articles: %w", err)
	}
	defer rows.Close()

	var out []news.StoredItem
	for rows.Next() {
		var it news.StoredItem
		if err := rows.Scan(
			&it.Keyword, &it.Link, &it.Title, &it.Description, &it.Publisher,
			&it.PubDate, &it.Read, &it.Bookmarked, &it.IsDuplicate, &it.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan article: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("search articles: %w", err)
	}

	total, err := s.Count(ctx, q.Keyword)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Count returns the number of stored articles for the keyword; an empty
// keyword counts everything.
func (s *Store) Count(ctx context.Context, keyword string) (int, error) {
	var (
		total int
		err   error
	)
	if keyword == "" {
		err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM articles").Scan(&total)
	} else {
		err = s.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM articles WHERE keyword = $1", keyword).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("count articles: %w", err)
	}
	return total, nil
}

// UnreadCount returns the number of unread articles for the keyword; it backs
// the tab badge, so the keyword must come from the tab's normalized key.
func (s *Store) UnreadCount(ctx context.Context, keyword string) (int, error) {
	var (
		total int
		err   error
	)
	if keyword == "" {
		err = s.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM articles WHERE NOT read").Scan(&total)
	} else {
		err = s.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM articles WHERE keyword = $1 AND NOT read",
			keyword).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("count unread articles: %w", err)
	}
	return total, nil
}

// MarkRead sets the read flag on one article.
func (s *Store) MarkRead(ctx context.Context, keyword, link string, read bool) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE articles SET read = $1 WHERE keyword = $2 AND link = $3",
		read, keyword, link)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// SetBookmark sets the bookmark flag on one article.
func (s *Store) SetBookmark(ctx context.Context, keyword, link string, bookmarked bool) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE articles SET bookmarked = $1 WHERE keyword = $2 AND link = $3",
		bookmarked, keyword, link)
	if err != nil {
		return fmt.Errorf("set bookmark: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes unbookmarked articles stored before the cutoff and
// returns how many were removed. Bookmarked articles are never purged.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM articles WHERE created_at < $1 AND NOT bookmarked", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge articles: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Snapshot returns every stored article, ordered for stable backups.
func (s *Store) Snapshot(ctx context.Context) ([]news.StoredItem, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+articleColumns+" FROM articles ORDER BY keyword, pub_date DESC")
	if err != nil {
		return nil, fmt.Errorf("snapshot articles: %w", err)
	}
	defer rows.Close()

	var out []news.StoredItem
	for rows.Next() {
		var it news.StoredItem
		if err := rows.Scan(
			&it.Keyword, &it.Link, &it.Title, &it.Description, &it.Publisher,
			&it.PubDate, &it.Read, &it.Bookmarked, &it.IsDuplicate, &it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot articles: %w", err)
	}
	return out, nil
}
