package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"trailcast/models"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const flushInterval = 150 * time.Millisecond

// Mutation is one deferred write applied inside the next batched
// transaction.
type Mutation func(tx *sql.Tx) error

// Store wraps the single local sqlite file holding the resolution cache,
// the learned success statistics and the archive cookie jar. Writes from
// the hot path are queued and flushed as one transaction on a short timer;
// reads happen at startup (hydration) or from admin endpoints.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	pending []Mutation

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// Open opens (creating if needed) the database at path and starts the
// batched write flusher.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-65536", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA mmap_size = 268435456"); err != nil {
		log.Printf("[database] mmap pragma failed: %v", err)
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		db:   db,
		stop: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

// Close flushes any queued writes and closes the database.
func (s *Store) Close() error {
	s.stopped.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.flush()
	return s.db.Close()
}

// Enqueue queues a mutation for the next batched flush.
func (s *Store) Enqueue(m Mutation) {
	s.mu.Lock()
	s.pending = append(s.pending, m)
	s.mu.Unlock()
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.swallowBusy("begin", err)
		return
	}
	for _, m := range batch {
		if err := m(tx); err != nil {
			s.swallowBusy("apply", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.swallowBusy("commit", err)
	}
}

// Persistence is best-effort: a busy or locked database must never surface
// as a request failure.
func (s *Store) swallowBusy(stage string, err error) {
	msg := err.Error()
	if strings.Contains(msg, "busy") || strings.Contains(msg, "locked") {
		return
	}
	log.Printf("[database] batched %s failed: %v", stage, err)
}

// --- resolution_cache ---

// EnqueueUpsertCache queues a cache row write.
func (s *Store) EnqueueUpsertCache(a models.ResolvedArtifact) {
	s.Enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO resolution_cache (imdb_id, preview_url, track_id, country, youtube_key, source_type, source, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(imdb_id) DO UPDATE SET
				preview_url = excluded.preview_url,
				track_id    = excluded.track_id,
				country     = excluded.country,
				youtube_key = excluded.youtube_key,
				source_type = excluded.source_type,
				source      = excluded.source,
				timestamp   = excluded.timestamp`,
			a.IMDBID, a.PreviewURL, a.TrackID, a.Country, a.YouTubeKey, string(a.SourceType), a.Source, a.Timestamp.Unix())
		return err
	})
}

// LoadRecentCache returns up to n cache rows, newest first. Used to hydrate
// the in-memory cache at startup.
func (s *Store) LoadRecentCache(ctx context.Context, n int) ([]models.ResolvedArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT imdb_id, preview_url, track_id, country, youtube_key, source_type, source, timestamp
		FROM resolution_cache ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ResolvedArtifact
	for rows.Next() {
		var a models.ResolvedArtifact
		var sourceType string
		var ts int64
		if err := rows.Scan(&a.IMDBID, &a.PreviewURL, &a.TrackID, &a.Country, &a.YouTubeKey, &sourceType, &a.Source, &ts); err != nil {
			return nil, err
		}
		a.SourceType = models.SourceType(sourceType)
		a.Timestamp = time.Unix(ts, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteCache removes one cache row immediately.
func (s *Store) DeleteCache(ctx context.Context, imdbID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resolution_cache WHERE imdb_id = ?`, imdbID)
	return err
}

// DeleteAllCache removes every cache row immediately.
func (s *Store) DeleteAllCache(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resolution_cache`)
	return err
}

// EnqueueTrimCache queues removal of everything but the newest keep rows.
func (s *Store) EnqueueTrimCache(keep int) {
	s.Enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM resolution_cache WHERE imdb_id NOT IN (
				SELECT imdb_id FROM resolution_cache ORDER BY timestamp DESC LIMIT ?)`, keep)
		return err
	})
}

// --- success_tracker ---

// StatRow is one persisted tracker row, counters plus running means.
type StatRow struct {
	Type           string
	Identifier     string
	SuccessCount   int64
	TotalCount     int64
	AvgQuality     float64
	QualitySamples int64
	AvgResponseMs  float64
	UpdatedAt      time.Time
}

// EnqueueUpsertStat queues a tracker row write.
func (s *Store) EnqueueUpsertStat(r StatRow) {
	s.Enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO success_tracker (type, identifier, success_count, total_count, avg_quality, quality_samples, avg_response_ms, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(type, identifier) DO UPDATE SET
				success_count   = excluded.success_count,
				total_count     = excluded.total_count,
				avg_quality     = excluded.avg_quality,
				quality_samples = excluded.quality_samples,
				avg_response_ms = excluded.avg_response_ms,
				updated_at      = excluded.updated_at`,
			r.Type, r.Identifier, r.SuccessCount, r.TotalCount, r.AvgQuality, r.QualitySamples, r.AvgResponseMs, r.UpdatedAt.Unix())
		return err
	})
}

// LoadTopStatsByType returns up to n rows for one type, most successful
// first.
func (s *Store) LoadTopStatsByType(ctx context.Context, statType string, n int) ([]StatRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, identifier, success_count, total_count, avg_quality, quality_samples, avg_response_ms, updated_at
		FROM success_tracker WHERE type = ?
		ORDER BY CAST(success_count AS REAL) / MAX(total_count, 1) DESC, total_count DESC
		LIMIT ?`, statType, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStatRows(rows)
}

func scanStatRows(rows *sql.Rows) ([]StatRow, error) {
	var out []StatRow
	for rows.Next() {
		var r StatRow
		var ts int64
		if err := rows.Scan(&r.Type, &r.Identifier, &r.SuccessCount, &r.TotalCount, &r.AvgQuality, &r.QualitySamples, &r.AvgResponseMs, &ts); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.Unix(ts, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// EnqueueTrimStats queues removal of the least recently updated rows beyond
// keep for one type.
func (s *Store) EnqueueTrimStats(statType string, keep int) {
	s.Enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM success_tracker WHERE type = ? AND identifier NOT IN (
				SELECT identifier FROM success_tracker WHERE type = ? ORDER BY updated_at DESC LIMIT ?)`,
			statType, statType, keep)
		return err
	})
}

// --- archive_cookies ---

// InsertCookie stores a new archive credential.
func (s *Store) InsertCookie(ctx context.Context, cookies, email string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO archive_cookies (cookies, email, created_at, is_valid, use_count)
		VALUES (?, ?, ?, 1, 0)`, cookies, email, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PickOldestValidCookie returns the least recently used valid cookie and
// stamps its usage. Returns sql.ErrNoRows when the jar is empty.
func (s *Store) PickOldestValidCookie(ctx context.Context) (models.ArchiveCookie, error) {
	var c models.ArchiveCookie
	var created int64
	var lastUsed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cookies, email, created_at, last_used, is_valid, use_count
		FROM archive_cookies WHERE is_valid = 1
		ORDER BY COALESCE(last_used, 0) ASC LIMIT 1`).
		Scan(&c.ID, &c.Cookies, &c.Email, &created, &lastUsed, &c.IsValid, &c.UseCount)
	if err != nil {
		return c, err
	}
	c.CreatedAt = time.Unix(created, 0)
	if lastUsed.Valid {
		t := time.Unix(lastUsed.Int64, 0)
		c.LastUsed = &t
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE archive_cookies SET last_used = ?, use_count = use_count + 1 WHERE id = ?`,
		time.Now().Unix(), c.ID)
	if err != nil {
		log.Printf("[database] cookie usage stamp failed: %v", err)
	}
	return c, nil
}

// MarkCookieInvalid flags a credential as dead so rotation skips it.
func (s *Store) MarkCookieInvalid(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE archive_cookies SET is_valid = 0 WHERE id = ?`, id)
	return err
}

// ListCookies returns all stored credentials for the admin surface.
func (s *Store) ListCookies(ctx context.Context) ([]models.ArchiveCookie, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cookies, email, created_at, last_used, is_valid, use_count
		FROM archive_cookies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ArchiveCookie
	for rows.Next() {
		var c models.ArchiveCookie
		var created int64
		var lastUsed sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Cookies, &c.Email, &created, &lastUsed, &c.IsValid, &c.UseCount); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(created, 0)
		if lastUsed.Valid {
			t := time.Unix(lastUsed.Int64, 0)
			c.LastUsed = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
