// Package cache is the local durable mirror of remote records: a generic
// per-entity key-value store over SQLite with named secondary indexes.
//
// Read failures never propagate: a corrupted or unreadable cache answers as
// if it were empty, and callers treat "empty" as "unknown, fetch from
// source". Write failures always propagate, because callers use local write
// success to decide whether state is safely mirrored.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Open opens (or creates) the cache database at path. Use ":memory:" for an
// ephemeral cache.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// SQLite allows a single writer; serialize access through one connection.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Config describes one entity store within the cache database.
type Config[T any] struct {
	// Name is the store (table) name, lower_snake_case.
	Name string
	// Key extracts the primary key of an entity.
	Key func(T) string
	// Indexes maps index names to key extractors, e.g. "by_session".
	Indexes map[string]func(T) string
}

// Store is a durable key-value store for one entity type.
type Store[T any] struct {
	db      *sql.DB
	name    string
	key     func(T) string
	indexes map[string]func(T) string
	log     zerolog.Logger
}

// New creates the store's tables if needed and returns the store.
func New[T any](db *sql.DB, cfg Config[T], logger zerolog.Logger) (*Store[T], error) {
	if !validName.MatchString(cfg.Name) {
		return nil, fmt.Errorf("cache: invalid store name %q", cfg.Name)
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("cache: store %q needs a key extractor", cfg.Name)
	}
	s := &Store[T]{
		db:      db,
		name:    cfg.Name,
		key:     cfg.Key,
		indexes: cfg.Indexes,
		log:     logger.With().Str("cache_store", cfg.Name).Logger(),
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cache_%s (
			id   TEXT PRIMARY KEY,
			data BLOB NOT NULL
		)`, s.name),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cache_%s_index (
			index_name TEXT NOT NULL,
			index_key  TEXT NOT NULL,
			id         TEXT NOT NULL,
			PRIMARY KEY (index_name, id)
		)`, s.name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS cache_%s_index_lookup
			ON cache_%s_index (index_name, index_key)`, s.name, s.name),
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create cache store %s: %w", s.name, err)
		}
	}
	return s, nil
}

// Get returns the entity with the given id, or false when absent or when the
// cache cannot be read.
func (s *Store[T]) Get(ctx context.Context, id string) (T, bool) {
	var zero T
	var data []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM cache_%s WHERE id = ?`, s.name), id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return zero, false
	}
	if err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("cache read failed, treating as miss")
		return zero, false
	}
	v, err := s.decode(data)
	if err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("cache entry undecodable, treating as miss")
		return zero, false
	}
	return v, true
}

// GetAll returns every cached entity. Read failures yield an empty slice.
func (s *Store[T]) GetAll(ctx context.Context) []T {
	return s.query(ctx,
		fmt.Sprintf(`SELECT data FROM cache_%s ORDER BY rowid`, s.name))
}

// GetByIndex returns all entities whose index entry matches key.
func (s *Store[T]) GetByIndex(ctx context.Context, indexName, key string) []T {
	return s.query(ctx, fmt.Sprintf(
		`SELECT r.data FROM cache_%s r
		 JOIN cache_%s_index i ON i.id = r.id
		 WHERE i.index_name = ? AND i.index_key = ?
		 ORDER BY r.rowid`, s.name, s.name),
		indexName, key)
}

// GetPage returns a window of the store in insertion order, skipping offset
// rows and returning at most limit. The scan advances a cursor inside SQLite
// rather than materializing the whole collection.
func (s *Store[T]) GetPage(ctx context.Context, offset, limit int) []T {
	if limit <= 0 {
		return nil
	}
	return s.query(ctx, fmt.Sprintf(
		`SELECT data FROM cache_%s ORDER BY rowid LIMIT ? OFFSET ?`, s.name),
		limit, offset)
}

// Put stores the entity and rewrites its secondary index entries.
func (s *Store[T]) Put(ctx context.Context, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache %s: encode: %w", s.name, err)
	}
	id := s.key(v)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO cache_%s (id, data) VALUES (?, ?)
			 ON CONFLICT(id) DO UPDATE SET data = excluded.data`, s.name),
			id, data); err != nil {
			return fmt.Errorf("cache %s: put %s: %w", s.name, id, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM cache_%s_index WHERE id = ?`, s.name), id); err != nil {
			return fmt.Errorf("cache %s: clear index rows: %w", s.name, err)
		}
		for name, extract := range s.indexes {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`INSERT INTO cache_%s_index (index_name, index_key, id) VALUES (?, ?, ?)`,
				s.name), name, extract(v), id); err != nil {
				return fmt.Errorf("cache %s: index %s: %w", s.name, name, err)
			}
		}
		return nil
	})
}

// Delete removes the entity and its index entries. Deleting an absent id is
// not an error.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM cache_%s WHERE id = ?`, s.name), id); err != nil {
			return fmt.Errorf("cache %s: delete %s: %w", s.name, id, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM cache_%s_index WHERE id = ?`, s.name), id); err != nil {
			return fmt.Errorf("cache %s: delete index rows: %w", s.name, err)
		}
		return nil
	})
}

// Clear wipes the whole store. Used for corruption recovery: the next read
// becomes a miss and refetches cleanly.
func (s *Store[T]) Clear(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM cache_%s`, s.name)); err != nil {
			return fmt.Errorf("cache %s: clear: %w", s.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM cache_%s_index`, s.name)); err != nil {
			return fmt.Errorf("cache %s: clear index: %w", s.name, err)
		}
		return nil
	})
}

// ClearByIndex removes all entities whose index entry matches key.
func (s *Store[T]) ClearByIndex(ctx context.Context, indexName, key string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(
			`SELECT id FROM cache_%s_index WHERE index_name = ? AND index_key = ?`, s.name),
			indexName, key)
		if err != nil {
			return fmt.Errorf("cache %s: scan index %s: %w", s.name, indexName, err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("cache %s: scan id: %w", s.name, err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("cache %s: iterate index: %w", s.name, err)
		}
		rows.Close()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM cache_%s WHERE id = ?`, s.name), id); err != nil {
				return fmt.Errorf("cache %s: delete %s: %w", s.name, id, err)
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM cache_%s_index WHERE id = ?`, s.name), id); err != nil {
				return fmt.Errorf("cache %s: delete index rows: %w", s.name, err)
			}
		}
		return nil
	})
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store[T]) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache %s: begin tx: %w", s.name, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store[T]) query(ctx context.Context, q string, args ...any) []T {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.log.Warn().Err(err).Msg("cache scan failed, returning empty result")
		return nil
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			s.log.Warn().Err(err).Msg("cache row scan failed, returning empty result")
			return nil
		}
		v, err := s.decode(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("cache entry undecodable, skipping")
			continue
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		s.log.Warn().Err(err).Msg("cache iteration failed, returning empty result")
		return nil
	}
	return out
}

func (s *Store[T]) decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
