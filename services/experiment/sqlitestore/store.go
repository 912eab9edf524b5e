// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlitestore is a single-file SQLite backend for experiment.Store.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/QuantumForge/services/experiment"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config configures the SQLite store.
type Config struct {
	// Path is the database file, or MemoryPath.
	Path string

	// PrimaryMetric drives BestResult. Defaults to experiment.DefaultPrimaryMetric.
	PrimaryMetric string

	Logger *slog.Logger
}

// Store is a SQLite-backed experiment.Store.
//
// The record key is the table's primary key, so duplicate detection is
// done by the database. A single connection is used; SQLite serializes
// writers anyway and an in-memory database is per-connection.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	metric string
	logger *slog.Logger
}

var _ experiment.Store = (*Store)(nil)

// Open opens or creates the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metric := cfg.PrimaryMetric
	if metric == "" {
		metric = experiment.DefaultPrimaryMetric
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", cfg.Path, err)
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("sqlite store opened", "path", cfg.Path)
	return &Store{db: db, metric: metric, logger: logger}, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS records (
			key        TEXT PRIMARY KEY,
			trial      INTEGER NOT NULL,
			idea       INTEGER NOT NULL,
			suggestion INTEGER NOT NULL,
			round      INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			payload    BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS records_kind ON records(kind)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

func (s *Store) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// Append inserts rec. A repeated key leaves the row untouched and returns
// an error wrapping experiment.ErrDuplicateIndex.
func (s *Store) Append(ctx context.Context, rec experiment.Record) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.Key, err)
	}

	p := rec.Key.Path
	res, err := db.ExecContext(ctx, `
		INSERT INTO records (key, trial, idea, suggestion, round, kind, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, string(rec.Key.Encode()), p.Trial, p.Idea, p.Suggestion, p.Round,
		string(rec.Key.Kind), rec.CreatedAt.Format("2006-01-02T15:04:05.000000000Z07:00"), payload)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", experiment.ErrDuplicateIndex, rec.Key)
	}
	return nil
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key experiment.RecordKey) (experiment.Record, error) {
	db, err := s.getDB()
	if err != nil {
		return experiment.Record{}, err
	}
	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM records WHERE key = ?`, string(key.Encode())).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return experiment.Record{}, fmt.Errorf("%w: %s", experiment.ErrNotFound, key)
	}
	if err != nil {
		return experiment.Record{}, fmt.Errorf("get record %s: %w", key, err)
	}
	return decode(payload)
}

// Scan returns every record under prefix in key order.
func (s *Store) Scan(ctx context.Context, prefix experiment.IndexPath) ([]experiment.Record, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	lo := string(experiment.EncodePrefix(prefix))
	// Encoded keys are printable ASCII below 0x7f.
	hi := lo + "\x7f"

	rows, err := db.QueryContext(ctx,
		`SELECT payload FROM records WHERE key >= ? AND key < ? ORDER BY key`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []experiment.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		rec, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return out, nil
}

func (s *Store) HistoryForIdea(ctx context.Context, trial, idea int) ([]experiment.Record, error) {
	return experiment.HistoryForIdea(ctx, s, trial, idea)
}

func (s *Store) HistoryForSuggestion(ctx context.Context, trial, idea, suggestion int) ([]experiment.Record, error) {
	return experiment.HistoryForSuggestion(ctx, s, trial, idea, suggestion)
}

func (s *Store) BestResult(ctx context.Context, trial int) (experiment.Record, bool, error) {
	return experiment.BestResult(ctx, s, trial, s.metric)
}

// Close closes the database. Calling it twice is safe.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func decode(payload []byte) (experiment.Record, error) {
	var rec experiment.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return experiment.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
