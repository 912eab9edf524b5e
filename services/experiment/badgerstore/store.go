// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/QuantumForge/services/experiment"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store is a BadgerDB-backed experiment.Store.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badger.DB
	metric string
	logger *slog.Logger
	closed atomic.Bool
}

var _ experiment.Store = (*Store)(nil)

// Open opens or creates a store.
//
// Inputs:
//
//	cfg - Store configuration. Use DefaultConfig(path) or InMemoryConfig().
//
// Outputs:
//
//	*Store - The opened store. Caller must Close it.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		metric: cfg.PrimaryMetric,
		logger: logger.With("component", "badgerstore"),
	}
	if s.metric == "" {
		s.metric = experiment.DefaultPrimaryMetric
	}

	return s, nil
}

// Append validates rec and writes it if its key is new.
//
// Description:
//
//	The existence check and the write happen in one read-write
//	transaction. A badger.ErrConflict from a concurrent append of the same
//	key is reported as ErrDuplicateIndex as well.
func (s *Store) Append(ctx context.Context, rec experiment.Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.Key, err)
	}
	key := rec.Key.Encode()

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", experiment.ErrDuplicateIndex, rec.Key)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("check key %s: %w", rec.Key, err)
		}
		return txn.Set(key, value)
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %s (concurrent append)", experiment.ErrDuplicateIndex, rec.Key)
	}
	if err != nil {
		return err
	}

	s.logger.Debug("record appended", "key", rec.Key.String())
	return nil
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key experiment.RecordKey) (experiment.Record, error) {
	if s.closed.Load() {
		return experiment.Record{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return experiment.Record{}, err
	}

	var rec experiment.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.Encode())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", experiment.ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// Scan returns all records under prefix in key order.
func (s *Store) Scan(ctx context.Context, prefix experiment.IndexPath) ([]experiment.Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := experiment.EncodePrefix(prefix)
	var out []experiment.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec experiment.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HistoryForIdea implements experiment.Store.
func (s *Store) HistoryForIdea(ctx context.Context, trial, idea int) ([]experiment.Record, error) {
	return experiment.HistoryForIdea(ctx, s, trial, idea)
}

// HistoryForSuggestion implements experiment.Store.
func (s *Store) HistoryForSuggestion(ctx context.Context, trial, idea, suggestion int) ([]experiment.Record, error) {
	return experiment.HistoryForSuggestion(ctx, s, trial, idea, suggestion)
}

// BestResult implements experiment.Store.
func (s *Store) BestResult(ctx context.Context, trial int) (experiment.Record, bool, error) {
	return experiment.BestResult(ctx, s, trial, s.metric)
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
