// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/storage/badger"
)

// BadgerConfig configures the embedded turn log.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory keeps everything in RAM. For tests.
	InMemory bool

	// SyncWrites fsyncs every write. On for production, off for tests.
	SyncWrites bool

	// Logger receives Badger's internal messages. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often the value log garbage collector runs.
	// Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage fraction that triggers a value log
	// rewrite.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production settings for a path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for tests: no disk, no fsync,
// no GC.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// BadgerStore is the warm tier of the session log: an embedded BadgerDB
// holding one key per turn plus a per-session metadata record.
//
// Keys:
//
//	session/<id>/meta           session metadata JSON
//	session/<id>/turn/<seq:08d> one finalized turn JSON
//
// The zero-padded sequence keeps turns in order under Badger's
// lexicographic iteration.
type BadgerStore struct {
	db     *badgerdb.DB
	logger *slog.Logger
	gcStop chan struct{}
	gcDone chan struct{}
}

var _ Store = (*BadgerStore)(nil)

type sessionMeta struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OpenBadger opens the turn log.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	db, err := badger.Open(badger.Config{
		Path:              cfg.Path,
		InMemory:          cfg.InMemory,
		SyncWrites:        cfg.SyncWrites,
		Logger:            cfg.Logger,
		NumVersionsToKeep: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	s := &BadgerStore{db: db, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
		s.gcStop = nil
	}
	return s.db.Close()
}

func (s *BadgerStore) gcLoop(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				s.logger.Warn("session store value log GC failed", "error", err)
			}
		}
	}
}

func metaKey(sessionID string) []byte {
	return []byte("session/" + sessionID + "/meta")
}

func turnPrefix(sessionID string) []byte {
	return []byte("session/" + sessionID + "/turn/")
}

func turnKey(sessionID string, seq int) []byte {
	return []byte(fmt.Sprintf("session/%s/turn/%08d", sessionID, seq))
}

// AppendTurn writes one turn and the refreshed metadata in a single
// transaction. An already-used sequence number fails with ErrSeqConflict
// and leaves the log untouched.
func (s *BadgerStore) AppendTurn(ctx context.Context, sessionID string, turn datatypes.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	key := turnKey(sessionID, turn.Seq)
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if _, err := txn.Get(key); err == nil {
		return fmt.Errorf("%w: session %s seq %d", ErrSeqConflict, sessionID, turn.Seq)
	} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return fmt.Errorf("read turn key: %w", err)
	}
	if err := txn.Set(key, payload); err != nil {
		return fmt.Errorf("write turn: %w", err)
	}

	meta, err := s.readMeta(txn, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if meta == nil {
		meta = &sessionMeta{ID: sessionID, CreatedAt: stampOf(turn)}
	}
	meta.Turns = turn.Seq + 1
	meta.UpdatedAt = stampOf(turn)
	metaPayload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	if err := txn.Set(metaKey(sessionID), metaPayload); err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	return txn.Commit()
}

func stampOf(turn datatypes.Turn) time.Time {
	if !turn.CompletedAt.IsZero() {
		return turn.CompletedAt
	}
	if !turn.StartedAt.IsZero() {
		return turn.StartedAt
	}
	return time.Now().UTC()
}

func (s *BadgerStore) readMeta(txn *badgerdb.Txn, sessionID string) (*sessionMeta, error) {
	item, err := txn.Get(metaKey(sessionID))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session meta: %w", err)
	}
	var meta sessionMeta
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	}); err != nil {
		return nil, fmt.Errorf("decode session meta: %w", err)
	}
	return &meta, nil
}

// Load reads a session with its turns in sequence order.
func (s *BadgerStore) Load(ctx context.Context, sessionID string) (*datatypes.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sess *datatypes.Session
	err := s.db.View(func(txn *badgerdb.Txn) error {
		meta, err := s.readMeta(txn, sessionID)
		if err != nil {
			return err
		}
		sess = &datatypes.Session{
			ID:        meta.ID,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
		}

		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = turnPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var turn datatypes.Turn
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			}); err != nil {
				return fmt.Errorf("decode turn %s: %w", it.Item().Key(), err)
			}
			sess.Turns = append(sess.Turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// List returns every session id with a metadata record.
func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte("session/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			const suffix = "/meta"
			if len(key) > len("session/")+len(suffix) && key[len(key)-len(suffix):] == suffix {
				ids = append(ids, key[len("session/"):len(key)-len(suffix)])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Delete removes a session's metadata and turns.
func (s *BadgerStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var keys [][]byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte("session/" + sessionID + "/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
		return nil
	})
}
