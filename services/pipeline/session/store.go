// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns conversation state: the per-session turn log and
// the locking that serializes turns within one conversation.
//
// Persistence is tiered. Live sessions are held in memory by the Manager,
// every finalized turn is written through to an embedded BadgerDB log,
// and completed sessions can be archived to Weaviate for long-term
// storage. The turn log is append-only: a sequence number is written at
// most once and existing turns are never modified.
package session

import (
	"context"
	"errors"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

var (
	// ErrNotFound means the store has no session with that id.
	ErrNotFound = errors.New("session not found")

	// ErrSeqConflict means a turn with that sequence number already
	// exists. The log is append-only, so this is always a caller bug or a
	// duplicated write, never something to retry blindly.
	ErrSeqConflict = errors.New("turn sequence already written")
)

// Store is the durable turn log.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Callers that need
// turn ordering within a session serialize through the Manager; the
// store itself only guarantees that a sequence number is written once.
type Store interface {
	// AppendTurn durably writes one finalized turn. The turn's Seq must
	// be the next unused sequence number; reuse returns ErrSeqConflict.
	AppendTurn(ctx context.Context, sessionID string, turn datatypes.Turn) error

	// Load reads a full session, turns in sequence order. Returns
	// ErrNotFound for unknown ids.
	Load(ctx context.Context, sessionID string) (*datatypes.Session, error)

	// List returns every stored session id.
	List(ctx context.Context) ([]string, error)

	// Delete removes a session and all its turns. Deleting an unknown id
	// is not an error.
	Delete(ctx context.Context, sessionID string) error

	// Close releases the store's resources.
	Close() error
}
