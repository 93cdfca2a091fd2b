// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secure accumulates draft answers in mlocked memory between
// synthesis and delivery.
//
// Health questions are sensitive. While a draft is waiting on
// verification it lives in a memguard LockedBuffer so it cannot be
// swapped to disk, and it is hashed incrementally as chunks arrive so the
// delivered answer carries an integrity hash computed before the text
// ever left locked memory.
//
// Systems without a usable RLIMIT_MEMLOCK fall back to ordinary heap
// memory when MEDIQUERY_INSECURE_MEMORY=true acknowledges the downgrade;
// otherwise construction fails loudly.
package secure

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// BufferSize is the capacity of one draft buffer. 256 KB holds any
	// plausible answer with generous headroom.
	BufferSize = 256 * 1024

	// MinMlockLimitKB is the smallest RLIMIT_MEMLOCK, in kilobytes, that
	// counts as usable for locked buffers.
	MinMlockLimitKB = 256

	// InsecureEnv acknowledges running without locked memory.
	InsecureEnv = "MEDIQUERY_INSECURE_MEMORY"
)

var (
	initOnce     sync.Once
	mlockUsable  bool
	mlockLimitKB int64
)

// Accumulator collects a draft answer chunk by chunk and produces the
// final text with its SHA-256.
//
// # Thread Safety
//
// Implementations are safe for concurrent use, though a draft is normally
// written by a single turn goroutine.
//
// # Lifecycle
//
// Write until the draft is complete, then either Finalize (returns the
// text and hex hash, wipes the buffer) or Destroy (wipes without
// returning, for error paths). Both end the accumulator's life; Destroy
// is idempotent and safe to defer alongside Finalize.
type Accumulator interface {
	// Write appends a chunk. Chunks are hashed as they arrive, never
	// sitting unhashed in the buffer.
	Write(chunk string) error

	// Finalize returns the accumulated text and its hex SHA-256, then
	// wipes the buffer. Single use.
	Finalize() (text string, sum string, err error)

	// Destroy wipes the buffer without returning data. Idempotent.
	Destroy()

	// ID identifies the accumulator in logs.
	ID() string

	// CreatedAt is the construction time.
	CreatedAt() time.Time
}

// NewAccumulator returns a locked-memory accumulator, or the heap
// fallback when mlock limits are insufficient and InsecureEnv permits it.
func NewAccumulator() (Accumulator, error) {
	initLockedMemory()

	if !mlockUsable {
		if os.Getenv(InsecureEnv) != "true" {
			return nil, fmt.Errorf(
				"mlock limit insufficient: have %d KB, need %d KB; raise the limit or set %s=true",
				mlockLimitKB, MinMlockLimitKB, InsecureEnv)
		}
		slog.Warn("draft accumulator running without locked memory",
			"mlock_limit_kb", mlockLimitKB, "required_kb", MinMlockLimitKB)
		return newHeapAccumulator(), nil
	}

	buf := memguard.NewBuffer(BufferSize)
	if buf == nil {
		return nil, fmt.Errorf("locked buffer allocation of %d bytes failed", BufferSize)
	}
	buf.Melt()

	return &lockedAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}, nil
}

// Available reports whether locked memory is usable, with the current
// RLIMIT_MEMLOCK in KB (-1 when unlimited).
func Available() (bool, int64) {
	initLockedMemory()
	return mlockUsable, mlockLimitKB
}

// PurgeAll wipes every live locked buffer. Call on shutdown.
func PurgeAll() {
	memguard.Purge()
	slog.Info("purged locked draft memory")
}

func initLockedMemory() {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockUsable, mlockLimitKB = checkMlockLimit()
		if mlockUsable {
			slog.Info("locked draft memory initialized",
				"mlock_limit_kb", mlockLimitKB, "required_kb", MinMlockLimitKB)
		} else {
			slog.Error("mlock limit too low for locked draft memory",
				"mlock_limit_kb", mlockLimitKB, "required_kb", MinMlockLimitKB,
				"override", InsecureEnv+"=true")
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not read mlock limit, assuming usable", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// =============================================================================
// Locked implementation
// =============================================================================

type lockedAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

var _ Accumulator = (*lockedAccumulator)(nil)

func (a *lockedAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("draft buffer overflow, answer too large")
	}
	b := []byte(chunk)
	if a.offset+len(b) > BufferSize {
		a.overflow = true
		return fmt.Errorf("draft buffer overflow: need %d bytes, have %d remaining",
			len(b), BufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *lockedAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("draft buffer overflowed during accumulation")
	}

	text := string(a.buffer.Bytes()[:a.offset])
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("finalized locked draft",
		"accumulator_id", a.id, "length", len(text), "sum", sum[:16]+"...")
	return text, sum, nil
}

func (a *lockedAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
	slog.Debug("destroyed locked draft", "accumulator_id", a.id)
}

func (a *lockedAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

func (a *lockedAccumulator) ID() string { return a.id }

func (a *lockedAccumulator) CreatedAt() time.Time { return a.createdAt }

// =============================================================================
// Heap fallback
// =============================================================================

// heapAccumulator keeps the same contract on ordinary memory. The wipe is
// best effort: the garbage collector may have copied the data.
type heapAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

var _ Accumulator = (*heapAccumulator)(nil)

func newHeapAccumulator() *heapAccumulator {
	return &heapAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		data:      make([]byte, 0, BufferSize),
		hasher:    sha256.New(),
	}
}

func (a *heapAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("draft buffer overflow, answer too large")
	}
	b := []byte(chunk)
	if len(a.data)+len(b) > BufferSize {
		a.overflow = true
		return fmt.Errorf("draft buffer overflow: need %d bytes, have %d remaining",
			len(b), BufferSize-len(a.data))
	}

	a.data = append(a.data, b...)
	a.hasher.Write(b)
	return nil
}

func (a *heapAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("draft buffer overflowed during accumulation")
	}

	text := string(a.data)
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return text, sum, nil
}

func (a *heapAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *heapAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

func (a *heapAccumulator) ID() string { return a.id }

func (a *heapAccumulator) CreatedAt() time.Time { return a.createdAt }
