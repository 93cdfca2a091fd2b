// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package preprocess

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/MediQuery/services/pipeline/cache"
)

// LexiconEntry is one known product or ingredient.
type LexiconEntry struct {
	// Canonical is the name the pipeline uses everywhere downstream.
	Canonical string `yaml:"canonical"`

	// Ingredient is the active ingredient, also matchable.
	Ingredient string `yaml:"ingredient,omitempty"`

	// Aliases are alternate spellings and brand variants.
	Aliases []string `yaml:"aliases,omitempty"`
}

type lexiconFile struct {
	Entries []LexiconEntry `yaml:"entries"`
}

// Lexicon is the known-entity index behind deterministic subject
// detection. Matching is exact or near-exact: the question and every alias
// pass through the same canonicalization the cache uses for fingerprints,
// so case, punctuation, and parentheticals never break a match.
//
// # Thread Safety
//
// Safe for concurrent use. Reload swaps the index under a write lock;
// Match takes a read lock.
type Lexicon struct {
	mu       sync.RWMutex
	byAlias  map[string]string
	maxWords int

	path   string
	logger *slog.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewLexicon builds an in-memory lexicon from entries.
func NewLexicon(entries []LexiconEntry, logger *slog.Logger) *Lexicon {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lexicon{logger: logger, done: make(chan struct{})}
	l.reindex(entries)
	return l
}

// LoadLexicon reads a YAML lexicon file. Call Watch to keep it hot.
func LoadLexicon(path string, logger *slog.Logger) (*Lexicon, error) {
	l := NewLexicon(nil, logger)
	l.path = path
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the lexicon file and swaps the index. A broken file
// leaves the previous index in place.
func (l *Lexicon) Reload() error {
	if l.path == "" {
		return nil
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read lexicon %s: %w", l.path, err)
	}
	var f lexiconFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse lexicon %s: %w", l.path, err)
	}
	l.reindex(f.Entries)
	l.logger.Info("lexicon loaded", "path", l.path, "aliases", l.Len())
	return nil
}

func (l *Lexicon) reindex(entries []LexiconEntry) {
	byAlias := make(map[string]string)
	maxWords := 1
	add := func(alias, canonical string) {
		key := cache.Canonicalize(alias)
		if key == "" {
			return
		}
		byAlias[key] = canonical
		if n := len(strings.Fields(key)); n > maxWords {
			maxWords = n
		}
	}
	for _, e := range entries {
		if e.Canonical == "" {
			continue
		}
		add(e.Canonical, e.Canonical)
		add(e.Ingredient, e.Canonical)
		for _, a := range e.Aliases {
			add(a, e.Canonical)
		}
	}

	l.mu.Lock()
	l.byAlias = byAlias
	l.maxWords = maxWords
	l.mu.Unlock()
}

// Match scans a question for a known entity. The longest alias wins; among
// equal lengths the leftmost wins, so results are deterministic. Returns
// the canonical name.
func (l *Lexicon) Match(question string) (string, bool) {
	tokens := strings.Fields(cache.Canonicalize(question))
	if len(tokens) == 0 {
		return "", false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	longest := l.maxWords
	if longest > len(tokens) {
		longest = len(tokens)
	}
	for n := longest; n >= 1; n-- {
		for i := 0; i+n <= len(tokens); i++ {
			key := strings.Join(tokens[i:i+n], " ")
			if canonical, ok := l.byAlias[key]; ok {
				return canonical, true
			}
		}
	}
	return "", false
}

// Len reports the number of indexed aliases.
func (l *Lexicon) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byAlias)
}

// Watch reloads the lexicon whenever its file changes on disk. Events are
// debounced so editors that write in bursts trigger one reload. No-op for
// lexicons not backed by a file.
func (l *Lexicon) Watch(ctx context.Context, debounce time.Duration) error {
	if l.path == "" {
		return nil
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("lexicon watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename
	// and a file-level watch dies with the old inode.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("lexicon watcher: %w", err)
	}
	l.watcher = watcher

	go l.watchLoop(ctx, debounce)
	return nil
}

func (l *Lexicon) watchLoop(ctx context.Context, debounce time.Duration) {
	var timer *time.Timer
	var fire <-chan time.Time

	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("lexicon watcher error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			if err := l.Reload(); err != nil {
				l.logger.Warn("lexicon reload failed, keeping previous index", "error", err)
			}
		}
	}
}

// Close stops the watcher if one is running.
func (l *Lexicon) Close() {
	l.stopOnce.Do(func() {
		close(l.done)
		if l.watcher != nil {
			l.watcher.Close()
		}
	})
}

// DefaultLexicon covers common over-the-counter products so fresh
// deployments resolve the frequent cases without a generative call.
func DefaultLexicon(logger *slog.Logger) *Lexicon {
	return NewLexicon([]LexiconEntry{
		{Canonical: "Tylenol", Ingredient: "acetaminophen", Aliases: []string{"paracetamol", "tylenol extra strength"}},
		{Canonical: "Advil", Ingredient: "ibuprofen", Aliases: []string{"motrin"}},
		{Canonical: "Aleve", Ingredient: "naproxen", Aliases: []string{"naproxen sodium"}},
		{Canonical: "Aspirin", Ingredient: "acetylsalicylic acid", Aliases: []string{"bayer aspirin"}},
		{Canonical: "Benadryl", Ingredient: "diphenhydramine"},
		{Canonical: "Claritin", Ingredient: "loratadine"},
		{Canonical: "Zyrtec", Ingredient: "cetirizine"},
		{Canonical: "Allegra", Ingredient: "fexofenadine"},
		{Canonical: "Prilosec", Ingredient: "omeprazole"},
		{Canonical: "Pepcid", Ingredient: "famotidine"},
		{Canonical: "Imodium", Ingredient: "loperamide"},
		{Canonical: "Robitussin", Ingredient: "dextromethorphan", Aliases: []string{"robitussin dm"}},
		{Canonical: "Mucinex", Ingredient: "guaifenesin"},
		{Canonical: "Sudafed", Ingredient: "pseudoephedrine"},
		{Canonical: "Tums", Ingredient: "calcium carbonate"},
		{Canonical: "Dramamine", Ingredient: "dimenhydrinate"},
		{Canonical: "Melatonin"},
		{Canonical: "Pepto-Bismol", Ingredient: "bismuth subsalicylate", Aliases: []string{"pepto bismol", "pepto"}},
	}, logger)
}
