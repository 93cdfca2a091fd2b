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
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

const (
	// QASessionClass is the Weaviate class for archived session metadata.
	QASessionClass = "QASession"

	// QATurnClass is the Weaviate class for archived turns.
	QATurnClass = "QATurn"
)

// Archiver copies completed sessions into Weaviate, the cold tier of the
// persistence model. Object ids are derived from session id and turn
// sequence, so re-archiving the same session is idempotent.
type Archiver struct {
	client *weaviate.Client
	logger *slog.Logger
}

// NewArchiver builds an archiver over an existing client.
func NewArchiver(client *weaviate.Client, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{client: client, logger: logger}
}

func qaSessionSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:               QASessionClass,
		Description:         "Metadata for one archived question-answering session.",
		Vectorizer:          "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{IndexTimestamps: true},
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The unique id of the conversation session.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "turn_count",
				DataType:        []string{"int"},
				Description:     "Number of turns archived for this session.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Session creation time, Unix milliseconds.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "updated_at",
				DataType:        []string{"number"},
				Description:     "Last turn completion time, Unix milliseconds.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func qaTurnSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:               QATurnClass,
		Description:         "One archived question and its delivered answer.",
		Vectorizer:          "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{IndexTimestamps: true},
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The session this turn belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "seq",
				DataType:        []string{"int"},
				Description:     "Turn position within the session, starting at 0.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:        "question",
				DataType:    []string{"text"},
				Description: "The raw user question.",
			},
			{
				Name:        "answer",
				DataType:    []string{"text"},
				Description: "The delivered answer text.",
			},
			{
				Name:            "answer_hash",
				DataType:        []string{"text"},
				Description:     "Hex SHA-256 of the answer, from the locked draft buffer.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "subject",
				DataType:        []string{"text"},
				Description:     "The medicine or ingredient the turn was about.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "route",
				DataType:        []string{"text"},
				Description:     "The retrieval route the turn took.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "state",
				DataType:        []string{"text"},
				Description:     "Terminal turn state, delivering or failed.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "requeried",
				DataType:        []string{"boolean"},
				Description:     "Whether the bounded re-query transition ran.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "started_at",
				DataType:        []string{"number"},
				Description:     "Turn start time, Unix milliseconds.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "completed_at",
				DataType:        []string{"number"},
				Description:     "Turn completion time, Unix milliseconds.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureSchema creates the archive classes if they are missing.
func (a *Archiver) EnsureSchema(ctx context.Context) error {
	for _, class := range []*models.Class{qaSessionSchema(), qaTurnSchema()} {
		_, err := a.client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err == nil {
			continue
		}
		a.logger.Info("creating archive class", "class", class.Class)
		if err := a.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create archive class %s: %w", class.Class, err)
		}
	}
	return nil
}

// deterministicID maps a stable name to a Weaviate object id.
func deterministicID(name string) strfmt.UUID {
	sum := sha256.Sum256([]byte(name))
	id, _ := uuid.FromBytes(sum[:16])
	return strfmt.UUID(id.String())
}

// ArchiveSession writes the session record and one object per turn in a
// single batch. Returns the number of objects the batch accepted.
func (a *Archiver) ArchiveSession(ctx context.Context, sess *datatypes.Session) (int, error) {
	objects := make([]*models.Object, 0, len(sess.Turns)+1)
	objects = append(objects, &models.Object{
		Class: QASessionClass,
		ID:    deterministicID("qasession:" + sess.ID),
		Properties: map[string]interface{}{
			"session_id": sess.ID,
			"turn_count": len(sess.Turns),
			"created_at": sess.CreatedAt.UnixMilli(),
			"updated_at": sess.UpdatedAt.UnixMilli(),
		},
	})
	for _, turn := range sess.Turns {
		objects = append(objects, &models.Object{
			Class: QATurnClass,
			ID:    deterministicID(fmt.Sprintf("qaturn:%s:%d", sess.ID, turn.Seq)),
			Properties: map[string]interface{}{
				"session_id":   sess.ID,
				"seq":          turn.Seq,
				"question":     turn.Query.Raw,
				"answer":       turn.Answer,
				"answer_hash":  turn.AnswerHash,
				"subject":      turn.Query.Subject,
				"route":        string(turn.Route),
				"state":        turn.State.String(),
				"requeried":    turn.Requeried,
				"started_at":   turn.StartedAt.UnixMilli(),
				"completed_at": turn.CompletedAt.UnixMilli(),
			},
		})
	}

	resp, err := a.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive session %s: %w", sess.ID, err)
	}

	accepted := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			accepted++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				a.logger.Warn("archive batch item failed",
					"session_id", sess.ID, "error", e.Message)
			}
		}
	}
	a.logger.Info("archived session",
		"session_id", sess.ID, "objects", len(objects), "accepted", accepted)
	return accepted, nil
}

// batchDelete removes every object of a class matching the filter and
// returns how many went. Weaviate reports per-object failures in the
// response rather than the error; those are logged and not retried.
func (a *Archiver) batchDelete(ctx context.Context, className string, where *filters.WhereBuilder) (int, error) {
	resp, err := a.client.Batch().ObjectsBatchDeleter().
		WithClassName(className).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("batch delete %s: %w", className, err)
	}
	if resp == nil || resp.Results == nil {
		return 0, nil
	}
	if resp.Results.Failed > 0 {
		a.logger.Warn("archive delete left objects behind",
			"class", className, "failed", resp.Results.Failed)
	}
	return int(resp.Results.Successful), nil
}

// DeleteSessionArchive removes a session's archived record and turns.
// Deleting a session through the API must reach the cold tier too; the
// hot tier and the store forgetting it is not enough.
func (a *Archiver) DeleteSessionArchive(ctx context.Context, sessionID string) error {
	deleted := 0
	for _, className := range []string{QATurnClass, QASessionClass} {
		where := filters.Where().
			WithPath([]string{"session_id"}).
			WithOperator(filters.Equal).
			WithValueText(sessionID)
		n, err := a.batchDelete(ctx, className, where)
		if err != nil {
			return fmt.Errorf("purge archive for session %s: %w", sessionID, err)
		}
		deleted += n
	}
	if deleted > 0 {
		a.logger.Info("purged archived session",
			"session_id", sessionID, "objects", deleted)
	}
	return nil
}

// PruneArchive deletes archived objects older than the retention window
// and returns how many were removed. Turns age by completion time and
// session records by their last update, both stored as Unix-millisecond
// numbers, so the cutoff is a number comparison.
func (a *Archiver) PruneArchive(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := float64(time.Now().Add(-olderThan).UnixMilli())

	targets := []struct {
		className string
		ageField  string
	}{
		{QATurnClass, "completed_at"},
		{QASessionClass, "updated_at"},
	}

	total := 0
	for _, t := range targets {
		where := filters.Where().
			WithPath([]string{t.ageField}).
			WithOperator(filters.LessThan).
			WithValueNumber(cutoff)
		n, err := a.batchDelete(ctx, t.className, where)
		if err != nil {
			return total, fmt.Errorf("prune archive: %w", err)
		}
		total += n
	}
	return total, nil
}
