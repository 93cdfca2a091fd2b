// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Session is one conversation: an ordered, append-only sequence of turns.
// A session exclusively owns its turns; nothing is shared across sessions.
type Session struct {
	ID        string    `json:"id"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Append adds a finalized turn, stamping its sequence number.
func (s *Session) Append(t Turn) {
	t.Seq = len(s.Turns)
	s.Turns = append(s.Turns, t)
	s.UpdatedAt = t.CompletedAt
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
}

// Context returns the transcript of the last k completed turns, oldest
// first. This is the rolling window handed to classification and drafting.
func (s *Session) Context(k int) []Message {
	if k <= 0 || len(s.Turns) == 0 {
		return nil
	}
	start := len(s.Turns) - k
	if start < 0 {
		start = 0
	}
	var msgs []Message
	for i := start; i < len(s.Turns); i++ {
		msgs = append(msgs, s.Turns[i].Messages()...)
	}
	return msgs
}

// LastSubject returns the most recent turn's detected subject, letting a
// follow-up question like "what about its side effects" inherit it.
func (s *Session) LastSubject() string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if subj := s.Turns[i].Query.Subject; subj != "" {
			return subj
		}
	}
	return ""
}
