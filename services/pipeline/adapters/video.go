// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

// VideoConfig configures the video platform adapter.
type VideoConfig struct {
	// BaseURL is the video API root.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// MaxVideos bounds how many videos get their transcripts fetched.
	// Default 2.
	MaxVideos int

	// ChunksPerVideo bounds transcript chunks kept per video. Default 2.
	ChunksPerVideo int

	// ChunkSize and ChunkOverlap shape transcript splitting. Defaults
	// 800/80 characters.
	ChunkSize    int
	ChunkOverlap int

	// CallTimeout is the per-call budget for the whole fetch, transcripts
	// included. Default 15s.
	CallTimeout time.Duration

	// Limiter throttles outbound calls. Default 2 req/s.
	Limiter *rate.Limiter

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// VideoAdapter searches a video platform and pulls transcript excerpts.
// Lowest-value low-trust source: transcripts are auto-generated speech.
type VideoAdapter struct {
	cfg      VideoConfig
	splitter textsplitter.TextSplitter
	now      func() time.Time
}

var _ Adapter = (*VideoAdapter)(nil)

// NewVideoAdapter builds the adapter.
func NewVideoAdapter(cfg VideoConfig) *VideoAdapter {
	if cfg.MaxVideos <= 0 {
		cfg.MaxVideos = 2
	}
	if cfg.ChunksPerVideo <= 0 {
		cfg.ChunksPerVideo = 2
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 800
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = 80
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.ChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " "}),
	)
	return &VideoAdapter{cfg: cfg, splitter: splitter, now: time.Now}
}

// Kind implements Adapter.
func (a *VideoAdapter) Kind() datatypes.SourceKind { return datatypes.SourceVideo }

// Timeout implements Adapter.
func (a *VideoAdapter) Timeout() time.Duration { return a.cfg.CallTimeout }

type videoSearchResponse struct {
	Videos []struct {
		ID          string    `json:"id"`
		Title       string    `json:"title"`
		Channel     string    `json:"channel"`
		PublishedAt time.Time `json:"published_at,omitzero"`
	} `json:"videos"`
}

type transcriptResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text string `json:"text"`
	} `json:"segments"`
}

func (t transcriptResponse) fullText() string {
	if t.Text != "" {
		return t.Text
	}
	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Fetch implements Adapter. A video without a transcript contributes
// nothing; titles alone are bare links to merge.
func (a *VideoAdapter) Fetch(ctx context.Context, req Request) ([]datatypes.EvidenceItem, error) {
	if err := waitLimiter(ctx, a.cfg.Limiter); err != nil {
		return nil, err
	}

	base := strings.TrimRight(a.cfg.BaseURL, "/")
	headers := map[string]string{}
	if a.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + a.cfg.APIKey
	}

	q := url.Values{}
	q.Set("q", searchQuery(req))
	var search videoSearchResponse
	found, err := getJSON(ctx, a.cfg.HTTPClient, fmt.Sprintf("%s/videos/search?%s", base, q.Encode()), headers, &search)
	if err != nil || !found {
		return nil, err
	}

	retrieved := a.now().UTC()
	var items []datatypes.EvidenceItem
	fetched := 0
	for _, v := range search.Videos {
		if fetched >= a.cfg.MaxVideos {
			break
		}
		if err := waitLimiter(ctx, a.cfg.Limiter); err != nil {
			return items, err
		}

		var transcript transcriptResponse
		ok, err := getJSON(ctx, a.cfg.HTTPClient, fmt.Sprintf("%s/videos/%s/transcript", base, url.PathEscape(v.ID)), headers, &transcript)
		if err != nil {
			// One missing transcript should not sink the other videos.
			continue
		}
		fetched++
		if !ok {
			continue
		}
		text := strings.TrimSpace(transcript.fullText())
		if text == "" {
			continue
		}

		chunks, err := a.splitter.SplitText(text)
		if err != nil {
			continue
		}
		for i, chunk := range chunks {
			if i >= a.cfg.ChunksPerVideo {
				break
			}
			payload := chunk
			if v.Title != "" {
				payload = v.Title + ": " + chunk
			}
			items = append(items, datatypes.EvidenceItem{
				Source:      datatypes.SourceVideo,
				SourceID:    v.ID,
				Subject:     req.Subject,
				Field:       datatypes.FieldRecentInfo,
				Payload:     payload,
				Trust:       datatypes.SourceVideo.Trust(),
				RetrievedAt: retrieved,
				PublishedAt: v.PublishedAt,
			})
		}
	}
	return items, nil
}
