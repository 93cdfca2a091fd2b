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
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

// NewsConfig configures the news search adapter.
type NewsConfig struct {
	// BaseURL is the news API root.
	BaseURL string

	// ClientID and ClientSecret are the API credentials, sent as headers.
	ClientID     string
	ClientSecret string

	// Display is how many articles to request. Default 5.
	Display int

	// Sort orders results; "date" surfaces the newest coverage. Default
	// "date".
	Sort string

	// CallTimeout is the per-call budget. Default 8s.
	CallTimeout time.Duration

	// Limiter throttles outbound calls. Default 5 req/s.
	Limiter *rate.Limiter

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// NewsAdapter queries a credentialed news API. Low trust: headlines
// compress and sometimes distort.
type NewsAdapter struct {
	cfg NewsConfig
	now func() time.Time
}

var _ Adapter = (*NewsAdapter)(nil)

// NewNewsAdapter builds the adapter.
func NewNewsAdapter(cfg NewsConfig) *NewsAdapter {
	if cfg.Display <= 0 {
		cfg.Display = 5
	}
	if cfg.Sort == "" {
		cfg.Sort = "date"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 8 * time.Second
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Every(200*time.Millisecond), 1)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &NewsAdapter{cfg: cfg, now: time.Now}
}

// Kind implements Adapter.
func (a *NewsAdapter) Kind() datatypes.SourceKind { return datatypes.SourceNews }

// Timeout implements Adapter.
func (a *NewsAdapter) Timeout() time.Duration { return a.cfg.CallTimeout }

type newsResponse struct {
	Items []struct {
		Title       string `json:"title"`
		Link        string `json:"link"`
		Description string `json:"description"`
		PubDate     string `json:"pubDate"`
	} `json:"items"`
}

var tagRe = regexp.MustCompile(`<[^>]+>`)

// stripMarkup removes the API's highlight tags and entities from titles
// and descriptions.
func stripMarkup(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(s, "")))
}

// parsePubDate accepts the RFC 1123 variants news feeds emit.
func parsePubDate(s string) time.Time {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Fetch implements Adapter. Duplicate links are dropped; syndicated
// articles appear under many queries.
func (a *NewsAdapter) Fetch(ctx context.Context, req Request) ([]datatypes.EvidenceItem, error) {
	if err := waitLimiter(ctx, a.cfg.Limiter); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("query", searchQuery(req))
	q.Set("display", strconv.Itoa(a.cfg.Display))
	q.Set("sort", a.cfg.Sort)
	endpoint := fmt.Sprintf("%s/v1/search/news?%s", strings.TrimRight(a.cfg.BaseURL, "/"), q.Encode())

	headers := map[string]string{
		"X-Client-Id":     a.cfg.ClientID,
		"X-Client-Secret": a.cfg.ClientSecret,
	}

	var resp newsResponse
	found, err := getJSON(ctx, a.cfg.HTTPClient, endpoint, headers, &resp)
	if err != nil || !found {
		return nil, err
	}

	retrieved := a.now().UTC()
	seen := make(map[string]struct{}, len(resp.Items))
	items := make([]datatypes.EvidenceItem, 0, len(resp.Items))
	for _, it := range resp.Items {
		link := strings.TrimSpace(it.Link)
		if link != "" {
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
		}

		title := stripMarkup(it.Title)
		desc := stripMarkup(it.Description)
		payload := desc
		if title != "" && desc != "" {
			payload = title + ": " + desc
		} else if desc == "" {
			payload = title
		}
		if payload == "" {
			continue
		}

		items = append(items, datatypes.EvidenceItem{
			Source:      datatypes.SourceNews,
			SourceID:    link,
			Subject:     req.Subject,
			Field:       datatypes.FieldRecentInfo,
			Payload:     payload,
			Trust:       datatypes.SourceNews.Trust(),
			RetrievedAt: retrieved,
			PublishedAt: parsePubDate(it.PubDate),
		})
	}
	return items, nil
}
