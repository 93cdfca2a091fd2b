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
	"unicode"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

// TranslateFunc renders a product or ingredient name in English. The
// chemical database indexes compounds by English name only.
type TranslateFunc func(ctx context.Context, name string) (string, error)

// ChemicalConfig configures the chemical database adapter.
type ChemicalConfig struct {
	// BaseURL is the compound API root.
	BaseURL string

	// Translate localizes names before lookup. Optional; non-ASCII names
	// are skipped without it.
	Translate TranslateFunc

	// CallTimeout is the per-call budget. Default 8s.
	CallTimeout time.Duration

	// Limiter throttles outbound calls. Public chemical APIs enforce
	// request budgets. Default 3 req/s.
	Limiter *rate.Limiter

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// ChemicalAdapter looks up compounds in a public chemical database.
// High trust: curated scientific records.
type ChemicalAdapter struct {
	cfg ChemicalConfig
	now func() time.Time
}

var _ Adapter = (*ChemicalAdapter)(nil)

// NewChemicalAdapter builds the adapter.
func NewChemicalAdapter(cfg ChemicalConfig) *ChemicalAdapter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 8 * time.Second
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Every(350*time.Millisecond), 1)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &ChemicalAdapter{cfg: cfg, now: time.Now}
}

// Kind implements Adapter.
func (a *ChemicalAdapter) Kind() datatypes.SourceKind { return datatypes.SourceChemical }

// Timeout implements Adapter.
func (a *ChemicalAdapter) Timeout() time.Duration { return a.cfg.CallTimeout }

type descriptionResponse struct {
	InformationList struct {
		Information []struct {
			CID         int    `json:"CID"`
			Description string `json:"Description"`
		} `json:"Information"`
	} `json:"InformationList"`
}

type propertyResponse struct {
	PropertyTable struct {
		Properties []struct {
			CID              int    `json:"CID"`
			MolecularFormula string `json:"MolecularFormula"`
			MolecularWeight  string `json:"MolecularWeight"`
			IUPACName        string `json:"IUPACName"`
		} `json:"Properties"`
	} `json:"PropertyTable"`
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// lookupName resolves the name the database is indexed under.
func (a *ChemicalAdapter) lookupName(ctx context.Context, req Request) (string, error) {
	name := req.EnglishSubject
	if name == "" {
		name = req.Subject
	}
	if name == "" {
		return "", nil
	}
	if isASCII(name) {
		return name, nil
	}
	if a.cfg.Translate == nil {
		return "", nil
	}
	return a.cfg.Translate(ctx, name)
}

// Fetch implements Adapter. The compound description carries the
// pharmacology summary, so it answers the efficacy field; molecular
// properties ride along as context.
func (a *ChemicalAdapter) Fetch(ctx context.Context, req Request) ([]datatypes.EvidenceItem, error) {
	name, err := a.lookupName(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("translate %q: %w", req.Subject, err)
	}
	if name == "" {
		return nil, nil
	}

	if err := waitLimiter(ctx, a.cfg.Limiter); err != nil {
		return nil, err
	}

	base := strings.TrimRight(a.cfg.BaseURL, "/")
	escaped := url.PathEscape(name)

	var desc descriptionResponse
	found, err := getJSON(ctx, a.cfg.HTTPClient,
		fmt.Sprintf("%s/rest/pug/compound/name/%s/description/JSON", base, escaped), nil, &desc)
	if err != nil {
		return nil, err
	}
	if !found {
		// Unknown compound: brand names often miss where ingredients hit.
		return nil, nil
	}

	var description string
	cid := 0
	for _, info := range desc.InformationList.Information {
		if info.CID != 0 && cid == 0 {
			cid = info.CID
		}
		if info.Description != "" {
			description = info.Description
			break
		}
	}
	if description == "" {
		return nil, nil
	}

	if err := waitLimiter(ctx, a.cfg.Limiter); err != nil {
		return nil, err
	}
	var props propertyResponse
	if ok, err := getJSON(ctx, a.cfg.HTTPClient,
		fmt.Sprintf("%s/rest/pug/compound/name/%s/property/MolecularFormula,MolecularWeight,IUPACName/JSON", base, escaped),
		nil, &props); err == nil && ok {
		for _, p := range props.PropertyTable.Properties {
			if p.MolecularFormula != "" {
				description = fmt.Sprintf("%s Molecular formula %s, molecular weight %s.",
					description, p.MolecularFormula, p.MolecularWeight)
				if cid == 0 {
					cid = p.CID
				}
				break
			}
		}
	}

	sourceID := name
	if cid != 0 {
		sourceID = fmt.Sprintf("CID:%d", cid)
	}
	return []datatypes.EvidenceItem{{
		Source:      datatypes.SourceChemical,
		SourceID:    sourceID,
		Subject:     req.Subject,
		Field:       datatypes.FieldEfficacy,
		Payload:     description,
		Trust:       datatypes.SourceChemical.Trust(),
		RetrievedAt: a.now().UTC(),
	}}, nil
}
