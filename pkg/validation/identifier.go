// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for values that cross a
// query or filesystem boundary.
//
// Evaluation identifiers travel further than most input in this system:
// scenario ids become InfluxDB tags and the leading segment of run ids,
// and run ids are spliced into Flux queries and export file names.
// These validators reject anything that could smuggle query syntax or
// path separators through those surfaces.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// scenarioIDPattern matches scenario identifiers from evaluation
// configs. Lowercase alphanumerics plus hyphens and underscores, up to
// 64 characters, starting with an alphanumeric.
var scenarioIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// runIDPattern matches run identifiers, which append a version and a
// timestamp to the scenario id: {id}_v{version}_{YYYYMMDD_HHMMSS}.
// Versions may carry dots, so the run alphabet adds them.
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// ValidateScenarioID validates the metadata.id of an evaluation
// scenario.
//
// Valid ids:
//   - 1-64 characters
//   - lowercase letters and digits
//   - hyphens and underscores after the first character
//
// Example:
//
//	if err := validation.ValidateScenarioID(meta.ID); err != nil {
//	    return fmt.Errorf("scenario metadata.id: %w", err)
//	}
func ValidateScenarioID(id string) error {
	if id == "" {
		return fmt.Errorf("scenario id cannot be empty")
	}

	if !scenarioIDPattern.MatchString(id) {
		return fmt.Errorf("invalid scenario id %q (must be 1-64 lowercase alphanumeric chars, hyphens, or underscores)", id)
	}

	return nil
}

// ValidateRunID validates a run identifier before it is interpolated
// into a Flux query or used to name an export file.
//
// Valid run ids:
//   - 1-128 characters
//   - letters, digits, dots, hyphens, underscores
//   - starts with a letter or digit
//
// Returns an error if the run id is invalid.
//
// Example:
//
//	if err := validation.ValidateRunID(runID); err != nil {
//	    return fmt.Errorf("invalid run id: %w", err)
//	}
//	// Safe to use in a Flux query
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run id cannot be empty")
	}

	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("invalid run id format: %q (must be 1-128 alphanumeric chars, dots, hyphens, or underscores)", id)
	}

	return nil
}

// SanitizeRunID trims surrounding whitespace and validates. Use on run
// ids arriving from the command line:
//
//	runID, err := validation.SanitizeRunID(args[0])
//	if err != nil {
//	    return err
//	}
//	// runID is trimmed and validated
func SanitizeRunID(id string) (string, error) {
	normalized := strings.TrimSpace(id)
	if err := ValidateRunID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
