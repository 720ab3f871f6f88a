package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/replaykit/replaykit/pattern"
)

// ImportReport summarizes a bulk import: how many records were stored,
// how many were skipped, and why.
type ImportReport struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// ImportJSON decodes a JSON array of pattern records and stores the
// valid ones. Malformed records are skipped and reported; import of
// the remaining records continues. Only a malformed outer array or a
// store failure aborts the import.
func ImportJSON(ctx context.Context, s PatternStore, data []byte) (*ImportReport, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pattern array: %w", err)
	}

	report := &ImportReport{}
	valid := make([]*pattern.Pattern, 0, len(raw))
	for i, rec := range raw {
		var p pattern.Pattern
		if err := json.Unmarshal(rec, &p); err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		if err := p.Validate(); err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		valid = append(valid, &p)
	}

	count, err := s.ImportAll(ctx, valid)
	if err != nil {
		return report, err
	}
	report.Imported = count
	return report, nil
}

// ExportJSON serializes every stored pattern as a JSON array in the
// interchange format.
func ExportJSON(ctx context.Context, s PatternStore) ([]byte, error) {
	patterns, err := s.ExportAll(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(patterns, "", "  ")
}
