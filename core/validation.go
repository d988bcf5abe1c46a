// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"fmt"
	"strings"
)

// ValidateCollection validates a Collection according to domain rules.
//
// Validation rules:
//   - Name must not be empty after trimming
//   - FinetuningProgress, when set, must be between 0 and 100
//
// NOT validated (populated by storage):
//   - ID (assigned from the collection sequence)
//   - Timestamps
func ValidateCollection(c *Collection) error {
	if c == nil {
		return fmt.Errorf("%w: collection is nil", ErrInvalidCollection)
	}

	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidCollection, ErrEmptyName)
	}

	if c.FinetuningProgress != nil {
		if err := ValidateProgress(*c.FinetuningProgress); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCollection, err)
		}
	}

	return nil
}

// ValidateProgress checks that a progress value is a percentage.
func ValidateProgress(progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: value %d", ErrInvalidProgress, progress)
	}
	return nil
}

// NormalizeRows turns submitted text rows into ledger items.
//
// Each row is trimmed and blank rows are skipped. A row holds a source URL
// and an optional reference URL separated by the first comma or tab. Both
// fields are trimmed and stripped of surrounding double quotes. A missing
// reference defaults to the source URL.
//
// The first row without a source fails the whole batch, so a ledger is
// never replaced with partially normalized content.
func NormalizeRows(rows []string) (Ledger, error) {
	ledger := make(Ledger, 0, len(rows))
	for i, row := range rows {
		item, ok, err := NormalizeRow(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %w", ErrInvalidContentItem, i+1, err)
		}
		if !ok {
			continue
		}
		ledger = append(ledger, item)
	}
	return ledger, nil
}

// NormalizeRow normalizes a single row.
// ok is false for blank rows, which callers skip.
func NormalizeRow(row string) (item ContentItem, ok bool, err error) {
	row = strings.TrimSpace(row)
	if row == "" {
		return ContentItem{}, false, nil
	}

	source, reference := row, ""
	if idx := strings.IndexAny(row, ",\t"); idx >= 0 {
		source, reference = row[:idx], row[idx+1:]
	}

	source = unquote(source)
	reference = unquote(reference)
	if source == "" {
		return ContentItem{}, false, ErrEmptySource
	}
	if reference == "" {
		reference = source
	}

	return ContentItem{SourceURL: source, ReferenceURL: reference}, true, nil
}

// NormalizeItems applies the row rules to already split items.
func NormalizeItems(items []ContentItem) (Ledger, error) {
	ledger := make(Ledger, 0, len(items))
	for i, item := range items {
		source := unquote(item.SourceURL)
		reference := unquote(item.ReferenceURL)
		if source == "" && reference == "" {
			continue
		}
		if source == "" {
			return nil, fmt.Errorf("%w: item %d: %w", ErrInvalidContentItem, i+1, ErrEmptySource)
		}
		if reference == "" {
			reference = source
		}
		ledger = append(ledger, ContentItem{SourceURL: source, ReferenceURL: reference})
	}
	return ledger, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
