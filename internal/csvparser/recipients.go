// Package csvparser reads recipient lists for template fan-out sends.
package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrEmptyHeader        = errors.New("csv header row is empty")
	ErrMissingEmailColumn = errors.New("csv must contain an Email column")
	ErrNoRows             = errors.New("csv must contain at least one data row")
)

// RecipientRow is one recipient of an uploaded CSV. Fields holds every other
// column by header name.
type RecipientRow struct {
	Line   int
	Email  string
	Fields map[string]string
}

// Variables returns Fields in the form the template renderer takes.
func (r RecipientRow) Variables() map[string]any {
	vars := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		vars[k] = v
	}
	return vars
}

// ParseRecipientRows reads a CSV whose header has an Email column (any case).
// Rows with the wrong number of columns or an empty email are skipped, and a
// recipient listed twice is kept once. At most maxRows recipients are
// returned.
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	emailIdx := -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		h = strings.TrimSpace(h)
		normalized[i] = h
		if emailIdx == -1 && strings.EqualFold(h, "email") {
			emailIdx = i
		}
	}
	if emailIdx == -1 {
		if len(headers) == 1 && normalized[0] == "" {
			return nil, ErrEmptyHeader
		}
		return nil, ErrMissingEmailColumn
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	seen := make(map[string]struct{})
	rows := make([]RecipientRow, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if len(record) != len(headers) {
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}
		key := strings.ToLower(email)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		line, _ := reader.FieldPos(0)

		fields := make(map[string]string, len(headers)-1)
		for i, v := range record {
			if i == emailIdx || normalized[i] == "" {
				continue
			}
			fields[normalized[i]] = strings.TrimSpace(v)
		}

		rows = append(rows, RecipientRow{
			Line:   line,
			Email:  email,
			Fields: fields,
		})
	}

	if len(rows) == 0 {
		return nil, ErrNoRows
	}

	return rows, nil
}
