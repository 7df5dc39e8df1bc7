package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"PacedSend/internal/models"
)

// DefaultMaxRows bounds a batch when the caller passes no limit.
const DefaultMaxRows = 10000

var ErrNoRecipients = fmt.Errorf("csv: %w", models.ErrEmptyBatch)

// RecipientRow represents a single recipient extracted from a CSV.
// Email is taken from the "Email" column (case-insensitive), Subject and Body
// from the optional columns of the same names. Fields holds every other column.
type RecipientRow struct {
	Email   string
	Subject string
	Body    string
	Fields  map[string]string
}

// ParseRecipientRows parses a CSV from an io.Reader. The CSV must contain a header row
// with an "Email" column (case-insensitive). Rows with an empty email are dropped.
//
// maxRows limits how many data rows are parsed (excluding header).
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoRecipients
	}
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	emailIdx, subjectIdx, bodyIdx := -1, -1, -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		switch {
		case strings.EqualFold(h, "email"):
			emailIdx = i
		case strings.EqualFold(h, "subject"):
			subjectIdx = i
		case strings.EqualFold(h, "body"):
			bodyIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	rows := make([]RecipientRow, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) > len(headers) {
			// skip malformed row
			continue
		}

		email := column(record, emailIdx)
		if email == "" {
			continue
		}

		fields := make(map[string]string)
		for i := range record {
			if i == emailIdx || i == subjectIdx || i == bodyIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			fields[key] = strings.TrimSpace(record[i])
		}

		rows = append(rows, RecipientRow{
			Email:   email,
			Subject: column(record, subjectIdx),
			Body:    column(record, bodyIdx),
			Fields:  fields,
		})
	}

	if len(rows) == 0 {
		return nil, ErrNoRecipients
	}

	return rows, nil
}

// column returns the trimmed value at idx, or "" when the row is short.
func column(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
