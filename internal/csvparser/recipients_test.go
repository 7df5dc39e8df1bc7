package csvparser_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PacedSend/internal/csvparser"
	"PacedSend/internal/models"
)

func TestParseRecipientRows(t *testing.T) {
	t.Parallel()

	in := "\ufeffEMAIL, Subject ,body,name\n" +
		"a@example.com,Hi,Hello there,Ann\n" +
		",Skipped,,Nobody\n" +
		" b@example.com ,,,Bob\n" +
		"c@example.com\n"

	rows, err := csvparser.ParseRecipientRows(strings.NewReader(in), 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, csvparser.RecipientRow{
		Email:   "a@example.com",
		Subject: "Hi",
		Body:    "Hello there",
		Fields:  map[string]string{"name": "Ann"},
	}, rows[0])
	assert.Equal(t, "b@example.com", rows[1].Email)
	assert.Empty(t, rows[1].Subject)
	assert.Equal(t, "c@example.com", rows[2].Email)
	assert.Empty(t, rows[2].Body)
}

func TestParseRecipientRowsMaxRows(t *testing.T) {
	t.Parallel()

	in := "email\na@example.com\nb@example.com\nc@example.com\n"

	rows, err := csvparser.ParseRecipientRows(strings.NewReader(in), 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestParseRecipientRowsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		empty bool
	}{
		{name: "empty input", in: "", empty: true},
		{name: "header only", in: "email,subject\n", empty: true},
		{name: "no emails", in: "email\n\n,\n", empty: true},
		{name: "missing email column", in: "name,subject\nAnn,Hi\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rows, err := csvparser.ParseRecipientRows(strings.NewReader(tt.in), 0)
			require.Error(t, err)
			assert.Nil(t, rows)
			assert.Equal(t, tt.empty, errors.Is(err, models.ErrEmptyBatch))
		})
	}
}

func TestParseFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "recipients.csv")
	require.NoError(t, os.WriteFile(path, []byte("email,subject\na@example.com,Hi\n"), 0o600))

	rows, err := csvparser.ParseFile(path, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Hi", rows[0].Subject)

	_, err = csvparser.ParseFile(filepath.Join(t.TempDir(), "missing.csv"), 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
