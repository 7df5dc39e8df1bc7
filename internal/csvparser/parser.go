package csvparser

import (
	"os"
)

// ParseFile reads recipients from the CSV file at path.
func ParseFile(path string, maxRows int) ([]RecipientRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseRecipientRows(f, maxRows)
}
