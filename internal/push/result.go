package push

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// ResultSet holds a stringified query result.
type ResultSet struct {
	Columns   []string   `json:"columns"`
	Rows      [][]string `json:"rows"`
	Truncated bool       `json:"truncated"`
}

// Len returns the number of rows.
func (r ResultSet) Len() int {
	return len(r.Rows)
}

// Empty reports whether the result carries no rows.
func (r ResultSet) Empty() bool {
	return len(r.Rows) == 0
}

// CSV renders the result set with a header row.
func (r ResultSet) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(r.Columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	if err := w.WriteAll(r.Rows); err != nil {
		return nil, fmt.Errorf("write csv rows: %w", err)
	}
	return buf.Bytes(), nil
}

// Canonical returns a stable byte form of the result used for change detection.
func (r ResultSet) Canonical() []byte {
	var b strings.Builder
	b.WriteString(strings.Join(r.Columns, "\x1f"))
	for _, row := range r.Rows {
		b.WriteByte('\x1e')
		b.WriteString(strings.Join(row, "\x1f"))
	}
	return []byte(b.String())
}
