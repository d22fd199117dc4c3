package dataset

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/pathutil"
	"github.com/gocarina/gocsv"
)

// Label is a metadata label value; Valid is false when the value is missing.
type Label struct {
	Value float64
	Valid bool
}

// Metadata maps normalized sample ids to labels.
type Metadata struct {
	labels map[string]Label

	// Duplicates counts rows whose normalized id was already seen. The first
	// row with a valid label wins.
	Duplicates int
	// Unparseable counts non-empty labels that were not numbers.
	Unparseable int
}

// NormalizeID canonicalizes a sample identifier for joining: surrounding
// whitespace is removed and letters are upper-cased.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// NewMetadata builds a Metadata table from raw id/label pairs. A nil label
// pointer is a missing label. When ids repeat after normalization, the first
// valid label is kept; a missing label never replaces a valid one.
func NewMetadata(ids []string, labels []*float64) *Metadata {
	m := &Metadata{labels: make(map[string]Label, len(ids))}
	for i, id := range ids {
		key := NormalizeID(id)
		var l Label
		if labels[i] != nil && !math.IsNaN(*labels[i]) {
			l = Label{Value: *labels[i], Valid: true}
		}
		if prev, dup := m.labels[key]; dup {
			m.Duplicates++
			if prev.Valid || !l.Valid {
				continue
			}
		}
		m.labels[key] = l
	}
	return m
}

// Lookup returns the label for a sample id and whether the id has a
// metadata row at all. The id is normalized before lookup.
func (m *Metadata) Lookup(id string) (Label, bool) {
	l, ok := m.labels[NormalizeID(id)]
	return l, ok
}

// Len returns the number of distinct sample ids in the table.
func (m *Metadata) Len() int {
	return len(m.labels)
}

// LoadMetadata reads a CSV table with a header row and extracts the sample-id
// and label columns. Missing labels (empty, NA, NaN, null) are kept as
// invalid labels so alignment can drop them; they are never imputed.
func LoadMetadata(path, sampleColumn, labelColumn string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata %s: %w", pathutil.RedactPath(path), err)
	}
	defer f.Close()

	rows, err := gocsv.CSVToMaps(f)
	if err != nil {
		return nil, fmt.Errorf("parsing metadata %s: %w", pathutil.RedactPath(path), err)
	}
	if len(rows) == 0 {
		return nil, &AlignmentError{Reason: fmt.Sprintf("metadata %s has no rows", pathutil.RedactPath(path))}
	}
	if _, ok := rows[0][sampleColumn]; !ok {
		return nil, &AlignmentError{Reason: fmt.Sprintf("metadata has no %q column", sampleColumn)}
	}
	if _, ok := rows[0][labelColumn]; !ok {
		return nil, &AlignmentError{Reason: fmt.Sprintf("metadata has no %q column", labelColumn)}
	}

	ids := make([]string, len(rows))
	labels := make([]*float64, len(rows))
	unparseable := 0
	for i, row := range rows {
		ids[i] = row[sampleColumn]
		v, ok, bad := parseLabel(row[labelColumn])
		if bad {
			unparseable++
		}
		if ok {
			labels[i] = &v
		}
	}

	m := NewMetadata(ids, labels)
	m.Unparseable = unparseable
	return m, nil
}

// parseLabel parses a label cell. ok is false for missing values; bad is set
// when a non-empty value could not be parsed.
func parseLabel(s string) (v float64, ok bool, bad bool) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "null", "none":
		return 0, false, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, true
	}
	return v, true, false
}
