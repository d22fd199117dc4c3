package dataset

import (
	"fmt"
	"strings"
)

// ProbeSet selects feature columns by probe identifier. When All is set
// the selection is the identity.
type ProbeSet struct {
	Name string
	All  bool
	IDs  map[string]struct{}
}

// AllProbes returns the identity probe set.
func AllProbes(name string) ProbeSet {
	return ProbeSet{Name: name, All: true}
}

// NewProbeSet builds a probe set from a list of identifiers.
func NewProbeSet(name string, ids []string) ProbeSet {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return ProbeSet{Name: name, IDs: set}
}

// LoadProbeSet reads a newline-delimited probe list. Blank lines and lines
// starting with '#' are skipped.
func LoadProbeSet(name, path string) (ProbeSet, error) {
	lines, err := loadLines(path)
	if err != nil {
		return ProbeSet{}, fmt.Errorf("loading probe set %q: %w", name, err)
	}
	ids := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(l, "#") {
			continue
		}
		ids = append(ids, l)
	}
	return NewProbeSet(name, ids), nil
}

// Contains reports whether probe id is selected.
func (p ProbeSet) Contains(id string) bool {
	if p.All {
		return true
	}
	_, ok := p.IDs[id]
	return ok
}

// Size returns the number of requested ids, or -1 for the identity set.
func (p ProbeSet) Size() int {
	if p.All {
		return -1
	}
	return len(p.IDs)
}
