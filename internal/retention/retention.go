// Package retention prunes old run directories from an output directory.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// marker files identify a directory as a clockbench run.
var markers = []string{"results.json", "summary.csv", "checkpoints"}

// RunDir describes one run directory.
type RunDir struct {
	ID        string
	Path      string
	Size      int64
	CreatedAt time.Time
}

// Policy decides which runs to keep.
type Policy interface {
	Apply(runs []RunDir) (keep []RunDir)
}

// CountPolicy keeps the N most recent runs.
type CountPolicy struct {
	MaxCount int
}

// Apply keeps the first MaxCount runs (assumed sorted newest-first).
func (p *CountPolicy) Apply(runs []RunDir) []RunDir {
	if len(runs) <= p.MaxCount {
		return runs
	}
	return runs[:p.MaxCount]
}

// AgePolicy keeps runs newer than MaxAge.
type AgePolicy struct {
	MaxAge time.Duration
	now    func() time.Time
}

// Apply keeps runs whose CreatedAt is within MaxAge of now.
func (p *AgePolicy) Apply(runs []RunDir) []RunDir {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	cutoff := now().Add(-p.MaxAge)
	var keep []RunDir
	for _, r := range runs {
		if r.CreatedAt.After(cutoff) {
			keep = append(keep, r)
		}
	}
	return keep
}

// AnyPolicy keeps a run if any sub-policy wants it.
type AnyPolicy struct {
	Policies []Policy
}

// Apply returns the union of runs kept by any sub-policy, in input order.
func (p *AnyPolicy) Apply(runs []RunDir) []RunDir {
	kept := make(map[string]bool)
	for _, policy := range p.Policies {
		for _, r := range policy.Apply(runs) {
			kept[r.Path] = true
		}
	}

	var result []RunDir
	for _, r := range runs {
		if kept[r.Path] {
			result = append(result, r)
		}
	}
	return result
}

// List returns the run directories under dir, newest first.
func List(dir string) ([]RunDir, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading output directory: %w", err)
	}

	var runs []RunDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if !isRunDir(path) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, RunDir{
			ID:        e.Name(),
			Path:      path,
			Size:      dirSize(path),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	return runs, nil
}

func isRunDir(path string) bool {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(path, m)); err == nil {
			return true
		}
	}
	return false
}

func dirSize(path string) int64 {
	var total int64
	filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// Apply removes the run directories under dir that policy does not keep
// and returns the removed runs. With dryRun nothing is deleted.
func Apply(dir string, policy Policy, dryRun bool) ([]RunDir, error) {
	runs, err := List(dir)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool)
	for _, r := range policy.Apply(runs) {
		keep[r.Path] = true
	}

	var removed []RunDir
	for _, r := range runs {
		if keep[r.Path] {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(r.Path); err != nil {
				return removed, fmt.Errorf("removing %s: %w", r.ID, err)
			}
		}
		removed = append(removed, r)
	}
	return removed, nil
}

// ParseDuration parses duration strings like "30d", "2w", "720h".
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}
	suffix := s[len(s)-1]
	num, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	switch suffix {
	case 'd':
		return time.Duration(num) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown duration suffix %q in %q", string(suffix), s)
	}
}
