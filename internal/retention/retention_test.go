package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func runsAt(now time.Time, hoursAgo ...int) []RunDir {
	runs := make([]RunDir, len(hoursAgo))
	for i, h := range hoursAgo {
		id := "run-" + string(rune('a'+i))
		runs[i] = RunDir{ID: id, Path: "/out/" + id, CreatedAt: now.Add(-time.Duration(h) * time.Hour)}
	}
	return runs
}

func TestCountPolicy(t *testing.T) {
	runs := runsAt(time.Now(), 0, 1, 2, 3, 4)

	keep := (&CountPolicy{MaxCount: 3}).Apply(runs)
	if len(keep) != 3 || keep[0].ID != "run-a" || keep[2].ID != "run-c" {
		t.Errorf("CountPolicy kept %+v", keep)
	}
	if keep := (&CountPolicy{MaxCount: 10}).Apply(runs); len(keep) != 5 {
		t.Errorf("CountPolicy kept %d, want all 5", len(keep))
	}
}

func TestAgePolicy(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	runs := runsAt(now, 1, 12, 48, 720)

	p := &AgePolicy{MaxAge: 24 * time.Hour, now: func() time.Time { return now }}
	if keep := p.Apply(runs); len(keep) != 2 {
		t.Errorf("AgePolicy kept %d, want 2", len(keep))
	}
}

func TestAnyPolicy_Union(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	runs := runsAt(now, 1, 30, 50, 70)

	p := &AnyPolicy{Policies: []Policy{
		&CountPolicy{MaxCount: 1},
		&AgePolicy{MaxAge: 60 * time.Hour, now: func() time.Time { return now }},
	}}
	keep := p.Apply(runs)
	if len(keep) != 3 {
		t.Fatalf("AnyPolicy kept %d, want 3", len(keep))
	}
	if keep[2].ID != "run-c" {
		t.Errorf("order not preserved: %+v", keep)
	}
}

func makeRun(t *testing.T, dir, id string, age time.Duration) {
	t.Helper()
	path := filepath.Join(dir, id)
	if err := os.MkdirAll(filepath.Join(path, "checkpoints"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "summary.csv"), []byte("probe_set\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ts := time.Now().Add(-age)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatal(err)
	}
}

func TestList_And_Apply(t *testing.T) {
	dir := t.TempDir()
	makeRun(t, dir, "r-old", 72*time.Hour)
	makeRun(t, dir, "r-mid", 24*time.Hour)
	makeRun(t, dir, "r-new", time.Hour)
	// Not a run: no marker files.
	if err := os.MkdirAll(filepath.Join(dir, "scratch"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "results.db"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	runs, err := List(dir)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "r-new" || runs[2].ID != "r-old" {
		t.Fatalf("List() = %+v", runs)
	}
	if runs[0].Size == 0 {
		t.Error("expected a non-zero size")
	}

	removed, err := Apply(dir, &CountPolicy{MaxCount: 1}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Errorf("dry run would remove %d, want 2", len(removed))
	}
	if _, err := os.Stat(filepath.Join(dir, "r-old")); err != nil {
		t.Error("dry run must not delete")
	}

	removed, err = Apply(dir, &CountPolicy{MaxCount: 1}, false)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("removed %d, want 2", len(removed))
	}
	for _, id := range []string{"r-old", "r-mid"} {
		if _, err := os.Stat(filepath.Join(dir, id)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", id)
		}
	}
	for _, keep := range []string{"r-new", "scratch", "results.db"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Errorf("%s should be kept: %v", keep, err)
		}
	}
}

func TestList_MissingDir(t *testing.T) {
	runs, err := List(filepath.Join(t.TempDir(), "nope"))
	if err != nil || runs != nil {
		t.Errorf("List() = %v, %v; want nil, nil", runs, err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"720h", 720 * time.Hour, false},
		{"30d", 30 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"", 0, true},
		{"x", 0, true},
		{"5y", 0, true},
		{"abcd", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
