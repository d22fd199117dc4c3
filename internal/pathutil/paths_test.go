package pathutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		base string
		p    string
		want string
	}{
		{"empty stays empty", "/cfg", "", ""},
		{"absolute kept", "/cfg", "/data/x.arrow", "/data/x.arrow"},
		{"relative joined", "/cfg", "data/x.arrow", filepath.Join("/cfg", "data/x.arrow")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.base, tt.p); got != tt.want {
				t.Errorf("Resolve(%q, %q) = %q, want %q", tt.base, tt.p, got, tt.want)
			}
		})
	}
}

func TestRedactPath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"file.txt", "file.txt"},
		{"/home/user/data/betas.arrow", ".../data/betas.arrow"},
		{"/betas.arrow", "betas.arrow"},
	}
	for _, tt := range tests {
		if got := RedactPath(tt.input); got != tt.want {
			t.Errorf("RedactPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"horvath", "horvath"},
		{"Hannum 2013", "Hannum_2013"},
		{"../etc/passwd", ".._etc_passwd"},
		{"..", "_.."},
		{"", "_"},
		{"cpg-set_v1.2", "cpg-set_v1.2"},
	}
	for _, tt := range tests {
		if got := Slug(tt.input); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestValidateWithin(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()

	tests := []struct {
		name        string
		path        string
		wantErr     bool
		errContains string
	}{
		{name: "file in dir", path: filepath.Join(dir, "a.ckpt")},
		{name: "file in missing subdir", path: filepath.Join(dir, "checkpoints", "a.ckpt")},
		{name: "dir itself", path: dir},
		{name: "traversal", path: filepath.Join(dir, "..", "escape.ckpt"), wantErr: true, errContains: "outside"},
		{name: "other dir", path: filepath.Join(other, "a.ckpt"), wantErr: true, errContains: "outside"},
		{name: "empty", path: "", wantErr: true, errContains: "empty"},
		{name: "null byte", path: dir + "/a\x00b", wantErr: true, errContains: "null byte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWithin(tt.path, dir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateWithin(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q does not contain %q", err, tt.errContains)
			}
		})
	}
}

func TestValidateWithin_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevated privileges on windows")
	}
	dir := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(dir, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if err := ValidateWithin(filepath.Join(link, "a.ckpt"), dir); err == nil {
		t.Error("expected symlink escape to be rejected")
	}
}
