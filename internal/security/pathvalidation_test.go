package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "safe")
	outside := filepath.Join(tmp, "outside")
	for _, d := range []string{safe, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"inside", filepath.Join(safe, "2026", "08", "run01"), false},
		{"the directory itself", safe, false},
		{"dotdot escape", filepath.Join(safe, "..", "outside", "x"), true},
		{"sibling", filepath.Join(outside, "x"), true},
		{"absolute elsewhere", filepath.Join(tmp, "x"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safe)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePathWithinDirectory(%q) err = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePathWithinDirectory_Symlink(t *testing.T) {
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "safe")
	target := filepath.Join(tmp, "target")
	for _, d := range []string{safe, target} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	// A symlink inside the safe directory pointing out of it.
	link := filepath.Join(safe, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if err := ValidatePathWithinDirectory(link, safe); err == nil {
		t.Error("symlink escaping the safe directory was accepted")
	}
	if err := ValidatePathWithinDirectory(filepath.Join(link, "new.csv"), safe); err == nil {
		t.Error("path under an escaping symlink was accepted")
	}
}
