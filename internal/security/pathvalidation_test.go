package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	root := t.TempDir()
	reports := filepath.Join(root, "reports")
	elsewhere := filepath.Join(root, "elsewhere")
	for _, d := range []string{reports, elsewhere} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(elsewhere, filepath.Join(reports, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"new file", filepath.Join(reports, "session.png"), false},
		{"nested new file", filepath.Join(reports, "sweeps", "2026", "sweep.csv"), false},
		{"dot dot escape", filepath.Join(reports, "..", "session.png"), true},
		{"relative escape", "../../../etc/passwd", true},
		{"absolute outside", "/etc/passwd", true},
		{"through symlink", filepath.Join(reports, "link", "session.png"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, reports)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePathWithinDirectory(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePathWithinDirectory_MissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	if err := ValidatePathWithinDirectory(filepath.Join(dir, "x.csv"), dir); err == nil {
		t.Error("expected error for a directory that does not exist")
	}
}

func TestValidateOutputPath(t *testing.T) {
	t.Chdir(t.TempDir())

	for _, ok := range []string{"sweep.csv", filepath.Join("plots", "session.png"), filepath.Join(os.TempDir(), "pilot.png")} {
		if err := ValidateOutputPath(ok); err != nil {
			t.Errorf("ValidateOutputPath(%q) = %v, want nil", ok, err)
		}
	}
	if err := ValidateOutputPath("/etc/cron.d/pilot"); err == nil {
		t.Error("expected /etc/cron.d/pilot to be rejected")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"3f2b8c1e-9a4d-4e7f-b8a0-1c2d3e4f5a6b", "3f2b8c1e-9a4d-4e7f-b8a0-1c2d3e4f5a6b"},
		{"sim run/1", "sim_run_1"},
		{"a  //  b", "a_b"},
		{"../../etc", "etc"},
		{"", "unknown"},
		{"///", "unknown"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := SanitizeFilename(strings.Repeat("x", 300)); len(got) != 128 {
		t.Errorf("long name truncated to %d bytes, want 128", len(got))
	}
}
