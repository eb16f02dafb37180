package internal

import (
	"bytes"
	"go/format"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// projectRoot returns the module root whether the tests run from
// internal/ or from the root itself.
func projectRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	if filepath.Base(wd) == "internal" {
		return filepath.Dir(wd)
	}
	return wd
}

// TestGofmtCompliance fails when any source file under internal/ or cmd/
// differs from its gofmt output. Fix with: gofmt -w ./internal/ ./cmd/
func TestGofmtCompliance(t *testing.T) {
	root := projectRoot(t)

	var unformatted []string
	for _, dir := range []string{"internal", "cmd"} {
		err := filepath.WalkDir(filepath.Join(root, dir), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "vendor" || strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") {
				return nil
			}

			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(root, path)
			formatted, err := format.Source(content)
			if err != nil {
				t.Errorf("%s does not parse: %v", rel, err)
				return nil
			}
			if !bytes.Equal(content, formatted) {
				unformatted = append(unformatted, rel)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Failed to walk %s: %v", dir, err)
		}
	}

	if len(unformatted) > 0 {
		t.Errorf("Not gofmt-clean:\n  %s\nRun 'gofmt -w ./internal/ ./cmd/' to fix.", strings.Join(unformatted, "\n  "))
	}
}

// TestGolangciLintCompliance runs golangci-lint over the module when it
// is installed.
func TestGolangciLintCompliance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lint in short mode")
	}
	if _, err := exec.LookPath("golangci-lint"); err != nil {
		t.Skip("golangci-lint not found in PATH, skipping test")
	}

	cmd := exec.Command("golangci-lint", "run", "--allow-parallel-runners", "./...")
	cmd.Dir = projectRoot(t)
	// A private build cache keeps the run working in read-only sandboxes.
	cmd.Env = append(os.Environ(), "GOCACHE="+t.TempDir())
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Errorf("golangci-lint found issues:\n%s\nRun 'golangci-lint run' to see all issues.", output)
	}
}
