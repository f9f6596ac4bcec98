package diskcache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCacheBuildsOnceAndReusesOnMatchingHash(t *testing.T) {
	dir := t.TempDir()
	src := t.TempDir()

	builds := 0
	build := func(sourceDir, destPath string) error {
		builds++
		return os.WriteFile(destPath, []byte("disk-"+sourceDir), 0o644)
	}

	e1, err := Cache(dir, src, "sha256:abc", "ext4", build)
	if err != nil {
		t.Fatalf("Cache: %v", err)
	}
	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}

	e2, err := Cache(dir, src, "sha256:abc", "ext4", build)
	if err != nil {
		t.Fatalf("Cache (reuse): %v", err)
	}
	if builds != 1 {
		t.Fatalf("builds = %d after reuse, want still 1", builds)
	}
	if e1.DiskPath != e2.DiskPath {
		t.Fatalf("DiskPath changed across reuse: %q vs %q", e1.DiskPath, e2.DiskPath)
	}
}

func TestCacheRebuildsOnHashChange(t *testing.T) {
	dir := t.TempDir()
	src := t.TempDir()

	builds := 0
	build := func(sourceDir, destPath string) error {
		builds++
		return os.WriteFile(destPath, []byte("v"), 0o644)
	}

	if _, err := Cache(dir, src, "sha256:v1", "ext4", build); err != nil {
		t.Fatalf("Cache v1: %v", err)
	}
	if _, err := Cache(dir, src, "sha256:v2", "ext4", build); err != nil {
		t.Fatalf("Cache v2: %v", err)
	}
	if builds != 2 {
		t.Fatalf("builds = %d, want 2 after hash change", builds)
	}
}

func TestCacheRebuildsWhenArtifactMissing(t *testing.T) {
	dir := t.TempDir()
	src := t.TempDir()

	builds := 0
	build := func(sourceDir, destPath string) error {
		builds++
		return os.WriteFile(destPath, []byte("v"), 0o644)
	}

	e1, err := Cache(dir, src, "sha256:abc", "ext4", build)
	if err != nil {
		t.Fatalf("Cache: %v", err)
	}
	if err := os.Remove(e1.DiskPath); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	if _, err := Cache(dir, src, "sha256:abc", "ext4", build); err != nil {
		t.Fatalf("Cache (rebuild): %v", err)
	}
	if builds != 2 {
		t.Fatalf("builds = %d, want 2 after artifact removed", builds)
	}
}

func TestCacheRequiresContentHash(t *testing.T) {
	if _, err := Cache(t.TempDir(), t.TempDir(), "", "ext4", func(string, string) error { return nil }); err == nil {
		t.Fatal("expected error for empty content hash")
	}
}

func TestPassthroughUsesSourceDirDirectly(t *testing.T) {
	src := filepath.Join(t.TempDir(), "rootfs")
	e := Passthrough(src, "sha256:xyz")
	if e.DiskPath != src {
		t.Fatalf("DiskPath = %q, want %q", e.DiskPath, src)
	}
	if e.Format != "dir" {
		t.Fatalf("Format = %q, want dir", e.Format)
	}
}
