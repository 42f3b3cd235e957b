package perms_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cdimage/cdimage/pkg/perms"
)

func mode(t *testing.T, path string) os.FileMode {
	t.Helper()
	info, err := os.Lstat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return info.Mode()
}

func TestNormalize(t *testing.T) {
	root := filepath.Join(t.TempDir(), "scratch")
	sub := filepath.Join(root, "debian-cd", "i386")
	os.MkdirAll(sub, 0o755)
	os.Chmod(root, 0o700)

	plain := filepath.Join(sub, "image.iso")
	exec := filepath.Join(sub, "build.sh")
	os.WriteFile(plain, []byte("iso"), 0o644)
	os.WriteFile(exec, []byte("#!/bin/sh\n"), 0o755)
	os.Chmod(plain, 0o604)
	os.Chmod(exec, 0o700)

	link := filepath.Join(sub, "current.iso")
	os.Symlink("image.iso", link)

	res, err := perms.Normalize(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, dir := range []string{root, filepath.Join(root, "debian-cd"), sub} {
		if got := mode(t, dir); got.Perm() != 0o775 || got&os.ModeSetgid == 0 {
			t.Errorf("%s: expected 02775, got %v", dir, got)
		}
	}
	if got := mode(t, plain).Perm(); got != 0o624 {
		t.Errorf("expected group write added only, got %o", got)
	}
	if got := mode(t, exec).Perm(); got != 0o720 {
		t.Errorf("expected group write added only, got %o", got)
	}
	if mode(t, link)&os.ModeSymlink == 0 {
		t.Error("symlink must be left alone")
	}
	if res.Dirs != 3 || res.Files != 2 {
		t.Errorf("unexpected counts %+v", res)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "a", "b"), 0o755)
	os.WriteFile(filepath.Join(root, "a", "file"), nil, 0o644)

	if _, err := perms.Normalize(root); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	res, err := perms.Normalize(root)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.Changed != 0 {
		t.Errorf("expected no changes on second pass, got %d", res.Changed)
	}
}

func TestNormalize_MissingTree(t *testing.T) {
	res, err := perms.Normalize(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res != (perms.Result{}) {
		t.Errorf("expected nothing visited, got %+v", res)
	}
}

func TestNormalize_Unreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any directory")
	}
	root := t.TempDir()
	locked := filepath.Join(root, "locked")
	os.MkdirAll(filepath.Join(locked, "inner"), 0o755)
	os.Chmod(locked, 0o000)
	defer os.Chmod(locked, 0o755)

	// chmod on the directory itself succeeds for the owner, so the walk
	// recovers; a file we do not own cannot be simulated portably
	if _, err := perms.Normalize(root); err != nil && !errors.Is(err, perms.ErrNormalization) {
		t.Errorf("expected ErrNormalization, got %v", err)
	}
}
