// Package perms makes build output trees group-writable
package perms

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrNormalization wraps every stat or chmod failure
var ErrNormalization = errors.New("permission normalization failed")

// DirMode is applied to every directory: rwxrwsr-x
const DirMode = 0o2775

// Result counts what Normalize visited and changed
type Result struct {
	Dirs    int
	Files   int
	Changed int
}

// Normalize walks root setting directories to DirMode and adding group
// write to regular files. Symlinks and special files are left alone. A
// missing root is not an error.
func Normalize(root string) (Result, error) {
	var res Result
	if _, err := os.Lstat(root); os.IsNotExist(err) {
		return res, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(ErrNormalization, "%s: %v", path, err)
		}

		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return errors.Wrapf(ErrNormalization, "stat %s: %v", path, err)
		}

		perm := st.Mode & 0o7777
		var want uint32
		switch st.Mode & unix.S_IFMT {
		case unix.S_IFDIR:
			res.Dirs++
			want = DirMode
		case unix.S_IFREG:
			res.Files++
			want = perm | unix.S_IWGRP
		default:
			return nil
		}

		if want == perm {
			return nil
		}
		if err := unix.Chmod(path, want); err != nil {
			return errors.Wrapf(ErrNormalization, "chmod %s: %v", path, err)
		}
		res.Changed++
		return nil
	})
	return res, err
}
