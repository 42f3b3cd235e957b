// Package deb reads Debian binary packages and archive indices.
//
// A package is an ar container holding debian-binary, a control tarball
// and a data tarball; the tarballs may be compressed with gzip, xz, zstd
// or bzip2.
package deb

import (
	"archive/tar"
	"io"
	"os"
	"path"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/pkg/errors"
)

var (
	// ErrMalformed is returned for packages and control data that cannot
	// be parsed
	ErrMalformed = errors.New("malformed package")

	// ErrNotFound is returned when a requested member, file or paragraph
	// does not exist
	ErrNotFound = errors.New("not found")
)

// Control reads the control paragraph of the package at path
func Control(pkgPath string) (Paragraph, error) {
	var para Paragraph
	err := walkTarball(pkgPath, "control.tar", func(th *tar.Header, name string, r io.Reader) (bool, error) {
		if th.Typeflag != tar.TypeReg || name != "control" {
			return false, nil
		}
		p, err := ParseParagraph(r)
		if err != nil {
			return true, err
		}
		para = p
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if para == nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: no control file", pkgPath)
	}
	return para, nil
}

// maxLinkHops bounds how many links ExtractFile follows
const maxLinkHops = 8

// ExtractFile returns the contents of file from the package's data
// tarball. file is relative to the filesystem root, e.g.
// "usr/share/debootstrap/scripts/raring". Symbolic and hard links inside
// the tarball are followed to the file they name.
func ExtractFile(pkgPath, file string) ([]byte, error) {
	want := normalize(file)
	links := make(map[string]string)

	data, found, err := readMember(pkgPath, want, links)
	if err != nil {
		return nil, err
	}
	if found {
		return data, nil
	}

	target, ok := resolveLink(links, want)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s in %s", file, pkgPath)
	}
	data, found, err = readMember(pkgPath, target, nil)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "%s (link to %s) in %s", file, target, pkgPath)
	}
	return data, nil
}

// readMember reads the regular file want from the data tarball. When links
// is non-nil, every link met before want is recorded in it, keyed by its
// name and resolved to an archive path.
func readMember(pkgPath, want string, links map[string]string) ([]byte, bool, error) {
	var data []byte
	found := false
	err := walkTarball(pkgPath, "data.tar", func(th *tar.Header, name string, r io.Reader) (bool, error) {
		switch th.Typeflag {
		case tar.TypeSymlink:
			if links != nil {
				target := th.Linkname
				if !strings.HasPrefix(target, "/") {
					target = path.Join(path.Dir(name), target)
				}
				links[name] = normalize(target)
			}
		case tar.TypeLink:
			if links != nil {
				links[name] = normalize(th.Linkname)
			}
		case tar.TypeReg:
			if name != want {
				return false, nil
			}
			found = true
			b, err := io.ReadAll(r)
			if err != nil {
				return true, errors.Wrapf(err, "failed to read %s from %s", want, pkgPath)
			}
			data = b
			return true, nil
		}
		return false, nil
	})
	return data, found, err
}

// resolveLink follows links from name until it reaches a name that is not
// itself a link
func resolveLink(links map[string]string, name string) (string, bool) {
	target, ok := links[name]
	if !ok {
		return "", false
	}
	for hops := 1; hops < maxLinkHops; hops++ {
		next, ok := links[target]
		if !ok {
			return target, true
		}
		target = next
	}
	return "", false
}

// walkTarball finds the ar member whose name starts with prefix and calls
// fn for each entry inside it until fn reports done
func walkTarball(pkgPath, prefix string, fn func(th *tar.Header, name string, r io.Reader) (bool, error)) error {
	f, err := os.Open(pkgPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", pkgPath)
	}
	defer f.Close()

	reader := ar.NewReader(f)
	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			return errors.Wrapf(ErrMalformed, "%s: no %s member", pkgPath, prefix)
		}
		if err != nil {
			return errors.Wrapf(ErrMalformed, "%s: %v", pkgPath, err)
		}

		member := strings.TrimSuffix(strings.TrimSpace(hdr.Name), "/")
		if !strings.HasPrefix(member, prefix) {
			continue
		}

		dr, err := Decompress(member, reader)
		if err != nil {
			return errors.Wrapf(ErrMalformed, "%s: %v", pkgPath, err)
		}
		defer dr.Close()

		tr := tar.NewReader(dr)
		for {
			th, err := tr.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return errors.Wrapf(ErrMalformed, "%s: %s: %v", pkgPath, member, err)
			}
			done, err := fn(th, normalize(th.Name), tr)
			if err != nil || done {
				return err
			}
		}
	}
}

// normalize strips leading "./" and "/" from archive member names
func normalize(name string) string {
	name = path.Clean("/" + name)
	return strings.TrimPrefix(name, "/")
}
