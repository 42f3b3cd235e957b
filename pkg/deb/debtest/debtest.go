// Package debtest builds Debian packages and indices for tests
package debtest

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// Compression selects how the package's tarballs are compressed
type Compression string

const (
	Gzip Compression = "gz"
	Xz   Compression = "xz"
	Zstd Compression = "zst"
	None Compression = ""
)

// Package describes a package to build
type Package struct {
	// Control is the control paragraph, one "Field: value" per line
	Control string
	// Files maps paths inside the data tarball to their contents
	Files map[string]string
	// Symlinks maps paths inside the data tarball to their link targets
	Symlinks    map[string]string
	Compression Compression
}

// Write builds pkg at path, creating parent directories
func Write(tb testing.TB, path string, pkg Package) {
	tb.Helper()

	control := tarball(tb, map[string]string{"./control": pkg.Control}, nil)
	files := make(map[string]string, len(pkg.Files))
	for name, content := range pkg.Files {
		files["./"+strings.TrimPrefix(name, "/")] = content
	}
	links := make(map[string]string, len(pkg.Symlinks))
	for name, target := range pkg.Symlinks {
		links["./"+strings.TrimPrefix(name, "/")] = target
	}
	data := tarball(tb, files, links)

	suffix := ""
	if pkg.Compression != None {
		suffix = "." + string(pkg.Compression)
	}

	var out bytes.Buffer
	w := ar.NewWriter(&out)
	if err := w.WriteGlobalHeader(); err != nil {
		tb.Fatalf("ar header: %v", err)
	}
	member(tb, w, "debian-binary", []byte("2.0\n"))
	member(tb, w, "control.tar"+suffix, compress(tb, pkg.Compression, control))
	member(tb, w, "data.tar"+suffix, compress(tb, pkg.Compression, data))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}

// WriteIndex writes a gzip-compressed Packages index holding paragraphs
func WriteIndex(tb testing.TB, path string, paragraphs ...string) {
	tb.Helper()
	content := strings.Join(paragraphs, "\n\n") + "\n"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir: %v", err)
	}
	data := []byte(content)
	if strings.HasSuffix(path, ".gz") {
		data = compress(tb, Gzip, data)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}

func member(tb testing.TB, w *ar.Writer, name string, body []byte) {
	tb.Helper()
	hdr := &ar.Header{
		Name:    name,
		ModTime: time.Unix(0, 0),
		Mode:    0o644,
		Size:    int64(len(body)),
	}
	if err := w.WriteHeader(hdr); err != nil {
		tb.Fatalf("ar member %s: %v", name, err)
	}
	if _, err := w.Write(body); err != nil {
		tb.Fatalf("ar member %s: %v", name, err)
	}
}

// tarball writes links ahead of regular files
func tarball(tb testing.TB, files, links map[string]string) []byte {
	tb.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, name := range sortedKeys(links) {
		hdr := &tar.Header{
			Name:     name,
			Linkname: links[name],
			Mode:     0o777,
			Typeflag: tar.TypeSymlink,
			ModTime:  time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			tb.Fatalf("tar header %s: %v", name, err)
		}
	}
	for _, name := range sortedKeys(files) {
		content := files[name]
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
			ModTime:  time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			tb.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := io.WriteString(tw, content); err != nil {
			tb.Fatalf("tar body %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		tb.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compress(tb testing.TB, c Compression, data []byte) []byte {
	tb.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch c {
	case Gzip:
		w = pgzip.NewWriter(&buf)
	case Xz:
		w, err = xz.NewWriter(&buf)
	case Zstd:
		w, err = zstd.NewWriter(&buf)
	default:
		return data
	}
	if err != nil {
		tb.Fatalf("compressor %s: %v", c, err)
	}
	if _, err := w.Write(data); err != nil {
		tb.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		tb.Fatalf("compress close: %v", err)
	}
	return buf.Bytes()
}
