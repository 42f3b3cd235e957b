package deb

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// FindPackage scans a Packages index (optionally compressed, chosen by the
// file suffix) for the paragraph describing name
func FindPackage(indexPath, name string) (Paragraph, error) {
	f, err := os.Open(indexPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", indexPath)
	}
	defer f.Close()

	r, err := Decompress(indexPath, f)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var found Paragraph
	err = ParseParagraphs(r, func(p Paragraph) error {
		if p.Get("Package") == name {
			found = p
			return io.EOF
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", indexPath)
	}
	if found == nil {
		return nil, errors.Wrapf(ErrNotFound, "package %s in %s", name, indexPath)
	}
	return found, nil
}
