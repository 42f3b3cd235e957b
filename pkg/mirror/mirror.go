// Package mirror locates archive mirrors and serializes their
// synchronization between concurrent builds
package mirror

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/cdimage/cdimage/pkg/config"
)

// ErrUnknownMirror is returned for architectures no mirror carries
var ErrUnknownMirror = errors.New("no mirror known")

// Mirror directory names under the cdimage root
const (
	Primary  = "ftp"
	Ports    = "ftp-ports"
	Universe = "ftp-universe"
)

// FindMirror returns the mirror directory serving arch for the configured
// series. Unsupported projects always use the universe mirror.
func FindMirror(cfg *config.Config, arch string) (string, error) {
	root := cfg.Root()
	if cfg.Bool("CDIMAGE_UNSUPPORTED") {
		return filepath.Join(root, Universe), nil
	}

	cpu := config.CPUArch(arch)
	switch cpu {
	case "amd64", "i386":
		return filepath.Join(root, Primary), nil
	case "powerpc", "sparc":
		series, err := cfg.Series()
		if err != nil {
			return "", err
		}
		// powerpc moved to ports after edgy; sparc was primary only from
		// dapper to gutsy
		if cpu == "powerpc" && series.AtMost("edgy") {
			return filepath.Join(root, Primary), nil
		}
		if cpu == "sparc" && series.AtLeast("dapper") && series.AtMost("gutsy") {
			return filepath.Join(root, Primary), nil
		}
		return filepath.Join(root, Ports), nil
	case "armel", "hppa", "ia64", "lpia":
		return filepath.Join(root, Ports), nil
	}
	return "", errors.Wrapf(ErrUnknownMirror, "for %s", arch)
}
