// Package debootstrap extracts the per-series bootstrap script from the
// debootstrap-udeb package of each architecture's mirror
package debootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/pkg/errors"

	"github.com/cdimage/cdimage/pkg/config"
	"github.com/cdimage/cdimage/pkg/deb"
	"github.com/cdimage/cdimage/pkg/logger"
	"github.com/cdimage/cdimage/pkg/mirror"
)

// PackageName is the installer package carrying the scripts
const PackageName = "debootstrap-udeb"

// ErrNoPackage is returned when a mirror has no usable debootstrap-udeb
var ErrNoPackage = errors.New("no debootstrap-udeb")

// ScriptPath returns the script's location inside the package. Scripts
// moved from /usr/lib to /usr/share after gutsy.
func ScriptPath(series config.Series) string {
	if series.AtMost("gutsy") {
		return "usr/lib/debootstrap/scripts/" + series.Name
	}
	return "usr/share/debootstrap/scripts/" + series.Name
}

// OutputDir returns where extracted scripts are written
func OutputDir(cfg *config.Config) string {
	return filepath.Join(cfg.BuildKey().ScratchDir(cfg.Root()), "debootstrap")
}

// Extractor copies bootstrap scripts out of mirrored packages
type Extractor struct {
	cfg    *config.Config
	logger logger.Logger
}

// New creates an Extractor
func New(cfg *config.Config, log logger.Logger) *Extractor {
	if log == nil {
		log = logger.Discard()
	}
	return &Extractor{cfg: cfg, logger: log}
}

// Extract writes <series>-<arch> for every configured architecture. Any
// missing package or script is fatal.
func (e *Extractor) Extract(ctx context.Context) error {
	series, err := e.cfg.Series()
	if err != nil {
		return err
	}

	outDir := OutputDir(e.cfg)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", outDir)
	}

	for _, arch := range e.cfg.Arches() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.extractOne(series, arch, outDir); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) extractOne(series config.Series, arch, outDir string) error {
	cpu := config.CPUArch(arch)
	mirrorDir, err := mirror.FindMirror(e.cfg, arch)
	if err != nil {
		return err
	}

	index := filepath.Join(mirrorDir, "dists", series.Name, "main", "debian-installer",
		"binary-"+cpu, "Packages.gz")
	para, err := deb.FindPackage(index, PackageName)
	if err != nil {
		if errors.Is(err, deb.ErrNotFound) || os.IsNotExist(errors.Cause(err)) {
			return errors.Wrapf(ErrNoPackage, "for %s/%s: %v", series.Name, cpu, err)
		}
		return err
	}

	filename := para.Get("Filename")
	if filename == "" {
		return errors.Wrapf(ErrNoPackage, "for %s/%s: index entry has no Filename", series.Name, cpu)
	}
	udeb := filepath.Join(mirrorDir, filename)
	if _, err := os.Stat(udeb); err != nil {
		return errors.Wrapf(ErrNoPackage, "for %s/%s: %v", series.Name, cpu, err)
	}

	script, err := deb.ExtractFile(udeb, ScriptPath(series))
	if err != nil {
		return errors.Wrapf(err, "extracting debootstrap script for %s", arch)
	}

	dest := filepath.Join(outDir, fmt.Sprintf("%s-%s", series.Name, arch))
	if err := renameio.WriteFile(dest, script, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", dest)
	}
	e.logger.Debug("Extracted debootstrap script",
		logger.WithField("arch", arch),
		logger.WithField("path", dest))
	return nil
}
