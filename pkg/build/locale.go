package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"

	"github.com/cdimage/cdimage/pkg/config"
	"github.com/cdimage/cdimage/pkg/logger"
	"github.com/cdimage/cdimage/pkg/runner"
)

var (
	// ErrUnknownLocale is returned for a defaults locale with no image recipe
	ErrUnknownLocale = errors.New("unsupported defaults locale")

	// ErrRepackUnsupported is returned for locale builds of series before
	// oneiric, which were made by repacking an existing image
	ErrRepackUnsupported = errors.New("locale image repacking not supported")
)

// LocaleFirstLiveSeries is the first series whose locale images are built
// from live filesystems
const LocaleFirstLiveSeries = "oneiric"

// LiveOutputDir returns where downloaded live filesystems are stored
func LiveOutputDir(cfg *config.Config) string {
	return filepath.Join(cfg.BuildKey().ScratchDir(cfg.Root()), "live")
}

func localized(cfg *config.Config) bool {
	return cfg.Get("UBUNTU_DEFAULTS_LOCALE") != ""
}

// defaultsLocale replaces germination and debian-cd for builds with a
// defaults locale. The live images are downloaded, renamed to
// <series>-desktop-<name> and listed with pi-makelist.
func (s *stageSet) defaultsLocale(ctx context.Context) error {
	locale := s.cfg.Get("UBUNTU_DEFAULTS_LOCALE")
	if locale != "zh_CN" {
		return errors.Wrapf(ErrUnknownLocale, "UBUNTU_DEFAULTS_LOCALE='%s' not currently supported!", locale)
	}

	series, err := s.cfg.Series()
	if err != nil {
		return err
	}
	if series.Before(LocaleFirstLiveSeries) {
		return errors.Wrapf(ErrRepackUnsupported, "%s predates %s", series.Name, LocaleFirstLiveSeries)
	}

	if err := s.tool(ctx, "LIVEFS_TOOL", "download-live-filesystems", ""); err != nil {
		return err
	}

	dir := LiveOutputDir(s.cfg)
	if err := renameLiveOutputs(dir, series.Name); err != nil {
		return err
	}
	return s.listImages(ctx, dir)
}

// renameLiveOutputs prefixes every file name containing a dot with
// <series>-desktop-
func renameLiveOutputs(dir, series string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", dir)
	}
	prefix := series + "-desktop-"
	for _, e := range entries {
		name := e.Name()
		if !strings.Contains(name, ".") || strings.HasPrefix(name, prefix) {
			continue
		}
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, prefix+name)); err != nil {
			return errors.Wrapf(err, "failed to rename %s", name)
		}
	}
	return nil
}

// listImages writes <image>.list next to every ISO from pi-makelist's output
func (s *stageSet) listImages(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", dir)
	}
	makelist := filepath.Join(s.cfg.Layout().DebianCD(), "tools", "pi-makelist")

	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".iso") {
			continue
		}
		iso := filepath.Join(dir, e.Name())
		listPath := strings.TrimSuffix(iso, ".iso") + ".list"

		list, err := renameio.TempFile(dir, listPath)
		if err != nil {
			return errors.Wrapf(err, "failed to create %s", listPath)
		}
		err = s.runner.Run(ctx, runner.Command{Name: makelist, Args: []string{iso}, Stdout: list})
		if err != nil {
			list.Cleanup()
			return err
		}
		if err := list.Chmod(0o644); err != nil {
			list.Cleanup()
			return errors.Wrapf(err, "failed to write %s", listPath)
		}
		if err := list.CloseAtomicallyReplace(); err != nil {
			return errors.Wrapf(err, "failed to write %s", listPath)
		}
		s.log.Debug("Listed image", logger.WithField("iso", iso))
	}
	return nil
}
