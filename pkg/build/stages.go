package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/cdimage/cdimage/pkg/config"
	"github.com/cdimage/cdimage/pkg/debootstrap"
	"github.com/cdimage/cdimage/pkg/localindex"
	"github.com/cdimage/cdimage/pkg/logger"
	"github.com/cdimage/cdimage/pkg/mirror"
	"github.com/cdimage/cdimage/pkg/perms"
	"github.com/cdimage/cdimage/pkg/runner"
)

// splashImages maps debian-cd splash settings to their file extensions
var splashImages = []struct {
	key string
	ext string
}{
	{"SPLASHRLE", "rle"},
	{"GFXSPLASH", "pcx"},
	{"SPLASHPNG", "png"},
}

// stageSet holds what the stages of one run share
type stageSet struct {
	cfg     *config.Config
	runner  runner.Runner
	log     logger.MarkerLogger
	ordinal int
}

// Stages returns the full ordered stage list for a build whose semaphore
// ordinal is ordinal
func Stages(cfg *config.Config, r runner.Runner, log logger.MarkerLogger, ordinal int) []Stage {
	s := &stageSet{cfg: cfg, runner: r, log: log, ordinal: ordinal}
	imageBuild := func() bool { return !localized(cfg) }
	germinating := func() bool { return imageBuild() && !cfg.Bool("CDIMAGE_PREINSTALLED") }
	publishing := func() bool { return !cfg.Bool("DEBUG") && !cfg.Bool("CDIMAGE_NOPUBLISH") }

	return []Stage{
		{
			Name: "sync",
			Run:  s.sync,
		},
		{
			Name:  "local-indices",
			Label: Label("Updating archive of local packages"),
			Probe: func() bool { return cfg.Bool("LOCAL") },
			Run:   localindex.New(cfg, r, log).Rebuild,
		},
		{
			Name:  "britney",
			Label: Label("Building britney"),
			Probe: s.hasBritney,
			Run:   s.britney,
		},
		{
			Name:  "debootstrap",
			Label: Label("Extracting debootstrap scripts"),
			Run:   debootstrap.New(cfg, log).Extract,
		},
		{
			Name:  "defaults-locale",
			Probe: func() bool { return localized(cfg) },
			Run:   s.defaultsLocale,
		},
		{
			Name:  "germinate",
			Label: Label("Germinating"),
			Probe: germinating,
			Run:   s.germinate,
		},
		{
			Name:  "tasks",
			Label: Label("Generating new task lists"),
			Probe: germinating,
			Run: func(ctx context.Context) error {
				return s.tool(ctx, "TASKS_TOOL", "germinate-to-tasks", "", cfg.ImageType())
			},
		},
		{
			Name:  "update-tasks",
			Label: Label("Checking for other task changes"),
			Probe: germinating,
			Run: func(ctx context.Context) error {
				return s.tool(ctx, "UPDATE_TASKS_TOOL", "update-tasks", "", cfg.Date(), cfg.ImageType())
			},
		},
		{
			Name:  "livefs",
			Label: Label("Downloading live filesystem images"),
			Probe: func() bool {
				return imageBuild() &&
					(cfg.Bool("CDIMAGE_LIVE") || cfg.Bool("CDIMAGE_SQUASHFS_BASE") || cfg.Bool("CDIMAGE_PREINSTALLED"))
			},
			Run: func(ctx context.Context) error {
				return s.tool(ctx, "LIVEFS_TOOL", "download-live-filesystems", "")
			},
		},
		{
			Name: "debian-cd",
			Label: func() string {
				return fmt.Sprintf("Building %s %s CDs", cfg.CapProject(), cfg.ImageType())
			},
			Probe: imageBuild,
			Run:   s.debianCD,
		},
		{
			Name:  "check-installable",
			Label: Label("Producing installability report"),
			Probe: func() bool { return !cfg.Bool("CDIMAGE_ADDON") && !cfg.Bool("CDIMAGE_PREINSTALLED") },
			Run: func(ctx context.Context) error {
				return s.tool(ctx, "CHECK_INSTALLABLE_TOOL", "check-installable", "", cfg.SeriesName())
			},
		},
		{
			Name:  "publish",
			Label: Label("Publishing"),
			Probe: publishing,
			Run: func(ctx context.Context) error {
				return s.tool(ctx, "PUBLISH_TOOL", "publish-image-set", "", cfg.ImageType(), cfg.Date())
			},
		},
		{
			Name:  "purge",
			Label: Label("Purging old images"),
			Probe: publishing,
			Run: func(ctx context.Context) error {
				return s.tool(ctx, "PURGE_TOOL", "purge-old-images", "", cfg.ImageType())
			},
		},
		{
			Name:  "trigger-mirrors",
			Label: Label("Triggering mirrors"),
			Probe: publishing,
			Run: func(ctx context.Context) error {
				return s.tool(ctx, "TRIGGER_MIRRORS_TOOL", "trigger-mirrors", "")
			},
		},
		{
			Name:  "finished",
			Label: Label("Finished"),
		},
	}
}

// tool runs an overridable external tool with the configuration exported
// into its environment
func (s *stageSet) tool(ctx context.Context, key, name, dir string, args ...string) error {
	cmd, err := runner.Resolve(s.cfg.Get(key), name, args...)
	if err != nil {
		return err
	}
	cmd.Dir = dir
	cmd.Env = s.cfg.Export()
	return s.runner.Run(ctx, cmd)
}

func (s *stageSet) sync(ctx context.Context) error {
	return mirror.NewCoordinator(s.cfg, s.runner, s.log).Sync(ctx, s.ordinal)
}

func (s *stageSet) hasBritney() bool {
	info, err := os.Stat(filepath.Join(s.cfg.Layout().BritneyUpdateOut(), "Makefile"))
	return err == nil && info.Mode().IsRegular()
}

func (s *stageSet) britney(ctx context.Context) error {
	dir := s.cfg.Layout().BritneyUpdateOut()
	return s.runner.Run(ctx, runner.Command{Name: "make", Args: []string{"-C", dir}, Dir: dir})
}

// germinate runs the germinate tool once per cpu architecture, each in its
// own output directory
func (s *stageSet) germinate(ctx context.Context) error {
	base := filepath.Join(s.cfg.BuildKey().ScratchDir(s.cfg.Root()), "germinate")
	for _, arch := range s.cfg.CPUArches() {
		dir := filepath.Join(base, arch)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create %s", dir)
		}
		if err := s.tool(ctx, "GERMINATE_TOOL", "germinate", dir,
			"--no-rdepends", "-d", s.cfg.SeriesName(), "-a", arch); err != nil {
			return err
		}
	}
	return nil
}

func (s *stageSet) debianCD(ctx context.Context) error {
	ConfigureSplash(s.cfg)

	if err := s.runner.Run(ctx, runner.Command{
		Name: "./build_all.sh",
		Dir:  s.cfg.Layout().DebianCD(),
		Env:  s.cfg.Export(),
	}); err != nil {
		return err
	}

	scratch := s.cfg.BuildKey().ScratchDir(s.cfg.Root())
	res, err := perms.Normalize(scratch)
	if err != nil {
		return err
	}
	s.log.Debug(fmt.Sprintf("Fixed permissions on %d of %d entries in %s", res.Changed, res.Dirs+res.Files, scratch))
	return nil
}

// ConfigureSplash points the debian-cd splash settings at the project's own
// images when debian-cd ships them for the series, otherwise at the generic
// ones
func ConfigureSplash(cfg *config.Config) {
	dataDir := filepath.Join(cfg.Layout().DebianCD(), "data", cfg.SeriesName())
	for _, img := range splashImages {
		project := filepath.Join(dataDir, cfg.Project()+"."+img.ext)
		if _, err := os.Stat(project); err == nil {
			cfg.Set(img.key, project)
			continue
		}
		cfg.Set(img.key, filepath.Join(dataDir, "splash."+img.ext))
	}
}
