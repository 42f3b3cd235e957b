package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cdimage/cdimage/pkg/build"
	"github.com/cdimage/cdimage/pkg/config"
	"github.com/cdimage/cdimage/pkg/localindex"
	"github.com/cdimage/cdimage/pkg/lock"
	"github.com/cdimage/cdimage/pkg/logger"
	"github.com/cdimage/cdimage/pkg/perms"
	"github.com/cdimage/cdimage/pkg/process"
	"github.com/cdimage/cdimage/pkg/runner"
	"github.com/cdimage/cdimage/pkg/semaphore"
	"github.com/cdimage/cdimage/pkg/types"
)

// keyFlags are the build key settings every build-scoped command accepts
type keyFlags struct {
	project   string
	series    string
	imageType string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&k.project, "project", "p", "", "project to build (PROJECT)")
	cmd.Flags().StringVarP(&k.series, "series", "d", "", "release series (DIST)")
	cmd.Flags().StringVarP(&k.imageType, "image-type", "t", "", "image type, e.g. daily (IMAGE_TYPE)")
}

func (k *keyFlags) overrides() map[string]string {
	out := make(map[string]string)
	for key, value := range map[string]string{
		"PROJECT":    k.project,
		"DIST":       k.series,
		"IMAGE_TYPE": k.imageType,
	} {
		if value != "" {
			out[key] = value
		}
	}
	return out
}

func (c *CLI) newBuildCmd() *cobra.Command {
	var keys keyFlags
	var date string
	var debug bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an image set",
		Long: `Build the image set for one project, series and image type. Waits
for any running build of the same set, then runs the full pipeline and
mails the log to the configured recipients on failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			extra := keys.overrides()
			if date != "" {
				extra["CDIMAGE_DATE"] = date
			}
			if debug {
				extra["DEBUG"] = "1"
			}
			cfg, err := c.loadConfig(extra)
			if err != nil {
				return err
			}

			pm := process.NewManager(c.logger)
			ctx := pm.Start(cmd.Context())
			defer pm.Stop()

			driver := build.NewDriver(cfg, c.logger,
				build.WithShutdown(pm),
				build.WithStdout(c.output))
			if err := driver.Run(ctx); err != nil {
				c.logger.Error("Image set build failed", logger.WithField("build", cfg.BuildKey().String()))
				return err
			}
			c.logger.Success("Image set built", logger.WithField("build", cfg.BuildKey().String()))
			return nil
		},
	}

	keys.register(cmd)
	cmd.Flags().StringVar(&date, "date", "", "build date stamp (CDIMAGE_DATE, default today in UTC)")
	cmd.Flags().BoolVar(&debug, "debug", false, "log to stdout and skip publishing (DEBUG)")
	return cmd
}

func (c *CLI) newUpdateLocalIndicesCmd() *cobra.Command {
	var keys keyFlags

	cmd := &cobra.Command{
		Use:   "update-local-indices",
		Short: "Regenerate the local package archive indices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(keys.overrides())
			if err != nil {
				return err
			}
			r := runner.NewExecRunner(c.output, c.logger)
			if err := localindex.New(cfg, r, c.logger).Rebuild(cmd.Context()); err != nil {
				return err
			}
			c.logger.Success("Local indices updated", logger.WithField("series", cfg.SeriesName()))
			return nil
		},
	}

	keys.register(cmd)
	return cmd
}

func (c *CLI) newFixPermissionsCmd() *cobra.Command {
	var keys keyFlags

	cmd := &cobra.Command{
		Use:   "fix-permissions [path]",
		Short: "Make a build output tree group-writable",
		Long: `Set every directory under the tree to mode 2775 and add group write
to every file. Without a path the scratch tree of the configured build is
used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tree string
			if len(args) == 1 {
				tree = args[0]
			} else {
				cfg, err := c.loadConfig(keys.overrides())
				if err != nil {
					return err
				}
				key := cfg.BuildKey()
				if err := key.Validate(); err != nil {
					return err
				}
				tree = key.ScratchDir(cfg.Root())
			}

			res, err := perms.Normalize(tree)
			if err != nil {
				return err
			}
			c.logger.Success("Permissions fixed",
				logger.WithField("path", tree),
				logger.WithField("changed", res.Changed),
				logger.WithField("entries", res.Dirs+res.Files))
			return nil
		},
	}

	keys.register(cmd)
	return cmd
}

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show running builds and lock state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(nil)
			if err != nil {
				return err
			}
			return c.printStatus(cfg)
		},
	}
}

func (c *CLI) printStatus(cfg *config.Config) error {
	layout := cfg.Layout()
	out := c.output

	fmt.Fprintf(out, "%s %s\n", color.New(color.Bold).Sprint("Root:"), cfg.Root())

	value, err := semaphore.New(layout.Semaphore()).Value()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %d\n", color.New(color.Bold).Sprint("Builds in progress:"), value)

	fmt.Fprintf(out, "%s %s\n", color.New(color.Bold).Sprint("Archive sync lock:"), describeLock(layout.ArchiveSyncLock()))

	locks, err := filepath.Glob(layout.BuildLocks())
	if err != nil {
		return err
	}
	sort.Strings(locks)

	fmt.Fprintln(out, color.New(color.Bold).Sprint("Build locks:"))
	if len(locks) == 0 {
		fmt.Fprintln(out, "  none")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  BUILD\tHOLDER")
	for _, path := range locks {
		name := strings.TrimPrefix(filepath.Base(path), types.BuildLockPrefix)
		fmt.Fprintf(w, "  %s\t%s\n", name, describeLock(path))
	}
	return w.Flush()
}

// describeLock reports who holds the lock at path and whether that
// process is still alive
func describeLock(path string) string {
	if !lock.IsHeld(path) {
		return color.GreenString("free")
	}
	pid, err := lock.Holder(path)
	if err != nil {
		return color.YellowString("held (unknown holder)")
	}
	if !process.Alive(pid) {
		return color.RedString("stale (pid %d not running)", pid)
	}
	return color.CyanString("held by pid %d", pid)
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			version := c.config.Version
			if version == "" {
				version = "dev"
			}
			fmt.Fprintf(c.output, "build-image-set %s\n", version)
		},
	}
}
