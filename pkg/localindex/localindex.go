// Package localindex regenerates the package lists and override files for
// the local package pool, then hands them to apt-ftparchive
package localindex

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"

	"github.com/cdimage/cdimage/internal/safegroup"
	"github.com/cdimage/cdimage/pkg/config"
	"github.com/cdimage/cdimage/pkg/deb"
	"github.com/cdimage/cdimage/pkg/logger"
	"github.com/cdimage/cdimage/pkg/runner"
)

// ErrMalformedPackage marks pool entries whose metadata cannot be read
var ErrMalformedPackage = errors.New("malformed local package")

// Entry is one package found in the local pool
type Entry struct {
	Name string
	// Path is relative to local/packages
	Path         string
	Architecture string
	Section      string
	Priority     string
	Installer    bool
}

// OverrideSection returns the section with any component prefix replaced
// by "local". Installer packages always go to local/debian-installer.
func (e Entry) OverrideSection() string {
	if e.Installer {
		return "local/debian-installer"
	}
	section := e.Section
	if i := strings.LastIndex(section, "/"); i >= 0 {
		section = section[i+1:]
	}
	return "local/" + section
}

// BucketKey identifies one generated list
type BucketKey struct {
	Arch      string
	Installer bool
}

// Bucket collects the entries belonging to one architecture and kind
type Bucket struct {
	Key     BucketKey
	Entries []Entry
}

// ListName returns the list file name under local/database/dists
func (b *Bucket) ListName(series string) string {
	if b.Key.Installer {
		return fmt.Sprintf("%s_local_debian-installer_binary-%s.list", series, b.Key.Arch)
	}
	return fmt.Sprintf("%s_local_binary-%s.list", series, b.Key.Arch)
}

// OverrideName returns the override file name under local/database/indices
func (b *Bucket) OverrideName(series string) string {
	if b.Key.Installer {
		return fmt.Sprintf("override.%s.local.debian-installer.%s", series, b.Key.Arch)
	}
	return fmt.Sprintf("override.%s.local.%s", series, b.Key.Arch)
}

// List renders the sorted pool paths, one per line
func (b *Bucket) List() []byte {
	paths := make([]string, 0, len(b.Entries))
	for _, e := range b.Entries {
		paths = append(paths, e.Path)
	}
	sort.Strings(paths)
	return joinLines(paths)
}

// Overrides renders one "name priority section" line per distinct name
func (b *Bucket) Overrides() []byte {
	seen := make(map[string]bool)
	var lines []string
	for _, e := range b.Entries {
		if seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s", e.Name, e.Priority, e.OverrideSection()))
	}
	sort.Strings(lines)
	return joinLines(lines)
}

func joinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// Assign distributes entries into buckets. Architecture-independent
// packages go to every architecture; packages for architectures not in
// arches are dropped.
func Assign(entries []Entry, arches []string) map[BucketKey]*Bucket {
	buckets := make(map[BucketKey]*Bucket)
	add := func(arch string, e Entry) {
		key := BucketKey{Arch: arch, Installer: e.Installer}
		b, ok := buckets[key]
		if !ok {
			b = &Bucket{Key: key}
			buckets[key] = b
		}
		b.Entries = append(b.Entries, e)
	}

	for _, e := range entries {
		for _, arch := range arches {
			if e.Architecture == "all" || e.Architecture == arch {
				add(arch, e)
			}
		}
	}
	return buckets
}

// Builder regenerates the local indices for one configuration
type Builder struct {
	cfg     *config.Config
	runner  runner.Runner
	logger  logger.Logger
	workers int
}

// Option configures a Builder
type Option func(*Builder)

// WithWorkers bounds how many packages are inspected concurrently
func WithWorkers(n int) Option {
	return func(b *Builder) { b.workers = n }
}

// New creates a Builder
func New(cfg *config.Config, r runner.Runner, log logger.Logger, opts ...Option) *Builder {
	if log == nil {
		log = logger.Discard()
	}
	b := &Builder{
		cfg:     cfg,
		runner:  r,
		logger:  log,
		workers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Rebuild scans the pool and rewrites every non-empty bucket's list and
// override file, then runs apt-ftparchive. Without a local/packages
// directory it does nothing.
func (b *Builder) Rebuild(ctx context.Context) error {
	layout := b.cfg.Layout()
	packages := layout.LocalPackages()
	if info, err := os.Stat(packages); err != nil || !info.IsDir() {
		b.logger.Debug("No local packages", logger.WithField("path", packages))
		return nil
	}

	series := b.cfg.SeriesName()
	dists := filepath.Join(layout.LocalDatabase(), "dists")
	indices := filepath.Join(layout.LocalDatabase(), "indices")
	for _, dir := range []string{dists, indices} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create %s", dir)
		}
	}

	entries, err := b.Scan(ctx)
	if err != nil {
		return err
	}

	arches := b.cfg.CPUArches()
	buckets := Assign(entries, arches)
	for _, arch := range arches {
		for _, installer := range []bool{false, true} {
			skeleton := filepath.Join(packages, "dists", series, "local")
			if installer {
				skeleton = filepath.Join(skeleton, "debian-installer")
			}
			skeleton = filepath.Join(skeleton, "binary-"+arch)
			if err := os.MkdirAll(skeleton, 0o755); err != nil {
				return errors.Wrapf(err, "failed to create %s", skeleton)
			}

			bucket, ok := buckets[BucketKey{Arch: arch, Installer: installer}]
			if !ok {
				continue
			}
			if err := writeFile(filepath.Join(dists, bucket.ListName(series)), bucket.List()); err != nil {
				return err
			}
			if err := writeFile(filepath.Join(indices, bucket.OverrideName(series)), bucket.Overrides()); err != nil {
				return err
			}
			b.logger.Debug("Wrote local index",
				logger.WithField("list", bucket.ListName(series)),
				logger.WithField("entries", len(bucket.Entries)))
		}
	}

	cmd, err := runner.Resolve(b.cfg.Get("FTPARCHIVE_TOOL"), "apt-ftparchive", "generate", "apt-ftparchive.conf")
	if err != nil {
		return err
	}
	cmd.Dir = packages
	return b.runner.Run(ctx, cmd)
}

// Scan finds every .deb and .udeb under pool/local and reads its control
// fields. Unreadable packages are logged and skipped.
func (b *Builder) Scan(ctx context.Context) ([]Entry, error) {
	packages := b.cfg.Layout().LocalPackages()
	pool := filepath.Join(packages, "pool", "local")

	var paths []string
	err := filepath.WalkDir(pool, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == pool {
				return filepath.SkipDir
			}
			return err
		}
		if d.Type().IsRegular() && (strings.HasSuffix(path, ".deb") || strings.HasSuffix(path, ".udeb")) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", pool)
	}

	results := make([]*Entry, len(paths))
	group, gctx := safegroup.New(ctx, b.logger)
	if b.workers > 0 {
		group.SetLimit(b.workers)
	}
	for i, path := range paths {
		i, path := i, path
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry, err := inspect(packages, path)
			if err != nil {
				b.logger.Warn("Skipping unreadable package",
					logger.WithField("path", path),
					logger.WithField("error", err))
				return nil
			}
			results[i] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(results))
	for _, e := range results {
		if e != nil {
			entries = append(entries, *e)
		}
	}
	return entries, nil
}

// inspect reads the fields of one package. The name falls back to the
// file name prefix and the architecture to the file name suffix when the
// control paragraph lacks them.
func inspect(packages, path string) (*Entry, error) {
	para, err := deb.Control(path)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedPackage, "%s: %v", path, err)
	}

	rel, err := filepath.Rel(packages, path)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedPackage, "%s: %v", path, err)
	}

	base := filepath.Base(path)
	stem := strings.TrimSuffix(strings.TrimSuffix(base, ".udeb"), ".deb")
	parts := strings.Split(stem, "_")

	e := &Entry{
		Name:         para.Get("Package"),
		Path:         filepath.ToSlash(rel),
		Architecture: para.Get("Architecture"),
		Section:      para.Get("Section"),
		Priority:     para.Get("Priority"),
		Installer:    strings.HasSuffix(base, ".udeb"),
	}
	if e.Name == "" {
		e.Name = parts[0]
	}
	if e.Architecture == "" && len(parts) == 3 {
		e.Architecture = parts[2]
	}
	if e.Priority == "" {
		return nil, errors.Wrapf(ErrMalformedPackage, "%s: no Priority field", path)
	}
	return e, nil
}

func writeFile(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
