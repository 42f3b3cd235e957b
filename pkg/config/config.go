// Package config handles build configuration loading and management
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cdimage/cdimage/pkg/types"
)

// DefaultRoot is used when CDIMAGE_ROOT is not configured
const DefaultRoot = "/srv/cdimage.ubuntu.com"

// Config is an ordered string-keyed mapping of build parameters.
// Unset keys read as the empty string.
type Config struct {
	root   string
	keys   []string
	values map[string]string
}

// New creates an empty configuration rooted at root
func New(root string) *Config {
	return &Config{
		root:   root,
		values: make(map[string]string),
	}
}

// Root returns the cdimage root directory
func (c *Config) Root() string {
	return c.root
}

// Layout returns the well-known paths under the root
func (c *Config) Layout() types.Layout {
	return types.Layout{Root: c.root}
}

// Get returns the value for key, or "" when unset
func (c *Config) Get(key string) string {
	return c.values[key]
}

// Set stores value under key, keeping the original insertion position
// when the key already exists
func (c *Config) Set(key, value string) {
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Has reports whether key has been set, even to the empty string
func (c *Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Bool treats any non-empty value as true
func (c *Config) Bool(key string) bool {
	return c.values[key] != ""
}

// Keys returns the configured keys in insertion order
func (c *Config) Keys() []string {
	return append([]string(nil), c.keys...)
}

// Export renders the configuration as KEY=VALUE pairs suitable for an
// external tool's environment. CDIMAGE_ROOT is always present.
func (c *Config) Export() []string {
	env := make([]string, 0, len(c.keys)+1)
	if !c.Has("CDIMAGE_ROOT") {
		env = append(env, "CDIMAGE_ROOT="+c.root)
	}
	for _, key := range c.keys {
		env = append(env, key+"="+c.values[key])
	}
	return env
}

// Clone returns an independent copy
func (c *Config) Clone() *Config {
	out := New(c.root)
	for _, key := range c.keys {
		out.Set(key, c.values[key])
	}
	return out
}

// Project returns the configured project, e.g. "ubuntu"
func (c *Config) Project() string {
	return c.Get("PROJECT")
}

// CapProject returns the human-readable project name. An explicit
// CAPPROJECT wins over the built-in project table.
func (c *Config) CapProject() string {
	if v := c.Get("CAPPROJECT"); v != "" {
		return v
	}
	if name, ok := CapitalizedName(c.Project(), c.Get("UBUNTU_DEFAULTS_LOCALE")); ok {
		return name
	}
	return c.Project()
}

// SeriesName returns the raw DIST value
func (c *Config) SeriesName() string {
	return c.Get("DIST")
}

// Series resolves DIST against the known series ordering
func (c *Config) Series() (Series, error) {
	return LookupSeries(c.SeriesName(), c.Ordering())
}

// Ordering returns ALL_DISTS when configured, otherwise the built-in
// series ordering
func (c *Config) Ordering() []string {
	if all := strings.Fields(c.Get("ALL_DISTS")); len(all) > 0 {
		return all
	}
	return DefaultSeries
}

// ImageType returns the configured image type, e.g. "daily"
func (c *Config) ImageType() string {
	return c.Get("IMAGE_TYPE")
}

// Date returns the build date stamp
func (c *Config) Date() string {
	return c.Get("CDIMAGE_DATE")
}

// Arches returns the full architecture names, e.g. "amd64+mac"
func (c *Config) Arches() []string {
	return strings.Fields(c.Get("ARCHES"))
}

// CPUArches returns CPUARCHES when configured, otherwise the distinct cpu
// parts of ARCHES in order
func (c *Config) CPUArches() []string {
	if cpu := strings.Fields(c.Get("CPUARCHES")); len(cpu) > 0 {
		return cpu
	}
	var out []string
	seen := make(map[string]bool)
	for _, arch := range c.Arches() {
		cpu := CPUArch(arch)
		if !seen[cpu] {
			seen[cpu] = true
			out = append(out, cpu)
		}
	}
	return out
}

// BuildKey returns the key identifying this build. Chinese edition builds
// of ubuntu are keyed under their own project name.
func (c *Config) BuildKey() types.BuildKey {
	project := c.Project()
	if c.Get("UBUNTU_DEFAULTS_LOCALE") == "zh_CN" {
		project = "ubuntu-chinese-edition"
	}
	return types.BuildKey{
		Project:   project,
		Series:    c.SeriesName(),
		ImageType: c.ImageType(),
	}
}

// String renders the configuration for diagnostics, sorted by key
func (c *Config) String() string {
	keys := c.Keys()
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", key, c.values[key]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// CPUArch strips a subarchitecture suffix: "amd64+mac" -> "amd64"
func CPUArch(arch string) string {
	cpu, _, _ := strings.Cut(arch, "+")
	return cpu
}
