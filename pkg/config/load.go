package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/cdimage/cdimage/pkg/types"
)

// EnvKeys are the keys read from the process environment. Anything else
// must come from the config file or a flag override.
var EnvKeys = []string{
	"CDIMAGE_ROOT",
	"PROJECT",
	"CAPPROJECT",
	"ALL_DISTS",
	"DIST",
	"IMAGE_TYPE",
	"ALL_PROJECTS",
	"ARCHES",
	"CPUARCHES",
	"GNUPG_DIR",
	"SIGNING_KEYID",
	"BRITNEY",
	"LOCAL_SEEDS",
	"TRIGGER_MIRRORS",
	"TRIGGER_MIRRORS_ASYNC",
	"DEBOOTSTRAPROOT",
	"DEBUG",
	"LOCAL",
	"UBUNTU_DEFAULTS_LOCALE",
	"CDIMAGE_DATE",
	"CDIMAGE_NOSYNC",
	"CDIMAGE_NOPUBLISH",
	"CDIMAGE_INSTALL",
	"CDIMAGE_LIVE",
	"CDIMAGE_SQUASHFS_BASE",
	"CDIMAGE_PREINSTALLED",
	"CDIMAGE_ADDON",
	"NOTIFY_DESKTOP",
	"SYNC_TOOL",
	"GERMINATE_TOOL",
	"TASKS_TOOL",
	"UPDATE_TASKS_TOOL",
	"LIVEFS_TOOL",
	"CHECK_INSTALLABLE_TOOL",
	"PUBLISH_TOOL",
	"PURGE_TOOL",
	"TRIGGER_MIRRORS_TOOL",
	"FTPARCHIVE_TOOL",
	"MAIL_TOOL",
}

// LoadOptions controls where configuration is read from
type LoadOptions struct {
	// Root overrides CDIMAGE_ROOT
	Root string
	// ConfigFile overrides <root>/etc/config.yaml
	ConfigFile string
	// Overrides are applied last, in key order
	Overrides map[string]string
}

// Load builds a Config from the optional config file, the environment and
// the explicit overrides, in increasing order of precedence
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	for _, key := range EnvKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "failed to bind %s", key)
		}
	}

	root := opts.Root
	if root == "" {
		root = v.GetString("CDIMAGE_ROOT")
	}
	if root == "" {
		root = DefaultRoot
	}
	root, err := homedir.Expand(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to expand root")
	}

	configFile := opts.ConfigFile
	explicit := configFile != ""
	if !explicit {
		configFile = filepath.Join(root, types.DefaultConfigFile)
	}
	if _, err := os.Stat(configFile); err == nil {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", configFile)
		}
	} else if explicit {
		return nil, errors.Wrapf(err, "config file %s", configFile)
	}

	cfg := New(root)
	seen := make(map[string]bool)
	for _, key := range EnvKeys {
		seen[key] = true
		if key == "CDIMAGE_ROOT" || !v.IsSet(key) {
			continue
		}
		cfg.Set(key, v.GetString(key))
	}

	// Keys only present in the config file follow, sorted
	var extra []string
	for _, key := range v.AllKeys() {
		upper := strings.ToUpper(key)
		if !seen[upper] && !strings.Contains(key, ".") {
			extra = append(extra, upper)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		cfg.Set(key, v.GetString(key))
	}

	overrides := make([]string, 0, len(opts.Overrides))
	for key := range opts.Overrides {
		overrides = append(overrides, key)
	}
	sort.Strings(overrides)
	for _, key := range overrides {
		cfg.Set(key, opts.Overrides[key])
	}

	return cfg, nil
}

// ParseOverrides parses KEY=VALUE pairs as passed on the command line
func ParseOverrides(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("invalid override %q, expected KEY=VALUE", pair)
		}
		out[key] = value
	}
	return out, nil
}
