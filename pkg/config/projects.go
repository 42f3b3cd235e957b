package config

import (
	_ "embed"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed projects.yaml
var projectsYAML []byte

// Project describes a product variant
type Project struct {
	Name            string `yaml:"name"`
	Unsupported     bool   `yaml:"unsupported"`
	UnsupportedFrom string `yaml:"unsupported_from"`
	OnlyFree        bool   `yaml:"onlyfree"`
}

type projectTable struct {
	Projects map[string]Project `yaml:"projects"`
}

var (
	projectsOnce sync.Once
	projects     map[string]Project
	projectsErr  error
)

// Projects returns the built-in project table
func Projects() (map[string]Project, error) {
	projectsOnce.Do(func() {
		var table projectTable
		if err := yaml.Unmarshal(projectsYAML, &table); err != nil {
			projectsErr = errors.Wrap(err, "failed to parse project table")
			return
		}
		projects = table.Projects
	})
	return projects, projectsErr
}

// CapitalizedName looks up the display name of project, qualified by a
// defaults locale when one is set
func CapitalizedName(project, locale string) (string, bool) {
	table, err := Projects()
	if err != nil {
		return "", false
	}
	key := project
	if locale != "" {
		key = project + "-" + locale
	}
	p, ok := table[key]
	if !ok {
		return "", false
	}
	return p.Name, true
}

// ConfigureForProject sets the project-dependent build flags: ONLYFREE for
// free-software-only variants, UNSUPPORTED for variants built from the
// universe mirror, and INSTALL_BASE for install images.
func ConfigureForProject(cfg *Config) error {
	table, err := Projects()
	if err != nil {
		return err
	}

	if p, ok := table[cfg.Project()]; ok {
		if p.OnlyFree {
			cfg.Set("CDIMAGE_ONLYFREE", "1")
		}
		unsupported := p.Unsupported
		if p.UnsupportedFrom != "" {
			series, err := cfg.Series()
			if err != nil {
				return err
			}
			if series.AtLeast(p.UnsupportedFrom) {
				unsupported = true
			}
		}
		if unsupported {
			cfg.Set("CDIMAGE_UNSUPPORTED", "1")
		}
	}

	if cfg.Bool("CDIMAGE_INSTALL") {
		cfg.Set("CDIMAGE_INSTALL_BASE", "1")
	}
	return nil
}
