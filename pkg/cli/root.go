// Package cli provides the build-image-set command-line interface
package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cdimage/cdimage/pkg/config"
	"github.com/cdimage/cdimage/pkg/logger"
)

// CLI holds the command tree and its output streams
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	logger   logger.Logger
	output   io.Writer
	errorOut io.Writer
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	cli := &CLI{
		config:   cfg,
		output:   os.Stdout,
		errorOut: os.Stderr,
	}

	cli.setupCommands()
	return cli
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	cli := NewCLI(cfg)
	cli.output = output
	cli.errorOut = errorOut
	cli.rootCmd.SetOut(output)
	cli.rootCmd.SetErr(errorOut)
	return cli
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "build-image-set",
		Short: "Build, publish and maintain daily CD image sets",
		Long: `build-image-set runs the daily image build pipeline for one
project/series/image type: it syncs the archive mirror, regenerates local
package indices, germinates, builds the images with debian-cd and publishes
the result.`,

		PersistentPreRunE: c.initializeLogger,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("build-image-set {{.Version}}\n")

	c.rootCmd.AddCommand(c.newBuildCmd())
	c.rootCmd.AddCommand(c.newUpdateLocalIndicesCmd())
	c.rootCmd.AddCommand(c.newFixPermissionsCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: <root>/etc/config.yaml)")
	flags.StringVar(&c.config.Root, "root", "", "cdimage root directory (default: $CDIMAGE_ROOT or "+config.DefaultRoot+")")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", c.config.Verbosity, "log level (debug, info, warn, error)")
	flags.StringArrayVarP(&c.config.Overrides, "set", "s", nil, "override a configuration key (KEY=VALUE, repeatable)")
}

func (c *CLI) initializeLogger(cmd *cobra.Command, args []string) error {
	if c.errorOut == os.Stderr {
		c.logger = logger.CreateLogger("", c.config.Verbosity)
	} else {
		c.logger = logger.CreateLoggerWithOutput("", c.config.Verbosity, c.errorOut)
	}
	return nil
}

// loadConfig reads the configuration, applying the --set overrides and
// then extra on top
func (c *CLI) loadConfig(extra map[string]string) (*config.Config, error) {
	overrides, err := config.ParseOverrides(c.config.Overrides)
	if err != nil {
		return nil, err
	}
	for key, value := range extra {
		overrides[key] = value
	}

	cfg, err := config.Load(config.LoadOptions{
		Root:       c.config.Root,
		ConfigFile: c.config.ConfigFile,
		Overrides:  overrides,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Loaded configuration", logger.WithField("root", cfg.Root()))
	return cfg, nil
}
