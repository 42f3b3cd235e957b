package cli

// Config holds the global command-line settings
type Config struct {
	ConfigFile string
	Root       string
	Verbosity  string
	Version    string
	// Overrides are KEY=VALUE pairs applied over the config file and
	// environment
	Overrides []string
}

// NewConfig creates a CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		Verbosity: "info",
	}
}
