package session

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config is nnd's viper-backed configuration, grounded on cucaracha's
// `cmd/root.go` initConfig: a `.nnd` config file searched in the user's
// home directory plus environment-variable overrides, read once at
// startup into a plain struct rather than consulted ad hoc through a
// package-level viper instance.
type Config struct {
	// DebuginfodURLs is the ordered list of debuginfod servers to query,
	// equivalent to the DEBUGINFOD_URLS environment variable.
	DebuginfodURLs []string `mapstructure:"debuginfod_urls"`

	// SymbolWorkers sizes pkg/asyncwork's parallel DWARF unit-parsing pool;
	// defaults to CPU count per §5's "symbol worker pool sized to CPU
	// count."
	SymbolWorkers int `mapstructure:"symbol_workers"`

	// PreferHardwareBreakpoints makes set_breakpoint try a debug-register
	// breakpoint before falling back to an int3 patch, useful for
	// breakpoints in non-writable (read-only-mapped) text segments.
	PreferHardwareBreakpoints bool `mapstructure:"prefer_hardware_breakpoints"`

	// DefaultStepGranularity is "line" or "instruction".
	DefaultStepGranularity string `mapstructure:"default_step_granularity"`

	// ColorScheme toggles color output for any terminal-attached rendering
	// a collaborator TUI chooses to do with it; nnd's core never itself
	// emits ANSI codes.
	ColorScheme string `mapstructure:"color_scheme"`
}

// DefaultConfig returns the configuration used when no config file or
// environment override is present.
func DefaultConfig() *Config {
	return &Config{
		SymbolWorkers:          runtime.NumCPU(),
		DefaultStepGranularity: "line",
		ColorScheme:            "auto",
	}
}

// LoadConfig reads configuration the way cucaracha's initConfig does:
// an explicit file path if given, else a ".nnd" file searched in the
// user's home directory, merged with environment variable overrides
// (NND_DEBUGINFOD_URLS, NND_SYMBOL_WORKERS, etc., via viper's
// AutomaticEnv key-replacement). A missing config file is not an error —
// DefaultConfig's values stand in for anything unset.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("nnd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("session: resolve home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".nnd")
	}

	cfg := DefaultConfig()
	v.SetDefault("symbol_workers", cfg.SymbolWorkers)
	v.SetDefault("default_step_granularity", cfg.DefaultStepGranularity)
	v.SetDefault("color_scheme", cfg.ColorScheme)
	// Keys with no default must be bound explicitly for Unmarshal to see
	// their environment overrides.
	_ = v.BindEnv("debuginfod_urls")
	_ = v.BindEnv("prefer_hardware_breakpoints")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("session: read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("session: parse config: %w", err)
	}
	return cfg, nil
}
