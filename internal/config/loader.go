package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

// Loader handles configuration loading from various sources. Later sources
// win: defaults, global config, local config, environment, flags.
type Loader struct {
	v *viper.Viper

	// GlobalDir holds the user's config file; <UserConfigDir>/sbfbuild when empty
	GlobalDir string
	// LocalFile is the local config that was read, if any
	LocalFile string
	// GlobalFile is the global config that was read, if any
	GlobalFile string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// LoadForBuild loads configuration for a build. cargoArgs is the verbatim
// tail after "--".
func (l *Loader) LoadForBuild(cmd *cobra.Command, cargoArgs []string) (*Config, error) {
	cfg, err := l.load(cmd)
	if err != nil {
		return nil, err
	}

	cfg.CargoArgs = cargoArgs

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadForToolchain loads configuration for the toolchain commands
func (l *Loader) LoadForToolchain(cmd *cobra.Command) (*Config, error) {
	cfg, err := l.load(cmd)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (l *Loader) load(cmd *cobra.Command) (*Config, error) {
	if l.v == nil {
		l.v = viper.New()
	}

	l.setupViperDefaults()

	if err := l.loadGlobalConfig(); err != nil {
		return nil, err
	}

	if err := l.loadLocalConfig(l.startDir(cmd)); err != nil {
		return nil, err
	}

	l.bindEnv()
	l.bindCommandFlags(cmd)

	v := l.v
	cfg := &Config{
		EnvToolsVersion:     strings.TrimSpace(os.Getenv(EnvToolsVersion)),
		DefaultToolsVersion: v.GetString("tools_version"),
		ToolsChecksum:       v.GetString("tools_checksum"),
		ToolsURL:            v.GetString("tools_url"),
		Checksums:           v.GetStringMapString("checksums"),
		CacheDir:            v.GetString("cache_dir"),
		Cache: CacheConfig{
			Keep:       v.GetInt("cache.keep"),
			MaxSizeRaw: v.GetString("cache.max_size"),
		},
		Offline:           v.GetBool("offline"),
		Features:          v.GetStringSlice("features"),
		NoDefaultFeatures: v.GetBool("no_default_features"),
		Debug:             v.GetBool("debug"),
		Arch:              v.GetString("arch"),
		ManifestPath:      v.GetString("manifest_path"),
		Packages:          v.GetStringSlice("package"),
		OutDir:            v.GetString("sbf_out_dir"),
		Jobs:              v.GetInt("jobs"),
		RustFlags:         strings.Fields(v.GetString("rustflags")),
		Silent:            v.GetBool("silent"),
		Verbose:           v.GetBool("verbose"),
	}

	// The flag, the environment and config files are separate precedence
	// levels, so the flag is read on its own rather than through viper
	if f := cmd.Flags().Lookup("tools-version"); f != nil && f.Changed {
		cfg.ToolsVersion = strings.TrimSpace(f.Value.String())
	}

	return cfg, nil
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	l.v.SetDefault("arch", DefaultArch)
	l.v.SetDefault("jobs", DefaultJobs)
	l.v.SetDefault("silent", DefaultSilent)
	l.v.SetDefault("verbose", DefaultVerbose)
}

// loadGlobalConfig loads the user's config from the OS config directory
func (l *Loader) loadGlobalConfig() error {
	dir := l.GlobalDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil
		}
		dir = filepath.Join(base, "sbfbuild")
	}

	path := FindGlobalConfig(dir)
	if path == "" {
		return nil
	}

	if err := l.merge(path); err != nil {
		return err
	}

	l.GlobalFile = path
	return nil
}

// loadLocalConfig loads the nearest .sbfbuild.* at or above dir
func (l *Loader) loadLocalConfig(dir string) error {
	if dir == "" {
		return nil
	}

	path := FindLocalConfig(dir)
	if path == "" {
		return nil
	}

	if err := l.merge(path); err != nil {
		return err
	}

	l.LocalFile = path
	return nil
}

func (l *Loader) merge(path string) error {
	l.v.SetConfigFile(path)

	if err := l.v.MergeInConfig(); err != nil {
		return codes.Errorf(codes.KindConfig, "config", "failed to read config file %s: %w", path, err)
	}

	return nil
}

// startDir is where the local config search begins: the manifest's
// directory if one was given, otherwise the working directory
func (l *Loader) startDir(cmd *cobra.Command) string {
	if f := cmd.Flags().Lookup("manifest-path"); f != nil && f.Value.String() != "" {
		abs, err := filepath.Abs(f.Value.String())
		if err != nil {
			return ""
		}

		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			return abs
		}

		return filepath.Dir(abs)
	}

	wd, err := os.Getwd()
	if err != nil {
		return ""
	}

	return wd
}

func (l *Loader) bindEnv() {
	_ = l.v.BindEnv("cache_dir", EnvCacheDir)
	_ = l.v.BindEnv("tools_url", EnvToolsURL)
}

// bindCommandFlags binds command flags to viper
func (l *Loader) bindCommandFlags(cmd *cobra.Command) {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = l.v.BindPFlag(key, f)
		}
	}
}
