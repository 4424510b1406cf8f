package config

import (
	"github.com/spf13/pflag"
)

// flagKeys maps command-line flags onto viper keys
var flagKeys = map[string]string{
	"tools-checksum":      "tools_checksum",
	"cache-dir":           "cache_dir",
	"offline":             "offline",
	"features":            "features",
	"no-default-features": "no_default_features",
	"debug":               "debug",
	"arch":                "arch",
	"manifest-path":       "manifest_path",
	"package":             "package",
	"sbf-out-dir":         "sbf_out_dir",
	"jobs":                "jobs",
	"rustflags":           "rustflags",
	"verbose":             "verbose",
	"silent":              "silent",
}

// RegisterGlobalFlags adds the flags every command accepts
func RegisterGlobalFlags(flags *pflag.FlagSet) {
	flags.String("cache-dir", "", "Toolchain cache directory (env "+EnvCacheDir+")")
	flags.Bool("offline", false, "Never download; fail if the toolchain is not cached")
	flags.BoolP("verbose", "v", DefaultVerbose, "Enable verbose output")
	flags.BoolP("silent", "s", DefaultSilent, "Only print errors")
}

// RegisterBuildFlags adds the flags that shape a build
func RegisterBuildFlags(flags *pflag.FlagSet) {
	flags.String("tools-version", "", "Platform-tools version, e.g. v1.43 (env "+EnvToolsVersion+")")
	flags.String("tools-checksum", "", "Expected checksum of the --tools-version archive (sha256:<hex> or blake3:<hex>)")
	flags.StringSliceP("features", "F", nil, "Features to enable, comma or space separated")
	flags.Bool("no-default-features", false, "Do not enable the default features")
	flags.Bool("debug", false, "Build with the debug profile instead of release")
	flags.String("arch", DefaultArch, "SBPF architecture: v0, v1, v2, v3 or sbf")
	flags.String("manifest-path", "", "Path to Cargo.toml")
	flags.StringSliceP("package", "p", nil, "Program crates to build (default: all)")
	flags.String("sbf-out-dir", "", "Directory for built programs (default: <target-dir>/deploy)")
	flags.IntP("jobs", "j", DefaultJobs, "Crates built in parallel (default: number of CPUs)")
	flags.String("rustflags", "", "Extra flags passed to rustc")
}
