package toolchain

import (
	"runtime"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

// HostPlatform returns the platform identifier for the running host
func HostPlatform() (string, error) {
	return PlatformFor(runtime.GOOS, runtime.GOARCH)
}

// PlatformFor maps a GOOS/GOARCH pair onto the identifier used in release archive names
func PlatformFor(goos, goarch string) (string, error) {
	var osName, arch string

	switch goos {
	case "linux":
		osName = "linux"
	case "darwin":
		osName = "osx"
	case "windows":
		osName = "windows"
	default:
		return "", codes.Errorf(codes.KindConfig, "resolve", "unsupported host operating system %q", goos)
	}

	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	default:
		return "", codes.Errorf(codes.KindConfig, "resolve", "unsupported host architecture %q", goarch)
	}

	if osName == "windows" && arch != "x86_64" {
		return "", codes.Errorf(codes.KindConfig, "resolve", "unsupported host platform %s/%s", goos, goarch)
	}

	return osName + "-" + arch, nil
}
