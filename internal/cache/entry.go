package cache

import "time"

// Record is the usage index's view of an installed toolchain
type Record struct {
	// Version is the canonical toolchain version (e.g. "v1.43")
	Version string `json:"version"`

	// Platform is the host platform identifier (e.g. "linux-x86_64")
	Platform string `json:"platform"`

	// InstalledAt is when the entry was moved into place
	InstalledAt time.Time `json:"installed_at"`

	// LastUsed is when a build last resolved to this entry
	LastUsed time.Time `json:"last_used"`

	// Size is the installed size in bytes
	Size int64 `json:"size"`
}

func recordKey(version, platform string) []byte {
	return []byte(version + "/" + platform)
}
