package utils

import (
	"strings"
)

// DefaultArch is the SBPF architecture version built when none is configured
const DefaultArch = "v0"

var archTriples = map[string]string{
	"sbf": "sbf-solana-solana",
	"v0":  "sbpf-solana-solana",
	"v1":  "sbpfv1-solana-solana",
	"v2":  "sbpfv2-solana-solana",
	"v3":  "sbpfv3-solana-solana",
}

// ParseArch maps an architecture name (e.g. "v1", "V2", "sbf") to its target triple.
// Returns an empty string for unknown architectures.
func ParseArch(arch string) string {
	return archTriples[strings.ToLower(strings.TrimSpace(arch))]
}

// TripleEnvKey converts a target triple into the form cargo uses in
// CARGO_TARGET_<TRIPLE>_* environment variable names
func TripleEnvKey(triple string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(triple))
}
