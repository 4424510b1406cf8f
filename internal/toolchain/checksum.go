package toolchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"lukechampine.com/blake3"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

// Supported checksum algorithms
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmBLAKE3 = "blake3"
)

// Checksum is an expected archive digest. The zero value means "not checked".
type Checksum struct {
	Algorithm string
	Sum       []byte
}

// ParseChecksum accepts "sha256:<hex>", "blake3:<hex>" or a bare 64-digit
// hex string, which is taken as sha256. An empty string yields a zero Checksum.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, nil
	}

	algo, digest, found := strings.Cut(s, ":")
	if !found {
		algo, digest = AlgorithmSHA256, s
	}

	algo = strings.ToLower(algo)
	if algo != AlgorithmSHA256 && algo != AlgorithmBLAKE3 {
		return Checksum{}, codes.Errorf(codes.KindConfig, "resolve", "unsupported checksum algorithm %q", algo)
	}

	sum, err := hex.DecodeString(strings.ToLower(digest))
	if err != nil || len(sum) != 32 {
		return Checksum{}, codes.Errorf(codes.KindConfig, "resolve", "invalid %s checksum %q", algo, digest)
	}

	return Checksum{Algorithm: algo, Sum: sum}, nil
}

// IsZero reports whether no checksum is expected
func (c Checksum) IsZero() bool {
	return c.Algorithm == ""
}

// NewHash returns a hasher for the checksum's algorithm
func (c Checksum) NewHash() hash.Hash {
	if c.Algorithm == AlgorithmBLAKE3 {
		return blake3.New(32, nil)
	}

	return sha256.New()
}

// Verify compares a computed digest against the expected one
func (c Checksum) Verify(sum []byte) error {
	if c.IsZero() {
		return nil
	}

	if hex.EncodeToString(sum) != hex.EncodeToString(c.Sum) {
		return codes.Errorf(codes.KindIntegrity, "fetch", "%s mismatch: expected %x, got %x", c.Algorithm, c.Sum, sum)
	}

	return nil
}

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}

	return fmt.Sprintf("%s:%x", c.Algorithm, c.Sum)
}
