package revisions

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// HashAlgorithmSHA256 selects SHA-256 content hashes. It is the default.
	HashAlgorithmSHA256 = "sha256"
	// HashAlgorithmBLAKE3 selects 256-bit BLAKE3 content hashes.
	HashAlgorithmBLAKE3 = "blake3"
)

// ErrUnknownHashAlgorithm indicates that a configured hash algorithm is not supported.
var ErrUnknownHashAlgorithm = errors.New("revisions: unknown hash algorithm")

// Hasher renders a fixed-length lowercase hex digest of raw content bytes.
type Hasher interface {
	Algorithm() string
	Sum(content []byte) string
}

// NewHasher returns the hasher registered under algorithm. An empty name selects SHA-256.
func NewHasher(algorithm string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", HashAlgorithmSHA256:
		return sha256Hasher{}, nil
	case HashAlgorithmBLAKE3:
		return blake3Hasher{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownHashAlgorithm, algorithm)
	}
}

type sha256Hasher struct{}

func (sha256Hasher) Algorithm() string {
	return HashAlgorithmSHA256
}

func (sha256Hasher) Sum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

type blake3Hasher struct{}

func (blake3Hasher) Algorithm() string {
	return HashAlgorithmBLAKE3
}

func (blake3Hasher) Sum(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
