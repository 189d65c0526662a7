package fetcher

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// DigestAlgorithm is the algorithm used for cache digests
const DigestAlgorithm = "blake3"

// Digest returns the cache digest of data as "blake3:<hex>"
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return DigestAlgorithm + ":" + hex.EncodeToString(sum[:])
}

// Pin is a pinned checksum in "algo:hex" form
type Pin struct {
	Algorithm string
	Sum       []byte
}

var pinAlgorithms = map[string]func() hash.Hash{
	"blake3":   func() hash.Hash { return blake3.New() },
	"sha256":   sha256.New,
	"sha3-256": sha3.New256,
}

// ParsePin parses "algo:hex". An empty string yields a nil pin.
func ParsePin(s string) (*Pin, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	algo, sum, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("checksum %q must be algo:hex", s)
	}
	algo = strings.ToLower(algo)
	newHash, ok := pinAlgorithms[algo]
	if !ok {
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algo)
	}
	raw, err := hex.DecodeString(strings.ToLower(sum))
	if err != nil {
		return nil, fmt.Errorf("checksum %q is not hex: %w", s, err)
	}
	if want := newHash().Size(); len(raw) != want {
		return nil, fmt.Errorf("%s checksum must be %d bytes, got %d", algo, want, len(raw))
	}
	return &Pin{Algorithm: algo, Sum: raw}, nil
}

// Verify checks data against the pin
func (p *Pin) Verify(data []byte) error {
	if p == nil {
		return nil
	}
	h := pinAlgorithms[p.Algorithm]()
	h.Write(data)
	got := h.Sum(nil)
	if subtle.ConstantTimeCompare(got, p.Sum) != 1 {
		return fmt.Errorf("%s checksum mismatch: got %x, want %x", p.Algorithm, got, p.Sum)
	}
	return nil
}

// String renders the pin as "algo:hex"
func (p *Pin) String() string {
	if p == nil {
		return ""
	}
	return p.Algorithm + ":" + hex.EncodeToString(p.Sum)
}
