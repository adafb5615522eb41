// Package checksum computes several digests of a stream in one pass.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a supported digest, spelled the way BagIt manifest
// file names spell it.
type Algorithm string

const (
	MD5        Algorithm = "md5"
	SHA1       Algorithm = "sha1"
	SHA256     Algorithm = "sha256"
	SHA512     Algorithm = "sha512"
	BLAKE2b256 Algorithm = "blake2b-256"
	BLAKE2b512 Algorithm = "blake2b-512"
	SHA3_256   Algorithm = "sha3-256"
)

// Primary is recorded for every accepted file and checked before packaging.
const Primary = SHA256

var constructors = map[Algorithm]func() hash.Hash{
	MD5:    md5.New,
	SHA1:   sha1.New,
	SHA256: sha256.New,
	SHA512: sha512.New,
	BLAKE2b256: func() hash.Hash {
		h, _ := blake2b.New256(nil) // only fails for oversized keys
		return h
	},
	BLAKE2b512: func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
	SHA3_256: sha3.New256,
}

// ParseAlgorithms validates configured names. The primary algorithm is
// always present and always first; duplicates are dropped.
func ParseAlgorithms(names []string) ([]Algorithm, error) {
	out := []Algorithm{Primary}
	seen := map[Algorithm]bool{Primary: true}
	for _, n := range names {
		a := Algorithm(strings.ToLower(strings.TrimSpace(n)))
		if a == "" {
			continue
		}
		if _, ok := constructors[a]; !ok {
			return nil, fmt.Errorf("unsupported checksum algorithm %q", n)
		}
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out, nil
}

// MultiHasher writes every byte to one hash per algorithm.
type MultiHasher struct {
	algs   []Algorithm
	hashes []hash.Hash
	w      io.Writer
	n      int64
}

// NewMultiHasher returns a hasher for the given algorithms. Unknown
// algorithms panic; validate them with ParseAlgorithms first.
func NewMultiHasher(algs []Algorithm) *MultiHasher {
	m := &MultiHasher{algs: algs}
	writers := make([]io.Writer, 0, len(algs))
	for _, a := range algs {
		ctor, ok := constructors[a]
		if !ok {
			panic(fmt.Sprintf("checksum: unknown algorithm %q", a))
		}
		h := ctor()
		m.hashes = append(m.hashes, h)
		writers = append(writers, h)
	}
	m.w = io.MultiWriter(writers...)
	return m
}

func (m *MultiHasher) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	m.n += int64(n)
	return n, err
}

// Size is the number of bytes written so far.
func (m *MultiHasher) Size() int64 {
	return m.n
}

// Sums returns lowercase hex digests keyed by algorithm.
func (m *MultiHasher) Sums() map[Algorithm]string {
	out := make(map[Algorithm]string, len(m.algs))
	for i, a := range m.algs {
		out[a] = hex.EncodeToString(m.hashes[i].Sum(nil))
	}
	return out
}

// Compute reads r to EOF and returns its digests and length.
func Compute(r io.Reader, algs []Algorithm) (map[Algorithm]string, int64, error) {
	m := NewMultiHasher(algs)
	if _, err := io.Copy(m, r); err != nil {
		return nil, 0, fmt.Errorf("failed to hash content: %w", err)
	}
	return m.Sums(), m.Size(), nil
}
