// Package secret implements the preimage/hash primitive that binds the
// two escrows of one order. Both sides of an order MUST use the same
// hash algorithm; the generator is fixed at construction.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/blake2b"

	"github.com/TEENet-io/swap-go/common"
)

type Algo string

const (
	AlgoBlake2b256 Algo = "blake2b-256"
	AlgoSHA256     Algo = "sha-256"
)

var ErrUnknownAlgo = errors.New("unknown hash algorithm")

// Secret is a 32-byte preimage. It never appears in logs; String()
// redacts it. Once revealed inside an on-chain claim event it is
// public and Hex() may be used for receipts.
type Secret [32]byte

// Hash is the 32-byte output of the order's hash algorithm over the
// preimage.
type Hash [32]byte

func (s Secret) String() string {
	return "secret(redacted)"
}

func (s Secret) Hex() string {
	return common.Bytes32ToHexStr([32]byte(s))
}

func (h Hash) Hex() string {
	return common.Bytes32ToHexStr([32]byte(h))
}

func (h Hash) String() string {
	return h.Hex()
}

// Generator produces secrets and computes/verifies their hashes with a
// fixed algorithm.
type Generator struct {
	algo Algo
}

func NewGenerator(algo Algo) (*Generator, error) {
	switch algo {
	case AlgoBlake2b256, AlgoSHA256:
		return &Generator{algo: algo}, nil
	default:
		return nil, ErrUnknownAlgo
	}
}

func (g *Generator) Algo() Algo {
	return g.algo
}

// Generate returns a fresh secret. Failure of the system randomness
// source is fatal.
func (g *Generator) Generate() Secret {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		panic("secret: randomness source failed: " + err.Error())
	}
	return s
}

func (g *Generator) HashOf(s Secret) Hash {
	return g.hashBytes(s[:])
}

// Verify checks hash(preimage) == expected in constant time. The
// preimage may come from an untrusted on-chain event, hence []byte.
func (g *Generator) Verify(preimage []byte, expected Hash) bool {
	if len(preimage) != 32 {
		return false
	}
	h := g.hashBytes(preimage)
	return subtle.ConstantTimeCompare(h[:], expected[:]) == 1
}

func (g *Generator) hashBytes(b []byte) Hash {
	switch g.algo {
	case AlgoBlake2b256:
		return Hash(blake2b.Sum256(b))
	case AlgoSHA256:
		return Hash(sha256.Sum256(b))
	default:
		// NewGenerator rejects unknown algos.
		panic("secret: generator with unknown algorithm")
	}
}
