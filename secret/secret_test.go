package secret

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/blake2b"
)

func TestNewGenerator(t *testing.T) {
	g, err := NewGenerator(AlgoBlake2b256)
	assert.NoError(t, err)
	assert.Equal(t, AlgoBlake2b256, g.Algo())

	g, err = NewGenerator(AlgoSHA256)
	assert.NoError(t, err)
	assert.Equal(t, AlgoSHA256, g.Algo())

	_, err = NewGenerator(Algo("md5"))
	assert.ErrorIs(t, err, ErrUnknownAlgo)
}

func TestGenerateAndVerify(t *testing.T) {
	for _, algo := range []Algo{AlgoBlake2b256, AlgoSHA256} {
		g, err := NewGenerator(algo)
		assert.NoError(t, err)

		s := g.Generate()
		h := g.HashOf(s)

		assert.True(t, g.Verify(s[:], h))

		// flip one bit of the preimage
		bad := s
		bad[0] ^= 0x01
		assert.False(t, g.Verify(bad[:], h))

		// wrong length preimages never verify
		assert.False(t, g.Verify(s[:31], h))
		assert.False(t, g.Verify(append(s[:], 0x00), h))
		assert.False(t, g.Verify(nil, h))
	}
}

func TestHashMatchesReferenceImpl(t *testing.T) {
	g, _ := NewGenerator(AlgoSHA256)
	s := g.Generate()
	assert.Equal(t, Hash(sha256.Sum256(s[:])), g.HashOf(s))

	g, _ = NewGenerator(AlgoBlake2b256)
	assert.Equal(t, Hash(blake2b.Sum256(s[:])), g.HashOf(s))
}

func TestSecretsAreDistinct(t *testing.T) {
	g, _ := NewGenerator(AlgoSHA256)
	a := g.Generate()
	b := g.Generate()
	assert.NotEqual(t, a, b)
}

func TestStringRedacts(t *testing.T) {
	g, _ := NewGenerator(AlgoSHA256)
	s := g.Generate()
	assert.Equal(t, "secret(redacted)", s.String())
	assert.NotContains(t, s.String(), s.Hex()[2:10])
}
