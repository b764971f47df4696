package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sectiond/pkg/types"
)

func TestResourceProof(t *testing.T) {
	rp := NewResourceProof(6, time.Minute)
	name := types.RandomName()

	ch := rp.Challenge(name)
	assert.Equal(t, uint8(6), ch.Difficulty)
	assert.Equal(t, 1, rp.Outstanding())

	sol := SolveChallenge(name, ch)
	assert.GreaterOrEqual(t, leadingZeros(proofHash(ch.Nonce, name, sol.Solution)), 6)
	assert.True(t, rp.Validate(name, sol))
	assert.Zero(t, rp.Outstanding())

	assert.False(t, rp.Validate(name, sol), "a solution is accepted once")
}

func TestResourceProofRejects(t *testing.T) {
	rp := NewResourceProof(6, time.Minute)
	name := types.RandomName()

	t.Run("unissued", func(t *testing.T) {
		other := types.RandomName()
		ch := rp.Challenge(name)
		assert.False(t, rp.Validate(other, SolveChallenge(other, ch)))
	})

	t.Run("solved for another name", func(t *testing.T) {
		ch := rp.Challenge(name)
		sol := SolveChallenge(types.RandomName(), ch)
		if leadingZeros(proofHash(ch.Nonce, name, sol.Solution)) >= 6 {
			t.Skip("solution happens to hold for both names")
		}
		assert.False(t, rp.Validate(name, sol))
	})

	t.Run("stale nonce", func(t *testing.T) {
		first := rp.Challenge(name)
		rp.Challenge(name)
		assert.False(t, rp.Validate(name, SolveChallenge(name, first)))
	})

	t.Run("lowered difficulty", func(t *testing.T) {
		ch := rp.Challenge(name)
		ch.Difficulty = 0
		sol := SolveChallenge(name, ch)
		assert.False(t, rp.Validate(name, sol))
	})
}

func TestResourceProofExpires(t *testing.T) {
	rp := NewResourceProof(1, 20*time.Millisecond)
	name := types.RandomName()
	ch := rp.Challenge(name)
	time.Sleep(100 * time.Millisecond)
	assert.False(t, rp.Validate(name, SolveChallenge(name, ch)))
}

func TestLeadingZeros(t *testing.T) {
	assert.Equal(t, 256, leadingZeros([32]byte{}))
	assert.Equal(t, 0, leadingZeros([32]byte{0x80}))
	assert.Equal(t, 11, leadingZeros([32]byte{0, 0x10}))
}
