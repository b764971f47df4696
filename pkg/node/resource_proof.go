package node

import (
	"encoding/binary"
	"math/bits"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"sectiond/pkg/crypto"
	"sectiond/pkg/messaging"
	"sectiond/pkg/types"
)

const (
	// DefaultResourceProofDifficulty is the number of leading zero bits a solution needs.
	DefaultResourceProofDifficulty = 8
	// DefaultChallengeTTL bounds how long an issued challenge stays valid.
	DefaultChallengeTTL = 5 * time.Minute

	maxOutstandingChallenges = 1024
)

// ResourceProof issues proof of work challenges to joining peers and
// validates their solutions. Only challenges we issued are accepted, and
// each one only once.
type ResourceProof struct {
	difficulty uint8
	issued     *expirable.LRU[types.Name, messaging.ResourceChallenge]
}

// NewResourceProof creates a challenger with the given difficulty.
func NewResourceProof(difficulty uint8, ttl time.Duration) *ResourceProof {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ResourceProof{
		difficulty: difficulty,
		issued:     expirable.NewLRU[types.Name, messaging.ResourceChallenge](maxOutstandingChallenges, nil, ttl),
	}
}

// Challenge issues a fresh challenge to name, replacing any earlier one.
func (rp *ResourceProof) Challenge(name types.Name) messaging.ResourceChallenge {
	ch := messaging.ResourceChallenge{Nonce: types.RandomName(), Difficulty: rp.difficulty}
	rp.issued.Add(name, ch)
	return ch
}

// Validate checks a solution from name against the challenge issued to it.
// A valid solution consumes the challenge.
func (rp *ResourceProof) Validate(name types.Name, sol messaging.ResourceProofSolution) bool {
	ch, ok := rp.issued.Get(name)
	if !ok || ch.Nonce != sol.Nonce || sol.Difficulty < ch.Difficulty {
		return false
	}
	if leadingZeros(proofHash(ch.Nonce, name, sol.Solution)) < int(ch.Difficulty) {
		return false
	}
	rp.issued.Remove(name)
	return true
}

// Outstanding returns the number of unanswered challenges.
func (rp *ResourceProof) Outstanding() int {
	return rp.issued.Len()
}

// SolveChallenge finds a counter satisfying ch for name.
func SolveChallenge(name types.Name, ch messaging.ResourceChallenge) messaging.ResourceProofSolution {
	var counter uint64
	for leadingZeros(proofHash(ch.Nonce, name, counter)) < int(ch.Difficulty) {
		counter++
	}
	return messaging.ResourceProofSolution{Nonce: ch.Nonce, Difficulty: ch.Difficulty, Solution: counter}
}

func proofHash(nonce [32]byte, name types.Name, counter uint64) [32]byte {
	var c [8]byte
	binary.BigEndian.PutUint64(c[:], counter)
	return crypto.Digest(nonce[:], name[:], c[:])
}

func leadingZeros(h [32]byte) int {
	n := 0
	for _, b := range h {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}
