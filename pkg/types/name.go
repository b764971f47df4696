package types

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"sectiond/pkg/crypto"
)

// NameLen is the byte length of a Name.
const NameLen = 32

// Name is a 256-bit identifier used for identity and XOR-distance routing.
// A node's name is its ed25519 public key.
type Name [NameLen]byte

// NameFromKey returns the name owned by pk.
func NameFromKey(pk crypto.PublicKey) Name {
	return Name(pk)
}

// Key returns the public key this name was derived from.
func (n Name) Key() crypto.PublicKey {
	return crypto.PublicKey(n)
}

// RandomName returns a uniformly random name.
func RandomName() Name {
	var n Name
	if _, err := rand.Read(n[:]); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return n
}

// ParseName decodes a hex encoded name.
func ParseName(s string) (Name, error) {
	var n Name
	raw, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("failed to decode name: %w", err)
	}
	if len(raw) != NameLen {
		return n, fmt.Errorf("invalid name length %d", len(raw))
	}
	copy(n[:], raw)
	return n, nil
}

func (n Name) String() string {
	return hex.EncodeToString(n[:3]) + ".."
}

// Hex returns the full hex encoding.
func (n Name) Hex() string {
	return hex.EncodeToString(n[:])
}

// Bit returns the i-th bit, counted from the most significant bit.
func (n Name) Bit(i int) bool {
	return n[i/8]&(0x80>>uint(i%8)) != 0
}

// WithBit returns a copy of n with the i-th bit set to v.
func (n Name) WithBit(i int, v bool) Name {
	mask := byte(0x80 >> uint(i%8))
	if v {
		n[i/8] |= mask
	} else {
		n[i/8] &^= mask
	}
	return n
}

// Xor returns the XOR distance between n and o.
func (n Name) Xor(o Name) Name {
	var out Name
	for i := range n {
		out[i] = n[i] ^ o[i]
	}
	return out
}

// CmpDistance compares the distance from n to a with the distance from n to b.
// It returns -1 if a is closer, 1 if b is closer and 0 if equal.
func (n Name) CmpDistance(a, b Name) int {
	da, db := n.Xor(a), n.Xor(b)
	return bytes.Compare(da[:], db[:])
}
