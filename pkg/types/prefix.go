package types

import (
	"fmt"
	"strings"
)

// Prefix is a leading bit-string of a Name. All names in a section match
// the section's prefix.
type Prefix struct {
	Bits Name
	Len  int
}

// NewPrefix returns the prefix made of the first bitCount bits of name.
func NewPrefix(name Name, bitCount int) Prefix {
	if bitCount < 0 {
		bitCount = 0
	}
	if bitCount > NameLen*8 {
		bitCount = NameLen * 8
	}
	var bits Name
	for i := 0; i < bitCount; i++ {
		bits = bits.WithBit(i, name.Bit(i))
	}
	return Prefix{Bits: bits, Len: bitCount}
}

// ParsePrefix parses a string of '0' and '1' characters.
func ParsePrefix(s string) (Prefix, error) {
	s = strings.Trim(s, "()")
	var p Prefix
	if len(s) > NameLen*8 {
		return p, fmt.Errorf("prefix too long: %d bits", len(s))
	}
	for i, c := range s {
		switch c {
		case '0':
		case '1':
			p.Bits = p.Bits.WithBit(i, true)
		default:
			return Prefix{}, fmt.Errorf("invalid prefix character %q", c)
		}
	}
	p.Len = len(s)
	return p, nil
}

// MustParsePrefix is ParsePrefix that panics on error.
func MustParsePrefix(s string) Prefix {
	p, err := ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether name starts with the prefix bits.
func (p Prefix) Matches(name Name) bool {
	for i := 0; i < p.Len; i++ {
		if p.Bits.Bit(i) != name.Bit(i) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether this is the root prefix.
func (p Prefix) IsEmpty() bool {
	return p.Len == 0
}

// BitCount returns the prefix length.
func (p Prefix) BitCount() int {
	return p.Len
}

// Pushed returns the child prefix extended by one bit.
func (p Prefix) Pushed(bit bool) Prefix {
	if p.Len >= NameLen*8 {
		return p
	}
	return Prefix{Bits: p.Bits.WithBit(p.Len, bit), Len: p.Len + 1}
}

// IsCompatible reports whether one prefix is an ancestor of the other.
func (p Prefix) IsCompatible(o Prefix) bool {
	n := p.Len
	if o.Len < n {
		n = o.Len
	}
	for i := 0; i < n; i++ {
		if p.Bits.Bit(i) != o.Bits.Bit(i) {
			return false
		}
	}
	return true
}

// Substituted returns name with its leading bits replaced by the prefix.
func (p Prefix) Substituted(name Name) Name {
	for i := 0; i < p.Len; i++ {
		name = name.WithBit(i, p.Bits.Bit(i))
	}
	return name
}

func (p Prefix) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 0; i < p.Len; i++ {
		if p.Bits.Bit(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	b.WriteByte(')')
	return b.String()
}
