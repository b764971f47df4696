package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"sectiond/pkg/crypto"
)

var canonical cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to build canonical cbor encoder: %v", err))
	}
	canonical = em
}

// CanonicalBytes returns the deterministic encoding of v that signatures are taken over.
func CanonicalBytes(v any) ([]byte, error) {
	b, err := canonical.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return b, nil
}

// SectionSigned binds a value to the section key that signed it.
type SectionSigned[T any] struct {
	Value T
	Sig   crypto.KeyedSig
}

// SignWithSection signs value with a section signer.
func SignWithSection[T any](value T, signer crypto.Signer) (SectionSigned[T], error) {
	b, err := CanonicalBytes(value)
	if err != nil {
		return SectionSigned[T]{}, err
	}
	return SectionSigned[T]{
		Value: value,
		Sig:   crypto.KeyedSig{PublicKey: signer.PublicKey(), Signature: signer.Sign(b)},
	}, nil
}

// Verify checks the signature over the value.
func (s SectionSigned[T]) Verify() bool {
	b, err := CanonicalBytes(s.Value)
	if err != nil {
		return false
	}
	return s.Sig.Verify(b)
}

// SignedBy returns the key the value was signed with.
func (s SectionSigned[T]) SignedBy() crypto.PublicKey {
	return s.Sig.PublicKey
}
