package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrNotEnoughShares is returned when fewer valid shares than the threshold are combined.
	ErrNotEnoughShares = errors.New("not enough signature shares")
	// ErrInvalidShare is returned for a share that fails verification.
	ErrInvalidShare = errors.New("invalid signature share")
)

// PublicKeySet describes a section key held in shares by the elders.
// Threshold is the number of distinct shares needed to produce a
// section signature.
type PublicKeySet struct {
	PublicKey PublicKey
	Threshold int
	ShareKeys []PublicKey
}

// ShareCount returns the number of share holders.
func (s PublicKeySet) ShareCount() int {
	return len(s.ShareKeys)
}

// SecretKeyShare is one elder's portion of a section key. The section
// keypair is distributed by a trusted dealer; each holder also has an
// individual share keypair identifying its index.
type SecretKeyShare struct {
	Index   int
	share   *Keypair
	section *Keypair
}

// SignatureShare is a partial section signature from one holder.
type SignatureShare struct {
	Index      int
	ShareSig   Signature
	SectionSig Signature
}

// DealKeySet creates a section key split among n holders with the given threshold.
func DealKeySet(n, threshold int) (PublicKeySet, []*SecretKeyShare, error) {
	if n <= 0 || threshold <= 0 || threshold > n {
		return PublicKeySet{}, nil, fmt.Errorf("invalid key set parameters n=%d threshold=%d", n, threshold)
	}
	section, err := GenerateKeypair()
	if err != nil {
		return PublicKeySet{}, nil, err
	}
	set := PublicKeySet{PublicKey: section.PublicKey(), Threshold: threshold}
	shares := make([]*SecretKeyShare, 0, n)
	for i := 0; i < n; i++ {
		kp, err := GenerateKeypair()
		if err != nil {
			return PublicKeySet{}, nil, err
		}
		set.ShareKeys = append(set.ShareKeys, kp.PublicKey())
		shares = append(shares, &SecretKeyShare{Index: i, share: kp, section: section})
	}
	return set, shares, nil
}

// SingleKeySet wraps a plain keypair as a 1-of-1 key set.
func SingleKeySet(kp *Keypair) (PublicKeySet, *SecretKeyShare) {
	set := PublicKeySet{PublicKey: kp.PublicKey(), Threshold: 1, ShareKeys: []PublicKey{kp.PublicKey()}}
	return set, &SecretKeyShare{Index: 0, share: kp, section: kp}
}

// PublicKey returns the section public key this share contributes to.
func (s *SecretKeyShare) PublicKey() PublicKey {
	return s.section.PublicKey()
}

// Sign produces a full section signature. Used when this holder alone
// meets the threshold.
func (s *SecretKeyShare) Sign(msg []byte) Signature {
	return s.section.Sign(msg)
}

// SignShare produces this holder's partial signature over msg.
func (s *SecretKeyShare) SignShare(msg []byte) SignatureShare {
	return SignatureShare{
		Index:      s.Index,
		ShareSig:   s.share.Sign(msg),
		SectionSig: s.section.Sign(msg),
	}
}

// VerifyShare checks a single share against the key set.
func (set PublicKeySet) VerifyShare(msg []byte, share SignatureShare) bool {
	if share.Index < 0 || share.Index >= len(set.ShareKeys) {
		return false
	}
	return Verify(set.ShareKeys[share.Index], msg, share.ShareSig) &&
		Verify(set.PublicKey, msg, share.SectionSig)
}

// CombineShares returns the section signature once at least Threshold
// distinct valid shares are present.
func CombineShares(set PublicKeySet, msg []byte, shares []SignatureShare) (Signature, error) {
	seen := make(map[int]struct{}, len(shares))
	var sig Signature
	for _, share := range shares {
		if _, dup := seen[share.Index]; dup {
			continue
		}
		if !set.VerifyShare(msg, share) {
			return Signature{}, fmt.Errorf("share %d: %w", share.Index, ErrInvalidShare)
		}
		seen[share.Index] = struct{}{}
		sig = share.SectionSig
	}
	if len(seen) < set.Threshold {
		return Signature{}, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughShares, len(seen), set.Threshold)
	}
	return sig, nil
}
