package knowledge

import (
	"errors"
	"fmt"

	"sectiond/pkg/crypto"
	"sectiond/pkg/types"
)

var (
	// ErrElderNotMember is returned for an authority whose elders are not all members.
	ErrElderNotMember = errors.New("elder is not a section member")
	// ErrPrefixMismatch is returned when a member does not match the section prefix.
	ErrPrefixMismatch = errors.New("name does not match section prefix")
)

// SectionAuthority describes a section at one point of elder churn.
type SectionAuthority struct {
	Prefix        types.Prefix
	KeySet        crypto.PublicKeySet
	Elders        []types.Peer
	Members       []types.NodeState
	MembershipGen uint64
}

// SignedAuthority is a SectionAuthority signed by its own section key.
type SignedAuthority = types.SectionSigned[SectionAuthority]

// SectionKey returns the section public key.
func (s SectionAuthority) SectionKey() crypto.PublicKey {
	return s.KeySet.PublicKey
}

// IsElder reports whether name is one of the elders.
func (s SectionAuthority) IsElder(name types.Name) bool {
	for _, e := range s.Elders {
		if e.Name == name {
			return true
		}
	}
	return false
}

// ElderNames returns the elder names in order.
func (s SectionAuthority) ElderNames() []types.Name {
	out := make([]types.Name, 0, len(s.Elders))
	for _, e := range s.Elders {
		out = append(out, e.Name)
	}
	return out
}

// Validate checks the structural invariants of the authority.
func (s SectionAuthority) Validate() error {
	members := make(map[types.Name]struct{}, len(s.Members))
	for _, m := range s.Members {
		if !s.Prefix.Matches(m.Name()) {
			return fmt.Errorf("member %s under %s: %w", m.Name(), s.Prefix, ErrPrefixMismatch)
		}
		if m.State == types.Joined {
			members[m.Name()] = struct{}{}
		}
	}
	for _, e := range s.Elders {
		if _, ok := members[e.Name]; !ok {
			return fmt.Errorf("elder %s: %w", e.Name, ErrElderNotMember)
		}
	}
	return nil
}

// SignAuthority signs the authority with its section key.
func SignAuthority(sap SectionAuthority, signer crypto.Signer) (SignedAuthority, error) {
	if signer.PublicKey() != sap.SectionKey() {
		return SignedAuthority{}, fmt.Errorf("signer %s does not hold section key %s", signer.PublicKey(), sap.SectionKey())
	}
	return types.SignWithSection(sap, signer)
}
