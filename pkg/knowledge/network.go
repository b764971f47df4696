package knowledge

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"sectiond/pkg/crypto"
	"sectiond/pkg/types"
)

var (
	// ErrUntrustedSectionKey is returned when a signature's key is not in the DAG.
	ErrUntrustedSectionKey = errors.New("untrusted section key")
	// ErrInvalidAuthority is returned for a badly signed or malformed authority.
	ErrInvalidAuthority = errors.New("invalid section authority")
)

// NetworkKnowledge is this node's view of its own section and of the rest
// of the network. It is mutated only from the command loop; readers get
// snapshot copies.
type NetworkKnowledge struct {
	mu        sync.RWMutex
	ourName   types.Name
	dag       *SectionsDAG
	sap       SignedAuthority
	peers     *SectionPeers
	prefixMap map[types.Prefix]SignedAuthority
	archiveN  int
}

// NewNetworkKnowledge creates knowledge rooted at dag with our section's signed authority.
// archiveN is the number of recent section keys whose archive entries are retained.
func NewNetworkKnowledge(ourName types.Name, dag *SectionsDAG, sap SignedAuthority, archiveN int) (*NetworkKnowledge, error) {
	if err := verifyAuthority(dag, sap); err != nil {
		return nil, err
	}
	if !sap.Value.Prefix.Matches(ourName) {
		return nil, fmt.Errorf("our name %s under %s: %w", ourName, sap.Value.Prefix, ErrPrefixMismatch)
	}
	k := &NetworkKnowledge{
		ourName:   ourName,
		dag:       dag,
		sap:       sap,
		peers:     NewSectionPeers(),
		prefixMap: map[types.Prefix]SignedAuthority{sap.Value.Prefix: sap},
		archiveN:  archiveN,
	}
	return k, nil
}

func verifyAuthority(dag *SectionsDAG, sap SignedAuthority) error {
	if sap.SignedBy() != sap.Value.SectionKey() || !sap.Verify() {
		return fmt.Errorf("authority for %s: %w", sap.Value.Prefix, ErrInvalidAuthority)
	}
	if !dag.HasKey(sap.Value.SectionKey()) {
		return fmt.Errorf("authority key %s: %w", sap.Value.SectionKey(), ErrUntrustedSectionKey)
	}
	if err := sap.Value.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuthority, err)
	}
	return nil
}

// OurName returns the name of the local node.
func (k *NetworkKnowledge) OurName() types.Name {
	return k.ourName
}

// DAG returns the sections DAG.
func (k *NetworkKnowledge) DAG() *SectionsDAG {
	return k.dag
}

// Peers returns the section peers.
func (k *NetworkKnowledge) Peers() *SectionPeers {
	return k.peers
}

// Authority returns our current section authority.
func (k *NetworkKnowledge) Authority() SectionAuthority {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sap.Value
}

// SignedAuthority returns our current signed section authority.
func (k *NetworkKnowledge) SignedAuthority() SignedAuthority {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sap
}

// SectionKey returns our current section key.
func (k *NetworkKnowledge) SectionKey() crypto.PublicKey {
	return k.Authority().SectionKey()
}

// Prefix returns our section prefix.
func (k *NetworkKnowledge) Prefix() types.Prefix {
	return k.Authority().Prefix
}

// ArchiveRetention returns the number of section keys whose archive entries are kept.
func (k *NetworkKnowledge) ArchiveRetention() int {
	return k.archiveN
}

// UpdateAuthority applies an authority received from the network, after
// extending the DAG with proof. Authorities for our own section are only
// accepted when their membership generation does not go backwards.
// It reports whether our own section's authority changed.
func (k *NetworkKnowledge) UpdateAuthority(sap SignedAuthority, proof []DAGEntry) (bool, error) {
	if err := k.dag.Extend(proof); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUntrustedSectionKey, err)
	}
	if err := verifyAuthority(k.dag, sap); err != nil {
		return false, err
	}

	k.mu.Lock()
	current := k.sap.Value
	incoming := sap.Value
	ours := incoming.Prefix.Matches(k.ourName) && incoming.Prefix.Len >= current.Prefix.Len

	if !ours {
		prev, known := k.prefixMap[incoming.Prefix]
		if !known || prev.Value.MembershipGen <= incoming.MembershipGen {
			k.prefixMap[incoming.Prefix] = sap
		}
		k.mu.Unlock()
		return false, nil
	}

	if incoming.MembershipGen < current.MembershipGen ||
		incoming.SectionKey() == current.SectionKey() && incoming.MembershipGen == current.MembershipGen {
		k.mu.Unlock()
		return false, nil
	}
	if !k.dag.IsAncestor(current.SectionKey(), incoming.SectionKey()) {
		k.mu.Unlock()
		return false, fmt.Errorf("authority key %s does not descend from %s: %w",
			incoming.SectionKey(), current.SectionKey(), ErrUntrustedSectionKey)
	}

	k.sap = sap
	delete(k.prefixMap, current.Prefix)
	k.prefixMap[incoming.Prefix] = sap
	k.mu.Unlock()

	k.peers.Retain(incoming.Prefix)
	if _, err := k.peers.PruneArchive(k.dag, incoming.SectionKey(), k.archiveN); err != nil {
		return true, err
	}
	return true, nil
}

// UpdateMember applies a signed membership decision. The signing key must be trusted.
func (k *NetworkKnowledge) UpdateMember(state SignedNodeState) (bool, error) {
	if !k.dag.HasKey(state.SignedBy()) {
		return false, fmt.Errorf("member %s signed by %s: %w", state.Value.Name(), state.SignedBy(), ErrUntrustedSectionKey)
	}
	if !state.Verify() {
		return false, fmt.Errorf("member %s: %w", state.Value.Name(), ErrInvalidAuthority)
	}
	if state.Value.State == types.Joined && !k.Prefix().Matches(state.Value.Name()) {
		return false, fmt.Errorf("member %s under %s: %w", state.Value.Name(), k.Prefix(), ErrPrefixMismatch)
	}
	return k.peers.Update(state), nil
}

// IsTrusted reports whether key is in the DAG.
func (k *NetworkKnowledge) IsTrusted(key crypto.PublicKey) bool {
	return k.dag.HasKey(key)
}

// ClosestSection returns the known section whose prefix matches name or,
// when none does, the section whose prefix is closest to it.
func (k *NetworkKnowledge) ClosestSection(name types.Name) SignedAuthority {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var best SignedAuthority
	found := false
	for prefix, sap := range k.prefixMap {
		if prefix.Matches(name) {
			if !found || prefix.Len > best.Value.Prefix.Len {
				best, found = sap, true
			}
		}
	}
	if found {
		return best
	}
	best = k.sap
	for prefix, sap := range k.prefixMap {
		if name.CmpDistance(prefix.Bits, best.Value.Prefix.Bits) < 0 {
			best = sap
		}
	}
	return best
}

// Sections returns every known section authority ordered by prefix.
func (k *NetworkKnowledge) Sections() []SignedAuthority {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]SignedAuthority, 0, len(k.prefixMap))
	for _, sap := range k.prefixMap {
		out = append(out, sap)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Value.Prefix, out[j].Value.Prefix
		if c := bytes.Compare(pi.Bits[:], pj.Bits[:]); c != 0 {
			return c < 0
		}
		return pi.Len < pj.Len
	})
	return out
}

// MergeSections applies a batch of authorities with their proof chain and
// reports whether our own section changed. Invalid entries are skipped.
func (k *NetworkKnowledge) MergeSections(saps []SignedAuthority, proof []DAGEntry) (bool, error) {
	if err := k.dag.Extend(proof); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUntrustedSectionKey, err)
	}
	changed := false
	var firstErr error
	for _, sap := range saps {
		ok, err := k.UpdateAuthority(sap, nil)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		changed = changed || ok
	}
	return changed, firstErr
}
