package knowledge

import (
	"sort"
	"sync"

	"sectiond/pkg/crypto"
	"sectiond/pkg/types"
)

// SignedNodeState is a membership decision signed by a section key.
type SignedNodeState = types.SectionSigned[types.NodeState]

// SectionPeers holds the current members of the section and an archive of
// members that left or were relocated. A name is never in both sets.
type SectionPeers struct {
	mu      sync.RWMutex
	members map[types.Name]SignedNodeState
	archive map[types.Name]SignedNodeState
}

// NewSectionPeers returns an empty set.
func NewSectionPeers() *SectionPeers {
	return &SectionPeers{
		members: make(map[types.Name]SignedNodeState),
		archive: make(map[types.Name]SignedNodeState),
	}
}

// Update applies a membership decision and reports whether anything changed.
// Updates are commutative so observers applying the same decisions in any
// order converge.
func (p *SectionPeers) Update(signed SignedNodeState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := signed.Value.Name()
	next := signed.Value.State

	if _, ok := p.members[name]; ok {
		if !next.IsArchived() {
			return false
		}
		delete(p.members, name)
		p.archive[name] = signed
		return true
	}

	if prev, ok := p.archive[name]; ok {
		if !next.IsArchived() || prev.Value.State == next {
			return false
		}
		p.archive[name] = signed
		return true
	}

	switch {
	case next == types.Joined:
		p.members[name] = signed
	case next.IsArchived():
		p.archive[name] = signed
	default:
		return false
	}
	return true
}

// PruneArchive drops archive entries not signed by one of the last n keys
// ending at lastKey. It returns how many entries were removed.
func (p *SectionPeers) PruneArchive(dag *SectionsDAG, lastKey crypto.PublicKey, n int) (int, error) {
	keys, err := dag.LastKeys(lastKey, n)
	if err != nil {
		return 0, err
	}
	keep := make(map[crypto.PublicKey]struct{}, len(keys))
	for _, k := range keys {
		keep[k] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for name, signed := range p.archive {
		if _, ok := keep[signed.SignedBy()]; !ok {
			delete(p.archive, name)
			removed++
		}
	}
	return removed, nil
}

// Retain removes members and archive entries whose names do not match prefix.
// It returns the names of removed members.
func (p *SectionPeers) Retain(prefix types.Prefix) []types.Name {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []types.Name
	for name := range p.members {
		if !prefix.Matches(name) {
			delete(p.members, name)
			removed = append(removed, name)
		}
	}
	for name := range p.archive {
		if !prefix.Matches(name) {
			delete(p.archive, name)
		}
	}
	return removed
}

// IsMember reports whether name is a current member.
func (p *SectionPeers) IsMember(name types.Name) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.members[name]
	return ok
}

// IsArchived reports whether name is in the archive.
func (p *SectionPeers) IsArchived(name types.Name) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.archive[name]
	return ok
}

// GetJoined returns the current member state for name.
func (p *SectionPeers) GetJoined(name types.Name) (types.NodeState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.members[name]
	return s.Value, ok
}

// GetEither returns the state for name from members or the archive.
func (p *SectionPeers) GetEither(name types.Name) (types.NodeState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.members[name]; ok {
		return s.Value, true
	}
	s, ok := p.archive[name]
	return s.Value, ok
}

// Len returns the number of current members.
func (p *SectionPeers) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

// ArchiveLen returns the number of archived entries.
func (p *SectionPeers) ArchiveLen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.archive)
}

// Members returns a snapshot of current member states ordered by name.
func (p *SectionPeers) Members() []types.NodeState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedStates(p.members)
}

// Archived returns a snapshot of archived states ordered by name.
func (p *SectionPeers) Archived() []types.NodeState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedStates(p.archive)
}

// SignedMembers returns the signed member decisions, used for sync.
func (p *SectionPeers) SignedMembers() []SignedNodeState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SignedNodeState, 0, len(p.members))
	for _, s := range p.members {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return lessName(out[i].Value.Name(), out[j].Value.Name()) })
	return out
}

// HasRelocatedFrom reports whether a member or archived node arrived here
// by relocation from previous.
func (p *SectionPeers) HasRelocatedFrom(previous types.Name) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, set := range []map[types.Name]SignedNodeState{p.members, p.archive} {
		for _, s := range set {
			if s.Value.PreviousName != nil && *s.Value.PreviousName == previous {
				return true
			}
		}
	}
	return false
}

func sortedStates(m map[types.Name]SignedNodeState) []types.NodeState {
	out := make([]types.NodeState, 0, len(m))
	for _, s := range m {
		out = append(out, s.Value)
	}
	sort.Slice(out, func(i, j int) bool { return lessName(out[i].Name(), out[j].Name()) })
	return out
}

func lessName(a, b types.Name) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
