package knowledge

import (
	"fmt"

	"sectiond/pkg/crypto"
	"sectiond/pkg/types"
)

// NewFirstSection bootstraps knowledge for the genesis node: a single elder
// section with the empty prefix, keyed by genesis.
func NewFirstSection(genesis *crypto.Keypair, us types.Peer, age uint8, archiveN int) (*NetworkKnowledge, error) {
	set, _ := crypto.SingleKeySet(genesis)
	state := types.NewJoinedState(us, age, nil)
	sap := SectionAuthority{
		Prefix:        types.Prefix{},
		KeySet:        set,
		Elders:        []types.Peer{us},
		Members:       []types.NodeState{state},
		MembershipGen: 0,
	}
	signed, err := SignAuthority(sap, genesis)
	if err != nil {
		return nil, fmt.Errorf("failed to sign genesis authority: %w", err)
	}
	k, err := NewNetworkKnowledge(us.Name, NewSectionsDAG(genesis.PublicKey()), signed, archiveN)
	if err != nil {
		return nil, err
	}
	member, err := types.SignWithSection(state, genesis)
	if err != nil {
		return nil, fmt.Errorf("failed to sign genesis member: %w", err)
	}
	k.peers.Update(member)
	return k, nil
}
