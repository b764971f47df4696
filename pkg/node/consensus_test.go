package node

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sectiond/pkg/crypto"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/messaging"
	"sectiond/pkg/types"
)

// multiElderSection is a section of three elders sharing a 2 of 3 key set,
// seen from the first elder.
type multiElderSection struct {
	set     crypto.PublicKeySet
	shares  []*crypto.SecretKeyShare
	elders  []types.Peer
	network *knowledge.NetworkKnowledge
}

func newMultiElderSection(t *testing.T) multiElderSection {
	t.Helper()
	set, shares, err := crypto.DealKeySet(3, 2)
	require.NoError(t, err)

	var elders []types.Peer
	var members []types.NodeState
	for i := 0; i < 3; i++ {
		p := types.Peer{Name: types.RandomName(), Addr: fmt.Sprintf("127.0.0.1:%d", 16000+i)}
		elders = append(elders, p)
		members = append(members, types.NewJoinedState(p, FirstSectionMaxAge, nil))
	}
	sap, err := knowledge.SignAuthority(knowledge.SectionAuthority{
		KeySet:  set,
		Elders:  elders,
		Members: members,
	}, shares[0])
	require.NoError(t, err)
	network, err := knowledge.NewNetworkKnowledge(elders[0].Name, knowledge.NewSectionsDAG(set.PublicKey), sap, 5)
	require.NoError(t, err)
	return multiElderSection{set: set, shares: shares, elders: elders, network: network}
}

func onlineProposal() messaging.Proposal {
	state := types.NewJoinedState(types.Peer{Name: types.RandomName(), Addr: "127.0.0.1:17000"}, 98, nil)
	return messaging.Proposal{Kind: messaging.ProposeOnline, NodeState: &state}
}

func TestConsensusThreshold(t *testing.T) {
	s := newMultiElderSection(t)
	c := NewLocalConsensus(s.network, zaptest.NewLogger(t))
	c.AddKeyShare(s.set, s.shares[0])

	p := onlineProposal()
	cmds, err := c.Propose(p)
	require.NoError(t, err)
	out := onlyCommand[SendOutgoing](t, cmds)
	assert.ElementsMatch(t, s.elders[1:], out.Recipients)
	propose := out.Payload.(messaging.Propose)
	assert.Equal(t, p, propose.Proposal)

	b, err := ProposalBytes(p)
	require.NoError(t, err)
	cmds, err = c.HandlePropose(s.elders[1], messaging.Propose{Proposal: p, Share: s.shares[1].SignShare(b)})
	require.NoError(t, err)
	agreement := onlyCommand[HandleAgreement](t, cmds)
	assert.Equal(t, s.set.PublicKey, agreement.Sig.PublicKey)
	assert.True(t, agreement.Sig.Verify(b))

	cmds, err = c.HandlePropose(s.elders[2], messaging.Propose{Proposal: p, Share: s.shares[2].SignShare(b)})
	require.NoError(t, err)
	assert.Empty(t, cmds, "agreement is reported once")
}

func TestConsensusRejectsBadShares(t *testing.T) {
	s := newMultiElderSection(t)
	c := NewLocalConsensus(s.network, zaptest.NewLogger(t))
	c.AddKeyShare(s.set, s.shares[0])

	p := onlineProposal()
	b, err := ProposalBytes(p)
	require.NoError(t, err)

	outsider := types.Peer{Name: types.RandomName()}
	_, err = c.HandlePropose(outsider, messaging.Propose{Proposal: p, Share: s.shares[1].SignShare(b)})
	assert.ErrorIs(t, err, ErrAccessDenied)

	other, err := ProposalBytes(onlineProposal())
	require.NoError(t, err)
	_, err = c.HandlePropose(s.elders[1], messaging.Propose{Proposal: p, Share: s.shares[1].SignShare(other)})
	assert.ErrorIs(t, err, crypto.ErrInvalidShare)
}

func TestConsensusWithoutShare(t *testing.T) {
	s := newMultiElderSection(t)
	c := NewLocalConsensus(s.network, nil)

	_, _, err := c.SignShare([]byte("msg"))
	assert.ErrorIs(t, err, ErrNotElder)
	_, err = c.Propose(onlineProposal())
	assert.ErrorIs(t, err, ErrNotElder)
}

func TestProposalBytes(t *testing.T) {
	_, err := ProposalBytes(messaging.Proposal{Kind: messaging.ProposeOnline})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = ProposalBytes(messaging.Proposal{Kind: messaging.ProposeNewElders})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = ProposalBytes(messaging.Proposal{Kind: 42})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestProposeOfflineAgreement(t *testing.T) {
	s := newTestSection(t, testDispatcherConfig())
	member := s.addMember(t, 90)

	agreement := onlyCommand[HandleAgreement](t, s.handle(t, ProposeOffline{Names: []types.Name{member.Name}}))
	assert.Equal(t, messaging.ProposeOffline, agreement.Proposal.Kind)
	assert.Equal(t, types.Left, agreement.Proposal.NodeState.State)

	decision := onlyCommand[HandleMembershipDecision](t, s.handle(t, agreement))
	onlyCommand[HandleAdultsChanged](t, s.handle(t, decision))
	assert.False(t, s.network.Peers().IsMember(member.Name))
	assert.True(t, s.network.Peers().IsArchived(member.Name))

	assert.Empty(t, s.handle(t, decision), "a repeated decision changes nothing")
}

func TestProposeOfflineRequiresElder(t *testing.T) {
	s, elder := newAdultSection(t, testDispatcherConfig())
	_, err := s.d.Handle(t.Context(), ProposeOffline{Names: []types.Name{elder.Name}})
	assert.ErrorIs(t, err, ErrNotElder)
}

func TestAgreementWithUntrustedKey(t *testing.T) {
	s := newTestSection(t, testDispatcherConfig())
	rogue, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	p := onlineProposal()
	b, err := ProposalBytes(p)
	require.NoError(t, err)
	_, err = s.d.Handle(t.Context(), HandleAgreement{
		Proposal: p,
		Sig:      crypto.KeyedSig{PublicKey: rogue.PublicKey(), Signature: rogue.Sign(b)},
	})
	assert.ErrorIs(t, err, ErrUntrustedSectionKey)
}

func TestNewEldersAfterMembershipChange(t *testing.T) {
	s := newTestSection(t, testDispatcherConfig())
	member := s.addMember(t, 90)

	agreement := onlyCommand[HandleAgreement](t, s.handle(t, HandleAdultsChanged{}))
	require.Equal(t, messaging.ProposeNewElders, agreement.Proposal.Kind)
	assert.Equal(t, uint64(1), agreement.Proposal.Authority.MembershipGen)

	update := onlyCommand[HandleNewEldersAgreement](t, s.handle(t, agreement))
	cmds := s.handle(t, update)
	require.Len(t, cmds, 2)
	assert.IsType(t, HandleAdultsChanged{}, cmds[0])
	sync := payloadOf[messaging.Sync](t, cmds[1].(SendOutgoing))
	assert.Len(t, sync.Members, 2)
	assert.Equal(t, []types.Peer{member}, cmds[1].(SendOutgoing).Recipients)

	sap := s.network.Authority()
	assert.Equal(t, uint64(1), sap.MembershipGen)
	assert.Len(t, sap.Members, 2)
	assert.Equal(t, []types.Peer{s.us}, sap.Elders)

	// the authority now matches the members
	assert.Empty(t, s.handle(t, HandleAdultsChanged{}))
}
