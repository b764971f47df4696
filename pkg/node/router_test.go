package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sectiond/pkg/crypto"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/messaging"
	"sectiond/pkg/storage"
	"sectiond/pkg/types"
)

func (s *testSection) messageWithID(t *testing.T, id types.MsgID, sender types.Peer, payload messaging.Payload) HandleMessage {
	t.Helper()
	msg, err := messaging.NewWireMsgWithID(id, messaging.KindNode, sender.Name, messaging.Dst{Name: s.us.Name, SectionKey: s.network.SectionKey()}, payload)
	require.NoError(t, err)
	return HandleMessage{Sender: sender, Msg: msg}
}

// rotateKey returns our section's authority under a fresh key, together
// with the DAG entry proving it from the genesis key.
func (s *testSection) rotateKey(t *testing.T) (knowledge.SignedAuthority, []knowledge.DAGEntry) {
	t.Helper()
	next, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	set, _ := crypto.SingleKeySet(next)
	sap := s.network.Authority()
	sap.KeySet = set
	sap.MembershipGen++
	signed, err := knowledge.SignAuthority(sap, next)
	require.NoError(t, err)
	return signed, []knowledge.DAGEntry{knowledge.SignChild(s.genesis, next.PublicKey())}
}

func TestClientQueryAtAdult(t *testing.T) {
	s, _ := newAdultSection(t, testDispatcherConfig())
	client := types.Peer{Name: types.RandomName(), Addr: "127.0.0.1:18000"}
	msg := s.message(t, client, messaging.KindClient, messaging.ClientQuery{Address: types.RandomName()})

	out := onlyCommand[SendOutgoing](t, s.handle(t, msg))
	resp := payloadOf[messaging.ClientQueryResponse](t, out)
	assert.Equal(t, ErrNotElder.Error(), resp.Result.Error)
	assert.Equal(t, messaging.KindClient, out.Kind)
	assert.Equal(t, msg.Stream, out.Stream)
	assert.Equal(t, msg.Msg.ID(), out.MsgID)
}

func TestClientQueryServedLocally(t *testing.T) {
	s := newTestSection(t, testDispatcherConfig())
	addr, err := s.chunks.Put([]byte("chunk data"))
	require.NoError(t, err)
	client := types.Peer{Name: types.RandomName()}

	out := onlyCommand[SendOutgoing](t, s.handle(t, s.message(t, client, messaging.KindClient, messaging.ClientQuery{Address: addr})))
	resp := payloadOf[messaging.ClientQueryResponse](t, out)
	assert.Equal(t, []byte("chunk data"), resp.Result.Data)
	assert.Empty(t, resp.Result.Error)

	out = onlyCommand[SendOutgoing](t, s.handle(t, s.message(t, client, messaging.KindClient, messaging.ClientQuery{Address: types.RandomName()})))
	assert.Equal(t, ErrNoSuchData.Error(), payloadOf[messaging.ClientQueryResponse](t, out).Result.Error)
}

func TestClientQueryForwardedToAdult(t *testing.T) {
	s := newTestSection(t, testDispatcherConfig())
	adult := s.addMember(t, 90)
	client := types.Peer{Name: types.RandomName()}
	query := messaging.ClientQuery{Address: types.RandomName()}
	msg := s.message(t, client, messaging.KindClient, query)

	cmds := s.handle(t, msg)
	require.Len(t, cmds, 2)
	pending, ok := cmds[0].(AddPendingRequest)
	require.True(t, ok)
	assert.Equal(t, adult, pending.Target)
	assert.Equal(t, query.OperationID(), pending.OperationID)
	forward := cmds[1].(SendOutgoing)
	assert.Equal(t, []types.Peer{adult}, forward.Recipients)
	assert.Equal(t, []types.Name{s.us.Name}, forward.Trace)
	assert.Equal(t, client, payloadOf[messaging.AdultQuery](t, forward).Origin)

	track := onlyCommand[TrackIssue](t, s.handle(t, pending))
	assert.Empty(t, s.handle(t, track))
	assert.Equal(t, 1, s.tracker.Pending(adult.Name))
	assert.Equal(t, 1, s.d.PendingQueries())

	// only a targeted adult may answer
	stranger := s.addMember(t, 90)
	resp := messaging.AdultQueryResponse{Address: query.Address, Result: messaging.QueryResult{Data: []byte("x")}}
	_, err := s.d.Handle(t.Context(), s.messageWithID(t, msg.Msg.ID(), stranger, resp))
	assert.ErrorIs(t, err, ErrAccessDenied)

	out := onlyCommand[SendOutgoing](t, s.handle(t, s.messageWithID(t, msg.Msg.ID(), adult, resp)))
	answer := payloadOf[messaging.ClientQueryResponse](t, out)
	assert.Equal(t, []byte("x"), answer.Result.Data)
	assert.Equal(t, []types.Peer{client}, out.Recipients)
	assert.Equal(t, msg.Stream, out.Stream)
	assert.Equal(t, messaging.KindClient, out.Kind)
	assert.Zero(t, s.tracker.Pending(adult.Name))
	assert.Zero(t, s.d.PendingQueries())

	assert.Empty(t, s.handle(t, s.messageWithID(t, msg.Msg.ID(), adult, resp)), "late responses are dropped")
}

func TestClientQueryAggregatesResponses(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.QueryFanout = 2
	cfg.ResponseThreshold = 2
	s := newTestSection(t, cfg)
	adults := []types.Peer{s.addMember(t, 90), s.addMember(t, 88)}
	client := types.Peer{Name: types.RandomName()}
	query := messaging.ClientQuery{Address: types.RandomName()}
	msg := s.message(t, client, messaging.KindClient, query)

	cmds := s.handle(t, msg)
	require.Len(t, cmds, 3)
	for _, cmd := range cmds[:2] {
		s.handle(t, cmd)
	}
	assert.ElementsMatch(t, adults, cmds[2].(SendOutgoing).Recipients)

	resp := messaging.AdultQueryResponse{Address: query.Address, Result: messaging.QueryResult{Data: []byte("x")}}
	assert.Empty(t, s.handle(t, s.messageWithID(t, msg.Msg.ID(), adults[0], resp)))
	out := onlyCommand[SendOutgoing](t, s.handle(t, s.messageWithID(t, msg.Msg.ID(), adults[1], resp)))
	assert.Equal(t, []byte("x"), payloadOf[messaging.ClientQueryResponse](t, out).Result.Data)
}

func TestClientQueryCountsOneResponsePerAdult(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.QueryFanout = 2
	cfg.ResponseThreshold = 2
	s := newTestSection(t, cfg)
	adults := []types.Peer{s.addMember(t, 90), s.addMember(t, 88)}
	client := types.Peer{Name: types.RandomName()}
	query := messaging.ClientQuery{Address: types.RandomName()}
	msg := s.message(t, client, messaging.KindClient, query)

	cmds := s.handle(t, msg)
	require.Len(t, cmds, 3)
	for _, cmd := range cmds[:2] {
		s.handle(t, cmd)
	}

	resp := messaging.AdultQueryResponse{Address: query.Address, Result: messaging.QueryResult{Data: []byte("x")}}
	assert.Empty(t, s.handle(t, s.messageWithID(t, msg.Msg.ID(), adults[0], resp)))
	assert.Empty(t, s.handle(t, s.messageWithID(t, msg.Msg.ID(), adults[0], resp)), "a repeated response is not a second vote")

	out := onlyCommand[SendOutgoing](t, s.handle(t, s.messageWithID(t, msg.Msg.ID(), adults[1], resp)))
	assert.Equal(t, []byte("x"), payloadOf[messaging.ClientQueryResponse](t, out).Result.Data)
	assert.Empty(t, s.handle(t, s.messageWithID(t, msg.Msg.ID(), adults[0], resp)), "the query is complete")
}

func TestAdultQuery(t *testing.T) {
	s, elder := newAdultSection(t, testDispatcherConfig())
	addr, err := s.chunks.Put([]byte("stored"))
	require.NoError(t, err)
	query := messaging.AdultQuery{Query: messaging.ClientQuery{Address: addr}, Origin: types.Peer{Name: types.RandomName()}}

	msg := s.message(t, elder, messaging.KindNode, query)
	out := onlyCommand[SendOutgoing](t, s.handle(t, msg))
	assert.Equal(t, []types.Peer{elder}, out.Recipients)
	assert.Equal(t, msg.Msg.ID(), out.MsgID)
	assert.Nil(t, out.Stream)
	assert.Equal(t, []byte("stored"), payloadOf[messaging.AdultQueryResponse](t, out).Result.Data)

	_, err = s.d.Handle(t.Context(), s.message(t, types.Peer{Name: types.RandomName()}, messaging.KindNode, query))
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestStaleSectionKeyBounced(t *testing.T) {
	s := newTestSection(t, testDispatcherConfig())
	member := s.addMember(t, 90)
	genesisKey := s.network.SectionKey()
	sap, proof := s.rotateKey(t)
	changed, err := s.network.UpdateAuthority(sap, proof)
	require.NoError(t, err)
	require.True(t, changed)

	msg := s.messageTo(t, member, messaging.KindNode, genesisKey, messaging.RecordStorageLevel{Node: member.Name, Level: 3})
	out := onlyCommand[SendOutgoing](t, s.handle(t, msg))
	assert.Nil(t, out.Stream)
	assert.Equal(t, []types.Peer{member}, out.Recipients)
	ae := payloadOf[messaging.AntiEntropy](t, out)
	assert.Equal(t, sap.Value.SectionKey(), ae.Authority.Value.SectionKey())
	assert.Len(t, ae.ProofChain, 1)
	bounced, err := messaging.Deserialize(ae.Bounced)
	require.NoError(t, err)
	assert.Equal(t, msg.Msg.ID(), bounced.ID())

	_, recorded := s.d.StorageLevel(member.Name)
	assert.False(t, recorded)
}

func TestUntrustedSectionKey(t *testing.T) {
	s := newTestSection(t, testDispatcherConfig())
	member := s.addMember(t, 90)
	msg := s.messageTo(t, member, messaging.KindNode, crypto.PublicKey(types.RandomName()), messaging.RecordStorageLevel{Node: member.Name, Level: 3})
	_, err := s.d.Handle(t.Context(), msg)
	assert.ErrorIs(t, err, ErrUntrustedSectionKey)
}

func TestAntiEntropyResendsBounced(t *testing.T) {
	s := newTestSection(t, testDispatcherConfig())
	member := s.addMember(t, 90)
	ours, err := messaging.NewWireMsg(messaging.KindNode, s.us.Name,
		messaging.Dst{Name: member.Name, SectionKey: s.network.SectionKey()},
		messaging.RecordStorageLevel{Node: s.us.Name, Level: 1})
	require.NoError(t, err)
	raw, err := ours.Serialize()
	require.NoError(t, err)

	sap, proof := s.rotateKey(t)
	cmds := s.handle(t, s.message(t, member, messaging.KindNode, messaging.AntiEntropy{Authority: sap, ProofChain: proof, Bounced: raw}))
	require.Len(t, cmds, 2)
	assert.IsType(t, HandleAdultsChanged{}, cmds[0])
	resend := cmds[1].(SendOutgoing)
	assert.Equal(t, ours.ID(), resend.MsgID)
	assert.Equal(t, []types.Peer{member}, resend.Recipients)
	assert.Equal(t, messaging.RecordStorageLevel{Node: s.us.Name, Level: 1}, resend.Payload)
	assert.Equal(t, sap.Value.SectionKey(), s.network.SectionKey())

	theirs, err := messaging.NewWireMsg(messaging.KindNode, member.Name,
		messaging.Dst{Name: s.us.Name}, messaging.RecordStorageLevel{Node: member.Name, Level: 1})
	require.NoError(t, err)
	raw, err = theirs.Serialize()
	require.NoError(t, err)
	_, err = s.d.Handle(t.Context(), s.message(t, member, messaging.KindNode, messaging.AntiEntropy{Authority: sap, ProofChain: proof, Bounced: raw}))
	assert.ErrorIs(t, err, ErrInvalidOwner)
}

func TestReplicateData(t *testing.T) {
	s, elder := newAdultSection(t, testDispatcherConfig())
	chunks := [][]byte{[]byte("one"), []byte("two")}

	out := onlyCommand[SendOutgoing](t, s.handle(t, s.message(t, elder, messaging.KindNode, messaging.ReplicateData{Chunks: chunks})))
	assert.Equal(t, []types.Peer{elder}, out.Recipients)
	report := payloadOf[messaging.RecordStorageLevel](t, out)
	assert.Equal(t, s.us.Name, report.Node)
	for _, c := range chunks {
		got, err := s.chunks.Get(storage.ChunkAddress(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	// duplicates are not an error
	s.handle(t, s.message(t, elder, messaging.KindNode, messaging.ReplicateData{Chunks: chunks}))

	_, err := s.d.Handle(t.Context(), s.message(t, types.Peer{Name: types.RandomName()}, messaging.KindNode, messaging.ReplicateData{Chunks: chunks}))
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestRecordStorageLevel(t *testing.T) {
	s := newTestSection(t, testDispatcherConfig())
	member := s.addMember(t, 90)

	assert.Empty(t, s.handle(t, s.message(t, member, messaging.KindNode, messaging.RecordStorageLevel{Node: member.Name, Level: 9})))
	level, ok := s.d.StorageLevel(member.Name)
	require.True(t, ok)
	assert.Equal(t, uint8(9), level)

	_, err := s.d.Handle(t.Context(), s.message(t, member, messaging.KindNode, messaging.RecordStorageLevel{Node: s.us.Name, Level: 1}))
	assert.ErrorIs(t, err, ErrInvalidOwner)

	stranger := types.Peer{Name: types.RandomName()}
	_, err = s.d.Handle(t.Context(), s.message(t, stranger, messaging.KindNode, messaging.RecordStorageLevel{Node: stranger.Name, Level: 1}))
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestRelocatePromise(t *testing.T) {
	t.Run("to us", func(t *testing.T) {
		s, elder := newAdultSection(t, testDispatcherConfig())
		promise := messaging.RelocatePromise{Name: s.us.Name, Dst: types.RandomName()}
		assert.Empty(t, s.handle(t, s.message(t, elder, messaging.KindNode, promise)))
		require.NotNil(t, s.d.RelocationPromise())
		assert.Equal(t, promise, *s.d.RelocationPromise())

		_, err := s.d.Handle(t.Context(), s.message(t, types.Peer{Name: types.RandomName()}, messaging.KindNode, promise))
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("forwarded by an elder", func(t *testing.T) {
		s := newTestSection(t, testDispatcherConfig())
		member := s.addMember(t, 90)
		other := s.addMember(t, 90)
		promise := messaging.RelocatePromise{Name: member.Name, Dst: types.RandomName()}
		out := onlyCommand[SendOutgoing](t, s.handle(t, s.message(t, other, messaging.KindNode, promise)))
		assert.Equal(t, []types.Peer{member}, out.Recipients)
		assert.Equal(t, promise, out.Payload)
	})
}

func TestRelocate(t *testing.T) {
	s, elder := newAdultSection(t, testDispatcherConfig())
	state, ok := s.network.Peers().GetJoined(s.us.Name)
	require.True(t, ok)
	decision, err := types.SignWithSection(state.RelocatedTo(types.RelocateDetails{
		Dst:           types.RandomName(),
		DstSectionKey: s.network.SectionKey(),
		Age:           state.Age + 1,
	}), s.genesis)
	require.NoError(t, err)

	membership := onlyCommand[HandleMembershipDecision](t, s.handle(t, s.message(t, elder, messaging.KindNode, messaging.Relocate{Decision: decision})))
	require.NotNil(t, s.d.Relocation())
	assert.Equal(t, decision, *s.d.Relocation())

	onlyCommand[HandleAdultsChanged](t, s.handle(t, membership))
	assert.False(t, s.network.Peers().IsMember(s.us.Name))
	assert.True(t, s.network.Peers().IsArchived(s.us.Name))

	other, err := types.SignWithSection(types.NewJoinedState(elder, 90, nil).RelocatedTo(types.RelocateDetails{Dst: types.RandomName()}), s.genesis)
	require.NoError(t, err)
	_, err = s.d.Handle(t.Context(), s.message(t, elder, messaging.KindNode, messaging.Relocate{Decision: other}))
	assert.ErrorIs(t, err, ErrInvalidOwner)
}

func TestFailedSendTracksIssue(t *testing.T) {
	s := newTestSection(t, testDispatcherConfig())
	member := s.addMember(t, 90)
	track := onlyCommand[TrackIssue](t, s.handle(t, HandleFailedSend{Peer: member, MsgID: types.NewMsgID()}))
	assert.Equal(t, IssueCommunication, track.Kind)
	assert.Equal(t, member.Name, track.Peer)
}

func TestResponsesOutsideExchangeDropped(t *testing.T) {
	s := newTestSection(t, testDispatcherConfig())
	peer := types.Peer{Name: types.RandomName()}
	assert.Empty(t, s.handle(t, s.message(t, peer, messaging.KindNode, messaging.JoinRejected{Reason: messaging.JoinsDisallowed})))
}
