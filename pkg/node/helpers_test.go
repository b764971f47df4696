package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sectiond/pkg/comm"
	"sectiond/pkg/crypto"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/liveness"
	"sectiond/pkg/messaging"
	"sectiond/pkg/metrics"
	"sectiond/pkg/storage"
	"sectiond/pkg/types"
)

type sentMsg struct {
	peer types.Peer
	msg  *messaging.WireMsg
}

// fakeTransport records fresh sends in the order they are enqueued. Stream replies are never executed by
// these tests, they are asserted on the returned commands instead.
type fakeTransport struct {
	mu       sync.Mutex
	addr     string
	reachErr error
	sendErr  error
	probes   chan struct{}
	targets  []types.Peer
	sent     []sentMsg
}

func (f *fakeTransport) LocalAddr() string {
	return f.addr
}

func (f *fakeTransport) UpdateValidCommTargets(members []types.Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append([]types.Peer(nil), members...)
}

func (f *fakeTransport) Enqueue(peer types.Peer, _ types.MsgID, bytes []byte) (comm.Delivery, error) {
	msg, err := messaging.Deserialize(bytes)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{peer: peer, msg: msg})
	return fakeDelivery{err: f.sendErr}, nil
}

// fakeDelivery reports err once awaited.
type fakeDelivery struct{ err error }

func (d fakeDelivery) Await(context.Context) error { return d.err }

func (f *fakeTransport) SendOnStream(types.Peer, types.MsgID, []byte, comm.SendStream) (*comm.SendWatcher, error) {
	return nil, errors.New("no streams in fake transport")
}

// IsReachable blocks on probes when set, so a test can hold join permits.
func (f *fakeTransport) IsReachable(ctx context.Context, _ string) error {
	f.mu.Lock()
	probes, err := f.probes, f.reachErr
	f.mu.Unlock()
	if probes != nil {
		select {
		case <-probes:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeTransport) Sent() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeTransport) Targets() []types.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Peer(nil), f.targets...)
}

// fakeStream stands in for the inbound stream a request arrived on.
type fakeStream struct{ id string }

func (s fakeStream) ID() string                                 { return s.id }
func (s fakeStream) SendUserMsg(context.Context, []byte) error { return nil }
func (s fakeStream) Finish() error                              { return nil }

// testSection is a genesis section where we are the only elder.
type testSection struct {
	consensus *LocalConsensus
	genesis   *crypto.Keypair
	us        types.Peer
	network   *knowledge.NetworkKnowledge
	transport *fakeTransport
	queue     *CommandQueue
	tracker   *liveness.Tracker
	chunks    *storage.ChunkStore
	keys      *storage.KeyStore
	metrics   *metrics.NodeMetrics
	d         *Dispatcher
}

func testDispatcherConfig() DispatcherConfig {
	cfg := DefaultDispatcherConfig()
	cfg.ResourceProofDifficulty = 2
	return cfg
}

func newTestSection(t *testing.T, cfg DispatcherConfig) *testSection {
	t.Helper()
	genesis, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	us := types.Peer{Name: types.RandomName(), Addr: "127.0.0.1:12000"}
	network, err := knowledge.NewFirstSection(genesis, us, FirstSectionMaxAge, 5)
	require.NoError(t, err)
	s := buildSection(t, cfg, genesis, us, network)
	set, share := crypto.SingleKeySet(genesis)
	s.consensus.AddKeyShare(set, share)
	return s
}

// newAdultSection returns a section where we are an adult and elder is
// its only elder.
func newAdultSection(t *testing.T, cfg DispatcherConfig) (*testSection, types.Peer) {
	t.Helper()
	genesis, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	elder := types.Peer{Name: types.RandomName(), Addr: "127.0.0.1:12500"}
	elderView, err := knowledge.NewFirstSection(genesis, elder, FirstSectionMaxAge, 5)
	require.NoError(t, err)

	us := types.Peer{Name: types.RandomName(), Addr: "127.0.0.1:12000"}
	network, err := knowledge.NewNetworkKnowledge(us.Name, knowledge.NewSectionsDAG(genesis.PublicKey()), elderView.SignedAuthority(), 5)
	require.NoError(t, err)
	s := buildSection(t, cfg, genesis, us, network)
	s.admit(t, types.NewJoinedState(elder, FirstSectionMaxAge, nil))
	s.admit(t, types.NewJoinedState(us, 98, nil))
	return s, elder
}

func buildSection(t *testing.T, cfg DispatcherConfig, genesis *crypto.Keypair, us types.Peer, network *knowledge.NetworkKnowledge) *testSection {
	t.Helper()
	logger := zaptest.NewLogger(t)
	consensus := NewLocalConsensus(network, logger)

	store := storage.NewMemoryStore()
	chunks, err := storage.NewChunkStore(store, 1<<20, false, logger)
	require.NoError(t, err)

	s := &testSection{
		consensus: consensus,
		genesis:   genesis,
		us:        us,
		network:   network,
		transport: &fakeTransport{addr: us.Addr},
		queue:     NewCommandQueue(),
		tracker:   liveness.NewTracker(liveness.DefaultConfig(), nil, logger),
		chunks:    chunks,
		keys:      storage.NewKeyStore(store),
		metrics:   metrics.NewNodeMetrics(prometheus.NewRegistry()),
	}
	s.d = NewDispatcher(cfg, DispatcherDeps{
		Network:   network,
		Tracker:   s.tracker,
		Consensus: consensus,
		Transport: s.transport,
		Queue:     s.queue,
		Chunks:    chunks,
		Keys:      s.keys,
		Metrics:   s.metrics,
	}, logger)
	return s
}

var nextPort = 13000

// addMember admits a new adult signed by the genesis key.
func (s *testSection) addMember(t *testing.T, age uint8) types.Peer {
	t.Helper()
	nextPort++
	peer := types.Peer{Name: types.RandomName(), Addr: fmt.Sprintf("127.0.0.1:%d", nextPort)}
	s.admit(t, types.NewJoinedState(peer, age, nil))
	return peer
}

func (s *testSection) admit(t *testing.T, state types.NodeState) knowledge.SignedNodeState {
	t.Helper()
	signed, err := types.SignWithSection(state, s.genesis)
	require.NoError(t, err)
	changed, err := s.network.UpdateMember(signed)
	require.NoError(t, err)
	require.True(t, changed)
	return signed
}

// message builds an inbound message from sender addressed to our current key.
func (s *testSection) message(t *testing.T, sender types.Peer, kind messaging.Kind, payload messaging.Payload) HandleMessage {
	t.Helper()
	return s.messageTo(t, sender, kind, s.network.SectionKey(), payload)
}

func (s *testSection) messageTo(t *testing.T, sender types.Peer, kind messaging.Kind, key crypto.PublicKey, payload messaging.Payload) HandleMessage {
	t.Helper()
	msg, err := messaging.NewWireMsg(kind, sender.Name, messaging.Dst{Name: s.us.Name, SectionKey: key}, payload)
	require.NoError(t, err)
	return HandleMessage{Sender: sender, Msg: msg, Stream: fakeStream{id: "stream-" + msg.ID().String()}}
}

func (s *testSection) handle(t *testing.T, cmd Command) []Command {
	t.Helper()
	cmds, err := s.d.Handle(context.Background(), cmd)
	require.NoError(t, err)
	return cmds
}

// nextQueued waits for a command enqueued by a background goroutine.
func (s *testSection) nextQueued(t *testing.T) Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd, err := s.queue.Next(ctx)
	require.NoError(t, err)
	return cmd
}

// onlyCommand asserts cmds holds a single command of type T.
func onlyCommand[T Command](t *testing.T, cmds []Command) T {
	t.Helper()
	require.Len(t, cmds, 1, "commands: %v", cmds)
	cmd, ok := cmds[0].(T)
	require.True(t, ok, "got %T", cmds[0])
	return cmd
}

func payloadOf[T messaging.Payload](t *testing.T, cmd SendOutgoing) T {
	t.Helper()
	p, ok := cmd.Payload.(T)
	require.True(t, ok, "got payload %T", cmd.Payload)
	return p
}
