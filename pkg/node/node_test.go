package node

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sectiond/pkg/comm/commtest"
	"sectiond/pkg/config"
	"sectiond/pkg/storage"
	"sectiond/pkg/types"
)

func testNodeConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.AdminAddr = ""
	cfg.MetricsAddr = ""
	cfg.ResourceProofDifficulty = 2
	cfg.JoiningTimeout = 10 * time.Second
	cfg.UnresponsiveCheckInterval = 0
	return cfg
}

type runningNode struct {
	*Node
	done chan error
}

func startNode(t *testing.T, cfg *config.Config, network *commtest.Network) *runningNode {
	t.Helper()
	n, err := New(cfg, Options{Endpoint: network.NewEndpoint(), Store: storage.NewMemoryStore()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	r := &runningNode{Node: n, done: make(chan error, 1)}
	go func() { r.done <- n.Run(context.Background()) }()
	t.Cleanup(func() {
		assert.NoError(t, n.Stop())
	})
	return r
}

func TestGenesisNode(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.First = true
	n := startNode(t, cfg, commtest.NewNetwork())

	require.Eventually(t, func() bool { return n.Dispatcher() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, n.Dispatcher().IsElder())
	assert.Equal(t, n.GenesisKey(), n.Network().SectionKey())

	status := n.Status()
	assert.True(t, status.Joined)
	assert.True(t, status.Elder)
	assert.Equal(t, 1, status.Members)
	assert.Equal(t, n.Name().String(), status.Name)
	assert.Equal(t, status.GenesisKey, status.SectionKey)
	assert.Equal(t, []string{n.Name().String()}, status.Elders)

	assert.Empty(t, n.CheckUnresponsive())
	assert.Equal(t, float64(0), testutil.ToFloat64(n.metrics.UnresponsivePeers))

	err := n.Run(context.Background())
	assert.ErrorContains(t, err, "already running")
}

func TestNodeJoinsGenesis(t *testing.T) {
	network := commtest.NewNetwork()
	genesisCfg := testNodeConfig(t)
	genesisCfg.First = true
	genesis := startNode(t, genesisCfg, network)
	require.Eventually(t, func() bool { return genesis.Dispatcher() != nil }, 5*time.Second, 10*time.Millisecond)

	cfg := testNodeConfig(t)
	cfg.GenesisKey = genesis.GenesisKey().Hex()
	cfg.HardCodedContacts = []string{genesis.Peer().Addr}
	joiner := startNode(t, cfg, network)

	require.Eventually(t, func() bool { return joiner.Network() != nil }, 15*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return genesis.Network().Peers().IsMember(joiner.Name())
	}, 5*time.Second, 20*time.Millisecond)

	status := joiner.Status()
	assert.True(t, status.Joined)
	assert.False(t, status.Elder)
	assert.Equal(t, genesis.GenesisKey().Hex(), status.GenesisKey)
	assert.Contains(t, status.Elders, genesis.Name().String())

	require.Eventually(t, func() bool {
		return genesis.Status().Members == 2
	}, 5*time.Second, 20*time.Millisecond)

	// the elder refreshes its authority with the new member and syncs it out
	require.Eventually(t, func() bool {
		return joiner.Network().Authority().MembershipGen >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, genesis.tracker.Tracked(), joiner.Name())

	snap, err := joiner.keys.LoadPrefixMap()
	require.NoError(t, err)
	assert.Equal(t, genesis.GenesisKey(), snap.Genesis)
}

func TestJoinTimesOut(t *testing.T) {
	network := commtest.NewNetwork()
	cfg := testNodeConfig(t)
	cfg.GenesisKey = types.RandomName().Hex()
	cfg.HardCodedContacts = []string{"127.0.0.1:1"}
	cfg.JoiningTimeout = 200 * time.Millisecond

	n, err := New(cfg, Options{Endpoint: network.NewEndpoint(), Store: storage.NewMemoryStore()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Stop()

	err = n.Run(context.Background())
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.Nil(t, n.Network())
	assert.False(t, n.Status().Joined)
}

func TestNodeKeysPersist(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := testNodeConfig(t)
	cfg.First = true
	network := commtest.NewNetwork()

	first, err := New(cfg, Options{Endpoint: network.NewEndpoint(), Store: store}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	second, err := New(cfg, Options{Endpoint: network.NewEndpoint(), Store: store}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer second.Stop()
	assert.Equal(t, first.Name(), second.Name())
	assert.Equal(t, first.GenesisKey(), second.GenesisKey())
}

func TestContactsFromPrefixMap(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.First = true
	s := newTestSection(t, testDispatcherConfig())
	store := storage.NewMemoryStore()
	require.NoError(t, storage.NewKeyStore(store).SavePrefixMap(s.network))

	n, err := New(cfg, Options{Endpoint: commtest.NewNetwork().NewEndpoint(), Store: store}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Stop()

	n.cfg.HardCodedContacts = []string{"127.0.0.1:1", s.us.Addr}
	assert.Equal(t, []string{"127.0.0.1:1", s.us.Addr}, n.contacts(s.network.DAG().GenesisKey()))

	n.cfg.HardCodedContacts = []string{"127.0.0.1:1"}
	assert.Equal(t, []string{"127.0.0.1:1", s.us.Addr}, n.contacts(s.network.DAG().GenesisKey()))
	assert.Equal(t, []string{"127.0.0.1:1"}, n.contacts(types.RandomName().Key()), "another network's map is ignored")
}
