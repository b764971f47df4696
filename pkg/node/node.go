package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sectiond/pkg/admin"
	"sectiond/pkg/comm"
	"sectiond/pkg/config"
	"sectiond/pkg/crypto"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/liveness"
	"sectiond/pkg/metrics"
	"sectiond/pkg/storage"
	"sectiond/pkg/types"
)

const inboxSize = 256

// Options override the collaborators New builds from the configuration.
type Options struct {
	// Endpoint defaults to a QUIC endpoint bound to LocalAddr.
	Endpoint comm.Endpoint
	// Store defaults to a Badger store under DataDir. A store passed here
	// is not closed by Stop.
	Store storage.Store
	// Registry defaults to a fresh registry.
	Registry *prometheus.Registry
	// Genesis is the genesis keypair of a first node. It defaults to the
	// one persisted in the store.
	Genesis *crypto.Keypair
}

// Node wires the command loop, the dispatcher and the transport of one
// section member.
type Node struct {
	cfg       *config.Config
	logger    *zap.Logger
	keypair   *crypto.Keypair
	genesis   *crypto.Keypair
	store     storage.Store
	ownsStore bool
	keys      *storage.KeyStore
	chunks    *storage.ChunkStore
	comm      *comm.Comm
	inbox     chan comm.MsgFromPeer
	queue     *CommandQueue
	registry  *prometheus.Registry
	metrics   *metrics.NodeMetrics
	startedAt time.Time

	mu           sync.RWMutex
	network      *knowledge.NetworkKnowledge
	tracker      *liveness.Tracker
	dispatcher   *Dispatcher
	unresponsive []liveness.Unresponsive
	cancel       context.CancelFunc
	done         chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New opens the node's storage, loads its keys and binds its endpoint.
// Nothing is sent until Run.
func New(cfg *config.Config, opts Options, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		cfg:       cfg,
		logger:    logger,
		store:     opts.Store,
		queue:     NewCommandQueue(),
		registry:  opts.Registry,
		genesis:   opts.Genesis,
		startedAt: time.Now(),
	}

	if n.store == nil {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.OpenBadger(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		n.store = store
		n.ownsStore = true
	}
	n.keys = storage.NewKeyStore(n.store)

	fail := func(err error) (*Node, error) {
		if n.ownsStore {
			err = multierr.Append(err, n.store.Close())
		}
		return nil, err
	}

	kp, err := n.keys.NetworkKeypair()
	if err != nil {
		return fail(fmt.Errorf("failed to load network keypair: %w", err))
	}
	n.keypair = kp
	if cfg.First && n.genesis == nil {
		if n.genesis, err = n.keys.GenesisKeypair(); err != nil {
			return fail(fmt.Errorf("failed to load genesis keypair: %w", err))
		}
	}

	chunks, err := storage.NewChunkStore(n.store, cfg.MaxCapacity, cfg.EnableCompression, logger)
	if err != nil {
		return fail(err)
	}
	n.chunks = chunks

	if n.registry == nil {
		n.registry = prometheus.NewRegistry()
	}
	n.metrics = metrics.NewNodeMetrics(n.registry)

	endpoint := opts.Endpoint
	if endpoint == nil {
		qc := comm.DefaultQUICConfig()
		if cfg.IdleTimeout > 0 {
			qc.IdleTimeout = cfg.IdleTimeout
		}
		quicEndpoint, err := comm.NewQUICEndpoint(cfg.LocalAddr, kp, qc, logger)
		if err != nil {
			return fail(err)
		}
		endpoint = quicEndpoint
	}
	n.inbox = make(chan comm.MsgFromPeer, inboxSize)
	n.comm = comm.New(endpoint, cfg.SessionConfig(), n.inbox, logger)

	n.logger = logger.With(zap.Stringer("node", n.Name()))
	return n, nil
}

// Name returns our name, derived from the network key.
func (n *Node) Name() types.Name {
	return types.NameFromKey(n.keypair.PublicKey())
}

// Peer returns our name and advertised address.
func (n *Node) Peer() types.Peer {
	return types.Peer{Name: n.Name(), Addr: n.comm.LocalAddr()}
}

// GenesisKey returns the genesis key of the network once known.
func (n *Node) GenesisKey() crypto.PublicKey {
	if network := n.Network(); network != nil {
		return network.DAG().GenesisKey()
	}
	if n.genesis != nil {
		return n.genesis.PublicKey()
	}
	key, _ := n.cfg.GenesisPublicKey()
	return key
}

// Network returns our network knowledge, or nil before bootstrap completes.
func (n *Node) Network() *knowledge.NetworkKnowledge {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.network
}

// Dispatcher returns the dispatcher, or nil before bootstrap completes.
func (n *Node) Dispatcher() *Dispatcher {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dispatcher
}

// Queue returns the command queue.
func (n *Node) Queue() *CommandQueue {
	return n.queue
}

// Chunks returns the chunk store.
func (n *Node) Chunks() *storage.ChunkStore {
	return n.chunks
}

// Run bootstraps the node, either as the genesis elder or by joining
// through the configured contacts, then runs the command loop until ctx
// is cancelled or Stop is called.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	n.mu.Lock()
	if n.done != nil {
		n.mu.Unlock()
		return errors.New("node already running")
	}
	n.cancel = cancel
	n.done = done
	n.mu.Unlock()

	network, err := n.bootstrap(ctx)
	if err != nil {
		return err
	}
	loop := n.start(network)

	var metricsServer *metrics.Server
	if n.cfg.MetricsAddr != "" {
		endpoint := metrics.NewHealthEndpoint(n.health, n.registry, n.logger)
		if metricsServer, err = metrics.Listen(n.cfg.MetricsAddr, endpoint, n.logger); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	var adminServer *admin.Server
	if n.cfg.AdminAddr != "" {
		if adminServer, err = admin.Listen(n.cfg.AdminAddr, n, n.logger); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := loop.Run(gctx)
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		n.forwardInbox(gctx)
		return nil
	})
	g.Go(func() error {
		n.checkUnresponsiveLoop(gctx)
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error { return metricsServer.Serve(gctx) })
	}
	if adminServer != nil {
		g.Go(func() error { return adminServer.Serve(gctx) })
	}
	return g.Wait()
}

func (n *Node) bootstrap(ctx context.Context) (*knowledge.NetworkKnowledge, error) {
	us := n.Peer()
	if n.cfg.First {
		network, err := knowledge.NewFirstSection(n.genesis, us, FirstSectionMaxAge, n.cfg.ElderChurnEventsToPruneArchive)
		if err != nil {
			return nil, err
		}
		n.logger.Info("Started as genesis node",
			zap.String("genesis_key", n.genesis.PublicKey().Hex()),
			zap.String("addr", us.Addr))
		return network, nil
	}

	genesis, err := n.cfg.GenesisPublicKey()
	if err != nil {
		return nil, err
	}
	joiner := NewJoiner(JoinerConfig{
		Contacts:         n.contacts(genesis),
		GenesisKey:       genesis,
		Timeout:          n.cfg.JoiningTimeout,
		ArchiveRetention: n.cfg.ElderChurnEventsToPruneArchive,
	}, us, n.comm, n.logger)
	network, err := joiner.Join(ctx)
	if err != nil {
		return nil, err
	}
	n.logger.Info("Joined section",
		zap.Stringer("prefix", network.Prefix()),
		zap.Stringer("section_key", network.SectionKey()))
	return network, nil
}

// contacts returns the configured contacts plus the elders of any
// sections persisted by a previous run on the same network.
func (n *Node) contacts(genesis crypto.PublicKey) []string {
	contacts := mapset.NewThreadUnsafeSet[string](n.cfg.HardCodedContacts...)
	out := append([]string(nil), n.cfg.HardCodedContacts...)
	snap, err := n.keys.LoadPrefixMap()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			n.logger.Warn("Failed to load persisted prefix map", zap.Error(err))
		}
		return out
	}
	if snap.Genesis != genesis {
		n.logger.Info("Ignoring prefix map of another network", zap.Stringer("genesis", snap.Genesis))
		return out
	}
	for _, sap := range snap.Sections {
		for _, addr := range elderAddrs(sap.Value) {
			if addr != "" && contacts.Add(addr) {
				out = append(out, addr)
			}
		}
	}
	return out
}

func (n *Node) start(network *knowledge.NetworkKnowledge) *Loop {
	tracker := liveness.NewTracker(n.cfg.LivenessConfig(), nil, n.logger)
	consensus := NewLocalConsensus(network, n.logger)
	if n.cfg.First {
		set, share := crypto.SingleKeySet(n.genesis)
		consensus.AddKeyShare(set, share)
	}

	cfg := DefaultDispatcherConfig()
	cfg.ElderCount = n.cfg.ElderCount
	cfg.JoinConcurrency = n.cfg.JoinConcurrency
	cfg.JoinsAllowed = n.cfg.JoinsAllowed
	cfg.ResponseThreshold = n.cfg.ResponseThreshold
	cfg.PendingQueryTTL = n.cfg.PendingQueryTTL
	cfg.ResourceProofDifficulty = n.cfg.ResourceProofDifficulty

	dispatcher := NewDispatcher(cfg, DispatcherDeps{
		Network:   network,
		Tracker:   tracker,
		Consensus: consensus,
		Transport: n.comm,
		Queue:     n.queue,
		Chunks:    n.chunks,
		Keys:      n.keys,
		Metrics:   n.metrics,
	}, n.logger)

	n.mu.Lock()
	n.network = network
	n.tracker = tracker
	n.dispatcher = dispatcher
	n.mu.Unlock()

	if err := n.queue.Enqueue(HandleAdultsChanged{}); err != nil {
		n.logger.Warn("Failed to schedule initial membership sync", zap.Error(err))
	}
	return NewLoop(n.queue, dispatcher, n.metrics, n.logger)
}

func (n *Node) forwardInbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.inbox:
			cmd := HandleMessage{Sender: msg.Sender, Msg: msg.WireMsg, Stream: msg.Stream}
			if err := n.queue.Enqueue(cmd); err != nil {
				n.logger.Debug("Dropping inbound message", zap.Stringer("sender", msg.Sender), zap.Error(err))
				return
			}
		}
	}
}

func (n *Node) checkUnresponsiveLoop(ctx context.Context) {
	interval := n.cfg.UnresponsiveCheckInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.CheckUnresponsive()
		}
	}
}

// CheckUnresponsive runs one liveness check. Elders propose the flagged
// peers offline.
func (n *Node) CheckUnresponsive() []liveness.Unresponsive {
	n.mu.RLock()
	tracker, dispatcher := n.tracker, n.dispatcher
	n.mu.RUnlock()
	if tracker == nil {
		return nil
	}

	flagged := tracker.FindUnresponsive()
	n.mu.Lock()
	n.unresponsive = flagged
	n.mu.Unlock()
	n.metrics.UnresponsivePeers.Set(float64(len(flagged)))
	n.metrics.LastLivenessCheck.SetToCurrentTime()

	if len(flagged) == 0 || !dispatcher.IsElder() {
		return flagged
	}
	names := make([]types.Name, 0, len(flagged))
	for _, u := range flagged {
		n.logger.Info("Peer is unresponsive",
			zap.Stringer("peer", u.Name),
			zap.Int("pending", u.Pending))
		names = append(names, u.Name)
	}
	if err := n.queue.Enqueue(ProposeOffline{Names: names}); err != nil {
		n.logger.Debug("Dropping offline proposal", zap.Error(err))
	}
	return flagged
}

// Stop terminates the loop, waits for Run to return and releases the
// transport and the store. It is safe to call more than once.
func (n *Node) Stop() error {
	if err := n.queue.Enqueue(Terminate{}); err != nil && !errors.Is(err, ErrLoopTerminated) {
		n.logger.Debug("Failed to enqueue terminate", zap.Error(err))
	}
	n.mu.RLock()
	cancel, done := n.cancel, n.done
	n.mu.RUnlock()
	if cancel != nil {
		cancel()
		<-done
	}

	n.closeOnce.Do(func() {
		n.closeErr = n.comm.Close()
		if n.ownsStore {
			n.closeErr = multierr.Append(n.closeErr, n.store.Close())
		}
		n.logger.Info("Node stopped")
	})
	return n.closeErr
}

func (n *Node) health() metrics.Health {
	network := n.Network()
	h := metrics.Health{QueueDepth: n.queue.Len()}
	if network == nil {
		return h
	}
	h.Joined = true
	h.Elder = network.Authority().IsElder(network.OurName())
	h.Prefix = network.Prefix().String()
	h.Members = network.Peers().Len()
	return h
}

// Status reports a snapshot for the admin service.
func (n *Node) Status() admin.Status {
	s := admin.Status{
		Name:        n.Name().String(),
		Addr:        n.comm.LocalAddr(),
		GenesisKey:  n.GenesisKey().Hex(),
		QueueDepth:  n.queue.Len(),
		StorageUsed: n.chunks.Used(),
		StartedAt:   n.startedAt,
	}
	s.StorageLevel = int(n.chunks.Level())

	n.mu.RLock()
	network, dispatcher := n.network, n.dispatcher
	flagged := n.unresponsive
	n.mu.RUnlock()
	if network == nil {
		return s
	}

	sap := network.Authority()
	s.Joined = true
	s.Elder = sap.IsElder(network.OurName())
	s.Prefix = sap.Prefix.String()
	s.SectionKey = sap.SectionKey().Hex()
	s.MembershipGen = sap.MembershipGen
	for _, e := range sap.Elders {
		s.Elders = append(s.Elders, e.Name.String())
	}
	s.Members = network.Peers().Len()
	s.Archived = network.Peers().ArchiveLen()
	s.Pending = dispatcher.PendingQueries()
	for _, u := range flagged {
		s.Unresponsive = append(s.Unresponsive, admin.UnresponsivePeer{Name: u.Name.String(), Pending: u.Pending})
	}
	return s
}
