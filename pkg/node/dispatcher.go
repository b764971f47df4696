package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sectiond/pkg/aggregator"
	"sectiond/pkg/comm"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/liveness"
	"sectiond/pkg/messaging"
	"sectiond/pkg/metrics"
	"sectiond/pkg/storage"
	"sectiond/pkg/types"
)

const (
	// DefaultElderCount is the number of elders a full section has.
	DefaultElderCount = 7
	// DefaultPendingQueryTTL bounds how long a forwarded query waits for its adults.
	DefaultPendingQueryTTL = 30 * time.Second
	// DefaultQueryFanout is the number of adults a client query is forwarded to.
	DefaultQueryFanout = 1

	maxPendingQueries = 4096
	// storageWarnLevel is the storage level at which elders warn about an adult.
	storageWarnLevel = 9
)

// Transport is what the dispatcher needs from comm.Comm.
type Transport interface {
	LocalAddr() string
	UpdateValidCommTargets(members []types.Peer)
	Enqueue(peer types.Peer, msgID types.MsgID, bytes []byte) (comm.Delivery, error)
	SendOnStream(peer types.Peer, msgID types.MsgID, bytes []byte, stream comm.SendStream) (*comm.SendWatcher, error)
	IsReachable(ctx context.Context, addr string) error
}

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	ElderCount              int
	JoinConcurrency         int
	JoinsAllowed            bool
	ResponseThreshold       int
	QueryFanout             int
	PendingQueryTTL         time.Duration
	ResourceProofDifficulty uint8
	ChallengeTTL            time.Duration
	SendTimeout             time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		ElderCount:              DefaultElderCount,
		JoinConcurrency:         DefaultJoinConcurrency,
		JoinsAllowed:            true,
		ResponseThreshold:       1,
		QueryFanout:             DefaultQueryFanout,
		PendingQueryTTL:         DefaultPendingQueryTTL,
		ResourceProofDifficulty: DefaultResourceProofDifficulty,
		ChallengeTTL:            DefaultChallengeTTL,
		SendTimeout:             10 * time.Second,
	}
}

type pendingQuery struct {
	op        types.OperationID
	address   types.Name
	origin    types.Peer
	stream    comm.SendStream
	targets   []types.Name
	responded mapset.Set[types.Name]
	expected  int
	result    <-chan messaging.AdultQueryResponse
}

// Dispatcher handles every command of the loop. All section state is
// mutated from Handle, which the loop calls from a single goroutine.
type Dispatcher struct {
	cfg       DispatcherConfig
	network   *knowledge.NetworkKnowledge
	tracker   *liveness.Tracker
	consensus Consensus
	transport Transport
	queue     *CommandQueue
	join      *JoinGate
	chunks    *storage.ChunkStore
	keys      *storage.KeyStore
	metrics   *metrics.NodeMetrics
	logger    *zap.Logger

	queries   *expirable.LRU[types.MsgID, *pendingQuery]
	responses *aggregator.Aggregator[messaging.AdultQueryResponse]

	stateMu       sync.Mutex
	storageLevels map[types.Name]uint8
	relocation    *knowledge.SignedNodeState
	promise       *messaging.RelocatePromise
}

// DispatcherDeps are the collaborators of a Dispatcher. Chunks, Keys and
// Metrics are optional.
type DispatcherDeps struct {
	Network   *knowledge.NetworkKnowledge
	Tracker   *liveness.Tracker
	Consensus Consensus
	Transport Transport
	Queue     *CommandQueue
	Chunks    *storage.ChunkStore
	Keys      *storage.KeyStore
	Metrics   *metrics.NodeMetrics
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(cfg DispatcherConfig, deps DispatcherDeps, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ElderCount <= 0 {
		cfg.ElderCount = DefaultElderCount
	}
	if cfg.QueryFanout <= 0 {
		cfg.QueryFanout = DefaultQueryFanout
	}
	if cfg.PendingQueryTTL <= 0 {
		cfg.PendingQueryTTL = DefaultPendingQueryTTL
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		cfg:           cfg,
		network:       deps.Network,
		tracker:       deps.Tracker,
		consensus:     deps.Consensus,
		transport:     deps.Transport,
		queue:         deps.Queue,
		chunks:        deps.Chunks,
		keys:          deps.Keys,
		metrics:       deps.Metrics,
		logger:        logger,
		responses:     aggregator.New(cfg.ResponseThreshold, queryResponseKey, logger),
		storageLevels: make(map[types.Name]uint8),
	}
	d.join = NewJoinGate(cfg.JoinConcurrency, cfg.JoinsAllowed,
		NewResourceProof(cfg.ResourceProofDifficulty, cfg.ChallengeTTL), deps.Metrics)
	d.queries = expirable.NewLRU[types.MsgID, *pendingQuery](maxPendingQueries,
		func(id types.MsgID, _ *pendingQuery) { d.responses.Cancel(id) }, cfg.PendingQueryTTL)
	return d
}

func queryResponseKey(r messaging.AdultQueryResponse) string {
	if r.Result.Error != "" {
		return "err:" + r.Result.Error
	}
	return "ok:" + string(r.Result.Data)
}

// JoinGate returns the admission gate.
func (d *Dispatcher) JoinGate() *JoinGate {
	return d.join
}

// IsElder reports whether we are an elder of our section.
func (d *Dispatcher) IsElder() bool {
	return d.network.Authority().IsElder(d.network.OurName())
}

// PendingQueries returns the number of forwarded queries awaiting responses.
func (d *Dispatcher) PendingQueries() int {
	return d.queries.Len()
}

// Handle dispatches one command.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) ([]Command, error) {
	switch c := cmd.(type) {
	case HandleMessage:
		return d.handleMessage(ctx, c)
	case SendOutgoing:
		return nil, d.sendOutgoing(ctx, c)
	case HandleAgreement:
		return d.handleAgreement(c)
	case HandleMembershipDecision:
		return d.handleMembershipDecision(c.Decision)
	case HandleNewEldersAgreement:
		return d.handleNewEldersAgreement(c)
	case HandleFailedSend:
		d.logger.Warn("Failed to send message to section peer",
			zap.Stringer("peer", c.Peer),
			zap.Stringer("msg_id", c.MsgID))
		return []Command{TrackIssue{Peer: c.Peer.Name, Kind: IssueCommunication}}, nil
	case AddPendingRequest:
		return d.addPendingRequest(c), nil
	case TrackIssue:
		d.trackIssue(c)
		return nil, nil
	case HandleAdultsChanged:
		return d.handleAdultsChanged()
	case ProposeOffline:
		return d.proposeOffline(c.Names)
	case HandleNewNodeOnline:
		return d.handleNewNodeOnline(c)
	case SendAcceptedOnlineShare:
		return d.sendAcceptedOnlineShare(c)
	case Terminate:
		return nil, nil
	default:
		return nil, fmt.Errorf("unhandled command %T", cmd)
	}
}

// reply builds a SendOutgoing answering to on stream, or as a fresh
// message when stream is nil.
func reply(id types.MsgID, to types.Peer, stream comm.SendStream, payload messaging.Payload) SendOutgoing {
	return SendOutgoing{
		MsgID:      id,
		Recipients: []types.Peer{to},
		Payload:    payload,
		Stream:     stream,
		Kind:       messaging.KindNode,
	}
}

func (d *Dispatcher) sectionKeyFor(name types.Name) knowledge.SignedAuthority {
	if d.network.Prefix().Matches(name) {
		return d.network.SignedAuthority()
	}
	return d.network.ClosestSection(name)
}

func (d *Dispatcher) sendOutgoing(ctx context.Context, c SendOutgoing) error {
	us := d.network.OurName()
	kind := c.Kind
	if kind == 0 {
		kind = messaging.KindNode
	}
	var errs []error
	for _, recipient := range c.Recipients {
		if recipient.Name == us && c.Stream == nil {
			d.logger.Debug("Skipping message addressed to ourselves", zap.Stringer("msg_id", c.MsgID))
			continue
		}
		dst := messaging.Dst{Name: recipient.Name, SectionKey: d.sectionKeyFor(recipient.Name).Value.SectionKey()}
		msg, err := messaging.NewWireMsgWithID(c.MsgID, kind, us, dst, c.Payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msg.Header.Trace = c.Trace
		bytes, err := msg.Serialize()
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if c.Stream != nil {
			watcher, err := d.transport.SendOnStream(recipient, c.MsgID, bytes, c.Stream)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			go d.watchReply(ctx, recipient, c.MsgID, watcher)
			continue
		}
		// Enqueue on the loop goroutine keeps per-peer order.
		delivery, err := d.transport.Enqueue(recipient, c.MsgID, bytes)
		if err != nil {
			d.sendFailed(recipient, c.MsgID, err)
			continue
		}
		go d.awaitDelivery(ctx, recipient, c.MsgID, delivery)
	}
	return multierr.Combine(errs...)
}

func (d *Dispatcher) awaitDelivery(ctx context.Context, recipient types.Peer, id types.MsgID, delivery comm.Delivery) {
	err := delivery.Await(ctx)
	if err == nil {
		if d.metrics != nil {
			d.metrics.MessagesSent.Inc()
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	d.sendFailed(recipient, id, err)
}

// sendFailed turns a failure towards a section member into a
// HandleFailedSend command.
func (d *Dispatcher) sendFailed(recipient types.Peer, id types.MsgID, err error) {
	if d.network.Peers().IsMember(recipient.Name) {
		if d.metrics != nil {
			d.metrics.SendFailures.WithLabelValues("member").Inc()
		}
		if err := d.queue.Enqueue(HandleFailedSend{Peer: recipient, MsgID: id}); err != nil {
			d.logger.Debug("Dropping failed send report", zap.Error(err))
		}
		return
	}
	if d.metrics != nil {
		d.metrics.SendFailures.WithLabelValues("other").Inc()
	}
	d.logger.Warn("Failed to send message outside our section",
		zap.Stringer("peer", recipient),
		zap.Stringer("msg_id", id),
		zap.Error(err))
}

func (d *Dispatcher) watchReply(ctx context.Context, recipient types.Peer, id types.MsgID, watcher *comm.SendWatcher) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	status, err := watcher.Wait(ctx)
	if status == comm.StatusSent {
		if d.metrics != nil {
			d.metrics.MessagesSent.Inc()
		}
		return
	}
	if d.metrics != nil {
		d.metrics.SendFailures.WithLabelValues("reply").Inc()
	}
	d.logger.Warn("Failed to send reply",
		zap.Stringer("peer", recipient),
		zap.Stringer("msg_id", id),
		zap.Stringer("status", status),
		zap.Error(err))
}

func (d *Dispatcher) handleAgreement(c HandleAgreement) ([]Command, error) {
	b, err := ProposalBytes(c.Proposal)
	if err != nil {
		return nil, err
	}
	if !d.network.IsTrusted(c.Sig.PublicKey) {
		return nil, fmt.Errorf("agreement signed by %s: %w", c.Sig.PublicKey, ErrUntrustedSectionKey)
	}
	if !c.Sig.Verify(b) {
		return nil, fmt.Errorf("%w: agreement signature does not verify", ErrInvalidMessage)
	}

	switch c.Proposal.Kind {
	case messaging.ProposeOnline, messaging.ProposeOffline:
		decision := knowledge.SignedNodeState{Value: *c.Proposal.NodeState, Sig: c.Sig}
		return []Command{HandleMembershipDecision{Decision: decision}}, nil
	default:
		sap := knowledge.SignedAuthority{Value: *c.Proposal.Authority, Sig: c.Sig}
		return []Command{HandleNewEldersAgreement{Authority: sap}}, nil
	}
}

func (d *Dispatcher) handleMembershipDecision(decision knowledge.SignedNodeState) ([]Command, error) {
	changed, err := d.network.UpdateMember(decision)
	if err != nil {
		return nil, err
	}
	if !changed {
		d.logger.Debug("Membership decision changed nothing", zap.Stringer("state", decision.Value))
		return nil, nil
	}
	d.logger.Info("Section membership changed",
		zap.Stringer("peer", decision.Value.Peer),
		zap.Stringer("state", decision.Value.State),
		zap.Uint8("age", decision.Value.Age))
	return []Command{HandleAdultsChanged{}}, nil
}

func (d *Dispatcher) handleNewEldersAgreement(c HandleNewEldersAgreement) ([]Command, error) {
	changed, err := d.network.UpdateAuthority(c.Authority, c.Proof)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}
	sap := c.Authority.Value
	d.logger.Info("Section authority updated",
		zap.Stringer("prefix", sap.Prefix),
		zap.Stringer("section_key", sap.SectionKey()),
		zap.Int("elders", len(sap.Elders)),
		zap.Uint64("generation", sap.MembershipGen))

	cmds := []Command{HandleAdultsChanged{}}
	if d.IsElder() {
		if sync, err := d.syncPayload(); err == nil {
			if recipients := d.otherMembers(); len(recipients) > 0 {
				cmds = append(cmds, SendOutgoing{
					MsgID:      types.NewMsgID(),
					Recipients: recipients,
					Payload:    sync,
					Kind:       messaging.KindNode,
				})
			}
		} else {
			d.logger.Warn("Failed to build sync message", zap.Error(err))
		}
	}
	return cmds, nil
}

func (d *Dispatcher) syncPayload() (messaging.Sync, error) {
	chain, err := d.proofChain()
	if err != nil {
		return messaging.Sync{}, err
	}
	return messaging.Sync{
		Authority:  d.network.SignedAuthority(),
		ProofChain: chain,
		Members:    d.network.Peers().SignedMembers(),
		Sections:   d.network.Sections(),
	}, nil
}

// proofChain proves our current section key from genesis.
func (d *Dispatcher) proofChain() ([]knowledge.DAGEntry, error) {
	dag := d.network.DAG()
	return dag.ProofChain(dag.GenesisKey(), d.network.SectionKey())
}

// otherMembers returns every current member but us.
func (d *Dispatcher) otherMembers() []types.Peer {
	us := d.network.OurName()
	var out []types.Peer
	for _, m := range d.network.Peers().Members() {
		if m.Name() != us {
			out = append(out, m.Peer)
		}
	}
	return out
}

func (d *Dispatcher) otherElders() []types.Peer {
	us := d.network.OurName()
	var out []types.Peer
	for _, e := range d.network.Authority().Elders {
		if e.Name != us {
			out = append(out, e)
		}
	}
	return out
}

func (d *Dispatcher) trackIssue(c TrackIssue) {
	switch c.Kind {
	case IssueCommunication:
		d.tracker.Penalise(c.Peer)
	case IssuePendingRequest:
		d.tracker.AddPending(c.Peer, c.Operation)
	}
}

// handleAdultsChanged refreshes the liveness neighbours, comm targets and
// persisted prefix map from the member set. An elder whose authority no
// longer lists the current members proposes a refreshed one.
func (d *Dispatcher) handleAdultsChanged() ([]Command, error) {
	us := d.network.OurName()
	members := d.network.Peers().Members()

	names := mapset.NewThreadUnsafeSet[types.Name]()
	for _, m := range members {
		if m.Name() != us {
			names.Add(m.Name())
		}
	}
	d.tracker.RetainMembers(names)
	tracked := mapset.NewThreadUnsafeSet[types.Name](d.tracker.Tracked()...)
	for name := range names.Difference(tracked).Iter() {
		d.tracker.AddAdult(name)
	}

	d.transport.UpdateValidCommTargets(d.otherMembers())
	if d.keys != nil {
		if err := d.keys.SavePrefixMap(d.network); err != nil {
			d.logger.Warn("Failed to persist prefix map", zap.Error(err))
		}
	}
	d.updateGauges()

	if !d.IsElder() {
		return nil, nil
	}
	sap := d.network.Authority()
	if sameMembers(sap.Members, members) {
		return nil, nil
	}
	next := knowledge.SectionAuthority{
		Prefix:        sap.Prefix,
		KeySet:        sap.KeySet,
		Members:       members,
		MembershipGen: sap.MembershipGen + 1,
	}
	for _, e := range sap.Elders {
		if d.network.Peers().IsMember(e.Name) {
			next.Elders = append(next.Elders, e)
		}
	}
	if len(next.Elders) == 0 {
		return nil, fmt.Errorf("no elders left among %d members", len(members))
	}
	return d.consensus.Propose(messaging.Proposal{Kind: messaging.ProposeNewElders, Authority: &next})
}

func sameMembers(a, b []types.NodeState) bool {
	if len(a) != len(b) {
		return false
	}
	names := make(map[types.Name]types.MembershipState, len(a))
	for _, m := range a {
		names[m.Name()] = m.State
	}
	for _, m := range b {
		if state, ok := names[m.Name()]; !ok || state != m.State {
			return false
		}
	}
	return true
}

func (d *Dispatcher) updateGauges() {
	if d.metrics == nil {
		return
	}
	sap := d.network.Authority()
	d.metrics.SectionMembers.Set(float64(d.network.Peers().Len()))
	d.metrics.ArchivedMembers.Set(float64(d.network.Peers().ArchiveLen()))
	d.metrics.Elders.Set(float64(len(sap.Elders)))
	d.metrics.MembershipGen.Set(float64(sap.MembershipGen))
	if d.IsElder() {
		d.metrics.IsElder.Set(1)
	} else {
		d.metrics.IsElder.Set(0)
	}
	d.metrics.PendingQueries.Set(float64(d.queries.Len()))
}

func (d *Dispatcher) proposeOffline(names []types.Name) ([]Command, error) {
	if !d.IsElder() {
		return nil, ErrNotElder
	}
	var cmds []Command
	var errs []error
	for _, name := range names {
		state, ok := d.network.Peers().GetJoined(name)
		if !ok {
			continue
		}
		left := state.Leave()
		d.logger.Info("Proposing peer offline", zap.Stringer("peer", state.Peer))
		out, err := d.consensus.Propose(messaging.Proposal{Kind: messaging.ProposeOffline, NodeState: &left})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cmds = append(cmds, out...)
	}
	return cmds, multierr.Combine(errs...)
}
