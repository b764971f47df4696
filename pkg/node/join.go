package node

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"sectiond/pkg/comm"
	"sectiond/pkg/crypto"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/messaging"
	"sectiond/pkg/metrics"
	"sectiond/pkg/types"
)

const (
	// DefaultJoinConcurrency caps the join requests evaluated at once.
	DefaultJoinConcurrency = 4

	// MinAdultAge is the age of a node joining a section after the first split.
	MinAdultAge = 5
	// FirstSectionMaxAge is the age handed out to the first nodes of the network.
	FirstSectionMaxAge = 100
	// FirstSectionMinElderAge bounds joins into a first section whose elders are full.
	FirstSectionMinElderAge = 90
)

// JoinGate is the admission state shared by join evaluations: the
// concurrency permit, issued resource proof challenges and the joins
// allowed flag.
type JoinGate struct {
	permits *semaphore.Weighted
	proof   *ResourceProof
	allowed atomic.Bool
	metrics *metrics.NodeMetrics
}

// NewJoinGate creates a gate evaluating at most concurrency joins at once.
func NewJoinGate(concurrency int, allowed bool, proof *ResourceProof, m *metrics.NodeMetrics) *JoinGate {
	if concurrency <= 0 {
		concurrency = DefaultJoinConcurrency
	}
	g := &JoinGate{
		permits: semaphore.NewWeighted(int64(concurrency)),
		proof:   proof,
		metrics: m,
	}
	g.allowed.Store(allowed)
	return g
}

// SetJoinsAllowed flips the section local joins flag.
func (g *JoinGate) SetJoinsAllowed(allowed bool) {
	g.allowed.Store(allowed)
}

// JoinsAllowed reports the joins flag.
func (g *JoinGate) JoinsAllowed() bool {
	return g.allowed.Load()
}

// ResourceProof returns the challenger.
func (g *JoinGate) ResourceProof() *ResourceProof {
	return g.proof
}

func (g *JoinGate) acquire() error {
	if !g.permits.TryAcquire(1) {
		g.outcome("busy")
		return ErrPermitAcquisitionFailed
	}
	if g.metrics != nil {
		g.metrics.JoinsInFlight.Inc()
	}
	return nil
}

func (g *JoinGate) release() {
	g.permits.Release(1)
	if g.metrics != nil {
		g.metrics.JoinsInFlight.Dec()
	}
}

func (g *JoinGate) outcome(label string) {
	if g.metrics != nil {
		g.metrics.JoinRequests.WithLabelValues(label).Inc()
	}
}

// ExpectedAge returns the age a joining node must present and whether it
// must match exactly. Otherwise any age in (MinAdultAge, expected] is valid.
func ExpectedAge(prefix types.Prefix, elders, elderCount, size int) (uint8, bool) {
	if !prefix.IsEmpty() {
		return MinAdultAge, true
	}
	if elders < elderCount {
		return clampAge(FirstSectionMaxAge - 2*size), true
	}
	return clampAge(FirstSectionMinElderAge - 2*size), false
}

func clampAge(age int) uint8 {
	if age <= MinAdultAge {
		return MinAdultAge + 1
	}
	if age > 255 {
		return 255
	}
	return uint8(age)
}

// ValidAge reports whether age satisfies the expectation.
func ValidAge(age, expected uint8, exact bool) bool {
	if exact {
		return age == expected
	}
	return age > MinAdultAge && age <= expected
}

func (d *Dispatcher) expectedAge() (uint8, bool) {
	return ExpectedAge(d.network.Prefix(), len(d.network.Authority().Elders), d.cfg.ElderCount, d.network.Peers().Len())
}

func (d *Dispatcher) retry(expected uint8) (messaging.JoinRetry, error) {
	chain, err := d.proofChain()
	if err != nil {
		return messaging.JoinRetry{}, err
	}
	return messaging.JoinRetry{
		Authority:   d.network.SignedAuthority(),
		ProofChain:  chain,
		ExpectedAge: expected,
	}, nil
}

func (d *Dispatcher) handleJoinRequest(ctx context.Context, sender types.Peer, id types.MsgID, stream comm.SendStream, req messaging.JoinRequest) ([]Command, error) {
	if err := d.join.acquire(); err != nil {
		return nil, fmt.Errorf("join from %s: %w", sender, err)
	}
	release := true
	defer func() {
		if release {
			d.join.release()
		}
	}()

	joiner := types.Peer{Name: sender.Name, Addr: req.Addr}
	logger := d.logger.With(zap.Stringer("joiner", joiner), zap.Uint8("age", req.Age))

	if req.Aggregated != nil {
		return d.checkAggregated(sender, stream, *req.Aggregated)
	}

	if req.ResourceProof != nil {
		if !d.join.proof.Validate(sender.Name, *req.ResourceProof) {
			d.join.outcome("dropped")
			logger.Debug("Dropping join with invalid resource proof")
			return nil, nil
		}
		d.join.outcome("proof")
		return []Command{SendAcceptedOnlineShare{Peer: joiner, Age: req.Age, Stream: stream}}, nil
	}

	us := d.network.OurName()
	if !d.network.Authority().IsElder(us) && req.SectionKey == d.network.SectionKey() {
		d.join.outcome("dropped")
		logger.Debug("Dropping join sent to a non-elder")
		return nil, nil
	}
	if d.network.Peers().IsMember(sender.Name) {
		d.join.outcome("dropped")
		logger.Debug("Dropping join from an existing member")
		return nil, nil
	}
	if !d.network.Prefix().Matches(sender.Name) {
		d.join.outcome("redirect")
		logger.Debug("Redirecting join to the matching section")
		redirect := messaging.JoinRedirect{Authority: d.network.ClosestSection(sender.Name)}
		return []Command{reply(id, joiner, stream, redirect)}, nil
	}
	if !d.join.JoinsAllowed() {
		d.join.outcome("rejected")
		logger.Info("Rejecting join, joins are disallowed")
		return []Command{reply(id, joiner, stream, messaging.JoinRejected{Reason: messaging.JoinsDisallowed})}, nil
	}

	expected, exact := d.expectedAge()
	if req.SectionKey != d.network.SectionKey() || !ValidAge(req.Age, expected, exact) {
		retry, err := d.retry(expected)
		if err != nil {
			return nil, err
		}
		d.join.outcome("retry")
		logger.Debug("Asking joiner to retry",
			zap.Stringer("section_key", d.network.SectionKey()),
			zap.Uint8("expected_age", expected))
		return []Command{reply(id, joiner, stream, retry)}, nil
	}

	release = false
	go func() {
		defer d.join.release()
		var payload messaging.Payload
		if err := d.transport.IsReachable(ctx, req.Addr); err != nil {
			d.join.outcome("rejected")
			payload = messaging.JoinRejected{Reason: messaging.NodeNotReachable, Addr: req.Addr}
		} else {
			d.join.outcome("challenge")
			payload = d.join.proof.Challenge(sender.Name)
		}
		if err := d.queue.Enqueue(reply(id, joiner, stream, payload)); err != nil {
			logger.Debug("Dropping join reply", zap.Error(err))
		}
	}()
	return nil, nil
}

func (d *Dispatcher) handleJoinAsRelocated(ctx context.Context, sender types.Peer, id types.MsgID, stream comm.SendStream, req messaging.JoinAsRelocatedRequest) ([]Command, error) {
	if err := d.join.acquire(); err != nil {
		return nil, fmt.Errorf("relocated join from %s: %w", sender, err)
	}
	release := true
	defer func() {
		if release {
			d.join.release()
		}
	}()

	joiner := types.Peer{Name: sender.Name, Addr: req.Addr}
	previous := req.Proof.Value.Name()
	logger := d.logger.With(zap.Stringer("joiner", joiner), zap.Stringer("previous", previous))

	if req.Aggregated != nil {
		return d.checkAggregated(sender, stream, *req.Aggregated)
	}
	if req.ResourceProof != nil && d.join.proof.Validate(sender.Name, *req.ResourceProof) {
		d.join.outcome("proof")
		return []Command{SendAcceptedOnlineShare{Peer: joiner, Age: req.Age, PreviousName: &previous, Stream: stream}}, nil
	}

	us := d.network.OurName()
	if !d.network.Authority().IsElder(us) && req.SectionKey == d.network.SectionKey() {
		d.join.outcome("dropped")
		logger.Debug("Dropping relocated join sent to a non-elder")
		return nil, nil
	}
	if !d.network.Prefix().Matches(sender.Name) || req.SectionKey != d.network.SectionKey() {
		retry, err := d.retry(req.Age)
		if err != nil {
			return nil, err
		}
		d.join.outcome("retry")
		return []Command{reply(id, joiner, stream, retry)}, nil
	}
	if d.network.Peers().IsMember(sender.Name) {
		d.join.outcome("dropped")
		logger.Debug("Dropping relocated join from an existing member")
		return nil, nil
	}

	if reason := d.checkRelocation(sender.Name, req); reason != nil {
		d.join.outcome("rejected")
		logger.Info("Rejecting relocated join", zap.Error(reason))
		return []Command{reply(id, joiner, stream, messaging.JoinRejected{Reason: messaging.InvalidRelocation})}, nil
	}
	if d.network.Peers().HasRelocatedFrom(previous) {
		d.join.outcome("rejected")
		logger.Info("Rejecting relocated join, already relocated here")
		return []Command{reply(id, joiner, stream, messaging.JoinRejected{Reason: messaging.AlreadyRelocated})}, nil
	}

	release = false
	go func() {
		defer d.join.release()
		var cmd Command
		if err := d.transport.IsReachable(ctx, req.Addr); err != nil {
			d.join.outcome("rejected")
			cmd = reply(id, joiner, stream, messaging.JoinRejected{Reason: messaging.NodeNotReachable, Addr: req.Addr})
		} else {
			d.join.outcome("proof")
			cmd = SendAcceptedOnlineShare{Peer: joiner, Age: req.Age, PreviousName: &previous, Stream: stream}
		}
		if err := d.queue.Enqueue(cmd); err != nil {
			logger.Debug("Dropping relocated join reply", zap.Error(err))
		}
	}()
	return nil, nil
}

// checkRelocation validates the relocation proof a node carries from its
// previous section.
func (d *Dispatcher) checkRelocation(name types.Name, req messaging.JoinAsRelocatedRequest) error {
	proof := req.Proof
	if !d.network.IsTrusted(proof.SignedBy()) {
		return fmt.Errorf("relocation signed by %s: %w", proof.SignedBy(), ErrUntrustedSectionKey)
	}
	if !proof.Verify() {
		return fmt.Errorf("%w: relocation signature does not verify", ErrInvalidMessage)
	}
	details := proof.Value.Relocate
	if proof.Value.State != types.Relocated || details == nil {
		return fmt.Errorf("%w: proof is not a relocation", ErrInvalidMessage)
	}
	if !d.network.Prefix().Matches(details.Dst) {
		return fmt.Errorf("%w: relocation destination %s outside %s", ErrInvalidMessage, details.Dst, d.network.Prefix())
	}
	if details.Age != req.Age {
		return fmt.Errorf("%w: relocation age %d, request age %d", ErrInvalidMessage, details.Age, req.Age)
	}
	if !crypto.Verify(proof.Value.Name().Key(), name[:], req.NameSig) {
		return fmt.Errorf("%w: new name not signed by previous key", ErrInvalidMessage)
	}
	return nil
}

// checkAggregated turns a section signed acceptance into HandleNewNodeOnline.
func (d *Dispatcher) checkAggregated(sender types.Peer, stream comm.SendStream, decision knowledge.SignedNodeState) ([]Command, error) {
	if decision.Value.Name() != sender.Name {
		return nil, fmt.Errorf("aggregated acceptance for %s from %s: %w", decision.Value.Name(), sender, ErrInvalidOwner)
	}
	if !d.network.IsTrusted(decision.SignedBy()) {
		return nil, fmt.Errorf("aggregated acceptance signed by %s: %w", decision.SignedBy(), ErrUntrustedSectionKey)
	}
	if !decision.Verify() {
		return nil, fmt.Errorf("%w: aggregated acceptance does not verify", ErrInvalidMessage)
	}
	d.join.outcome("accepted")
	return []Command{HandleNewNodeOnline{Decision: decision, Stream: stream}}, nil
}

func (d *Dispatcher) handleNewNodeOnline(c HandleNewNodeOnline) ([]Command, error) {
	changed, err := d.network.UpdateMember(c.Decision)
	if err != nil {
		return nil, err
	}
	state := c.Decision.Value
	if changed {
		d.logger.Info("Node joined the section",
			zap.Stringer("peer", state.Peer),
			zap.Uint8("age", state.Age))
	}

	chain, err := d.proofChain()
	if err != nil {
		return nil, err
	}
	approval := messaging.JoinApproval{
		Decision:   c.Decision,
		Authority:  d.network.SignedAuthority(),
		ProofChain: chain,
		Members:    d.network.Peers().SignedMembers(),
		Sections:   d.network.Sections(),
	}
	cmds := []Command{reply(types.NewMsgID(), state.Peer, c.Stream, approval)}
	if changed {
		cmds = append(cmds, HandleAdultsChanged{})
	}
	return cmds, nil
}

func (d *Dispatcher) sendAcceptedOnlineShare(c SendAcceptedOnlineShare) ([]Command, error) {
	state := types.NewJoinedState(c.Peer, c.Age, c.PreviousName)
	b, err := types.CanonicalBytes(state)
	if err != nil {
		return nil, err
	}
	set, share, err := d.consensus.SignShare(b)
	if err != nil {
		return nil, fmt.Errorf("failed to sign acceptance of %s: %w", c.Peer, err)
	}
	d.logger.Debug("Sending acceptance share", zap.Stringer("peer", c.Peer), zap.Int("index", share.Index))
	payload := messaging.JoinApprovalShare{State: state, KeySet: set, Share: share}
	return []Command{reply(types.NewMsgID(), c.Peer, c.Stream, payload)}, nil
}
