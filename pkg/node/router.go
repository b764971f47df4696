package node

import (
	"context"
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sectiond/pkg/knowledge"
	"sectiond/pkg/messaging"
	"sectiond/pkg/types"
)

// handleMessage maps an inbound wire message to follow-up commands.
func (d *Dispatcher) handleMessage(ctx context.Context, c HandleMessage) ([]Command, error) {
	msg := c.Msg
	if d.metrics != nil {
		d.metrics.MessagesReceived.WithLabelValues(msg.Header.Type.String()).Inc()
	}
	payload, err := msg.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Header.Kind == messaging.KindNode && needsFreshKey(payload) {
		if cmds, bounced, err := d.checkDestinationKey(c); bounced {
			return cmds, err
		}
	}

	switch p := payload.(type) {
	case messaging.JoinRequest:
		return d.handleJoinRequest(ctx, c.Sender, msg.ID(), c.Stream, p)
	case messaging.JoinAsRelocatedRequest:
		return d.handleJoinAsRelocated(ctx, c.Sender, msg.ID(), c.Stream, p)
	case messaging.JoinRetry, messaging.JoinRedirect, messaging.JoinRejected,
		messaging.JoinApproval, messaging.JoinApprovalShare, messaging.ResourceChallenge,
		messaging.ClientQueryResponse:
		d.logger.Debug("Dropping response outside of an exchange",
			zap.Stringer("type", msg.Header.Type),
			zap.Stringer("sender", c.Sender))
		return nil, nil
	case messaging.AntiEntropy:
		return d.handleAntiEntropy(c.Sender, p)
	case messaging.Propose:
		return d.consensus.HandlePropose(c.Sender, p)
	case messaging.DkgStart, messaging.DkgMessage:
		return d.consensus.HandleDkg(c.Sender, p)
	case messaging.Sync:
		return d.handleSync(p)
	case messaging.Relocate:
		return d.handleRelocate(p)
	case messaging.RelocatePromise:
		return d.handleRelocatePromise(c.Sender, p)
	case messaging.ClientQuery:
		return d.handleClientQuery(c, p)
	case messaging.AdultQuery:
		return d.handleAdultQuery(c, p)
	case messaging.AdultQueryResponse:
		return d.handleAdultQueryResponse(c.Sender, msg.ID(), p)
	case messaging.ReplicateData:
		return d.handleReplicateData(c.Sender, p)
	case messaging.RecordStorageLevel:
		return d.handleRecordStorageLevel(c.Sender, p)
	default:
		return nil, fmt.Errorf("%w: unhandled %s", ErrInvalidMessage, msg.Header.Type)
	}
}

// needsFreshKey reports whether a payload must be addressed to our current
// section key. Joins carry their own key handling and knowledge updates
// carry their own proofs.
func needsFreshKey(p messaging.Payload) bool {
	switch p.(type) {
	case messaging.JoinRequest, messaging.JoinAsRelocatedRequest,
		messaging.AntiEntropy, messaging.Sync, messaging.Relocate:
		return false
	default:
		return true
	}
}

// checkDestinationKey bounces a message addressed to an outdated section
// key back to its sender together with our current authority.
func (d *Dispatcher) checkDestinationKey(c HandleMessage) ([]Command, bool, error) {
	key := c.Msg.Header.Dst.SectionKey
	current := d.network.SectionKey()
	if key == current || key.IsZero() {
		return nil, false, nil
	}
	if !d.network.IsTrusted(key) {
		return nil, true, fmt.Errorf("message %s addressed to %s: %w", c.Msg.ID(), key, ErrUntrustedSectionKey)
	}
	if d.network.DAG().IsAncestor(current, key) {
		// the sender knows a newer key than we do
		return nil, false, nil
	}
	raw, err := c.Msg.Serialize()
	if err != nil {
		return nil, true, err
	}
	chain, err := d.network.DAG().ProofChain(key, current)
	if err != nil {
		if chain, err = d.proofChain(); err != nil {
			return nil, true, err
		}
	}
	d.logger.Debug("Bouncing message addressed to a stale section key",
		zap.Stringer("msg_id", c.Msg.ID()),
		zap.Stringer("sender", c.Sender),
		zap.Stringer("section_key", key))
	to := d.addressOf(c.Sender)
	ae := messaging.AntiEntropy{
		Authority:  d.network.SignedAuthority(),
		ProofChain: chain,
		Bounced:    raw,
	}
	return []Command{reply(types.NewMsgID(), to, nil, ae)}, true, nil
}

// addressOf returns the recorded member address of peer, or peer itself.
func (d *Dispatcher) addressOf(peer types.Peer) types.Peer {
	if state, ok := d.network.Peers().GetJoined(peer.Name); ok {
		return state.Peer
	}
	return peer
}

func (d *Dispatcher) handleAntiEntropy(sender types.Peer, ae messaging.AntiEntropy) ([]Command, error) {
	changed, err := d.network.UpdateAuthority(ae.Authority, ae.ProofChain)
	if err != nil {
		return nil, err
	}
	var cmds []Command
	if changed {
		d.logger.Info("Section authority updated by anti-entropy",
			zap.Stringer("prefix", ae.Authority.Value.Prefix),
			zap.Stringer("section_key", ae.Authority.Value.SectionKey()))
		cmds = append(cmds, HandleAdultsChanged{})
	}
	if len(ae.Bounced) == 0 {
		return cmds, nil
	}

	bounced, err := messaging.Deserialize(ae.Bounced)
	if err != nil {
		return cmds, err
	}
	if bounced.Header.Src != d.network.OurName() {
		return cmds, fmt.Errorf("%w: bounced message %s was not ours", ErrInvalidOwner, bounced.ID())
	}
	after := d.network.ClosestSection(sender.Name).Value.SectionKey()
	if after == bounced.Header.Dst.SectionKey {
		d.logger.Debug("Not resending bounced message, no newer key",
			zap.Stringer("msg_id", bounced.ID()))
		return cmds, nil
	}
	payload, err := bounced.Decode()
	if err != nil {
		return cmds, err
	}
	d.logger.Debug("Resending bounced message",
		zap.Stringer("msg_id", bounced.ID()),
		zap.Stringer("section_key", after))
	return append(cmds, SendOutgoing{
		MsgID:      bounced.ID(),
		Recipients: []types.Peer{d.addressOf(sender)},
		Payload:    payload,
		Kind:       bounced.Header.Kind,
		Trace:      bounced.Header.Trace,
	}), nil
}

func (d *Dispatcher) handleSync(s messaging.Sync) ([]Command, error) {
	changed, err := d.network.UpdateAuthority(s.Authority, s.ProofChain)
	if err != nil {
		return nil, err
	}
	merged, err := d.network.MergeSections(s.Sections, nil)
	if err != nil {
		d.logger.Debug("Skipped sections from sync", zap.Error(err))
	}
	changed = changed || merged
	for _, member := range s.Members {
		ok, err := d.network.UpdateMember(member)
		if err != nil {
			d.logger.Debug("Skipped member from sync",
				zap.Stringer("member", member.Value),
				zap.Error(err))
			continue
		}
		changed = changed || ok
	}
	if !changed {
		return nil, nil
	}
	return []Command{HandleAdultsChanged{}}, nil
}

func (d *Dispatcher) handleRelocate(r messaging.Relocate) ([]Command, error) {
	decision := r.Decision
	if decision.Value.Name() != d.network.OurName() {
		return nil, fmt.Errorf("relocation of %s: %w", decision.Value.Name(), ErrInvalidOwner)
	}
	if !d.network.IsTrusted(decision.SignedBy()) {
		return nil, fmt.Errorf("relocation signed by %s: %w", decision.SignedBy(), ErrUntrustedSectionKey)
	}
	if !decision.Verify() {
		return nil, fmt.Errorf("%w: relocation does not verify", ErrInvalidMessage)
	}
	details := decision.Value.Relocate
	d.stateMu.Lock()
	d.relocation = &decision
	d.stateMu.Unlock()
	d.logger.Info("We are being relocated",
		zap.Stringer("dst", details.Dst),
		zap.Stringer("dst_section_key", details.DstSectionKey),
		zap.Uint8("age", details.Age))
	return []Command{HandleMembershipDecision{Decision: decision}}, nil
}

// Relocation returns the signed relocation of this node, if one was received.
func (d *Dispatcher) Relocation() *knowledge.SignedNodeState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.relocation
}

// RelocationPromise returns the last relocation promised to this node.
func (d *Dispatcher) RelocationPromise() *messaging.RelocatePromise {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.promise
}

func (d *Dispatcher) handleRelocatePromise(sender types.Peer, p messaging.RelocatePromise) ([]Command, error) {
	us := d.network.OurName()
	if p.Name == us {
		if !d.network.Authority().IsElder(sender.Name) {
			return nil, fmt.Errorf("relocate promise from %s: %w", sender, ErrAccessDenied)
		}
		d.stateMu.Lock()
		d.promise = &p
		d.stateMu.Unlock()
		d.logger.Info("Relocation promised", zap.Stringer("dst", p.Dst))
		return nil, nil
	}
	if !d.IsElder() {
		return nil, nil
	}
	state, ok := d.network.Peers().GetJoined(p.Name)
	if !ok || state.Name() == sender.Name {
		return nil, nil
	}
	return []Command{SendOutgoing{
		MsgID:      types.NewMsgID(),
		Recipients: []types.Peer{state.Peer},
		Payload:    p,
		Kind:       messaging.KindNode,
	}}, nil
}

// closestMembers returns up to n members other than us ordered by XOR
// distance to target.
func (d *Dispatcher) closestMembers(target types.Name, n int) []types.Peer {
	us := d.network.OurName()
	var members []types.Peer
	for _, m := range d.network.Peers().Members() {
		if m.Name() != us {
			members = append(members, m.Peer)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return target.CmpDistance(members[i].Name, members[j].Name) < 0
	})
	if len(members) > n {
		members = members[:n]
	}
	return members
}

func (d *Dispatcher) localQuery(addr types.Name) messaging.QueryResult {
	if d.chunks == nil {
		return messaging.QueryResult{Error: ErrNoSuchData.Error()}
	}
	data, err := d.chunks.Get(addr)
	if err != nil {
		if !errors.Is(err, ErrNoSuchData) {
			d.logger.Warn("Failed to read chunk", zap.Stringer("addr", addr), zap.Error(err))
		}
		return messaging.QueryResult{Error: ErrNoSuchData.Error()}
	}
	return messaging.QueryResult{Data: data}
}

func clientReply(id types.MsgID, to types.Peer, c HandleMessage, payload messaging.Payload) SendOutgoing {
	out := reply(id, to, c.Stream, payload)
	out.Kind = messaging.KindClient
	return out
}

func (d *Dispatcher) handleClientQuery(c HandleMessage, q messaging.ClientQuery) ([]Command, error) {
	id := c.Msg.ID()
	if !d.IsElder() {
		resp := messaging.ClientQueryResponse{Address: q.Address, Result: messaging.QueryResult{Error: ErrNotElder.Error()}}
		return []Command{clientReply(id, c.Sender, c, resp)}, nil
	}

	targets := d.closestMembers(q.Address, d.cfg.QueryFanout)
	if len(targets) == 0 {
		resp := messaging.ClientQueryResponse{Address: q.Address, Result: d.localQuery(q.Address)}
		return []Command{clientReply(id, c.Sender, c, resp)}, nil
	}

	op := q.OperationID()
	cmds := make([]Command, 0, len(targets)+1)
	for _, target := range targets {
		cmds = append(cmds, AddPendingRequest{
			MsgID:       id,
			OperationID: op,
			Origin:      c.Sender,
			Stream:      c.Stream,
			Target:      target,
		})
	}
	trace := append(append([]types.Name(nil), c.Msg.Header.Trace...), d.network.OurName())
	cmds = append(cmds, SendOutgoing{
		MsgID:      id,
		Recipients: targets,
		Payload:    messaging.AdultQuery{Query: q, Origin: c.Sender},
		Kind:       messaging.KindNode,
		Trace:      trace,
	})
	return cmds, nil
}

func (d *Dispatcher) addPendingRequest(c AddPendingRequest) []Command {
	entry, ok := d.queries.Peek(c.MsgID)
	if !ok {
		entry = &pendingQuery{
			op:        c.OperationID,
			origin:    c.Origin,
			stream:    c.Stream,
			responded: mapset.NewThreadUnsafeSet[types.Name](),
		}
	}
	entry.targets = append(entry.targets, c.Target.Name)
	entry.expected++
	d.queries.Add(c.MsgID, entry)
	if d.metrics != nil {
		d.metrics.PendingQueries.Set(float64(d.queries.Len()))
	}
	return []Command{TrackIssue{Peer: c.Target.Name, Kind: IssuePendingRequest, Operation: c.OperationID}}
}

func (d *Dispatcher) handleAdultQueryResponse(sender types.Peer, id types.MsgID, resp messaging.AdultQueryResponse) ([]Command, error) {
	d.tracker.Fulfill(sender.Name, resp.OperationID())

	entry, ok := d.queries.Peek(id)
	if !ok {
		d.logger.Debug("Dropping response to an unknown query",
			zap.Stringer("msg_id", id),
			zap.Stringer("sender", sender))
		return nil, nil
	}
	if !containsName(entry.targets, sender.Name) {
		return nil, fmt.Errorf("response to %s from %s: %w", id, sender, ErrAccessDenied)
	}
	if entry.op != resp.OperationID() {
		return nil, fmt.Errorf("%w: response %s does not answer query %s", ErrInvalidMessage, resp.OperationID(), entry.op)
	}
	if !entry.responded.Add(sender.Name) {
		d.logger.Debug("Dropping repeated response to a query",
			zap.Stringer("msg_id", id),
			zap.Stringer("sender", sender))
		return nil, nil
	}

	result := resp
	if entry.expected > 1 {
		if entry.result == nil {
			entry.result = d.responses.Await(id, entry.expected)
		}
		d.responses.Handle(id, resp)
		select {
		case result = <-entry.result:
		default:
			return nil, nil
		}
	}

	d.queries.Remove(id)
	if d.metrics != nil {
		d.metrics.PendingQueries.Set(float64(d.queries.Len()))
	}
	answer := messaging.ClientQueryResponse{Address: result.Address, Result: result.Result}
	out := reply(id, entry.origin, entry.stream, answer)
	out.Kind = messaging.KindClient
	return []Command{out}, nil
}

func containsName(names []types.Name, name types.Name) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleAdultQuery(c HandleMessage, q messaging.AdultQuery) ([]Command, error) {
	if !d.network.Authority().IsElder(c.Sender.Name) {
		return nil, fmt.Errorf("adult query from %s: %w", c.Sender, ErrAccessDenied)
	}
	resp := messaging.AdultQueryResponse{Address: q.Query.Address, Result: d.localQuery(q.Query.Address)}
	return []Command{SendOutgoing{
		MsgID:      c.Msg.ID(),
		Recipients: []types.Peer{d.addressOf(c.Sender)},
		Payload:    resp,
		Kind:       messaging.KindNode,
		Trace:      append(append([]types.Name(nil), c.Msg.Header.Trace...), d.network.OurName()),
	}}, nil
}

func (d *Dispatcher) handleReplicateData(sender types.Peer, r messaging.ReplicateData) ([]Command, error) {
	if !d.network.Authority().IsElder(sender.Name) {
		return nil, fmt.Errorf("replication from %s: %w", sender, ErrAccessDenied)
	}
	if d.chunks == nil {
		return nil, errors.New("no chunk store configured")
	}
	var errs []error
	stored := 0
	for _, chunk := range r.Chunks {
		if _, err := d.chunks.Put(chunk); err != nil {
			if !errors.Is(err, ErrDataExists) {
				errs = append(errs, err)
			}
			continue
		}
		stored++
	}
	level := d.chunks.Level()
	d.logger.Debug("Stored replicated chunks",
		zap.Int("stored", stored),
		zap.Int("received", len(r.Chunks)),
		zap.Uint8("level", level))

	us := d.network.OurName()
	report := messaging.RecordStorageLevel{Node: us, Level: level}
	var cmds []Command
	if d.IsElder() {
		d.recordStorageLevel(us, level)
	}
	if elders := d.otherElders(); len(elders) > 0 {
		cmds = append(cmds, SendOutgoing{
			MsgID:      types.NewMsgID(),
			Recipients: elders,
			Payload:    report,
			Kind:       messaging.KindNode,
		})
	}
	return cmds, multierr.Combine(errs...)
}

func (d *Dispatcher) handleRecordStorageLevel(sender types.Peer, r messaging.RecordStorageLevel) ([]Command, error) {
	if !d.network.Peers().IsMember(sender.Name) {
		return nil, fmt.Errorf("storage level from %s: %w", sender, ErrAccessDenied)
	}
	if r.Node != sender.Name {
		return nil, fmt.Errorf("storage level for %s from %s: %w", r.Node, sender, ErrInvalidOwner)
	}
	d.recordStorageLevel(r.Node, r.Level)
	return nil, nil
}

func (d *Dispatcher) recordStorageLevel(name types.Name, level uint8) {
	d.stateMu.Lock()
	d.storageLevels[name] = level
	d.stateMu.Unlock()
	if d.metrics != nil {
		d.metrics.StorageLevel.WithLabelValues(name.String()).Set(float64(level))
	}
	if level >= storageWarnLevel {
		d.logger.Warn("Node is running out of storage",
			zap.Stringer("node", name),
			zap.Uint8("level", level))
	}
}

// StorageLevel returns the last storage level recorded for name.
func (d *Dispatcher) StorageLevel(name types.Name) (uint8, bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	level, ok := d.storageLevels[name]
	return level, ok
}
