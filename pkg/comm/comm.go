package comm

import (
	"context"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"sectiond/pkg/messaging"
	"sectiond/pkg/types"
)

// Comm owns the endpoint and one Session per known peer. Sessions exist
// only for peers passed to UpdateValidCommTargets.
type Comm struct {
	endpoint Endpoint
	cfg      SessionConfig
	logger   *zap.Logger
	listener *MsgListener

	mu       sync.RWMutex
	sessions map[types.Name]*Session

	ctx    context.Context
	cancel context.CancelFunc
}

// New wraps endpoint and starts delivering inbound messages to incoming.
func New(endpoint Endpoint, cfg SessionConfig, incoming chan<- MsgFromPeer, logger *zap.Logger) *Comm {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Comm{
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logger,
		listener: NewMsgListener(incoming, logger),
		sessions: make(map[types.Name]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.listener.Listen(ctx, endpoint.Incoming())
	return c
}

// LocalAddr returns our endpoint address.
func (c *Comm) LocalAddr() string {
	return c.endpoint.LocalAddr()
}

// UpdateValidCommTargets keeps sessions for members only. Sessions of
// removed peers are terminated and new members get a fresh session. A
// member whose address changed gets a new session too.
func (c *Comm) UpdateValidCommTargets(members []types.Peer) {
	wanted := mapset.NewThreadUnsafeSet[types.Peer](members...)

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, session := range c.sessions {
		if !wanted.Contains(session.Peer()) {
			session.Terminate()
			delete(c.sessions, name)
			c.logger.Debug("Dropped session", zap.Stringer("peer", session.Peer()))
		}
	}
	for _, peer := range members {
		if _, ok := c.sessions[peer.Name]; ok {
			continue
		}
		c.sessions[peer.Name] = NewSession(peer, c.endpoint, c.cfg, c.logger)
	}
}

// Targets returns the peers that currently have sessions.
func (c *Comm) Targets() []types.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Peer, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Peer())
	}
	return out
}

func (c *Comm) session(peer types.Peer) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[peer.Name]
	if !ok || s.Peer().Addr != peer.Addr {
		return nil, peerErr(ErrCreatingConnectionToUnknownNode, peer, nil)
	}
	return s, nil
}

// Delivery is a send queued on a peer session.
type Delivery interface {
	// Await blocks until the session reports a final outcome.
	Await(ctx context.Context) error
}

type delivery struct {
	peer    types.Peer
	msgID   types.MsgID
	watcher *SendWatcher
	logger  *zap.Logger
}

// Enqueue queues bytes on the session of peer without waiting. Messages
// enqueued for the same peer are sent in the order Enqueue was called.
func (c *Comm) Enqueue(peer types.Peer, msgID types.MsgID, bytes []byte) (Delivery, error) {
	session, err := c.session(peer)
	if err != nil {
		return nil, err
	}
	watcher, err := session.Send(msgID, bytes)
	if err != nil {
		c.logger.Error("Sending failed, peer session closed",
			zap.Stringer("msg_id", msgID),
			zap.Stringer("peer", peer),
			zap.Error(err))
		return nil, peerErr(ErrFailedSend, peer, err)
	}
	return &delivery{peer: peer, msgID: msgID, watcher: watcher, logger: c.logger}, nil
}

// Send delivers bytes to peer and waits until the session reports a
// final outcome. Transient errors are retried by the session.
func (c *Comm) Send(ctx context.Context, peer types.Peer, msgID types.MsgID, bytes []byte) error {
	d, err := c.Enqueue(peer, msgID, bytes)
	if err != nil {
		return err
	}
	return d.Await(ctx)
}

func (d *delivery) Await(ctx context.Context) error {
	var seen uint64
	for {
		status, version, err := d.watcher.AwaitChange(ctx, seen)
		if err != nil {
			return err
		}
		seen = version
		switch status {
		case StatusSent:
			return nil
		case StatusEnqueued:
		case StatusTransientError:
			if _, lastErr := d.watcher.Status(); lastErr != nil {
				d.logger.Debug("Transient error when sending",
					zap.Stringer("msg_id", d.msgID),
					zap.Stringer("peer", d.peer),
					zap.Error(lastErr))
			}
			if d.watcher.final() {
				return peerErr(ErrFailedSend, d.peer, nil)
			}
		case StatusMaxRetriesReached:
			d.logger.Error("Sending failed, max retries reached",
				zap.Stringer("msg_id", d.msgID),
				zap.Stringer("peer", d.peer))
			return peerErr(ErrFailedSend, d.peer, nil)
		case StatusWatcherDropped:
			d.logger.Error("Sending possibly failed, send job was dropped",
				zap.Stringer("msg_id", d.msgID),
				zap.Stringer("peer", d.peer))
			return peerErr(ErrFailedSend, d.peer, nil)
		}
	}
}

// SendOnStream writes bytes as a reply on stream. Replies to members go
// through their session; replies to anyone else are written directly.
func (c *Comm) SendOnStream(peer types.Peer, msgID types.MsgID, bytes []byte, stream SendStream) (*SendWatcher, error) {
	if session, err := c.session(peer); err == nil {
		return session.SendOnStream(msgID, bytes, stream)
	}
	job := &sendJob{msgID: msgID, bytes: bytes, watcher: newSendWatcher(), stream: stream}
	go deliverOnStream(c.ctx, c.cfg.SendTimeout, job, c.logger.With(zap.Stringer("peer", peer)))
	return job.watcher, nil
}

// SendAndReceive sends bytes to peer on a bi-stream and decodes the reply.
func (c *Comm) SendAndReceive(ctx context.Context, peer types.Peer, msgID types.MsgID, bytes []byte) (*messaging.WireMsg, error) {
	session, err := c.session(peer)
	if err != nil {
		return nil, err
	}
	resp, err := session.SendAndReceive(ctx, msgID, bytes)
	if err != nil {
		return nil, err
	}
	msg, err := messaging.Deserialize(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

// Exchange sends bytes to addr over a transient connection and decodes
// the reply. It serves bootstrap traffic to contacts whose names are not
// known yet.
func (c *Comm) Exchange(ctx context.Context, addr string, bytes []byte) (*messaging.WireMsg, error) {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.endpoint.Connect(connectCtx, addr)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrConnectionTo, addr, err)
	}
	defer conn.Close("exchange done")

	resp, err := exchange(ctx, conn, bytes, c.logger)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrFailedSend, addr, err)
	}
	msg, err := messaging.Deserialize(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

// IsReachable opens a transient connection to addr.
func (c *Comm) IsReachable(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, err := c.endpoint.Connect(ctx, addr)
	if err != nil {
		c.logger.Info("Peer is not externally reachable", zap.String("addr", addr), zap.Error(err))
		return err
	}
	c.logger.Debug("Peer is externally reachable", zap.String("addr", addr))
	return conn.Close("reachability check")
}

// Close terminates all sessions and the endpoint.
func (c *Comm) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[types.Name]*Session)
	c.mu.Unlock()
	for _, s := range sessions {
		s.Terminate()
	}
	for _, s := range sessions {
		<-s.Done()
	}

	c.cancel()
	err := c.endpoint.Close()
	c.listener.Wait()
	return err
}
