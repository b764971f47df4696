// Package commtest provides an in-memory transport for tests.
package commtest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"sectiond/pkg/comm"
)

var (
	// ErrUnreachable is returned when dialling an address with no endpoint
	ErrUnreachable = errors.New("address unreachable")
	// ErrClosedRemotely is returned after the other side closed the connection
	ErrClosedRemotely = errors.New("connection closed by peer")
)

// Network connects in-memory endpoints by address.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	nextAddr  int
	nextConn  atomic.Uint64
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// NewEndpoint registers an endpoint at a fresh address.
func (n *Network) NewEndpoint() *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextAddr++
	e := &Endpoint{
		network:  n,
		addr:     "127.0.0.1:" + strconv.Itoa(10000+n.nextAddr),
		incoming: make(chan comm.Connection, 64),
	}
	n.endpoints[e.addr] = e
	return e
}

func (n *Network) lookup(addr string) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.endpoints[addr]
	return e, ok
}

func (n *Network) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// Endpoint is an in-memory comm.Endpoint.
type Endpoint struct {
	network  *Network
	addr     string
	incoming chan comm.Connection

	mu         sync.Mutex
	closed     bool
	connectErr error
	sendErrs   []error
	dials      int
	conns      []*Conn
}

func (e *Endpoint) LocalAddr() string {
	return e.addr
}

// FailConnects makes every Connect fail with err until reset with nil.
func (e *Endpoint) FailConnects(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectErr = err
}

// FailSends makes the next len(errs) sends on connections dialled from
// this endpoint fail with the given errors in order.
func (e *Endpoint) FailSends(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendErrs = append(e.sendErrs, errs...)
}

// Dials returns the number of Connect calls made.
func (e *Endpoint) Dials() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dials
}

// Conns returns connections dialled from this endpoint.
func (e *Endpoint) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns...)
}

func (e *Endpoint) nextSendErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sendErrs) == 0 {
		return nil
	}
	err := e.sendErrs[0]
	e.sendErrs = e.sendErrs[1:]
	return err
}

func (e *Endpoint) Connect(ctx context.Context, addr string) (comm.Connection, error) {
	e.mu.Lock()
	e.dials++
	err := e.connectErr
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	remote, ok := e.network.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	local, far := newConnPair(e, remote)
	remote.mu.Lock()
	if remote.closed {
		remote.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	select {
	case remote.incoming <- far:
	default:
		remote.mu.Unlock()
		return nil, fmt.Errorf("%w: %s accept backlog full", ErrUnreachable, addr)
	}
	remote.mu.Unlock()

	e.mu.Lock()
	e.conns = append(e.conns, local)
	e.mu.Unlock()
	return local, nil
}

func (e *Endpoint) Incoming() <-chan comm.Connection {
	return e.incoming
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := e.conns
	e.mu.Unlock()
	e.network.remove(e.addr)
	for _, c := range conns {
		_ = c.Close("endpoint closed")
	}
	close(e.incoming)
	return nil
}

// Conn is one side of an in-memory connection.
type Conn struct {
	id       string
	owner    *Endpoint
	remote   string
	peer     *Conn
	accept   chan *stream
	done     chan struct{}
	once     sync.Once
	local    atomic.Bool
	streamID atomic.Uint64
}

func newConnPair(from, to *Endpoint) (*Conn, *Conn) {
	id := strconv.FormatUint(from.network.nextConn.Add(1), 10)
	a := &Conn{id: id + "a", owner: from, remote: to.addr, accept: make(chan *stream, 64), done: make(chan struct{})}
	b := &Conn{id: id + "b", owner: to, remote: from.addr, accept: make(chan *stream, 64), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) RemoteAddr() string {
	return c.remote
}

func (c *Conn) SendUserMsg(ctx context.Context, msg []byte) error {
	send, _, err := c.OpenBi(ctx)
	if err != nil {
		return err
	}
	if err := send.SendUserMsg(ctx, msg); err != nil {
		return err
	}
	return send.Finish()
}

func (c *Conn) closedErr() error {
	select {
	case <-c.done:
		if c.local.Load() {
			return comm.ErrClosedLocally
		}
		return ErrClosedRemotely
	default:
		return nil
	}
}

func (c *Conn) OpenBi(ctx context.Context) (comm.SendStream, comm.RecvStream, error) {
	if err := c.closedErr(); err != nil {
		return nil, nil, err
	}
	if err := c.owner.nextSendErr(); err != nil {
		return nil, nil, err
	}
	id := fmt.Sprintf("%s/%d", c.id, c.streamID.Add(1))
	out, back := newPipe(), newPipe()
	mine := &stream{id: id, conn: c, w: out, r: back}
	theirs := &stream{id: id, conn: c.peer, w: back, r: out}
	select {
	case c.peer.accept <- theirs:
	case <-c.peer.done:
		return nil, nil, ErrClosedRemotely
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return mine, mine, nil
}

func (c *Conn) AcceptBi(ctx context.Context) (comm.SendStream, comm.RecvStream, error) {
	select {
	case s := <-c.accept:
		return s, s, nil
	case <-c.done:
		return nil, nil, c.closedErr()
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Close closes both sides. The peer observes a remote close.
func (c *Conn) Close(reason string) error {
	c.once.Do(func() {
		c.local.Store(true)
		close(c.done)
		c.peer.once.Do(func() { close(c.peer.done) })
	})
	return nil
}

// Sever closes the connection from the far side.
func (c *Conn) Sever() {
	_ = c.peer.Close("severed")
}

type pipe struct {
	mu       sync.Mutex
	buf      []byte
	finished bool
	ch       chan []byte
}

func newPipe() *pipe {
	return &pipe{ch: make(chan []byte, 1)}
}

type stream struct {
	id   string
	conn *Conn
	w    *pipe
	r    *pipe
}

func (s *stream) ID() string {
	return s.id
}

func (s *stream) SendUserMsg(_ context.Context, msg []byte) error {
	if err := s.conn.closedErr(); err != nil {
		return err
	}
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.w.finished {
		return errors.New("write on finished stream")
	}
	s.w.buf = append(s.w.buf, msg...)
	return nil
}

func (s *stream) Finish() error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.w.finished {
		return nil
	}
	s.w.finished = true
	s.w.ch <- s.w.buf
	return nil
}

func (s *stream) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.r.ch:
		return b, nil
	case <-s.conn.done:
		return nil, s.conn.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
