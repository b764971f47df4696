package comm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"sectiond/pkg/crypto"
)

// MaxMessageSize bounds a single message read off a stream
const MaxMessageSize = 16 << 20

const (
	closeCodeNormal quic.ApplicationErrorCode = 0
	closeCodeAbort  quic.ApplicationErrorCode = 1
)

// QUICConfig tunes the QUIC transport
type QUICConfig struct {
	IdleTimeout      time.Duration
	KeepAlivePeriod  time.Duration
	HandshakeTimeout time.Duration
}

// DefaultQUICConfig returns transport defaults suitable for a node
func DefaultQUICConfig() QUICConfig {
	return QUICConfig{
		IdleTimeout:      30 * time.Second,
		KeepAlivePeriod:  10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

func (c QUICConfig) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       c.IdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
		HandshakeIdleTimeout: c.HandshakeTimeout,
	}
}

// QUICEndpoint is an Endpoint over quic-go. Each message travels on its own stream.
type QUICEndpoint struct {
	listener  *quic.Listener
	quicConf  *quic.Config
	clientTLS *tls.Config
	incoming  chan Connection
	logger    *zap.Logger
	nextID    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQUICEndpoint binds addr and starts accepting connections.
func NewQUICEndpoint(addr string, kp *crypto.Keypair, cfg QUICConfig, logger *zap.Logger) (*QUICEndpoint, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	serverTLS, err := serverTLSConfig(kp)
	if err != nil {
		return nil, err
	}
	quicConf := cfg.quicConfig()
	listener, err := quic.ListenAddr(addr, serverTLS, quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &QUICEndpoint{
		listener:  listener,
		quicConf:  quicConf,
		clientTLS: clientTLSConfig(),
		incoming:  make(chan Connection, 64),
		logger:    logger.With(zap.String("endpoint", listener.Addr().String())),
		ctx:       ctx,
		cancel:    cancel,
	}

	e.wg.Add(1)
	go e.acceptLoop()

	e.logger.Info("QUIC endpoint listening")
	return e, nil
}

func (e *QUICEndpoint) acceptLoop() {
	defer e.wg.Done()
	defer close(e.incoming)
	for {
		conn, err := e.listener.Accept(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				e.logger.Warn("Accept failed", zap.Error(err))
			}
			return
		}
		qc := e.wrap(conn)
		e.logger.Debug("Accepted connection",
			zap.String("conn_id", qc.ID()),
			zap.String("remote", qc.RemoteAddr()))
		select {
		case e.incoming <- qc:
		case <-e.ctx.Done():
			_ = qc.Close("endpoint closed")
			return
		}
	}
}

func (e *QUICEndpoint) wrap(conn *quic.Conn) *quicConnection {
	return &quicConnection{
		id:   strconv.FormatUint(e.nextID.Add(1), 10),
		conn: conn,
	}
}

// LocalAddr returns the bound address.
func (e *QUICEndpoint) LocalAddr() string {
	return e.listener.Addr().String()
}

// Connect dials addr.
func (e *QUICEndpoint) Connect(ctx context.Context, addr string) (Connection, error) {
	conn, err := quic.DialAddr(ctx, addr, e.clientTLS, e.quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	qc := e.wrap(conn)
	e.logger.Debug("Opened connection",
		zap.String("conn_id", qc.ID()),
		zap.String("remote", addr))
	return qc, nil
}

// Incoming yields accepted connections until the endpoint is closed.
func (e *QUICEndpoint) Incoming() <-chan Connection {
	return e.incoming
}

// Close stops accepting and closes the listener.
func (e *QUICEndpoint) Close() error {
	e.cancel()
	err := e.listener.Close()
	e.wg.Wait()
	return err
}

type quicConnection struct {
	id     string
	conn   *quic.Conn
	closed atomic.Bool
}

func (c *quicConnection) ID() string {
	return c.id
}

func (c *quicConnection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *quicConnection) SendUserMsg(ctx context.Context, msg []byte) error {
	send, _, err := c.OpenBi(ctx)
	if err != nil {
		return err
	}
	if err := send.SendUserMsg(ctx, msg); err != nil {
		return err
	}
	return send.Finish()
}

func (c *quicConnection) OpenBi(ctx context.Context) (SendStream, RecvStream, error) {
	if c.closed.Load() {
		return nil, nil, ErrClosedLocally
	}
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, nil, c.mapErr(err)
	}
	qs := &quicStream{stream: s, conn: c}
	return qs, qs, nil
}

func (c *quicConnection) AcceptBi(ctx context.Context) (SendStream, RecvStream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, nil, c.mapErr(err)
	}
	qs := &quicStream{stream: s, conn: c}
	return qs, qs, nil
}

func (c *quicConnection) Close(reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.CloseWithError(closeCodeNormal, reason)
}

func (c *quicConnection) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if c.closed.Load() {
		return fmt.Errorf("%w: %v", ErrClosedLocally, err)
	}
	return err
}

type quicStream struct {
	stream *quic.Stream
	conn   *quicConnection
}

func (s *quicStream) ID() string {
	return fmt.Sprintf("%s/%d", s.conn.id, s.stream.StreamID())
}

func (s *quicStream) SendUserMsg(ctx context.Context, msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(msg))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.stream.SetWriteDeadline(deadline)
		defer s.stream.SetWriteDeadline(time.Time{})
	}
	if _, err := s.stream.Write(msg); err != nil {
		s.stream.CancelWrite(quic.StreamErrorCode(closeCodeAbort))
		return s.conn.mapErr(err)
	}
	return nil
}

// Finish closes the write side so the peer reads EOF.
func (s *quicStream) Finish() error {
	return s.conn.mapErr(s.stream.Close())
}

func (s *quicStream) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.stream.SetReadDeadline(deadline)
	}
	data, err := io.ReadAll(io.LimitReader(s.stream, MaxMessageSize+1))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, s.conn.mapErr(err)
	}
	if len(data) > MaxMessageSize {
		s.stream.CancelRead(quic.StreamErrorCode(closeCodeAbort))
		return nil, fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
	}
	return data, nil
}
