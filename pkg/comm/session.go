package comm

import (
	"context"
	"sync"
	"time"

	"github.com/ef-ds/deque"
	"go.uber.org/zap"

	"sectiond/pkg/types"
)

const (
	// DefaultMaxSendJobRetries is how many fresh connection attempts a job may use
	DefaultMaxSendJobRetries = 3
	// DefaultConnRetryWait is the pause between attempts
	DefaultConnRetryWait = 100 * time.Millisecond
)

// SessionConfig tunes per-peer sessions
type SessionConfig struct {
	MaxSendJobRetries int
	ConnRetryWait     time.Duration
	ConnectTimeout    time.Duration
	SendTimeout       time.Duration
}

// DefaultSessionConfig returns the production session settings
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxSendJobRetries: DefaultMaxSendJobRetries,
		ConnRetryWait:     DefaultConnRetryWait,
		ConnectTimeout:    5 * time.Second,
		SendTimeout:       10 * time.Second,
	}
}

type sendJob struct {
	msgID   types.MsgID
	bytes   []byte
	retries int
	watcher *SendWatcher
	stream  SendStream
}

type addConnection struct{ conn Connection }

type removeConnection struct{ id string }

type terminateSession struct{}

// Session is an ordered send channel to one peer. Jobs are processed one
// at a time by the session worker, which also owns the connection set.
type Session struct {
	peer     types.Peer
	endpoint Endpoint
	cfg      SessionConfig
	logger   *zap.Logger

	mu         sync.Mutex
	queue      deque.Deque
	wake       chan struct{}
	terminated bool

	connsMu sync.Mutex
	conns   []Connection // newest last

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession starts a session worker for peer.
func NewSession(peer types.Peer, endpoint Endpoint, cfg SessionConfig, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		peer:     peer,
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logger.With(zap.Stringer("peer", peer)),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Peer returns the peer this session sends to.
func (s *Session) Peer() types.Peer {
	return s.peer
}

// Send queues bytes for delivery and returns a watcher for the outcome.
func (s *Session) Send(msgID types.MsgID, bytes []byte) (*SendWatcher, error) {
	job := &sendJob{msgID: msgID, bytes: bytes, watcher: newSendWatcher()}
	if err := s.enqueue(job); err != nil {
		return nil, err
	}
	return job.watcher, nil
}

// SendOnStream queues bytes to be written on an existing stream, typically
// a reply on a stream the peer opened.
func (s *Session) SendOnStream(msgID types.MsgID, bytes []byte, stream SendStream) (*SendWatcher, error) {
	job := &sendJob{msgID: msgID, bytes: bytes, watcher: newSendWatcher(), stream: stream}
	if err := s.enqueue(job); err != nil {
		return nil, err
	}
	return job.watcher, nil
}

// AddConnection hands a connection to the session.
func (s *Session) AddConnection(conn Connection) error {
	return s.enqueue(addConnection{conn: conn})
}

// RemoveConnection drops a connection from the session.
func (s *Session) RemoveConnection(id string) error {
	return s.enqueue(removeConnection{id: id})
}

// Terminate stops the session. Queued jobs report WatcherDropped.
func (s *Session) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.queue.PushBack(terminateSession{})
	s.mu.Unlock()
	s.cancel()
	s.signal()
}

// Done is closed once the worker has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ConnectionCount returns the number of open connections held.
func (s *Session) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Session) enqueue(cmd interface{}) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return peerErr(ErrPeerSessionChannel, s.peer, nil)
	}
	s.queue.PushBack(cmd)
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *Session) requeueFront(job *sendJob) {
	s.mu.Lock()
	s.queue.PushFront(job)
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) next() (interface{}, bool) {
	for {
		s.mu.Lock()
		cmd, ok := s.queue.PopFront()
		s.mu.Unlock()
		if ok {
			return cmd, true
		}
		<-s.wake
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		cmd, _ := s.next()
		if s.ctx.Err() != nil {
			s.shutdown(cmd)
			return
		}
		switch c := cmd.(type) {
		case addConnection:
			s.connsMu.Lock()
			s.conns = append(s.conns, c.conn)
			s.connsMu.Unlock()
		case removeConnection:
			s.removeConn(c.id)
		case *sendJob:
			if c.stream != nil {
				go deliverOnStream(s.ctx, s.cfg.SendTimeout, c, s.logger)
				continue
			}
			s.sendJob(c)
		case terminateSession:
			s.shutdown(nil)
			return
		}
	}
}

func (s *Session) shutdown(first interface{}) {
	drop := func(cmd interface{}) {
		if job, ok := cmd.(*sendJob); ok {
			s.logger.Debug("Dropping queued send job", zap.Stringer("msg_id", job.msgID))
			job.watcher.report(StatusWatcherDropped, nil, true)
		}
	}
	drop(first)
	s.mu.Lock()
	for {
		cmd, ok := s.queue.PopFront()
		if !ok {
			break
		}
		drop(cmd)
	}
	s.mu.Unlock()

	s.connsMu.Lock()
	conns := s.conns
	s.conns = nil
	s.connsMu.Unlock()
	for _, conn := range conns {
		_ = conn.Close("session terminated")
	}
	s.logger.Debug("Session terminated")
}

func deliverOnStream(parent context.Context, timeout time.Duration, job *sendJob, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if err := job.stream.SendUserMsg(ctx, job.bytes); err != nil {
		logger.Warn("Failed to send on existing stream",
			zap.Stringer("msg_id", job.msgID),
			zap.String("stream", job.stream.ID()),
			zap.Error(err))
		job.watcher.report(StatusTransientError, err, true)
		return
	}
	if err := job.stream.Finish(); err != nil {
		logger.Debug("Failed to finish stream",
			zap.Stringer("msg_id", job.msgID),
			zap.Error(err))
	}
	job.watcher.report(StatusSent, nil, true)
}

// sendJob makes one attempt. On failure the job goes back to the front of
// the queue after a short wait, keeping FIFO order with later jobs.
func (s *Session) sendJob(job *sendJob) {
	if job.retries > s.cfg.MaxSendJobRetries {
		s.logger.Debug("Max retries reached", zap.Stringer("msg_id", job.msgID))
		job.watcher.report(StatusMaxRetriesReached, nil, true)
		return
	}

	conn, err := s.getOrConnect(job.msgID)
	if err != nil {
		// Only a failure to create a fresh connection counts against the job.
		if s.ConnectionCount() == 0 {
			job.retries++
		}
		s.logger.Warn("Failed to get connection, job will be retried",
			zap.Stringer("msg_id", job.msgID),
			zap.Int("retries", job.retries),
			zap.Error(err))
		s.retryLater(job, err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendTimeout)
	err = conn.SendUserMsg(ctx, job.bytes)
	cancel()
	if err == nil {
		job.watcher.report(StatusSent, nil, true)
		return
	}

	remaining := s.removeConn(conn.ID())
	if remaining == 0 {
		job.retries++
	}
	s.logger.Warn("Transient error while sending, job will be retried",
		zap.Stringer("msg_id", job.msgID),
		zap.String("conn_id", conn.ID()),
		zap.Bool("local_close", IsLocalClose(err)),
		zap.Int("connections_left", remaining),
		zap.Error(err))
	s.retryLater(job, err)
}

func (s *Session) retryLater(job *sendJob, err error) {
	if job.retries > s.cfg.MaxSendJobRetries {
		s.logger.Debug("Max retries reached", zap.Stringer("msg_id", job.msgID))
		job.watcher.report(StatusMaxRetriesReached, err, true)
		return
	}
	job.watcher.report(StatusTransientError, err, false)

	timer := time.NewTimer(s.cfg.ConnRetryWait)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.requeueFront(job)
	case <-s.ctx.Done():
		job.watcher.report(StatusWatcherDropped, err, true)
	}
}

// getOrConnect reuses the newest connection or opens a new one.
func (s *Session) getOrConnect(msgID types.MsgID) (Connection, error) {
	s.connsMu.Lock()
	if n := len(s.conns); n > 0 {
		conn := s.conns[n-1]
		s.connsMu.Unlock()
		return conn, nil
	}
	s.connsMu.Unlock()
	return s.connect(msgID)
}

func (s *Session) connect(msgID types.MsgID) (Connection, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, err := s.endpoint.Connect(ctx, s.peer.Addr)
	if err != nil {
		return nil, peerErr(ErrConnectionTo, s.peer, err)
	}
	s.logger.Debug("Connection opened",
		zap.Stringer("msg_id", msgID),
		zap.String("conn_id", conn.ID()))
	s.connsMu.Lock()
	s.conns = append(s.conns, conn)
	s.connsMu.Unlock()
	return conn, nil
}

// removeConn drops a connection from the set and returns how many remain.
// The connection is not closed so in-flight inbound traffic can drain.
func (s *Session) removeConn(id string) int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for i, c := range s.conns {
		if c.ID() == id {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	return len(s.conns)
}

// SendAndReceive sends bytes on a new bi-stream and waits for the reply.
// Cached connections that fail are dropped until a fresh connection is
// used, which is the last attempt.
func (s *Session) SendAndReceive(ctx context.Context, msgID types.MsgID, bytes []byte) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		var conn Connection
		lastAttempt := false
		s.connsMu.Lock()
		if n := len(s.conns); n > 0 {
			conn = s.conns[n-1]
		}
		s.connsMu.Unlock()
		if conn == nil {
			var err error
			if conn, err = s.connect(msgID); err != nil {
				return nil, err
			}
			lastAttempt = true
		}

		resp, err := exchange(ctx, conn, bytes, s.logger)
		if err == nil {
			return resp, nil
		}
		s.removeConn(conn.ID())
		s.logger.Debug("Bi-stream exchange failed",
			zap.Stringer("msg_id", msgID),
			zap.String("conn_id", conn.ID()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if lastAttempt {
			return nil, peerErr(ErrFailedSend, s.peer, err)
		}
		select {
		case <-time.After(s.cfg.ConnRetryWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func exchange(ctx context.Context, conn Connection, bytes []byte, logger *zap.Logger) ([]byte, error) {
	send, recv, err := conn.OpenBi(ctx)
	if err != nil {
		return nil, err
	}
	if err := send.SendUserMsg(ctx, bytes); err != nil {
		return nil, err
	}
	if err := send.Finish(); err != nil {
		logger.Debug("Failed to finish stream", zap.String("stream", send.ID()), zap.Error(err))
	}
	return recv.Read(ctx)
}
