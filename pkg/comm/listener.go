package comm

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"sectiond/pkg/messaging"
	"sectiond/pkg/types"
)

// MsgFromPeer is a message received on the wire.
type MsgFromPeer struct {
	Sender  types.Peer
	WireMsg *messaging.WireMsg
	// Stream is set when the sender expects a reply on the same stream.
	Stream SendStream
}

// MsgListener reads messages off incoming connections and forwards them.
type MsgListener struct {
	out    chan<- MsgFromPeer
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewMsgListener returns a listener that delivers to out.
func NewMsgListener(out chan<- MsgFromPeer, logger *zap.Logger) *MsgListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MsgListener{out: out, logger: logger}
}

// Listen consumes incoming connections until the channel closes or ctx ends.
func (l *MsgListener) Listen(ctx context.Context, incoming <-chan Connection) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case conn, ok := <-incoming:
				if !ok {
					return
				}
				l.wg.Add(1)
				go l.listenOnConnection(ctx, conn)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until all connection readers have exited.
func (l *MsgListener) Wait() {
	l.wg.Wait()
}

func (l *MsgListener) listenOnConnection(ctx context.Context, conn Connection) {
	defer l.wg.Done()
	logger := l.logger.With(zap.String("conn_id", conn.ID()), zap.String("remote", conn.RemoteAddr()))
	for {
		send, recv, err := conn.AcceptBi(ctx)
		if err != nil {
			logger.Debug("Connection closed", zap.Error(err))
			return
		}
		l.wg.Add(1)
		go l.readStream(ctx, conn, send, recv, logger)
	}
}

func (l *MsgListener) readStream(ctx context.Context, conn Connection, send SendStream, recv RecvStream, logger *zap.Logger) {
	defer l.wg.Done()
	bytes, err := recv.Read(ctx)
	if err != nil {
		logger.Debug("Failed to read stream", zap.Error(err))
		return
	}
	if len(bytes) == 0 {
		return
	}
	msg, err := messaging.Deserialize(bytes)
	if err != nil {
		logger.Warn("Dropping undecodable message", zap.Error(err))
		return
	}
	sender := types.Peer{Name: msg.Header.Src, Addr: conn.RemoteAddr()}
	logger.Debug("Message received",
		zap.Stringer("msg_id", msg.ID()),
		zap.Stringer("type", msg.Header.Type),
		zap.Stringer("sender", sender.Name))
	select {
	case l.out <- MsgFromPeer{Sender: sender, WireMsg: msg, Stream: send}:
	case <-ctx.Done():
	}
}
