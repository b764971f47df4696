package comm

import (
	"context"
	"errors"

	"github.com/quic-go/quic-go"
)

// ErrClosedLocally is returned by connections that we closed ourselves
var ErrClosedLocally = errors.New("connection closed locally")

// SendStream is the writing half of a stream. One message is written per stream.
type SendStream interface {
	ID() string
	SendUserMsg(ctx context.Context, msg []byte) error
	Finish() error
}

// RecvStream is the reading half of a stream.
type RecvStream interface {
	Read(ctx context.Context) ([]byte, error)
}

// Connection is a handle on a transport connection to a remote endpoint
type Connection interface {
	ID() string
	RemoteAddr() string
	// SendUserMsg opens a stream, writes msg and finishes the stream.
	SendUserMsg(ctx context.Context, msg []byte) error
	OpenBi(ctx context.Context) (SendStream, RecvStream, error)
	AcceptBi(ctx context.Context) (SendStream, RecvStream, error)
	Close(reason string) error
}

// Endpoint creates outgoing connections and yields incoming ones
type Endpoint interface {
	LocalAddr() string
	Connect(ctx context.Context, addr string) (Connection, error)
	Incoming() <-chan Connection
	Close() error
}

// IsLocalClose reports whether err was caused by this side closing the connection.
func IsLocalClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosedLocally) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return !appErr.Remote
	}
	return false
}
