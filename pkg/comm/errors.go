package comm

import (
	"errors"
	"fmt"

	"sectiond/pkg/types"
)

var (
	// ErrConnectionTo is returned when no connection to a peer could be obtained
	ErrConnectionTo = errors.New("could not connect to peer")
	// ErrFailedSend is returned when a send exhausted its retries
	ErrFailedSend = errors.New("failed to send to peer")
	// ErrCreatingConnectionToUnknownNode is returned for peers outside the comm targets
	ErrCreatingConnectionToUnknownNode = errors.New("creating connection to unknown node")
	// ErrPeerSessionChannel is returned when the session queue has been closed
	ErrPeerSessionChannel = errors.New("peer session channel closed")
	// ErrInvalidMessage is returned when a response could not be decoded
	ErrInvalidMessage = errors.New("invalid message")
)

// PeerError ties one of the comm errors to the peer it happened with.
type PeerError struct {
	Kind error
	Peer types.Peer
	Err  error
}

func (e *PeerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v %s: %v", e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("%v %s", e.Kind, e.Peer)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *PeerError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func peerErr(kind error, peer types.Peer, err error) error {
	return &PeerError{Kind: kind, Peer: peer, Err: err}
}
