package node

import (
	"errors"

	"sectiond/pkg/comm"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/messaging"
	"sectiond/pkg/storage"
)

var (
	// ErrJoinTimeout is returned when bootstrapping exceeds the joining timeout
	ErrJoinTimeout = errors.New("timed out joining the network")
	// ErrPermitAcquisitionFailed is returned when the join concurrency cap is reached
	ErrPermitAcquisitionFailed = errors.New("failed to acquire join permit")
	// ErrInvalidMessage is returned for a well-formed envelope with an invalid payload
	ErrInvalidMessage = messaging.ErrInvalidPayload
	// ErrUntrustedSectionKey is returned when a signing key is not in our DAG
	ErrUntrustedSectionKey = knowledge.ErrUntrustedSectionKey
	// ErrAccessDenied is returned when a sender may not make a request
	ErrAccessDenied = errors.New("access denied")
	// ErrNoSuchData is returned when a storage query misses
	ErrNoSuchData = storage.ErrNotFound
	// ErrDataExists is returned on a duplicate create
	ErrDataExists = storage.ErrExists
	// ErrInvalidOwner is returned when a message names a node other than its sender
	ErrInvalidOwner = errors.New("invalid owner")
	// ErrJoinRejected is returned by the joiner when a section refuses it
	ErrJoinRejected = errors.New("join rejected")
	// ErrLoopTerminated is returned when enqueueing after Terminate
	ErrLoopTerminated = errors.New("command loop terminated")
	// ErrNotElder is returned for operations only elders perform
	ErrNotElder = errors.New("not an elder")

	ErrConnectionTo                    = comm.ErrConnectionTo
	ErrFailedSend                      = comm.ErrFailedSend
	ErrCreatingConnectionToUnknownNode = comm.ErrCreatingConnectionToUnknownNode
	ErrPeerSessionChannel              = comm.ErrPeerSessionChannel
)

// PeerError carries the peer a comm error happened with.
type PeerError = comm.PeerError
