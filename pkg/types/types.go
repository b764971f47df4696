package types

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"sectiond/pkg/crypto"
)

// Peer is a node identity together with its current network address.
// Peers are compared by name for membership purposes.
type Peer struct {
	Name Name
	Addr string
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", p.Name, p.Addr)
}

type MembershipState uint8

const (
	Joined MembershipState = iota + 1
	Left
	Relocated
)

func (s MembershipState) String() string {
	switch s {
	case Joined:
		return "joined"
	case Left:
		return "left"
	case Relocated:
		return "relocated"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// IsArchived reports whether a node in this state belongs in the archive.
func (s MembershipState) IsArchived() bool {
	return s == Left || s == Relocated
}

// RelocateDetails describes where a node is being moved to.
type RelocateDetails struct {
	Dst           Name
	DstSectionKey crypto.PublicKey
	Age           uint8
}

// NodeState is a member's state as decided by section consensus.
type NodeState struct {
	Peer         Peer
	Age          uint8
	State        MembershipState
	Relocate     *RelocateDetails `cbor:",omitempty"`
	PreviousName *Name            `cbor:",omitempty"`
}

// NewJoinedState returns a Joined state for peer.
func NewJoinedState(peer Peer, age uint8, previousName *Name) NodeState {
	return NodeState{Peer: peer, Age: age, State: Joined, PreviousName: previousName}
}

// Name returns the member's name.
func (n NodeState) Name() Name {
	return n.Peer.Name
}

// Leave returns a copy of the state marked as Left.
func (n NodeState) Leave() NodeState {
	n.State = Left
	n.Relocate = nil
	return n
}

// RelocatedTo returns a copy of the state marked as Relocated.
func (n NodeState) RelocatedTo(details RelocateDetails) NodeState {
	n.State = Relocated
	n.Relocate = &details
	return n
}

func (n NodeState) String() string {
	return fmt.Sprintf("%s(age %d, %s)", n.Peer, n.Age, n.State)
}

// OperationID identifies a request so that its response can be matched
// against the pending list of the peer it was sent to.
type OperationID [32]byte

// NewOperationID derives an operation id from a kind tag and the request content.
func NewOperationID(kind string, parts ...[]byte) OperationID {
	return OperationID(crypto.Digest(append([][]byte{[]byte(kind)}, parts...)...))
}

// RandomOperationID returns an id that no response will ever match.
func RandomOperationID() OperationID {
	n := RandomName()
	return NewOperationID("random", n[:])
}

func (o OperationID) String() string {
	return hex.EncodeToString(o[:4])
}

// MsgID uniquely identifies a wire message.
type MsgID uuid.UUID

// NewMsgID returns a fresh random message id.
func NewMsgID() MsgID {
	return MsgID(uuid.New())
}

func (m MsgID) String() string {
	return uuid.UUID(m).String()
}
