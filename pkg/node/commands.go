package node

import (
	"fmt"

	"sectiond/pkg/comm"
	"sectiond/pkg/crypto"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/messaging"
	"sectiond/pkg/types"
)

// Command is a unit of work for the command loop. Handlers return
// follow-up commands instead of waiting on each other.
type Command interface {
	fmt.Stringer
	command()
}

// HandleMessage processes an inbound wire message.
type HandleMessage struct {
	Sender types.Peer
	Msg    *messaging.WireMsg
	Stream comm.SendStream
}

// SendOutgoing sends payload to each recipient. With a Stream it is a
// reply on that stream. Messages addressed outside our section are
// best-effort and failures are only logged.
type SendOutgoing struct {
	MsgID      types.MsgID
	Recipients []types.Peer
	Payload    messaging.Payload
	Stream     comm.SendStream
	Kind       messaging.Kind
	Trace      []types.Name
}

// HandleAgreement applies a proposal the section reached agreement on.
type HandleAgreement struct {
	Proposal messaging.Proposal
	Sig      crypto.KeyedSig
}

// HandleMembershipDecision applies a signed membership change.
type HandleMembershipDecision struct {
	Decision knowledge.SignedNodeState
}

// HandleNewEldersAgreement applies a new signed section authority.
type HandleNewEldersAgreement struct {
	Authority knowledge.SignedAuthority
	Proof     []knowledge.DAGEntry
}

// HandleFailedSend records that a message to a section peer was lost.
type HandleFailedSend struct {
	Peer  types.Peer
	MsgID types.MsgID
}

// AddPendingRequest records a query forwarded to Target on behalf of Origin.
type AddPendingRequest struct {
	MsgID       types.MsgID
	OperationID types.OperationID
	Origin      types.Peer
	Stream      comm.SendStream
	Target      types.Peer
}

// IssueKind classifies a tracked peer issue.
type IssueKind uint8

const (
	// IssueCommunication is a failed send or connection.
	IssueCommunication IssueKind = iota + 1
	// IssuePendingRequest is an operation awaiting the peer's response.
	IssuePendingRequest
)

func (k IssueKind) String() string {
	switch k {
	case IssueCommunication:
		return "communication"
	case IssuePendingRequest:
		return "pending-request"
	default:
		return fmt.Sprintf("issue(%d)", uint8(k))
	}
}

// TrackIssue feeds the liveness tracker. Operation is used by IssuePendingRequest.
type TrackIssue struct {
	Peer      types.Name
	Kind      IssueKind
	Operation types.OperationID
}

// HandleAdultsChanged refreshes everything derived from the member set.
type HandleAdultsChanged struct{}

// ProposeOffline proposes that names be removed from the section.
type ProposeOffline struct {
	Names []types.Name
}

// HandleNewNodeOnline admits a node whose acceptance the section signed.
type HandleNewNodeOnline struct {
	Decision knowledge.SignedNodeState
	Stream   comm.SendStream
}

// SendAcceptedOnlineShare signs our share of a join acceptance and sends it to the joiner.
type SendAcceptedOnlineShare struct {
	Peer         types.Peer
	Age          uint8
	PreviousName *types.Name
	Stream       comm.SendStream
}

// Terminate stops the loop once dequeued.
type Terminate struct{}

func (HandleMessage) command()            {}
func (SendOutgoing) command()             {}
func (HandleAgreement) command()          {}
func (HandleMembershipDecision) command() {}
func (HandleNewEldersAgreement) command() {}
func (HandleFailedSend) command()         {}
func (AddPendingRequest) command()        {}
func (TrackIssue) command()               {}
func (HandleAdultsChanged) command()      {}
func (ProposeOffline) command()           {}
func (HandleNewNodeOnline) command()      {}
func (SendAcceptedOnlineShare) command()  {}
func (Terminate) command()                {}

func (c HandleMessage) String() string {
	return fmt.Sprintf("HandleMessage(%s %s from %s)", c.Msg.Header.Type, c.Msg.ID(), c.Sender)
}

func (c SendOutgoing) String() string {
	return fmt.Sprintf("SendOutgoing(%s %s to %d recipients)", c.Payload.MsgType(), c.MsgID, len(c.Recipients))
}

func (c HandleAgreement) String() string {
	return fmt.Sprintf("HandleAgreement(kind %d signed by %s)", c.Proposal.Kind, c.Sig.PublicKey)
}

func (c HandleMembershipDecision) String() string {
	return fmt.Sprintf("HandleMembershipDecision(%s)", c.Decision.Value)
}

func (c HandleNewEldersAgreement) String() string {
	return fmt.Sprintf("HandleNewEldersAgreement(%s gen %d)", c.Authority.Value.Prefix, c.Authority.Value.MembershipGen)
}

func (c HandleFailedSend) String() string {
	return fmt.Sprintf("HandleFailedSend(%s to %s)", c.MsgID, c.Peer)
}

func (c AddPendingRequest) String() string {
	return fmt.Sprintf("AddPendingRequest(op %s to %s)", c.OperationID, c.Target)
}

func (c TrackIssue) String() string {
	return fmt.Sprintf("TrackIssue(%s %s)", c.Kind, c.Peer)
}

func (HandleAdultsChanged) String() string {
	return "HandleAdultsChanged"
}

func (c ProposeOffline) String() string {
	return fmt.Sprintf("ProposeOffline(%d names)", len(c.Names))
}

func (c HandleNewNodeOnline) String() string {
	return fmt.Sprintf("HandleNewNodeOnline(%s)", c.Decision.Value)
}

func (c SendAcceptedOnlineShare) String() string {
	return fmt.Sprintf("SendAcceptedOnlineShare(%s age %d)", c.Peer, c.Age)
}

func (Terminate) String() string {
	return "Terminate"
}

// commandName is the metric label for cmd.
func commandName(cmd Command) string {
	switch cmd.(type) {
	case HandleMessage:
		return "HandleMessage"
	case SendOutgoing:
		return "SendOutgoing"
	case HandleAgreement:
		return "HandleAgreement"
	case HandleMembershipDecision:
		return "HandleMembershipDecision"
	case HandleNewEldersAgreement:
		return "HandleNewEldersAgreement"
	case HandleFailedSend:
		return "HandleFailedSend"
	case AddPendingRequest:
		return "AddPendingRequest"
	case TrackIssue:
		return "TrackIssue"
	case HandleAdultsChanged:
		return "HandleAdultsChanged"
	case ProposeOffline:
		return "ProposeOffline"
	case HandleNewNodeOnline:
		return "HandleNewNodeOnline"
	case SendAcceptedOnlineShare:
		return "SendAcceptedOnlineShare"
	case Terminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}
