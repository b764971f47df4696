package messaging

import (
	"errors"
	"fmt"

	"sectiond/pkg/crypto"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/types"
)

// MsgType identifies the payload carried by a WireMsg.
type MsgType uint16

const (
	TypeJoinRequest MsgType = iota + 1
	TypeJoinAsRelocatedRequest
	TypeJoinRetry
	TypeJoinRedirect
	TypeJoinRejected
	TypeJoinApproval
	TypeJoinApprovalShare
	TypeResourceChallenge
	TypeAntiEntropy
	TypePropose
	TypeDkgStart
	TypeDkgMessage
	TypeSync
	TypeRelocate
	TypeRelocatePromise
	TypeClientQuery
	TypeClientQueryResponse
	TypeAdultQuery
	TypeAdultQueryResponse
	TypeReplicateData
	TypeRecordStorageLevel
)

var typeNames = map[MsgType]string{
	TypeJoinRequest:            "JoinRequest",
	TypeJoinAsRelocatedRequest: "JoinAsRelocatedRequest",
	TypeJoinRetry:              "JoinRetry",
	TypeJoinRedirect:           "JoinRedirect",
	TypeJoinRejected:           "JoinRejected",
	TypeJoinApproval:           "JoinApproval",
	TypeJoinApprovalShare:      "JoinApprovalShare",
	TypeResourceChallenge:      "ResourceChallenge",
	TypeAntiEntropy:            "AntiEntropy",
	TypePropose:                "Propose",
	TypeDkgStart:               "DkgStart",
	TypeDkgMessage:             "DkgMessage",
	TypeSync:                   "Sync",
	TypeRelocate:               "Relocate",
	TypeRelocatePromise:        "RelocatePromise",
	TypeClientQuery:            "ClientQuery",
	TypeClientQueryResponse:    "ClientQueryResponse",
	TypeAdultQuery:             "AdultQuery",
	TypeAdultQueryResponse:     "AdultQueryResponse",
	TypeReplicateData:          "ReplicateData",
	TypeRecordStorageLevel:     "RecordStorageLevel",
}

func (t MsgType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(%d)", uint16(t))
}

var decoders = map[MsgType]func([]byte) (Payload, error){
	TypeJoinRequest:            decodeAs[JoinRequest],
	TypeJoinAsRelocatedRequest: decodeAs[JoinAsRelocatedRequest],
	TypeJoinRetry:              decodeAs[JoinRetry],
	TypeJoinRedirect:           decodeAs[JoinRedirect],
	TypeJoinRejected:           decodeAs[JoinRejected],
	TypeJoinApproval:           decodeAs[JoinApproval],
	TypeJoinApprovalShare:      decodeAs[JoinApprovalShare],
	TypeResourceChallenge:      decodeAs[ResourceChallenge],
	TypeAntiEntropy:            decodeAs[AntiEntropy],
	TypePropose:                decodeAs[Propose],
	TypeDkgStart:               decodeAs[DkgStart],
	TypeDkgMessage:             decodeAs[DkgMessage],
	TypeSync:                   decodeAs[Sync],
	TypeRelocate:               decodeAs[Relocate],
	TypeRelocatePromise:        decodeAs[RelocatePromise],
	TypeClientQuery:            decodeAs[ClientQuery],
	TypeClientQueryResponse:    decodeAs[ClientQueryResponse],
	TypeAdultQuery:             decodeAs[AdultQuery],
	TypeAdultQueryResponse:     decodeAs[AdultQueryResponse],
	TypeReplicateData:          decodeAs[ReplicateData],
	TypeRecordStorageLevel:     decodeAs[RecordStorageLevel],
}

// Payload is any message body that can travel in a WireMsg.
type Payload interface {
	MsgType() MsgType
}

// ResourceProofSolution answers a ResourceChallenge.
type ResourceProofSolution struct {
	Nonce      [32]byte
	Difficulty uint8
	Solution   uint64
}

// JoinRequest asks a section to admit the sender.
type JoinRequest struct {
	SectionKey    crypto.PublicKey
	Age           uint8
	Addr          string
	ResourceProof *ResourceProofSolution     `cbor:",omitempty"`
	Aggregated    *knowledge.SignedNodeState `cbor:",omitempty"`
}

// JoinAsRelocatedRequest asks a section to admit a node relocated from another section.
// Proof is the source section's Relocated decision for the previous name, and
// NameSig is the previous key's signature over the new name.
type JoinAsRelocatedRequest struct {
	SectionKey    crypto.PublicKey
	Age           uint8
	Addr          string
	Proof         knowledge.SignedNodeState
	NameSig       crypto.Signature
	ResourceProof *ResourceProofSolution     `cbor:",omitempty"`
	Aggregated    *knowledge.SignedNodeState `cbor:",omitempty"`
}

func (r JoinAsRelocatedRequest) Validate() error {
	if r.Proof.Value.State != types.Relocated || r.Proof.Value.Relocate == nil {
		return errors.New("relocation proof does not carry a relocated state")
	}
	return nil
}

// JoinRetry tells a joiner to try again against the given section and age.
type JoinRetry struct {
	Authority   knowledge.SignedAuthority
	ProofChain  []knowledge.DAGEntry
	ExpectedAge uint8
}

// JoinRedirect points a joiner at the section that matches its name.
type JoinRedirect struct {
	Authority knowledge.SignedAuthority
}

// RejectionReason explains a JoinRejected.
type RejectionReason uint8

const (
	JoinsDisallowed RejectionReason = iota + 1
	NodeNotReachable
	AlreadyRelocated
	InvalidRelocation
)

func (r RejectionReason) String() string {
	switch r {
	case JoinsDisallowed:
		return "joins disallowed"
	case NodeNotReachable:
		return "node not reachable"
	case AlreadyRelocated:
		return "already relocated"
	case InvalidRelocation:
		return "invalid relocation"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// JoinRejected refuses a join.
type JoinRejected struct {
	Reason RejectionReason
	Addr   string `cbor:",omitempty"`
}

// JoinApproval admits a node, carrying everything it needs to build its knowledge.
type JoinApproval struct {
	Decision   knowledge.SignedNodeState
	Authority  knowledge.SignedAuthority
	ProofChain []knowledge.DAGEntry
	Members    []knowledge.SignedNodeState
	Sections   []knowledge.SignedAuthority
}

// JoinApprovalShare is one elder's share of the approval decision. The
// joiner combines Threshold shares and resends its request with the aggregate.
type JoinApprovalShare struct {
	State  types.NodeState
	KeySet crypto.PublicKeySet
	Share  crypto.SignatureShare
}

// ResourceChallenge asks the joiner to solve a proof of work.
type ResourceChallenge struct {
	Nonce      [32]byte
	Difficulty uint8
}

// AntiEntropy carries a newer section authority to a peer that addressed an
// outdated one, together with the bounced message to resend.
type AntiEntropy struct {
	Authority  knowledge.SignedAuthority
	ProofChain []knowledge.DAGEntry
	Bounced    []byte `cbor:",omitempty"`
}

// ProposalKind tags a Proposal.
type ProposalKind uint8

const (
	ProposeOnline ProposalKind = iota + 1
	ProposeOffline
	ProposeNewElders
)

// Proposal is an item submitted to section consensus.
type Proposal struct {
	Kind      ProposalKind
	NodeState *types.NodeState            `cbor:",omitempty"`
	Authority *knowledge.SectionAuthority `cbor:",omitempty"`
}

func (p Proposal) Validate() error {
	switch p.Kind {
	case ProposeOnline, ProposeOffline:
		if p.NodeState == nil {
			return errors.New("membership proposal without node state")
		}
	case ProposeNewElders:
		if p.Authority == nil {
			return errors.New("elder proposal without authority")
		}
	default:
		return fmt.Errorf("unknown proposal kind %d", p.Kind)
	}
	return nil
}

// Propose carries a proposal and the sender's signature share over it.
type Propose struct {
	Proposal Proposal
	Share    crypto.SignatureShare
}

func (p Propose) Validate() error {
	return p.Proposal.Validate()
}

// DkgStart starts key generation for a new elder set.
type DkgStart struct {
	Session    [32]byte
	Prefix     types.Prefix
	Elders     []types.Peer
	Generation uint64
}

// DkgMessage is an opaque key generation message.
type DkgMessage struct {
	Session [32]byte
	Data    []byte
}

// Sync shares section and network knowledge.
type Sync struct {
	Authority  knowledge.SignedAuthority
	ProofChain []knowledge.DAGEntry
	Members    []knowledge.SignedNodeState
	Sections   []knowledge.SignedAuthority
}

// Relocate tells a node it has been relocated. Decision is its signed Relocated state.
type Relocate struct {
	Decision knowledge.SignedNodeState
}

func (r Relocate) Validate() error {
	if r.Decision.Value.State != types.Relocated || r.Decision.Value.Relocate == nil {
		return errors.New("relocate without relocated state")
	}
	return nil
}

// RelocatePromise announces an upcoming relocation of Name towards Dst.
type RelocatePromise struct {
	Name types.Name
	Dst  types.Name
}

// ClientQuery asks for the data stored at Address.
type ClientQuery struct {
	Address types.Name
}

// OperationID returns the id the matching response will carry.
func (q ClientQuery) OperationID() types.OperationID {
	return types.NewOperationID("chunk", q.Address[:])
}

// QueryResult is either data or an error string.
type QueryResult struct {
	Data  []byte `cbor:",omitempty"`
	Error string `cbor:",omitempty"`
}

// ClientQueryResponse answers a ClientQuery.
type ClientQueryResponse struct {
	Address types.Name
	Result  QueryResult
}

// AdultQuery is a client query forwarded by an elder to the adult holding the data.
type AdultQuery struct {
	Query  ClientQuery
	Origin types.Peer
}

// AdultQueryResponse is an adult's answer to an AdultQuery.
type AdultQueryResponse struct {
	Address types.Name
	Result  QueryResult
}

// OperationID returns the id of the query this answers.
func (r AdultQueryResponse) OperationID() types.OperationID {
	return ClientQuery{Address: r.Address}.OperationID()
}

// ReplicateData asks an adult to store chunks.
type ReplicateData struct {
	Chunks [][]byte
}

// RecordStorageLevel reports an adult's storage fill level (0-10).
type RecordStorageLevel struct {
	Node  types.Name
	Level uint8
}

func (JoinRequest) MsgType() MsgType            { return TypeJoinRequest }
func (JoinAsRelocatedRequest) MsgType() MsgType { return TypeJoinAsRelocatedRequest }
func (JoinRetry) MsgType() MsgType              { return TypeJoinRetry }
func (JoinRedirect) MsgType() MsgType           { return TypeJoinRedirect }
func (JoinRejected) MsgType() MsgType           { return TypeJoinRejected }
func (JoinApproval) MsgType() MsgType           { return TypeJoinApproval }
func (JoinApprovalShare) MsgType() MsgType      { return TypeJoinApprovalShare }
func (ResourceChallenge) MsgType() MsgType      { return TypeResourceChallenge }
func (AntiEntropy) MsgType() MsgType            { return TypeAntiEntropy }
func (Propose) MsgType() MsgType                { return TypePropose }
func (DkgStart) MsgType() MsgType               { return TypeDkgStart }
func (DkgMessage) MsgType() MsgType             { return TypeDkgMessage }
func (Sync) MsgType() MsgType                   { return TypeSync }
func (Relocate) MsgType() MsgType               { return TypeRelocate }
func (RelocatePromise) MsgType() MsgType        { return TypeRelocatePromise }
func (ClientQuery) MsgType() MsgType            { return TypeClientQuery }
func (ClientQueryResponse) MsgType() MsgType    { return TypeClientQueryResponse }
func (AdultQuery) MsgType() MsgType             { return TypeAdultQuery }
func (AdultQueryResponse) MsgType() MsgType     { return TypeAdultQueryResponse }
func (ReplicateData) MsgType() MsgType          { return TypeReplicateData }
func (RecordStorageLevel) MsgType() MsgType     { return TypeRecordStorageLevel }
