package messaging

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"sectiond/pkg/crypto"
	"sectiond/pkg/types"
)

var (
	// ErrMalformed is returned when bytes cannot be decoded as a wire message.
	ErrMalformed = errors.New("malformed wire message")
	// ErrUnknownType is returned for a message type this node does not understand.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidPayload is returned when a payload fails structural validation.
	ErrInvalidPayload = errors.New("invalid message payload")
)

// MaxMessageSize bounds the size of a single serialized message.
const MaxMessageSize = 16 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("failed to build cbor encoder: %v", err))
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(fmt.Sprintf("failed to build cbor decoder: %v", err))
	}
}

// Kind separates node to node traffic from client traffic.
type Kind uint8

const (
	KindNode Kind = iota + 1
	KindClient
)

// Dst addresses a message to a name and the section key the sender believes is current.
type Dst struct {
	Name       types.Name
	SectionKey crypto.PublicKey
}

// Header is the envelope metadata.
type Header struct {
	ID    types.MsgID
	Kind  Kind
	Type  MsgType
	Src   types.Name
	Dst   Dst
	Trace []types.Name `cbor:",omitempty"`
}

// WireMsg is a serialized payload with its envelope.
type WireMsg struct {
	Header  Header
	Payload cbor.RawMessage
}

// NewWireMsg encodes payload into a fresh envelope.
func NewWireMsg(kind Kind, src types.Name, dst Dst, payload Payload) (*WireMsg, error) {
	return NewWireMsgWithID(types.NewMsgID(), kind, src, dst, payload)
}

// NewWireMsgWithID is NewWireMsg with a caller chosen id, used for replies
// that must correlate with a request.
func NewWireMsgWithID(id types.MsgID, kind Kind, src types.Name, dst Dst, payload Payload) (*WireMsg, error) {
	raw, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", payload.MsgType(), err)
	}
	return &WireMsg{
		Header: Header{
			ID:   id,
			Kind: kind,
			Type: payload.MsgType(),
			Src:  src,
			Dst:  dst,
		},
		Payload: raw,
	}, nil
}

// ID returns the message id.
func (m *WireMsg) ID() types.MsgID {
	return m.Header.ID
}

// Serialize returns the wire bytes.
func (m *WireMsg) Serialize() ([]byte, error) {
	b, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message %s: %w", m.Header.ID, err)
	}
	return b, nil
}

// Deserialize parses wire bytes into an envelope. The payload is decoded lazily.
func Deserialize(b []byte) (*WireMsg, error) {
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", ErrMalformed, len(b))
	}
	var m WireMsg
	if err := decMode.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &m, nil
}

// Decode returns the typed payload.
func (m *WireMsg) Decode() (Payload, error) {
	decode, ok := decoders[m.Header.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, m.Header.Type)
	}
	p, err := decode(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Header.Type, err)
	}
	if v, ok := p.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Header.Type, err)
		}
	}
	return p, nil
}

// Redirected returns a copy addressed to dst, recording hop in the trace.
func (m *WireMsg) Redirected(dst Dst, hop types.Name) *WireMsg {
	out := *m
	out.Header.Dst = dst
	out.Header.Trace = append(append([]types.Name(nil), m.Header.Trace...), hop)
	return &out
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var v T
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
