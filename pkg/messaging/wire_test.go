package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sectiond/pkg/crypto"
	"sectiond/pkg/types"
)

func TestWireMsgDecode(t *testing.T) {
	src := types.RandomName()
	dst := Dst{Name: types.RandomName(), SectionKey: crypto.PublicKey{1}}
	req := JoinRequest{SectionKey: crypto.PublicKey{1}, Age: 98, Addr: "127.0.0.1:4000"}

	msg, err := NewWireMsg(KindNode, src, dst, req)
	require.NoError(t, err)

	b, err := msg.Serialize()
	require.NoError(t, err)
	parsed, err := Deserialize(b)
	require.NoError(t, err)

	assert.Equal(t, msg.Header, parsed.Header)
	assert.Equal(t, TypeJoinRequest, parsed.Header.Type)

	payload, err := parsed.Decode()
	require.NoError(t, err)
	got, ok := payload.(JoinRequest)
	require.True(t, ok)
	assert.Equal(t, req, got)
}

func TestDeserializeErrors(t *testing.T) {
	_, err := Deserialize([]byte{0xff, 0x00, 0x13})
	assert.ErrorIs(t, err, ErrMalformed)

	msg, err := NewWireMsg(KindNode, types.RandomName(), Dst{}, ClientQuery{})
	require.NoError(t, err)

	t.Run("unknown type", func(t *testing.T) {
		unknown := *msg
		unknown.Header.Type = 999
		_, err := unknown.Decode()
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("structurally invalid", func(t *testing.T) {
		bad, err := NewWireMsg(KindNode, types.RandomName(), Dst{}, Relocate{})
		require.NoError(t, err)
		_, err = bad.Decode()
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestRedirectedAppendsTrace(t *testing.T) {
	msg, err := NewWireMsg(KindNode, types.RandomName(), Dst{}, RelocatePromise{})
	require.NoError(t, err)

	hop1, hop2 := types.RandomName(), types.RandomName()
	newDst := Dst{Name: types.RandomName()}
	first := msg.Redirected(newDst, hop1)
	second := first.Redirected(newDst, hop2)

	assert.Empty(t, msg.Header.Trace)
	assert.Equal(t, []types.Name{hop1}, first.Header.Trace)
	assert.Equal(t, []types.Name{hop1, hop2}, second.Header.Trace)
	assert.Equal(t, newDst, second.Header.Dst)
	assert.Equal(t, msg.ID(), second.ID())
}

func TestQueryOperationIDMatchesResponse(t *testing.T) {
	addr := types.RandomName()
	q := ClientQuery{Address: addr}
	r := AdultQueryResponse{Address: addr, Result: QueryResult{Data: []byte("x")}}
	assert.Equal(t, q.OperationID(), r.OperationID())
}
