package node

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"sectiond/pkg/messaging"
	"sectiond/pkg/types"
)

// scriptedExchanger answers every exchange with reply, or fails when reply is nil.
type scriptedExchanger struct {
	calls atomic.Int32
	reply func(addr string) (*messaging.WireMsg, error)
}

func (e *scriptedExchanger) Exchange(_ context.Context, addr string, _ []byte) (*messaging.WireMsg, error) {
	e.calls.Add(1)
	if e.reply == nil {
		return nil, errors.New("unreachable")
	}
	return e.reply(addr)
}

func newTestJoiner(t *testing.T, ex Exchanger, timeout time.Duration) *Joiner {
	t.Helper()
	s := newTestSection(t, testDispatcherConfig())
	cfg := JoinerConfig{
		Contacts:      []string{"127.0.0.1:1"},
		GenesisKey:    s.network.DAG().GenesisKey(),
		Timeout:       timeout,
		RetryInterval: 10 * time.Millisecond,
	}
	us := types.Peer{Name: types.RandomName(), Addr: "127.0.0.1:13000"}
	return NewJoiner(cfg, us, ex, zaptest.NewLogger(t))
}

func TestJoinerRetriesUntilTimeout(t *testing.T) {
	ex := &scriptedExchanger{}
	j := newTestJoiner(t, ex, 200*time.Millisecond)

	_, err := j.Join(context.Background())
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.Greater(t, ex.calls.Load(), int32(1), "failed rounds are retried at the constant interval")
}

func TestJoinerNoContacts(t *testing.T) {
	j := newTestJoiner(t, &scriptedExchanger{}, time.Second)
	j.targets = nil
	_, err := j.Join(context.Background())
	assert.ErrorContains(t, err, "no contacts")
}

func TestJoinerRejection(t *testing.T) {
	reject := func(reason messaging.RejectionReason) func(string) (*messaging.WireMsg, error) {
		return func(string) (*messaging.WireMsg, error) {
			return messaging.NewWireMsg(messaging.KindNode, types.RandomName(), messaging.Dst{},
				messaging.JoinRejected{Reason: reason, Addr: "127.0.0.1:13000"})
		}
	}

	t.Run("final", func(t *testing.T) {
		ex := &scriptedExchanger{reply: reject(messaging.JoinsDisallowed)}
		_, err := newTestJoiner(t, ex, 5*time.Second).Join(context.Background())
		assert.ErrorIs(t, err, ErrJoinRejected)
		assert.Equal(t, int32(1), ex.calls.Load())
	})

	t.Run("unreachable keeps trying", func(t *testing.T) {
		ex := &scriptedExchanger{reply: reject(messaging.NodeNotReachable)}
		_, err := newTestJoiner(t, ex, 200*time.Millisecond).Join(context.Background())
		assert.ErrorIs(t, err, ErrJoinTimeout)
		assert.Greater(t, ex.calls.Load(), int32(1))
	})
}
