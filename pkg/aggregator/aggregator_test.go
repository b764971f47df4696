package aggregator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sectiond/pkg/types"
)

func identity(s string) string { return s }

func received(t *testing.T, ch <-chan string) (string, bool) {
	t.Helper()
	select {
	case v := <-ch:
		return v, true
	default:
		return "", false
	}
}

func TestMajorityPick(t *testing.T) {
	failures := func(n int, distinct bool) []string {
		out := make([]string, n)
		for i := range out {
			if distinct {
				out[i] = fmt.Sprintf("error-%d", i)
			} else {
				out[i] = "error"
			}
		}
		return out
	}
	repeat := func(v string, n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = v
		}
		return out
	}

	tests := []struct {
		name      string
		threshold int
		responses []string
		want      string
	}{
		{"four successes after three distinct failures", 4, append(failures(3, true), repeat("ok", 4)...), "ok"},
		{"four successes first", 4, append(repeat("ok", 4), failures(3, true)...), "ok"},
		{"four identical failures win", 4, append(repeat("ok", 3), failures(4, false)...), "error"},
		{"no threshold reached picks most votes", 7, append(failures(3, true), repeat("ok", 4)...), "ok"},
		{"three successes against four failures", 7, append(repeat("ok", 3), failures(4, false)...), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(tt.threshold, identity, zaptest.NewLogger(t))
			id := types.NewMsgID()
			ch := agg.Await(id, len(tt.responses))

			completed := 0
			for _, r := range tt.responses {
				if agg.Handle(id, r) {
					completed++
				}
			}
			assert.Equal(t, 1, completed, "signalled exactly once")

			got, ok := received(t, ch)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
			_, again := received(t, ch)
			assert.False(t, again)
			assert.Equal(t, 0, agg.Pending())
		})
	}
}

func TestThresholdOneFirstWins(t *testing.T) {
	agg := New(1, identity, zaptest.NewLogger(t))
	id := types.NewMsgID()
	ch := agg.Await(id, 7)

	assert.True(t, agg.Handle(id, "first"))
	assert.False(t, agg.Handle(id, "second"))

	got, ok := received(t, ch)
	require.True(t, ok)
	assert.Equal(t, "first", got)
}

func TestTiesGoToFirstSeen(t *testing.T) {
	agg := New(5, identity, zaptest.NewLogger(t))
	id := types.NewMsgID()
	ch := agg.Await(id, 4)
	for _, r := range []string{"b", "a", "a", "b"} {
		agg.Handle(id, r)
	}
	got, ok := received(t, ch)
	require.True(t, ok)
	assert.Equal(t, "b", got)
}

func TestNoResponsesNoSignal(t *testing.T) {
	agg := New(3, identity, zaptest.NewLogger(t))
	id := types.NewMsgID()
	ch := agg.Await(id, 7)
	agg.Handle(id, "partial")

	_, ok := received(t, ch)
	assert.False(t, ok)
	assert.Equal(t, 1, agg.Pending())

	agg.Cancel(id)
	assert.Equal(t, 0, agg.Pending())
	assert.False(t, agg.Handle(types.NewMsgID(), "stray"))
}
