package hooks

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/txcoord/core/dto"
)

type testHook struct {
	prepareResult bool
	commitResult  bool
	prepareCalled bool
	commitCalled  bool
}

func (t *testHook) OnPrepare(dto.Request) bool {
	t.prepareCalled = true
	return t.prepareResult
}

func (t *testHook) OnCommit(dto.Request) bool {
	t.commitCalled = true
	return t.commitResult
}

var req = dto.Request{Type: dto.MessagePrepare, Tx: "tx-1", Coordinator: "coordinator", Payload: []byte("value")}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()
	require.Equal(t, 0, registry.Count())

	registry.Register(&testHook{})
	require.Equal(t, 1, registry.Count())
}

func TestRegistry_ExecutePrepare(t *testing.T) {
	registry := NewRegistry()

	first := &testHook{prepareResult: true}
	registry.Register(first)
	require.True(t, registry.ExecutePrepare(req))
	require.True(t, first.prepareCalled)

	rejecting := &testHook{prepareResult: false}
	last := &testHook{prepareResult: true}
	registry.Register(rejecting)
	registry.Register(last)

	require.False(t, registry.ExecutePrepare(req))
	require.False(t, last.prepareCalled, "hooks after a rejection must not run")
}

func TestRegistry_ExecuteCommit(t *testing.T) {
	registry := NewRegistry()
	require.True(t, registry.ExecuteCommit(req), "empty registry accepts")

	hook := &testHook{commitResult: false}
	registry.Register(hook)
	require.False(t, registry.ExecuteCommit(req))
	require.True(t, hook.commitCalled)
}

func TestValidationHook(t *testing.T) {
	v := NewValidationHook(5)

	require.True(t, v.OnPrepare(req))
	require.False(t, v.OnPrepare(dto.Request{Tx: "tx-1", Coordinator: "c", Payload: []byte("too long")}))
	require.False(t, v.OnPrepare(dto.Request{Tx: "tx-1"}))
	require.True(t, v.OnCommit(req))
	require.False(t, v.OnCommit(dto.Request{}))
}

func TestMetricsHook(t *testing.T) {
	m := NewMetricsHook()
	m.OnPrepare(req)
	m.OnPrepare(req)
	m.OnCommit(req)

	prepares, commits, _ := m.Stats()
	require.Equal(t, uint64(2), prepares)
	require.Equal(t, uint64(1), commits)
}
