package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dotlock/internal/ownership"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Step: 1, Client: "alice", Kind: KindTransition, Seq: 1, Cause: "begin_control",
			From: ownership.StatusIdleRemote, To: ownership.StatusLocalControl},
		{Step: 1, Client: "alice", Kind: KindPublish, Owner: "alice"},
		{Step: 1, Client: "bob", Kind: KindTransition, Seq: 1, Cause: "set_state",
			From: ownership.StatusIdleRemote, To: ownership.StatusRemoteControl},
		{Step: 2, Client: "bob", Kind: KindTransition, Seq: 2, Cause: "stale_owner",
			From: ownership.StatusRemoteControl, To: ownership.StatusIdleRemote},
		{Step: 3, Client: "alice", Kind: KindTransition, Seq: 2, Cause: "end_control",
			From: ownership.StatusLocalControl, To: ownership.StatusIdleLocal},
		{Step: 3, Client: "alice", Kind: KindPublish},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Client: "bob", Cause: "stale_owner"}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Client: "bob", Cause: "set_state", Status: "remote_control"}))

	err := assertTraceContains(trace, Assertion{Client: "alice", Cause: "stale_owner"})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Equal(t, "not found in trace", ae.Actual)

	err = assertTraceContains(trace, Assertion{Client: "bob", Cause: "set_state", Status: "idle_remote"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "to idle_remote")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Client: "alice", Causes: []string{"begin_control", "end_control"}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Client: "bob", Causes: []string{"set_state", "stale_owner"}}))

	err := assertTraceOrder(trace, Assertion{Client: "alice", Causes: []string{"end_control", "begin_control"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing begin_control")

	err = assertTraceOrder(trace, Assertion{Client: "bob", Causes: []string{"begin_control"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Assertion failed: trace_order")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Client: "alice", Kind: KindPublish, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Client: "bob", Kind: KindPublish, Count: 0}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Client: "bob", Cause: "stale_owner", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Client: "alice", Cause: "set_position", Count: 0}))

	err := assertTraceCount(trace, Assertion{Client: "alice", Cause: "begin_control", Count: 2})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "2 transitions with cause begin_control by alice", ae.Expected)
	assert.Equal(t, "1 occurrences", ae.Actual)
}

func TestAssertFinalState(t *testing.T) {
	result := NewResult()
	result.Final["alice"] = ownership.State{Status: ownership.StatusIdleLocal, Position: ownership.Position{X: 50, Y: 50}}

	assert.NoError(t, assertFinalState(result, Assertion{Client: "alice", Status: "idle_local"}))
	assert.NoError(t, assertFinalState(result, Assertion{Client: "alice", Status: "idle_local", Position: &Point{X: 50, Y: 50}}))

	err := assertFinalState(result, Assertion{Client: "alice", Status: "local_control"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: idle_local (50,50)")

	err = assertFinalState(result, Assertion{Client: "alice", Status: "idle_local", Position: &Point{X: 1, Y: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alice at (1,1)")

	err = assertFinalState(result, Assertion{Client: "bob", Status: "idle_local"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client not found")
}

func TestAssertMutualExclusion(t *testing.T) {
	result := NewResult()
	result.MaxOwners = 1
	assert.NoError(t, assertMutualExclusion(result))

	result.MaxOwners = 2
	err := assertMutualExclusion(result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 clients in local_control")
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()
	result.Final["alice"] = ownership.State{Status: ownership.StatusIdleLocal}
	result.MaxOwners = 1

	failures := EvaluateAssertions(result, []Assertion{
		{Type: AssertMutualExclusion},
		{Type: AssertTraceContains, Client: "alice", Cause: "begin_control"},
		{Type: AssertTraceCount, Client: "alice", Kind: KindPublish, Count: 7},
		{Type: AssertFinalState, Client: "alice", Status: "idle_local"},
		{Type: "bogus"},
	})

	require.Len(t, failures, 2)
	assert.Contains(t, failures[0], "trace_count")
	assert.Contains(t, failures[1], `unknown assertion type "bogus"`)
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "1",
		Actual:   "0",
		Trace:    sampleTrace()[:1],
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Full trace:")
	assert.Contains(t, msg, "[1] step=1 client=alice transition seq=1 cause=begin_control idle_remote->local_control pos=(0,0)")
}
