package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dotlock/internal/ownership"
)

func mustParse(t *testing.T, data string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(data))
	require.NoError(t, err)
	return s
}

func TestRun_EmptyCellNoTransitions(t *testing.T) {
	s := mustParse(t, `
name: quiet
description: nothing happens
clients: [alice, bob]
steps:
  - expect:
      alice: {status: idle_remote}
      bob: {status: idle_remote}
`)

	result, err := Run(s)
	require.NoError(t, err)

	assert.True(t, result.Pass, result.Errors)
	assert.Empty(t, result.Trace)
	assert.Equal(t, 0, result.MaxOwners)
	assert.Equal(t, ownership.Initial(), result.Final["alice"])
	assert.Equal(t, ownership.Initial(), result.Final["bob"])
}

func TestRun_BeginTakesLock(t *testing.T) {
	s := mustParse(t, `
name: begin
description: alice takes the lock
clients: [alice, bob]
steps:
  - {client: alice, do: begin}
`)

	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)

	require.Len(t, result.Trace, 3)
	assert.Equal(t, TraceEvent{
		Step: 1, Client: "alice", Kind: KindTransition, Seq: 1, Cause: "begin_control",
		From: ownership.StatusIdleRemote, To: ownership.StatusLocalControl,
	}, result.Trace[0])
	assert.Equal(t, TraceEvent{Step: 1, Client: "alice", Kind: KindPublish, Owner: "alice"}, result.Trace[1])
	assert.Equal(t, "bob", result.Trace[2].Client)
	assert.Equal(t, ownership.StatusRemoteControl, result.Trace[2].To)

	assert.Equal(t, 1, result.MaxOwners)
	assert.Equal(t, ownership.StatusLocalControl, result.Final["alice"].Status)
	assert.Equal(t, ownership.StatusRemoteControl, result.Final["bob"].Status)
}

func TestRun_InitialRecordObservedAtStartup(t *testing.T) {
	s := mustParse(t, `
name: seeded
description: the seeded record is delivered on subscribe
clients: [alice]
initial:
  position: {x: 25, y: 75}
steps:
  - expect:
      alice: {status: idle_remote, position: {x: 25, y: 75}}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)

	require.Len(t, result.Trace, 1)
	assert.Equal(t, 0, result.Trace[0].Step)
	assert.Equal(t, "set_state", result.Trace[0].Cause)
	assert.Equal(t, ownership.Position{X: 25, Y: 75}, result.Trace[0].Position)
}

func TestRun_MoveIsClamped(t *testing.T) {
	s := mustParse(t, `
name: clamp
description: out-of-range moves are clamped
clients: [alice]
steps:
  - {client: alice, do: begin}
  - client: alice
    do: move
    position: {x: 150, y: -20}
    expect:
      alice: {status: local_control, position: {x: 100, y: 0}}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: a wrong expectation is reported
clients: [alice, bob]
steps:
  - client: alice
    do: begin
    expect:
      bob: {status: idle_remote}
`)

	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "step 1: bob: expected status idle_remote")
}

func TestRun_AssertionFailureReported(t *testing.T) {
	s := mustParse(t, `
name: failing_assertion
description: a failing assertion marks the result
clients: [alice]
steps:
  - {client: alice, do: begin}
assertions:
  - {type: trace_count, client: alice, kind: publish, count: 5}
`)

	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: trace_count")
}

func TestRun_DroppedClientKeepsLock(t *testing.T) {
	s := mustParse(t, `
name: drop
description: a dropped owner is not released until the grace period ends
clients: [alice, bob]
grace_period: 1s
steps:
  - {client: alice, do: begin}
  - {client: alice, do: drop}
  - advance: 999ms
    expect:
      bob: {status: remote_control}
  - advance: 1ms
    expect:
      bob: {status: idle_remote}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Equal(t, ownership.StatusLocalControl, result.Final["alice"].Status, "dropped client keeps its last state")
}

func TestRun_ActionAfterDropFails(t *testing.T) {
	s := mustParse(t, `
name: drop_then_act
description: a dropped client cannot act
clients: [alice]
steps:
  - {client: alice, do: drop}
  - {client: alice, do: begin}
`)

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 2")
	assert.Contains(t, err.Error(), "dropped")
}

func TestRun_ContendedBeginsKeepOneOwner(t *testing.T) {
	s := mustParse(t, `
name: contention
description: the first begin wins and later begins are absorbed
clients: [alice, bob, carol]
steps:
  - {client: bob, do: begin}
  - {client: alice, do: begin}
  - {client: carol, do: begin}
  - client: bob
    do: move
    position: {x: 5, y: 5}
    expect:
      alice: {status: remote_control, position: {x: 5, y: 5}}
      bob: {status: local_control}
      carol: {status: remote_control, position: {x: 5, y: 5}}
assertions:
  - type: mutual_exclusion
  - {type: trace_count, client: alice, kind: publish, count: 0}
  - {type: trace_count, client: carol, kind: publish, count: 0}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Equal(t, 1, result.MaxOwners)
}
