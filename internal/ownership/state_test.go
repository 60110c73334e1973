package ownership

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-5, 0, 100))
	assert.Equal(t, 100.0, Clamp(150, 0, 100))
	assert.Equal(t, 42.0, Clamp(42, 0, 100))
	assert.Equal(t, 0.0, Clamp(0, 0, 100), "lower bound is inclusive")
	assert.Equal(t, 100.0, Clamp(100, 0, 100), "upper bound is inclusive")
	assert.Equal(t, 0.0, Clamp(math.NaN(), 0, 100))
}

func TestPosition_ClampedAndValid(t *testing.T) {
	p := Position{X: -1, Y: 101}
	assert.False(t, p.Valid())
	assert.Equal(t, Position{X: 0, Y: 100}, p.Clamped())
	assert.True(t, p.Clamped().Valid())

	assert.False(t, Position{X: math.NaN(), Y: 1}.Valid())
	assert.False(t, Position{X: math.Inf(1), Y: 1}.Valid())
	assert.True(t, Position{X: 0, Y: 100}.Valid())
}

func TestStatus_IsIdle(t *testing.T) {
	assert.True(t, StatusIdleLocal.IsIdle())
	assert.True(t, StatusIdleRemote.IsIdle())
	assert.False(t, StatusLocalControl.IsIdle())
	assert.False(t, StatusRemoteControl.IsIdle())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("remote_control")
	require.NoError(t, err)
	assert.Equal(t, StatusRemoteControl, s)

	_, err = ParseStatus("idle")
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	s := State{Status: StatusLocalControl, Position: Position{X: 50, Y: 12.5}}
	assert.Equal(t, "local_control (50,12.5)", s.String())
}
