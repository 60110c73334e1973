package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystem_AfterFuncFires(t *testing.T) {
	fired := make(chan struct{})
	System{}.AfterFunc(time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestSystem_StopCancels(t *testing.T) {
	fired := make(chan struct{}, 1)
	timer := System{}.AfterFunc(time.Hour, func() { fired <- struct{}{} })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	assert.Len(t, fired, 0)
}

func TestSystem_Now(t *testing.T) {
	before := time.Now()
	now := System{}.Now()
	assert.False(t, now.Before(before))
}
