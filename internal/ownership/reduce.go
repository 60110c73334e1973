package ownership

// Action is an input to Reduce.
//
// Implemented by SetState, BeginControl, SetPosition and EndControl.
type Action interface {
	// Name identifies the action kind in logs and traces.
	Name() string

	actionMarker()
}

// SetState replaces the state with one derived from a remote record.
// It always applies. Callers must filter out the client's own echoes
// before building one.
type SetState struct {
	State State
}

// BeginControl asks to acquire the lock.
type BeginControl struct{}

// SetPosition moves the position while holding the lock.
type SetPosition struct {
	Position Position
}

// EndControl releases the lock.
type EndControl struct{}

func (SetState) Name() string     { return "set_state" }
func (BeginControl) Name() string { return "begin_control" }
func (SetPosition) Name() string  { return "set_position" }
func (EndControl) Name() string   { return "end_control" }

func (SetState) actionMarker()     {}
func (BeginControl) actionMarker() {}
func (SetPosition) actionMarker()  {}
func (EndControl) actionMarker()   {}

// IsLocal reports whether a is a local intent rather than a remote
// observation.
func IsLocal(a Action) bool {
	_, remote := a.(SetState)
	return !remote
}

// Reduce applies action to state and returns the next state.
//
// Transitions:
//
//	any            + SetState(s)   -> s
//	remote_control + local intent  -> unchanged
//	idle_*         + BeginControl  -> local_control, same position
//	local_control  + SetPosition(p)-> local_control, p
//	local_control  + EndControl    -> idle_local, same position
//
// Every other combination returns state unchanged.
func Reduce(state State, action Action) State {
	if set, ok := action.(SetState); ok {
		return set.State
	}

	// The remote owner has priority; local intents are absorbed.
	if state.Status == StatusRemoteControl {
		return state
	}

	switch a := action.(type) {
	case SetPosition:
		if state.Status == StatusLocalControl {
			return State{Status: StatusLocalControl, Position: a.Position}
		}
	case BeginControl:
		if state.Status.IsIdle() {
			return State{Status: StatusLocalControl, Position: state.Position}
		}
	case EndControl:
		if state.Status == StatusLocalControl {
			return State{Status: StatusIdleLocal, Position: state.Position}
		}
	}

	return state
}
