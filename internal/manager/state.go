package manager

// State is the lifecycle state of a ManagedProcess.
type State int32

const (
	StateDown State = iota
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type intent int

const (
	intentStart intent = iota
	intentRespawn
	intentStop
	intentDestroy
	intentKill
	intentShutdown
)

func (i intent) String() string {
	return [...]string{"start", "respawn", "stop", "destroy", "kill", "shutdown"}[i]
}

// action is a side effect the caller performs after a transition.
type action int

const (
	actLaunch      action = iota // launch a new process
	actRelaunch                  // launch with the restarted marker
	actRequestStop               // mark stop requested and close stdin
	actTerminate                 // forcibly terminate the OS process
	actKill                      // kill by name, falling back to terminate
	actRemove                    // ask the controller to remove this process
)

// plan is the transition function of the lifecycle state machine. It does
// not touch the OS. A launch leaves the state unchanged: the process only
// becomes StateStarted once its handshake was written.
func plan(cur State, in intent) (State, []action) {
	switch in {
	case intentStart:
		if cur == StateDown {
			return cur, []action{actLaunch}
		}
	case intentRespawn:
		if cur == StateDown {
			return cur, []action{actRelaunch}
		}
	case intentStop:
		if cur == StateStarted {
			return StateStopping, []action{actRequestStop}
		}
	case intentDestroy:
		if cur == StateStopping {
			return cur, []action{actTerminate}
		}
		return plan(cur, intentStop)
	case intentKill:
		if cur == StateStopping {
			return cur, []action{actKill}
		}
		return plan(cur, intentStop)
	case intentShutdown:
		switch cur {
		case StateStarted:
			return StateStopping, []action{actRequestStop}
		case StateDown:
			return cur, []action{actRemove}
		}
	}
	return cur, nil
}
