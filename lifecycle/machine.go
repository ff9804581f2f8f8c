package lifecycle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/taskvault/server/task"
)

var ErrSignalRejected = errors.New("signal not valid in current state")

// State is a task machine state: one of the lifecycle stages, or the idle
// and error states that bracket them.
type State string

const (
	StateIdle  State = "IDLE"
	StateError State = "ERROR"
)

func stageState(s task.Stage) State { return State(s) }

type Signal string

const (
	SignalStart           Signal = "start"
	SignalAdvance         Signal = "advance"
	SignalRequireApproval Signal = "require_approval"
	SignalApproved        Signal = "approved"
	SignalRejected        Signal = "rejected"
	SignalFail            Signal = "fail"
	SignalReset           Signal = "reset"
)

// transitions lists, per state, the only signals it accepts. Anything not
// listed is rejected.
var transitions = map[State]map[Signal]State{
	StateIdle: {
		SignalStart: stageState(task.StageWatch),
		SignalFail:  StateError,
	},
	stageState(task.StageWatch): {
		SignalAdvance: stageState(task.StageWrite),
		SignalFail:    StateError,
	},
	stageState(task.StageWrite): {
		SignalAdvance: stageState(task.StageReason),
		SignalFail:    StateError,
	},
	stageState(task.StageReason): {
		SignalAdvance: stageState(task.StagePlan),
		SignalFail:    StateError,
	},
	stageState(task.StagePlan): {
		SignalAdvance:         stageState(task.StageAct),
		SignalRequireApproval: stageState(task.StageApprove),
		SignalFail:            StateError,
	},
	stageState(task.StageApprove): {
		SignalApproved: stageState(task.StageAct),
		SignalRejected: stageState(task.StageClose),
		SignalFail:     StateError,
	},
	stageState(task.StageAct): {
		SignalAdvance: stageState(task.StageLog),
		SignalFail:    StateError,
	},
	stageState(task.StageLog): {
		SignalAdvance: stageState(task.StageClose),
		SignalFail:    StateError,
	},
	stageState(task.StageClose): {},
	StateError: {
		SignalReset: StateIdle,
	},
}

// Machine is the state machine for one task. Machines share nothing with
// each other.
type Machine struct {
	taskID string

	mu    sync.Mutex
	state State
}

// NewMachine returns a machine for taskID positioned at from. Resuming a
// task after a restart starts the machine at its persisted stage.
func NewMachine(taskID string, from State) *Machine {
	if _, ok := transitions[from]; !ok {
		from = StateIdle
	}
	return &Machine{taskID: taskID, state: from}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports the state sig would lead to without firing it.
func (m *Machine) Can(sig Signal) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := transitions[m.state][sig]
	return next, ok
}

// Fire applies sig and returns the new state.
func (m *Machine) Fire(sig Signal) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := transitions[m.state][sig]
	if !ok {
		return m.state, fmt.Errorf("%w: task %s cannot %s from %s", ErrSignalRejected, m.taskID, sig, m.state)
	}
	m.state = next
	return next, nil
}
