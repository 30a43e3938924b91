package contract

import (
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/google/uuid"
)

type State string

const (
	StateCreated    State = "created"
	StateChecked    State = "checked"
	StateConfigured State = "configured"
	StateStarted    State = "started"
	StateStopped    State = "stopped"
)

// Operation is one of the four lifecycle entry points.
type Operation string

const (
	OpCheck     Operation = "CHECK"
	OpConfigure Operation = "CONFIGURE"
	OpStart     Operation = "START"
	OpStop      Operation = "STOP"
)

// Operations lists the lifecycle operations in shot order.
var Operations = []Operation{OpCheck, OpConfigure, OpStart, OpStop}

func (op Operation) Valid() bool {
	switch op {
	case OpCheck, OpConfigure, OpStart, OpStop:
		return true
	}
	return false
}

// Predecessor states of every operation and the state it leads to.
var transitions = map[Operation]struct {
	from []State
	to   State
}{
	OpCheck:     {from: []State{StateCreated, StateStopped}, to: StateChecked},
	OpConfigure: {from: []State{StateChecked, StateConfigured}, to: StateConfigured},
	OpStart:     {from: []State{StateConfigured}, to: StateStarted},
	OpStop:      {from: []State{StateChecked, StateConfigured, StateStarted, StateStopped}, to: StateStopped},
}

// CanTransition reports whether op may run from the given state.
func CanTransition(from State, op Operation) bool {
	t, ok := transitions[op]
	if !ok {
		return false
	}
	for _, s := range t.from {
		if s == from {
			return true
		}
	}
	return false
}

func transitionError(op Operation, from State) error {
	if op == OpStart && from != StateStarted {
		return errcode.New(errcode.NotConfigured, "contract."+string(op), "device is %s, CONFIGURE has not succeeded", from)
	}
	return errcode.New(errcode.InvalidTransition, "contract."+string(op), "not allowed from state %s", from)
}

// Transition records one completed lifecycle operation.
type Transition struct {
	InstanceID uuid.UUID `json:"instance_id"`
	Name       string    `json:"name"`
	Op         Operation `json:"op"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	At         time.Time `json:"at"`
}
