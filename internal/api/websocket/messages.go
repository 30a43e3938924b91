package websocket

import (
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/fault"
	"github.com/KevinKickass/OpenShotCore/internal/shot"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Device lifecycle and monitoring
	MessageTypeTransition MessageType = "transition"
	MessageTypeFault      MessageType = "fault"
	MessageTypeSample     MessageType = "sample"

	// Shot sequencing
	MessageTypeShotStatus MessageType = "shot_status"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"

	// Replies to client commands
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeError        MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// FaultData carries a device fault event
type FaultData struct {
	InstanceID string      `json:"instance_id"`
	Device     string      `json:"device"`
	Event      fault.Event `json:"event"`
}

// SampleData is one physical sample of a subscribed channel
type SampleData struct {
	Device  string    `json:"device"`
	Channel string    `json:"channel"`
	Tick    uint64    `json:"tick"`
	At      time.Time `json:"at"`
	Present bool      `json:"present"`
	Values  []float64 `json:"values,omitempty"`
}

// SystemStatusData reports a system state change
type SystemStatusData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewTransitionMessage(t contract.Transition) Message {
	return NewMessage(MessageTypeTransition, t)
}

func NewFaultMessage(id contract.Identity, ev fault.Event) Message {
	return NewMessage(MessageTypeFault, FaultData{
		InstanceID: id.InstanceID.String(),
		Device:     id.Name,
		Event:      ev,
	})
}

func NewShotStatusMessage(st shot.Status) Message {
	return NewMessage(MessageTypeShotStatus, st)
}

func NewSampleMessage(s contract.Sample) Message {
	return NewMessage(MessageTypeSample, SampleData{
		Device:  s.Device,
		Channel: s.Channel,
		Tick:    s.Tick,
		At:      s.At,
		Present: s.Present,
		Values:  s.Values,
	})
}

func NewSystemStatusMessage(state, previous string) Message {
	return NewMessage(MessageTypeSystemStatus, SystemStatusData{State: state, Previous: previous})
}
