package internal

import (
	"encoding/json"

	"nhooyr.io/websocket"

	"manualpilot/push/internal/broker"
)

// ClientActionType names the only structured message a client may send
// before it is authenticated.
type ClientActionType string

const ClientActionAuthenticate ClientActionType = "authenticate"

type ClientAction struct {
	Type  ClientActionType `json:"type"`
	Token string           `json:"token"`
}

type PushEventType string

const (
	PushEventAuthOk  PushEventType = "auth_ok"
	PushEventAuthErr PushEventType = "auth_err"
)

// ControlID is the id carried by pushes generated by the gateway itself.
const ControlID = -1

type PushEvent struct {
	ID        int64         `json:"id"`
	EventType PushEventType `json:"event_type"`
}

func (e PushEvent) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}

var (
	authOk  = PushEvent{ID: ControlID, EventType: PushEventAuthOk}.String()
	authErr = PushEvent{ID: ControlID, EventType: PushEventAuthErr}.String()
)

// Frame is one message read from an authenticated peer.
type Frame struct {
	Address broker.Address
	Type    websocket.MessageType
	Data    []byte
}

// EventType tags messages exchanged between gateway instances over redis.
type EventType string

const (
	EventTypeSend EventType = "send"
	EventTypeDrop EventType = "drop"
)

type Event struct {
	Type    EventType `json:"type"`
	ID      string    `json:"id"`
	Payload string    `json:"payload,omitempty"`
}
