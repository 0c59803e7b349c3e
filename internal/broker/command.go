package broker

import (
	"context"
)

// Address identifies one connection for its whole lifetime.
type Address string

// Sink is the outbound half of a connection. Only one goroutine may use a
// Sink at a time: the handshake until Track is submitted, the broker after.
type Sink interface {
	Send(ctx context.Context, message string) error
	Close() error
}

// Peer is a registered, authenticated connection.
type Peer struct {
	Address  Address
	Sink     Sink
	Identity any
}

// Command is one of Track, Forget, SendTo or SendAll.
type Command interface {
	command() string
}

// Track admits a peer, handing ownership of Sink to the broker.
type Track struct {
	Address  Address
	Sink     Sink
	Identity any
}

// Forget removes a peer. Forgetting an unknown address does nothing.
type Forget struct {
	Address Address
}

// SendTo pushes Message to a single peer.
type SendTo struct {
	Address Address
	Message string
}

// SendAll pushes Message to every registered peer.
type SendAll struct {
	Message string
}

// snapshot is answered by the loop with the registered addresses. It never
// mutates the registry.
type snapshot struct {
	reply chan []Address
}

func (Track) command() string    { return "track" }
func (Forget) command() string   { return "forget" }
func (SendTo) command() string   { return "send_to" }
func (SendAll) command() string  { return "send_all" }
func (snapshot) command() string { return "snapshot" }

// Submitter accepts commands for the broker loop.
type Submitter interface {
	Submit(ctx context.Context, cmd Command) error
}
