package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"
	"nhooyr.io/websocket"

	"manualpilot/push/internal/broker"
)

var ErrUnauthenticated = errors.New("connection closed before authenticating")

const controlWriteTimeout = 5 * time.Second

type HandshakeState int

const (
	StateUnauthenticated HandshakeState = iota
	StateAuthenticated
	StateClosed
)

func (s HandshakeState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int(s))
	}
}

// FrameReader is the inbound half of a connection. *websocket.Conn satisfies it.
type FrameReader interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

// Handshake gates a fresh connection until it presents a valid token.
type Handshake struct {
	Address  broker.Address
	Reader   FrameReader
	Sink     broker.Sink
	Verifier Verifier
	Broker   broker.Submitter
	Logger   *slog.Logger
	// Admitted, when set, runs after the token is accepted and before the
	// peer becomes reachable through the broker.
	Admitted func(ctx context.Context, identity *Identity)

	state HandshakeState
}

func (h *Handshake) State() HandshakeState {
	return h.state
}

// Run reads frames until the client authenticates or the stream ends. On
// success the sink has been handed to the broker with Track and must not be
// used by the caller again. On ErrUnauthenticated nothing was submitted.
func (h *Handshake) Run(ctx context.Context) (*Identity, error) {
	h.state = StateUnauthenticated

	for {
		typ, b, err := h.Reader.Read(ctx)
		if err != nil {
			h.state = StateClosed
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}

		if typ != websocket.MessageText {
			continue
		}

		identity, err := h.authenticate(ctx, b)
		if err != nil {
			AuthAttemptsTotal.WithLabelValues("error").Inc()
			h.Logger.Debug("authentication failed", slog.Any("error", err))

			if err := h.reject(ctx); err != nil {
				h.state = StateClosed
				return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
			}

			continue
		}

		AuthAttemptsTotal.WithLabelValues("ok").Inc()

		if h.Admitted != nil {
			h.Admitted(ctx, identity)
		}

		if err := h.Broker.Submit(ctx, broker.Track{Address: h.Address, Sink: h.Sink, Identity: identity}); err != nil {
			h.state = StateClosed
			return nil, err
		}

		h.state = StateAuthenticated

		if err := h.Broker.Submit(ctx, broker.SendTo{Address: h.Address, Message: authOk}); err != nil {
			return identity, err
		}

		return identity, nil
	}
}

func (h *Handshake) authenticate(ctx context.Context, b []byte) (*Identity, error) {
	action := ClientAction{}
	if err := json.Unmarshal(b, &action); err != nil {
		return nil, err
	}

	if action.Type != ClientActionAuthenticate {
		return nil, fmt.Errorf("unexpected action %q", action.Type)
	}

	return h.Verifier.Verify(ctx, action.Token)
}

// reject writes auth_err directly: the handshake still owns the sink.
func (h *Handshake) reject(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()

	return h.Sink.Send(ctx, authErr)
}
