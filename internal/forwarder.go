package internal

import (
	"context"
	"time"

	"golang.org/x/exp/slog"

	"manualpilot/push/internal/broker"
)

const forgetTimeout = 5 * time.Second

// Forwarder reads an authenticated connection until it ends, relaying every
// frame to Frames, then submits exactly one Forget for Address.
type Forwarder struct {
	Address  broker.Address
	Reader   FrameReader
	Frames   chan<- Frame
	Broker   broker.Submitter
	Presence Presence
	Logger   *slog.Logger
}

// Run closes Frames when the stream ends. The returned error is the one that
// prevented the Forget from being submitted, if any.
func (f *Forwarder) Run(ctx context.Context) error {
	f.relay(ctx)
	close(f.Frames)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forgetTimeout)
	defer cancel()

	return f.Broker.Submit(ctx, broker.Forget{Address: f.Address})
}

func (f *Forwarder) relay(ctx context.Context) {
	for {
		typ, b, err := f.Reader.Read(ctx)
		if err != nil {
			f.Logger.Debug("stream ended", slog.Any("error", err))
			return
		}

		InboundFramesTotal.Inc()

		if err := f.Presence.Received(ctx, f.Address); err != nil {
			f.Logger.Warn("failed to update received messages stats", slog.Any("error", err))
		}

		select {
		case f.Frames <- Frame{Address: f.Address, Type: typ, Data: b}:
		default:
			InboundFramesDropped.Inc()
			f.Logger.Warn("inbound buffer full, frame dropped", slog.Int("size", len(b)))
		}
	}
}

// consumeInbound drains frames into handler until the channel is closed.
func consumeInbound(ctx context.Context, frames <-chan Frame, handler InboundHandler) {
	for frame := range frames {
		handler(ctx, frame)
	}
}
