package internal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"
	"nhooyr.io/websocket"

	"manualpilot/push/internal/broker"
)

const (
	defaultPingInterval  = 45 * time.Second
	defaultInboundBuffer = 64
	pingTimeout          = 10 * time.Second
)

// Gateway holds what every connection needs.
type Gateway struct {
	Logger         *slog.Logger
	Broker         broker.Submitter
	Verifier       Verifier
	Presence       Presence
	Inbound        InboundHandler
	Clock          clockwork.Clock
	OriginPatterns []string
	InboundBuffer  int
	PingInterval   time.Duration
}

func JoinRoute(gw *Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kid, err := ksuid.NewRandom()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		id := broker.Address(kid.String())
		log := gw.Logger.With(slog.String("id", string(id)), slog.String("remote", r.RemoteAddr))

		opts := &websocket.AcceptOptions{
			OriginPatterns: gw.OriginPatterns,
		}

		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			log.Debug("failed to accept", slog.Any("error", err))
			return
		}

		ConnectionsTotal.Inc()

		// Cancelled when this connection is done, never by anything global.
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sink := newSocketSink(conn)
		joined := false

		hs := &Handshake{
			Address:  id,
			Reader:   conn,
			Sink:     sink,
			Verifier: gw.Verifier,
			Broker:   gw.Broker,
			Logger:   log,
			Admitted: func(ctx context.Context, identity *Identity) {
				if err := gw.Presence.Join(ctx, id, r.RemoteAddr, identity.subject()); err != nil {
					log.Error("failed to record presence", err)
					return
				}
				joined = true
			},
		}

		identity, err := hs.Run(ctx)
		if err != nil && (hs.State() != StateAuthenticated || errors.Is(err, broker.ErrStopped)) {
			log.Debug("left before authenticating", slog.Any("error", err))
			_ = sink.Close()
			if joined {
				_ = gw.Presence.Leave(context.WithoutCancel(ctx), id)
			}
			return
		}

		log = log.With(slog.String("sub", identity.subject()))
		log.Info("joined")

		go keepalive(ctx, cancel, gw, conn, id, log)

		frames := make(chan Frame, gw.inboundBuffer())
		go consumeInbound(context.WithoutCancel(ctx), frames, gw.inbound())

		fwd := &Forwarder{
			Address:  id,
			Reader:   conn,
			Frames:   frames,
			Broker:   gw.Broker,
			Presence: gw.Presence,
			Logger:   log,
		}

		if err := fwd.Run(ctx); err != nil {
			log.Warn("failed to forget peer", slog.Any("error", err))
			if errors.Is(err, broker.ErrStopped) {
				_ = sink.Close()
			}
		}

		if err := gw.Presence.Leave(context.WithoutCancel(ctx), id); err != nil {
			log.Error("failed to cleanup", err)
		}

		log.Info("left")
	}
}

// keepalive pings the peer and refreshes its presence record. A failed ping
// cancels the connection, which ends the forwarder.
func keepalive(ctx context.Context, cancel context.CancelFunc, gw *Gateway, conn *websocket.Conn, id broker.Address, log *slog.Logger) {
	ticker := gw.clock().NewTicker(gw.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			pctx, pcancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pctx)
			pcancel()

			if err != nil {
				log.Warn("failed to ping", slog.Any("error", err))
				cancel()
				return
			}

			if err := gw.Presence.Refresh(ctx, id); err != nil {
				log.Warn("failed to extend presence", slog.Any("error", err))
			}
		}
	}
}

func (gw *Gateway) clock() clockwork.Clock {
	if gw.Clock == nil {
		return clockwork.NewRealClock()
	}
	return gw.Clock
}

func (gw *Gateway) pingInterval() time.Duration {
	if gw.PingInterval <= 0 {
		return defaultPingInterval
	}
	return gw.PingInterval
}

func (gw *Gateway) inboundBuffer() int {
	if gw.InboundBuffer <= 0 {
		return defaultInboundBuffer
	}
	return gw.InboundBuffer
}

func (gw *Gateway) inbound() InboundHandler {
	if gw.Inbound == nil {
		return DiscardInbound(gw.Logger)
	}
	return gw.Inbound
}
