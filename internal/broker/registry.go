package broker

import (
	"context"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slog"
)

// registry is the address -> peer mapping. It is not safe for concurrent use;
// the broker loop is its only caller.
type registry struct {
	logger      *slog.Logger
	peers       map[Address]Peer
	sendTimeout time.Duration
	onSent      func(Address)
}

func newRegistry(logger *slog.Logger, sendTimeout time.Duration) *registry {
	return &registry{
		logger:      logger,
		peers:       make(map[Address]Peer),
		sendTimeout: sendTimeout,
	}
}

// apply runs one command to completion. Peers whose sink failed are gone from
// the registry when apply returns; their addresses are returned.
func (r *registry) apply(ctx context.Context, cmd Command) []Address {
	CommandsTotal.WithLabelValues(cmd.command()).Inc()

	var discard []Address

	switch c := cmd.(type) {
	case Track:
		r.track(c)
	case Forget:
		r.forget(c.Address)
	case SendTo:
		if peer, ok := r.peers[c.Address]; ok {
			if !r.send(ctx, peer, c.Message) {
				discard = append(discard, c.Address)
			}
		}
	case SendAll:
		for addr, peer := range r.peers {
			if !r.send(ctx, peer, c.Message) {
				discard = append(discard, addr)
			}
		}
	case snapshot:
		c.reply <- r.addresses()
	default:
		r.logger.Warn("unknown command", slog.String("command", cmd.command()))
	}

	for _, addr := range discard {
		delete(r.peers, addr)
		EvictionsTotal.Inc()
		r.logger.Debug("evicted", slog.String("peer", string(addr)))
	}

	PeersConnected.Set(float64(len(r.peers)))
	return discard
}

func (r *registry) track(c Track) {
	if old, ok := r.peers[c.Address]; ok {
		_ = old.Sink.Close()
	}

	r.peers[c.Address] = Peer{
		Address:  c.Address,
		Sink:     c.Sink,
		Identity: c.Identity,
	}
}

func (r *registry) forget(addr Address) {
	peer, ok := r.peers[addr]
	if !ok {
		return
	}

	delete(r.peers, addr)
	_ = peer.Sink.Close()
}

// send reports whether the message was written. A failed sink is closed here;
// removing it from the map is left to the caller.
func (r *registry) send(ctx context.Context, peer Peer, message string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	if err := peer.Sink.Send(ctx, message); err != nil {
		SendsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("failed to push", slog.String("peer", string(peer.Address)), slog.Any("error", err))
		_ = peer.Sink.Close()
		return false
	}

	SendsTotal.WithLabelValues("ok").Inc()
	if r.onSent != nil {
		r.onSent(peer.Address)
	}

	return true
}

func (r *registry) addresses() []Address {
	return maps.Keys(r.peers)
}

// closeAll drops every peer, closing its sink.
func (r *registry) closeAll() {
	for addr, peer := range r.peers {
		_ = peer.Sink.Close()
		delete(r.peers, addr)
	}

	PeersConnected.Set(0)
}
