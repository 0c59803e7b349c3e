// Package broker owns the registry of authenticated peers and delivers pushes
// to them. All access goes through Submit; the registry itself lives inside
// the Run goroutine and is never shared.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

// ErrStopped is returned by Submit once Run has started shutting down.
var ErrStopped = errors.New("broker stopped")

const (
	defaultCommandBuffer = 256
	defaultSendTimeout   = 5 * time.Second
)

type Option func(*Broker)

// WithCommandBuffer bounds the command channel. Submit blocks while it is full.
func WithCommandBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.cmds = make(chan Command, n)
		}
	}
}

// WithSendTimeout bounds a single push to a single peer.
func WithSendTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.sendTimeout = d
		}
	}
}

// WithDelivered registers fn to be called from the loop after every
// successful push. fn must not block.
func WithDelivered(fn func(Address)) Option {
	return func(b *Broker) {
		b.onSent = fn
	}
}

type Broker struct {
	logger      *slog.Logger
	cmds        chan Command
	stopping    chan struct{}
	done        chan struct{}
	sendTimeout time.Duration
	onSent      func(Address)

	// mu guards stopped; Submit holds it shared while enqueueing.
	mu      sync.RWMutex
	stopped bool
}

func New(logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		logger:      logger,
		cmds:        make(chan Command, defaultCommandBuffer),
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
		sendTimeout: defaultSendTimeout,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Run applies commands in the order they were submitted until ctx is done.
// Remaining peers, and sinks of Track commands still queued, are closed on
// the way out. Run must be called once.
func (b *Broker) Run(ctx context.Context) {
	reg := newRegistry(b.logger, b.sendTimeout)
	reg.onSent = b.onSent

	defer close(b.done)
	defer reg.closeAll()
	defer b.drain()

	b.logger.Debug("broker started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("broker stopped", slog.Int("peers", len(reg.peers)))
			return
		case cmd := <-b.cmds:
			CommandQueueDepth.Set(float64(len(b.cmds)))
			reg.apply(ctx, cmd)
		}
	}
}

// drain refuses further commands and closes the sinks carried by queued
// Track commands. Other queued commands are dropped.
func (b *Broker) drain() {
	close(b.stopping)

	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	for {
		select {
		case cmd := <-b.cmds:
			if c, ok := cmd.(Track); ok {
				_ = c.Sink.Close()
			}
		default:
			CommandQueueDepth.Set(0)
			return
		}
	}
}

// Submit enqueues cmd, waiting for room in the channel if necessary.
func (b *Broker) Submit(ctx context.Context, cmd Command) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return ErrStopped
	}

	select {
	case b.cmds <- cmd:
		return nil
	case <-b.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Peers returns the addresses registered at the moment the loop reaches the
// query. Commands submitted earlier are always reflected.
func (b *Broker) Peers(ctx context.Context) ([]Address, error) {
	reply := make(chan []Address, 1)
	if err := b.Submit(ctx, snapshot{reply: reply}); err != nil {
		return nil, err
	}

	select {
	case addrs := <-reply:
		return addrs, nil
	case <-b.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when Run returns.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}
