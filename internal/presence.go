package internal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"

	"manualpilot/push/internal/broker"
)

const (
	presenceTTL   = 90 * time.Second
	sentQueueSize = 1024
)

var ErrPeerNotFound = errors.New("peer not found")

// Presence records which gateway instance holds which peer so publishers can
// reach a peer through any instance.
type Presence interface {
	Join(ctx context.Context, id broker.Address, remote, subject string) error
	Refresh(ctx context.Context, id broker.Address) error
	Received(ctx context.Context, id broker.Address) error
	Sent(ctx context.Context, id broker.Address) error
	Leave(ctx context.Context, id broker.Address) error
	Locate(ctx context.Context, id broker.Address) (string, error)
}

type redisPresence struct {
	rdb        *redis.Client
	instanceID string
}

func NewRedisPresence(rdb *redis.Client, instanceID string) Presence {
	return &redisPresence{rdb: rdb, instanceID: instanceID}
}

func presenceKey(id broker.Address) string {
	return fmt.Sprintf("ws:%v", id)
}

func (p *redisPresence) Join(ctx context.Context, id broker.Address, remote, subject string) error {
	rid := presenceKey(id)

	data := map[string]string{
		"inst":   p.instanceID,
		"join":   strconv.Itoa(int(time.Now().Unix())),
		"remote": remote,
		"sub":    subject,
		"recv":   "0",
		"sent":   "0",
	}

	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rid, data)
		pipe.Expire(ctx, rid, presenceTTL)
		return nil
	})

	return err
}

func (p *redisPresence) Refresh(ctx context.Context, id broker.Address) error {
	return p.rdb.Expire(ctx, presenceKey(id), presenceTTL).Err()
}

func (p *redisPresence) Received(ctx context.Context, id broker.Address) error {
	return p.rdb.HIncrBy(ctx, presenceKey(id), "recv", 1).Err()
}

// Sent also renews the TTL so a count landing after Leave cannot leave an
// immortal key behind. Such a key has no inst field and is never located.
func (p *redisPresence) Sent(ctx context.Context, id broker.Address) error {
	rid := presenceKey(id)

	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, rid, "sent", 1)
		pipe.Expire(ctx, rid, presenceTTL)
		return nil
	})

	return err
}

func (p *redisPresence) Leave(ctx context.Context, id broker.Address) error {
	return p.rdb.Del(ctx, presenceKey(id)).Err()
}

func (p *redisPresence) Locate(ctx context.Context, id broker.Address) (string, error) {
	inst, err := p.rdb.HGet(ctx, presenceKey(id), "inst").Result()
	if err == redis.Nil {
		return "", ErrPeerNotFound
	} else if err != nil {
		return "", err
	}

	return inst, nil
}

// localPresence is used when the gateway runs alone: every peer is assumed to
// be local and unknown addresses fall through to a no-op SendTo.
type localPresence struct {
	instanceID string
}

func NewLocalPresence(instanceID string) Presence {
	return localPresence{instanceID: instanceID}
}

func (localPresence) Join(context.Context, broker.Address, string, string) error { return nil }
func (localPresence) Refresh(context.Context, broker.Address) error              { return nil }
func (localPresence) Received(context.Context, broker.Address) error             { return nil }
func (localPresence) Sent(context.Context, broker.Address) error                 { return nil }
func (localPresence) Leave(context.Context, broker.Address) error                { return nil }

func (p localPresence) Locate(context.Context, broker.Address) (string, error) {
	return p.instanceID, nil
}

// CountSent returns a broker delivery hook that records pushes in presence.
// The hook never blocks the broker loop: counts that do not fit in the queue
// are dropped.
func CountSent(ctx context.Context, logger *slog.Logger, presence Presence) func(broker.Address) {
	ids := make(chan broker.Address, sentQueueSize)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-ids:
				if err := presence.Sent(ctx, id); err != nil {
					logger.Debug("failed to count push", slog.String("id", string(id)), slog.Any("error", err))
				}
			}
		}
	}()

	return func(id broker.Address) {
		select {
		case ids <- id:
		default:
			SentCountsDropped.Inc()
		}
	}
}
