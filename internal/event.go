package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"

	"manualpilot/push/internal/broker"
)

// BroadcastChannel carries payloads every instance pushes to all its peers.
const BroadcastChannel = "push:broadcast"

const maxPayloadSize = 1 << 20

var ErrNoRoute = errors.New("no route to instance")

func instanceChannel(instanceID string) string {
	return fmt.Sprintf("push:inst:%v", instanceID)
}

// Cluster moves publisher requests between gateway instances.
type Cluster interface {
	Broadcast(ctx context.Context, message string) error
	Deliver(ctx context.Context, instanceID string, event Event) error
}

type redisCluster struct {
	rdb *redis.Client
}

func NewRedisCluster(rdb *redis.Client) Cluster {
	return &redisCluster{rdb: rdb}
}

func (c *redisCluster) Broadcast(ctx context.Context, message string) error {
	return c.rdb.Publish(ctx, BroadcastChannel, message).Err()
}

func (c *redisCluster) Deliver(ctx context.Context, instanceID string, event Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return c.rdb.Publish(ctx, instanceChannel(instanceID), string(b)).Err()
}

// localCluster serves a single instance: broadcasts go straight into the
// bridge channel and there is nobody else to deliver to.
type localCluster struct {
	broadcasts chan<- string
}

func NewLocalCluster(broadcasts chan<- string) Cluster {
	return &localCluster{broadcasts: broadcasts}
}

func (c *localCluster) Broadcast(ctx context.Context, message string) error {
	select {
	case c.broadcasts <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *localCluster) Deliver(_ context.Context, instanceID string, _ Event) error {
	return fmt.Errorf("%w %v", ErrNoRoute, instanceID)
}

// Publisher routes targeted pushes and drops to whichever instance holds
// the peer.
type Publisher struct {
	InstanceID string
	Broker     broker.Submitter
	Presence   Presence
	Cluster    Cluster
	Logger     *slog.Logger
}

// Apply turns an event for a local peer into a broker command.
func (p *Publisher) Apply(ctx context.Context, event Event) error {
	addr := broker.Address(event.ID)

	switch event.Type {
	case EventTypeSend:
		return p.Broker.Submit(ctx, broker.SendTo{Address: addr, Message: event.Payload})
	case EventTypeDrop:
		return p.Broker.Submit(ctx, broker.Forget{Address: addr})
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
}

// Route applies event locally or hands it to the owning instance. It reports
// whether the event was applied here.
func (p *Publisher) Route(ctx context.Context, event Event) (bool, error) {
	inst, err := p.Presence.Locate(ctx, broker.Address(event.ID))
	if err != nil {
		return false, err
	}

	if inst == p.InstanceID {
		return true, p.Apply(ctx, event)
	}

	return false, p.Cluster.Deliver(ctx, inst, event)
}

// SubscribeEvents feeds the broadcast channel into broadcasts and applies
// events addressed to this instance. It closes broadcasts when it returns.
func SubscribeEvents(ctx context.Context, logger *slog.Logger, rdb *redis.Client, publisher *Publisher, broadcasts chan<- string) {
	defer close(broadcasts)

	sub := rdb.Subscribe(ctx, BroadcastChannel, instanceChannel(publisher.InstanceID))
	//goland:noinspection GoUnhandledErrorResult
	defer sub.Close()

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			if msg.Channel == BroadcastChannel {
				ClusterEventsTotal.WithLabelValues("broadcast").Inc()

				select {
				case broadcasts <- msg.Payload:
				case <-ctx.Done():
					return
				}

				continue
			}

			event := Event{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Error("failed to unmarshal cluster event", err)
				continue
			}

			ClusterEventsTotal.WithLabelValues(string(event.Type)).Inc()

			if err := publisher.Apply(ctx, event); err != nil {
				logger.Warn("failed to apply cluster event", slog.String("event", string(event.Type)), slog.String("connection", event.ID), slog.Any("error", err))
			}
		}
	}
}

func BroadcastHandler(cluster Cluster, verifier RequestVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if verifier(r) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err := cluster.Broadcast(r.Context(), string(b)); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func WriteHandler(publisher *Publisher, verifier RequestVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if verifier(r) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		event := Event{
			Type:    EventTypeSend,
			ID:      chi.URLParam(r, "id"),
			Payload: string(b),
		}

		routeEvent(w, r, publisher, event)
	}
}

func DropHandler(publisher *Publisher, verifier RequestVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if verifier(r) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		event := Event{
			Type: EventTypeDrop,
			ID:   chi.URLParam(r, "id"),
		}

		routeEvent(w, r, publisher, event)
	}
}

// routeEvent answers 202 once the event is handed to the owning instance's
// broker, local or remote. Whether the peer is still registered there is not
// known at this point.
func routeEvent(w http.ResponseWriter, r *http.Request, publisher *Publisher, event Event) {
	local, err := publisher.Route(r.Context(), event)
	switch {
	case errors.Is(err, ErrPeerNotFound):
		w.WriteHeader(http.StatusNotFound)
	case err != nil:
		publisher.Logger.Warn("failed to route event", slog.String("connection", event.ID), slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
	default:
		publisher.Logger.Debug("routed event", slog.String("connection", event.ID), slog.Bool("local", local))
		w.WriteHeader(http.StatusAccepted)
	}
}
