package internal

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"

	"manualpilot/push/internal/broker"
)

type Options struct {
	InstanceID string
	// Redis enables presence and cross-instance delivery. Without it the
	// gateway serves only its own peers.
	Redis         *redis.Client
	Verifier      Verifier
	PublisherKey  ed25519.PublicKey
	PrivateKey    ed25519.PrivateKey
	DownstreamURL string
	// Events is an optional in-process source of broadcast payloads.
	Events         <-chan string
	OriginPatterns []string
	CommandBuffer  int
	InboundBuffer  int
	SendTimeout    time.Duration
	PingInterval   time.Duration
	Clock          clockwork.Clock
}

// Main starts the broker and its bridges under ctx and returns the router
// serving connections and publisher requests.
func Main(ctx context.Context, logger *slog.Logger, opts Options) (chi.Router, error) {
	if opts.Verifier == nil {
		return nil, errors.New("verifier is required")
	}

	if len(opts.PublisherKey) != ed25519.PublicKeySize {
		return nil, errors.New("publisher key must be an ed25519 public key")
	}

	if opts.DownstreamURL != "" && len(opts.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("a private key is required to sign downstream requests")
	}

	var presence Presence
	var cluster Cluster
	broadcasts := make(chan string, 64)

	if opts.Redis != nil {
		presence = NewRedisPresence(opts.Redis, opts.InstanceID)
		cluster = NewRedisCluster(opts.Redis)
	} else {
		presence = NewLocalPresence(opts.InstanceID)
		cluster = NewLocalCluster(broadcasts)
	}

	b := broker.New(logger.With(slog.String("component", "broker")),
		broker.WithCommandBuffer(opts.CommandBuffer),
		broker.WithSendTimeout(opts.SendTimeout),
		broker.WithDelivered(CountSent(ctx, logger, presence)),
	)
	go b.Run(ctx)

	publisher := &Publisher{
		InstanceID: opts.InstanceID,
		Broker:     b,
		Presence:   presence,
		Cluster:    cluster,
		Logger:     logger,
	}

	if opts.Redis != nil {
		go SubscribeEvents(ctx, logger, opts.Redis, publisher, broadcasts)
	}

	go bridge(ctx, logger, "cluster", broadcasts, b)
	if opts.Events != nil {
		go bridge(ctx, logger, "events", opts.Events, b)
	}

	inbound := DiscardInbound(logger)
	if opts.DownstreamURL != "" {
		inbound = NewDownstream(logger, opts.DownstreamURL, NewRequestSigner(opts.PrivateKey))
	}

	gw := &Gateway{
		Logger:         logger,
		Broker:         b,
		Verifier:       opts.Verifier,
		Presence:       publisher.Presence,
		Inbound:        inbound,
		Clock:          opts.Clock,
		OriginPatterns: opts.OriginPatterns,
		InboundBuffer:  opts.InboundBuffer,
		PingInterval:   opts.PingInterval,
	}

	verifier := NewRequestVerifier(opts.PublisherKey)

	router := chi.NewRouter()
	router.Use(mid(opts.InstanceID))
	router.Get("/health", health())
	router.Handle("/metrics", promhttp.Handler())
	if len(opts.PrivateKey) == ed25519.PrivateKeySize {
		router.Get("/.well-known/public.txt", PublicKeyRoute(opts.PrivateKey))
	}
	router.Get("/ws", JoinRoute(gw))
	router.Post("/broadcast", BroadcastHandler(publisher.Cluster, verifier))
	router.Post("/peers/{id}", WriteHandler(publisher, verifier))
	router.Delete("/peers/{id}", DropHandler(publisher, verifier))

	return router, nil
}

func bridge(ctx context.Context, logger *slog.Logger, source string, src <-chan string, b *broker.Broker) {
	log := logger.With(slog.String("bridge", source))

	err := broker.Forward(ctx, src, b)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, broker.ErrStopped) {
		log.Error("bridge stopped", err)
		return
	}

	log.Debug("bridge finished")
}

func health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func mid(instanceID string) func(http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", "manualpilot")
			w.Header().Set("Instance-ID", instanceID)
			handler.ServeHTTP(w, r)
		})
	}
}
