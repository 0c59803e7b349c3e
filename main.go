package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/exp/slog"

	"manualpilot/push/internal"
)

type Env struct {
	Port          int                   `env:"PORT,default=8080"`
	InstanceID    string                `env:"INSTANCE_ID,required"`
	ServiceDomain string                `env:"SERVICE_DOMAIN"`
	RedisURL      string                `env:"REDIS_URL,required"`
	JWTSecret     string                `env:"JWT_SECRET,required"`
	JWTIssuer     string                `env:"JWT_ISSUER"`
	PublisherKey  envconfig.Base64Bytes `env:"PUBLISHER_KEY,required"`
	PrivateKey    envconfig.Base64Bytes `env:"PRIVATE_KEY"`
	DownstreamURL string                `env:"DOWNSTREAM_URL"`
	CommandBuffer int                   `env:"COMMAND_BUFFER,default=256"`
	InboundBuffer int                   `env:"INBOUND_BUFFER,default=64"`
	SendTimeout   time.Duration         `env:"SEND_TIMEOUT,default=5s"`
	LogLevel      string                `env:"LOG_LEVEL,default=debug"`
}

func doMain(logger *slog.Logger, level *slog.LevelVar) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := Env{}
	if err := envconfig.Process(ctx, &env); err != nil {
		return err
	}

	level.Set(decodeLogLevel(env.LogLevel))
	logger = logger.With(slog.String("instance", env.InstanceID))

	rOpts, err := redis.ParseURL(env.RedisURL)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(rOpts)
	if err := rdb.Info(ctx).Err(); err != nil {
		return err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer rdb.Close()

	var origins []string
	if env.ServiceDomain != "" {
		origins = []string{env.ServiceDomain}
	}

	router, err := internal.Main(ctx, logger, internal.Options{
		InstanceID:     env.InstanceID,
		Redis:          rdb,
		Verifier:       internal.NewJWTVerifier([]byte(env.JWTSecret), env.JWTIssuer),
		PublisherKey:   ed25519.PublicKey(env.PublisherKey),
		PrivateKey:     ed25519.PrivateKey(env.PrivateKey),
		DownstreamURL:  env.DownstreamURL,
		OriginPatterns: origins,
		CommandBuffer:  env.CommandBuffer,
		InboundBuffer:  env.InboundBuffer,
		SendTimeout:    env.SendTimeout,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%v", env.Port),
		Handler: router,
	}

	if env.ServiceDomain != "" {
		tlsConfig, err := TLSConfig(ctx, env.ServiceDomain, rdb)
		if err != nil {
			return err
		}

		server.TLSConfig = tlsConfig
	}

	//goland:noinspection GoUnhandledErrorResult
	defer server.Close()

	ec := make(chan error, 1)
	go func() {
		logger.Debug("starting...", slog.String("address", server.Addr))

		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			ec <- err
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sc:
		logger.Warn("shutdown signal", slog.String("signal", sig.String()))
	case err := <-ec:
		return fmt.Errorf("http server: %w", err)
	}

	return nil
}

func decodeLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func main() {
	level := &slog.LevelVar{}
	handler := slog.HandlerOptions{AddSource: true, Level: level}
	logger := slog.New(handler.NewTextHandler(os.Stdout))

	if err := doMain(logger, level); err != nil {
		logger.Error("failed to start", err)
		os.Exit(1)
	}
}
