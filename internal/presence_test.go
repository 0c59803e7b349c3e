package internal

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manualpilot/push/internal/broker"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable at %v: %v", redisAddr, err)
	}

	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisPresence(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	instanceID := ksuid.New().String()
	id := broker.Address(ksuid.New().String())
	presence := NewRedisPresence(rdb, instanceID)

	_, err := presence.Locate(ctx, id)
	assert.ErrorIs(t, err, ErrPeerNotFound)

	require.NoError(t, presence.Join(ctx, id, "10.0.0.1:5000", "user-1"))
	t.Cleanup(func() { _ = presence.Leave(ctx, id) })

	inst, err := presence.Locate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, instanceID, inst)

	require.NoError(t, presence.Received(ctx, id))
	require.NoError(t, presence.Received(ctx, id))

	recv, err := rdb.HGet(ctx, presenceKey(id), "recv").Int()
	require.NoError(t, err)
	assert.Equal(t, 2, recv)

	require.NoError(t, presence.Sent(ctx, id))

	sent, err := rdb.HGet(ctx, presenceKey(id), "sent").Int()
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	ttl, err := rdb.TTL(ctx, presenceKey(id)).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= presenceTTL)

	require.NoError(t, presence.Refresh(ctx, id))
	require.NoError(t, presence.Leave(ctx, id))

	_, err = presence.Locate(ctx, id)
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestRedisPresenceSentAfterLeave(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	id := broker.Address(ksuid.New().String())
	presence := NewRedisPresence(rdb, ksuid.New().String())

	require.NoError(t, presence.Sent(ctx, id))
	t.Cleanup(func() { _ = presence.Leave(ctx, id) })

	_, err := presence.Locate(ctx, id)
	assert.ErrorIs(t, err, ErrPeerNotFound)

	ttl, err := rdb.TTL(ctx, presenceKey(id)).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= presenceTTL)
}

func TestCountSent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	presence := &countingPresence{}
	record := CountSent(ctx, testLogger(), presence)

	record("a")
	record("a")
	record("b")

	require.Eventually(t, func() bool { return presence.sent.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeEvents(t *testing.T) {
	rdb := testRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recordingSubmitter{}
	publisher := &Publisher{
		InstanceID: ksuid.New().String(),
		Broker:     rec,
		Logger:     testLogger(),
	}

	broadcasts := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		SubscribeEvents(ctx, testLogger(), rdb, publisher, broadcasts)
	}()

	// wait for the subscription to be live
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, instanceChannel(publisher.InstanceID)).Result()
		return err == nil && n[instanceChannel(publisher.InstanceID)] > 0
	}, 2*time.Second, 10*time.Millisecond)

	cluster := NewRedisCluster(rdb)
	require.NoError(t, cluster.Deliver(ctx, publisher.InstanceID, Event{Type: EventTypeSend, ID: "peer", Payload: "hi"}))

	require.Eventually(t, func() bool { return len(rec.commands()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, broker.SendTo{Address: "peer", Message: "hi"}, rec.commands()[0])

	require.NoError(t, cluster.Broadcast(ctx, "everyone"))

	select {
	case msg := <-broadcasts:
		assert.Equal(t, "everyone", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not relayed")
	}

	b, err := json.Marshal(Event{Type: EventTypeDrop, ID: "peer"})
	require.NoError(t, err)
	require.NoError(t, rdb.Publish(ctx, instanceChannel(publisher.InstanceID), string(b)).Err())

	require.Eventually(t, func() bool { return len(rec.commands()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, broker.Forget{Address: "peer"}, rec.commands()[1])

	cancel()
	<-done

	_, open := <-broadcasts
	assert.False(t, open)
}
