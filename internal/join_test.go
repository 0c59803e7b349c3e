package internal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"manualpilot/push/internal/broker"
)

type countingPresence struct {
	localPresence
	joins     atomic.Int32
	refreshes atomic.Int32
	leaves    atomic.Int32
	sent      atomic.Int32
}

func (p *countingPresence) Join(context.Context, broker.Address, string, string) error {
	p.joins.Add(1)
	return nil
}

func (p *countingPresence) Refresh(context.Context, broker.Address) error {
	p.refreshes.Add(1)
	return nil
}

func (p *countingPresence) Sent(context.Context, broker.Address) error {
	p.sent.Add(1)
	return nil
}

func (p *countingPresence) Leave(context.Context, broker.Address) error {
	p.leaves.Add(1)
	return nil
}

func TestJoinKeepaliveAndLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := broker.New(testLogger())
	go b.Run(ctx)

	clock := clockwork.NewFakeClock()
	presence := &countingPresence{}

	var mu sync.Mutex
	var inbound []string

	gw := &Gateway{
		Logger:   testLogger(),
		Broker:   b,
		Verifier: testVerifier,
		Presence: presence,
		Inbound: func(_ context.Context, frame Frame) {
			mu.Lock()
			defer mu.Unlock()
			inbound = append(inbound, string(frame.Data))
		},
		Clock:        clock,
		PingInterval: time.Second,
	}

	server := httptest.NewServer(JoinRoute(gw))
	defer server.Close()

	conn, _, err := websocket.Dial(ctx, server.URL, nil)
	require.NoError(t, err)

	assert.JSONEq(t, authOk, authenticate(t, conn, "good"))
	// recorded before auth_ok could be written
	assert.EqualValues(t, 1, presence.joins.Load())

	// pongs are only sent while the client is reading
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		readErr <- err
	}()

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return presence.refreshes.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("hello")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(inbound) == 1 && inbound[0] == "hello"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	<-readErr

	require.Eventually(t, func() bool { return presence.leaves.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	peers, err := b.Peers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestDownstreamRelay(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	verifier := NewRequestVerifier(publicKey)
	got := make(chan *http.Request, 2)
	bodies := make(chan string, 2)

	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if verifier(r) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		got <- r
		bodies <- string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	relay := NewDownstream(testLogger(), downstream.URL, NewRequestSigner(privateKey))

	relay(context.Background(), Frame{Address: "peer", Type: websocket.MessageText, Data: []byte("hi")})
	relay(context.Background(), Frame{Address: "peer", Type: websocket.MessageBinary, Data: []byte{0}})

	r := <-got
	assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
	assert.Equal(t, "peer", verifier(r))
	assert.Equal(t, "hi", <-bodies)

	r = <-got
	assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
	assert.Equal(t, "\x00", <-bodies)
}
