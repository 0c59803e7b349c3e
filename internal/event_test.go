package internal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manualpilot/push/internal/broker"
)

type mapPresence struct {
	localPresence
	owners map[broker.Address]string
}

func (p mapPresence) Locate(_ context.Context, id broker.Address) (string, error) {
	inst, ok := p.owners[id]
	if !ok {
		return "", ErrPeerNotFound
	}
	return inst, nil
}

type delivery struct {
	instanceID string
	event      Event
}

type recordingCluster struct {
	broadcasts []string
	deliveries []delivery
}

func (c *recordingCluster) Broadcast(_ context.Context, message string) error {
	c.broadcasts = append(c.broadcasts, message)
	return nil
}

func (c *recordingCluster) Deliver(_ context.Context, instanceID string, event Event) error {
	c.deliveries = append(c.deliveries, delivery{instanceID: instanceID, event: event})
	return nil
}

func testPublisher() (*Publisher, *recordingSubmitter, *recordingCluster) {
	rec := &recordingSubmitter{}
	cluster := &recordingCluster{}

	return &Publisher{
		InstanceID: "here",
		Broker:     rec,
		Presence: mapPresence{owners: map[broker.Address]string{
			"local":  "here",
			"remote": "there",
		}},
		Cluster: cluster,
		Logger:  testLogger(),
	}, rec, cluster
}

func TestPublisherRoutesLocally(t *testing.T) {
	p, rec, cluster := testPublisher()
	ctx := context.Background()

	local, err := p.Route(ctx, Event{Type: EventTypeSend, ID: "local", Payload: "hi"})
	require.NoError(t, err)
	assert.True(t, local)

	local, err = p.Route(ctx, Event{Type: EventTypeDrop, ID: "local"})
	require.NoError(t, err)
	assert.True(t, local)

	assert.Equal(t, []broker.Command{
		broker.SendTo{Address: "local", Message: "hi"},
		broker.Forget{Address: "local"},
	}, rec.commands())
	assert.Empty(t, cluster.deliveries)
}

func TestPublisherRoutesToOwner(t *testing.T) {
	p, rec, cluster := testPublisher()

	event := Event{Type: EventTypeSend, ID: "remote", Payload: "hi"}
	local, err := p.Route(context.Background(), event)
	require.NoError(t, err)
	assert.False(t, local)

	assert.Empty(t, rec.commands())
	assert.Equal(t, []delivery{{instanceID: "there", event: event}}, cluster.deliveries)
}

func TestPublisherUnknownPeer(t *testing.T) {
	p, _, _ := testPublisher()

	_, err := p.Route(context.Background(), Event{Type: EventTypeSend, ID: "nobody"})
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestPublisherRejectsUnknownEventType(t *testing.T) {
	p, rec, _ := testPublisher()

	assert.Error(t, p.Apply(context.Background(), Event{Type: "reboot", ID: "local"}))
	assert.Empty(t, rec.commands())
}

func TestPublisherHandlers(t *testing.T) {
	p, rec, cluster := testPublisher()

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer := NewRequestSigner(privateKey)
	verifier := NewRequestVerifier(publicKey)

	router := chi.NewRouter()
	router.Post("/broadcast", BroadcastHandler(cluster, verifier))
	router.Post("/peers/{id}", WriteHandler(p, verifier))
	router.Delete("/peers/{id}", DropHandler(p, verifier))

	do := func(method, path, body string, signed bool) int {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if signed {
			require.NoError(t, signer(req, "jobs"))
		}

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/broadcast", "x", false))
	assert.Equal(t, http.StatusAccepted, do(http.MethodPost, "/broadcast", "x", true))
	assert.Equal(t, http.StatusAccepted, do(http.MethodPost, "/peers/local", "y", true))
	assert.Equal(t, http.StatusAccepted, do(http.MethodPost, "/peers/remote", "z", true))
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/peers/nobody", "z", true))
	assert.Equal(t, http.StatusAccepted, do(http.MethodDelete, "/peers/local", "", true))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodDelete, "/peers/local", "", false))

	assert.Equal(t, []string{"x"}, cluster.broadcasts)
	assert.Equal(t, []broker.Command{
		broker.SendTo{Address: "local", Message: "y"},
		broker.Forget{Address: "local"},
	}, rec.commands())
	assert.Len(t, cluster.deliveries, 1)
}

func TestWriteHandlerStandaloneUnknownPeer(t *testing.T) {
	rec := &recordingSubmitter{}
	p := &Publisher{
		InstanceID: "here",
		Broker:     rec,
		Presence:   NewLocalPresence("here"),
		Cluster:    NewLocalCluster(make(chan string, 1)),
		Logger:     testLogger(),
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Post("/peers/{id}", WriteHandler(p, NewRequestVerifier(publicKey)))

	req := httptest.NewRequest(http.MethodPost, "/peers/gone", strings.NewReader("y"))
	require.NoError(t, NewRequestSigner(privateKey)(req, "jobs"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	// standalone presence cannot tell unknown peers apart, so the send is
	// only accepted, not confirmed
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []broker.Command{broker.SendTo{Address: "gone", Message: "y"}}, rec.commands())
}
