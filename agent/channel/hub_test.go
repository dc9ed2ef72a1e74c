package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func newTestHub(t *testing.T) (*Hub, string) {
	hub := NewHub(log.Named("hub"))
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, Identity{Username: r.URL.Query().Get("user")})
	}))
	t.Cleanup(s.Close)
	t.Cleanup(hub.Close)
	return hub, "ws" + strings.TrimPrefix(s.URL, "http")
}

func dial(t *testing.T, url, user string) *Client {
	c, err := Dial(context.Background(), log.Named(user), url+"?user="+user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func receive(t *testing.T, c *Client, timeout time.Duration) (Message, bool) {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		return msg, ok
	case <-time.After(timeout):
		return Message{}, false
	}
}

func TestBroadcastIsolation(t *testing.T) {
	hub, url := newTestHub(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")
	require.Eventually(t, func() bool { return hub.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	isAlice := func(id Identity) bool { return id.Username == "alice" }
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, hub.Broadcast("greeting", isAlice, map[string]string{"name": "s"}, i))
	}

	for i := 0; i < 3; i++ {
		msg, ok := receive(t, alice, 5*time.Second)
		require.True(t, ok)
		assert.Equal(t, "greeting", msg.Event)
		var header map[string]string
		var n int
		require.NoError(t, msg.Decode(&header, &n))
		assert.Equal(t, "s", header["name"])
		assert.Equal(t, i, n, "messages arrive in broadcast order")
	}

	_, ok := receive(t, bob, 300*time.Millisecond)
	assert.False(t, ok, "bob must not receive alice's messages")
}

func TestInboundHandlers(t *testing.T) {
	hub, url := newTestHub(t)

	type call struct {
		user string
		args []string
	}
	calls := make(chan call, 10)
	hub.On("echo", func(c *Conn, msg Message) {
		var a, b string
		if err := msg.Decode(&a, &b); err != nil {
			calls <- call{user: c.Identity.Username}
			return
		}
		calls <- call{user: c.Identity.Username, args: []string{a, b}}
	})

	alice := dial(t, url, "alice")
	ctx := context.Background()
	require.NoError(t, alice.Emit(ctx, "unknown", "ignored"))
	require.NoError(t, alice.Emit(ctx, "echo", "x"))
	require.NoError(t, alice.Emit(ctx, "echo", "a", "b"))

	select {
	case c := <-calls:
		assert.Equal(t, call{user: "alice"}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
	select {
	case c := <-calls:
		assert.Equal(t, call{user: "alice", args: []string{"a", "b"}}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
}

func TestHubClose(t *testing.T) {
	hub, url := newTestHub(t)
	alice := dial(t, url, "alice")
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	hub.Close()

	select {
	case _, ok := <-alice.Messages():
		assert.False(t, ok)
	case <-time.After(10 * time.Second):
		t.Fatal("client was not disconnected")
	}
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestIdentityInGroup(t *testing.T) {
	id := Identity{Username: "alice", Groups: []string{"users", "admin"}}
	assert.True(t, id.InGroup("admin"))
	assert.True(t, id.InGroup("nope", "users"))
	assert.False(t, id.InGroup("nope"))
	assert.False(t, id.InGroup())
}

func TestDialGetsConnID(t *testing.T) {
	hub, url := newTestHub(t)
	alice := dial(t, url, "alice")
	assert.NotEmpty(t, alice.ID)
	// registration happens before Dial returns
	assert.Equal(t, 1, hub.Len())
	assert.Equal(t, 1, hub.Broadcast("x", func(Identity) bool { return true }))
}
