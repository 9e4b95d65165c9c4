package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codenearby/gathering"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func startHub(t *testing.T, origins ...string) *Hub {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	hub := NewHub(origins)
	t.Cleanup(runHub(hub))
	return hub
}

// runHub starts a run of hub and returns a func that ends it.
func runHub(hub *Hub) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.RunWithContext(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readEvent(t *testing.T, conn *websocket.Conn) gathering.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev gathering.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

func TestHubBroadcastsToRoom(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("room"), "octocat")
	}))
	defer srv.Close()

	inRoom, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/?room=abcd1234"), nil)
	require.NoError(t, err)
	defer inRoom.Close()
	elsewhere, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/?room=zzzz9999"), nil)
	require.NoError(t, err)
	defer elsewhere.Close()

	require.Eventually(t, func() bool {
		return hub.Clients("abcd1234") == 1 && hub.Clients("zzzz9999") == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish("abcd1234", gathering.Event{Type: gathering.EventMessage, Gathering: "abcd1234", Data: map[string]string{"text": "hi"}})
	ev := readEvent(t, inRoom)
	assert.Equal(t, gathering.EventMessage, ev.Type)
	assert.Equal(t, "abcd1234", ev.Gathering)

	// nothing was sent to the other room
	require.NoError(t, elsewhere.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = elsewhere.ReadMessage()
	assert.Error(t, err)
}

func TestHubDeleteDisconnectsRoom(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "abcd1234", "octocat")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients("abcd1234") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish("abcd1234", gathering.Event{Type: gathering.EventDeleted, Gathering: "abcd1234"})
	assert.Equal(t, gathering.EventDeleted, readEvent(t, conn).Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, hub.Clients("abcd1234"))
}

func TestHubLeaveClosesOnlyThatLogin(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "abcd1234", r.URL.Query().Get("login"))
	}))
	defer srv.Close()

	leaving, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/?login=octocat"), nil)
	require.NoError(t, err)
	defer leaving.Close()
	staying, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/?login=hubot"), nil)
	require.NoError(t, err)
	defer staying.Close()
	require.Eventually(t, func() bool { return hub.Clients("abcd1234") == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish("abcd1234", gathering.Event{
		Type:      gathering.EventLeft,
		Gathering: "abcd1234",
		Data:      gathering.Member{ID: octocat.ID, Login: "octocat"},
	})
	assert.Equal(t, gathering.EventLeft, readEvent(t, leaving).Type)
	assert.Equal(t, gathering.EventLeft, readEvent(t, staying).Type)

	_, _, err = leaving.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 1, hub.Clients("abcd1234"))

	hub.Publish("abcd1234", gathering.Event{Type: gathering.EventMessage, Gathering: "abcd1234"})
	assert.Equal(t, gathering.EventMessage, readEvent(t, staying).Type)
}

func TestHubRestart(t *testing.T) {
	hub := NewHub([]string{"*"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "abcd1234", "octocat")
	}))
	defer srv.Close()

	stop := runHub(hub)
	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return hub.Clients("abcd1234") == 1 }, 2*time.Second, 10*time.Millisecond)
	stop()

	// the stopped run closed its clients
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = first.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, hub.Clients("abcd1234"))

	// nothing is queued while the hub is down
	refused, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	require.NoError(t, err)
	defer refused.Close()
	require.NoError(t, refused.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = refused.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Empty(t, hub.register)

	t.Cleanup(runHub(hub))
	second, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool { return hub.Clients("abcd1234") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish("abcd1234", gathering.Event{Type: gathering.EventPoll, Gathering: "abcd1234"})
	assert.Equal(t, gathering.EventPoll, readEvent(t, second).Type)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := startHub(t, "https://codenearby.dev")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "abcd1234", "octocat")
	}))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), http.Header{"Origin": {"https://codenearby.dev"}})
	require.NoError(t, err)
	conn.Close()
}

func TestGatheringSocketThroughRouter(t *testing.T) {
	g := &gathering.Gathering{
		Slug:         "abcd1234",
		Host:         octocat.ID,
		Participants: []primitive.ObjectID{octocat.ID},
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	hub := startHub(t)
	ta := newTestAPI(t, Deps{Gatherings: &fakeGatherings{g: g}, Hub: hub})
	srv := httptest.NewServer(ta.handler)
	defer srv.Close()

	c := ta.cookie(t, octocat)
	header := http.Header{"Cookie": {c.Name + "=" + c.Value}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/v1/gatherings/abcd1234/ws"), header)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients("abcd1234") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish("abcd1234", gathering.Event{Type: gathering.EventPoll, Gathering: "abcd1234"})
	assert.Equal(t, gathering.EventPoll, readEvent(t, conn).Type)
}
