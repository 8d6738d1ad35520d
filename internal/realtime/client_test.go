package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dots-sync/internal/domain"
	"dots-sync/internal/reconcile"
)

// recordingSink collects what a subscription reports.
type recordingSink struct {
	states chan reconcile.FeedState
	events chan reconcile.Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		states: make(chan reconcile.FeedState, 32),
		events: make(chan reconcile.Event, 32),
	}
}

func (s *recordingSink) HandleEvent(ev reconcile.Event) { s.events <- ev }

func (s *recordingSink) HandleState(state reconcile.FeedState, _ error) { s.states <- state }

func (s *recordingSink) nextState(t *testing.T) reconcile.FeedState {
	t.Helper()
	select {
	case st := <-s.states:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a feed state")
	}
	return 0
}

func (s *recordingSink) nextEvent(t *testing.T) reconcile.Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a feed event")
	}
	return reconcile.Event{}
}

// fakeServer is a minimal realtime server: it acknowledges joins and
// heartbeats and lets the test push frames to the connected socket.
type fakeServer struct {
	upgrader websocket.Upgrader
	server   *httptest.Server

	mu          sync.Mutex
	received    []message
	conns       chan *websocket.Conn
	rejectFirst atomic.Bool
	connections atomic.Int32
	ackHeartbt  atomic.Bool
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4)}
	fs.ackHeartbt.Store(true)
	fs.server = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http") + "/realtime/v1/websocket"
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("vsn") != protocolVsn {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	n := fs.connections.Add(1)
	if n == 1 && fs.rejectFirst.Load() {
		return
	}
	fs.conns <- conn

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		fs.mu.Lock()
		fs.received = append(fs.received, msg)
		fs.mu.Unlock()

		switch msg.Event {
		case eventJoin:
			_ = conn.WriteJSON(message{Topic: msg.Topic, Event: eventReply, Ref: msg.Ref,
				Payload: json.RawMessage(`{"status":"ok","response":{"postgres_changes":[{"id":1}]}}`)})
		case eventHeartbeat:
			if fs.ackHeartbt.Load() {
				_ = conn.WriteJSON(message{Topic: heartbeatTopic, Event: eventReply, Ref: msg.Ref,
					Payload: json.RawMessage(`{"status":"ok","response":{}}`)})
			}
		}
	}
}

func (fs *fakeServer) messages(event string) []message {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []message
	for _, m := range fs.received {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func (fs *fakeServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no realtime connection")
	}
	return nil
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		URL:                      url,
		APIKey:                   "anon",
		AccessToken:              "token",
		HeartbeatInterval:        time.Hour,
		EventsPerSecond:          10,
		ReconnectInitialInterval: 10 * time.Millisecond,
		ReconnectMaxInterval:     50 * time.Millisecond,
	}, zap.NewNop())
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "realtime:public:nodes:workspace_id=eq.w1", Topic(domain.CollectionNodes, "w1"))
}

func TestEndpoint(t *testing.T) {
	c := newTestClient("wss://proj.supabase.co/realtime/v1/websocket")
	endpoint, err := c.Endpoint()
	require.NoError(t, err)
	assert.Contains(t, endpoint, "apikey=anon")
	assert.Contains(t, endpoint, "eventsPerSecond=10")
	assert.Contains(t, endpoint, "vsn=1.0.0")

	_, err = newTestClient("https://proj.supabase.co").Endpoint()
	assert.Error(t, err)
	_, err = newTestClient("").Endpoint()
	assert.Error(t, err)
}

func TestSubscribeJoinsChannelsAndDeliversChanges(t *testing.T) {
	fs := newFakeServer(t)
	sink := newRecordingSink()

	sub, err := newTestClient(fs.url()).Subscribe(context.Background(), "w1", sink)
	require.NoError(t, err)
	defer sub.Close()

	conn := fs.conn(t)
	assert.Equal(t, reconcile.StateOpen, sink.nextState(t))

	joins := fs.messages(eventJoin)
	require.Len(t, joins, 2)
	var join joinPayload
	require.NoError(t, json.Unmarshal(joins[0].Payload, &join))
	assert.Equal(t, "token", join.AccessToken)
	require.Len(t, join.Config.PostgresChanges, 1)
	assert.Equal(t, "workspace_id=eq.w1", join.Config.PostgresChanges[0].Filter)
	assert.ElementsMatch(t,
		[]string{Topic(domain.CollectionNodes, "w1"), Topic(domain.CollectionLinks, "w1")},
		[]string{joins[0].Topic, joins[1].Topic})

	require.NoError(t, conn.WriteJSON(message{
		Topic: Topic(domain.CollectionNodes, "w1"),
		Event: eventPostgresChanges,
		Payload: json.RawMessage(`{"ids":[1],"data":{"type":"UPDATE","schema":"public","table":"nodes",` +
			`"record":{"id":"n1","title":"hello"},"old_record":{"id":"n1"}}}`),
	}))
	ev := sink.nextEvent(t)
	assert.Equal(t, reconcile.EventUpdate, ev.Type)
	assert.Equal(t, domain.CollectionNodes, ev.Collection)
	assert.Equal(t, "hello", ev.New.String("title"))
	assert.Equal(t, "n1", ev.Old.ID())

	require.NoError(t, conn.WriteJSON(message{
		Topic:   Topic(domain.CollectionLinks, "w1"),
		Event:   "DELETE",
		Payload: json.RawMessage(`{"type":"DELETE","table":"links","old_record":{"id":"l1"}}`),
	}))
	ev = sink.nextEvent(t)
	assert.Equal(t, reconcile.EventDelete, ev.Type)
	assert.Equal(t, domain.CollectionLinks, ev.Collection)
	assert.Equal(t, "l1", ev.Old.ID())
}

func TestUndecodableChangeIsSkipped(t *testing.T) {
	fs := newFakeServer(t)
	sink := newRecordingSink()
	sub, err := newTestClient(fs.url()).Subscribe(context.Background(), "w1", sink)
	require.NoError(t, err)
	defer sub.Close()

	conn := fs.conn(t)
	require.Equal(t, reconcile.StateOpen, sink.nextState(t))

	require.NoError(t, conn.WriteJSON(message{Topic: "x", Event: eventPostgresChanges, Payload: json.RawMessage(`{"data":{"type":"TRUNCATE"}}`)}))
	require.NoError(t, conn.WriteJSON(message{Topic: "x", Event: eventPostgresChanges,
		Payload: json.RawMessage(`{"data":{"type":"INSERT","table":"nodes","record":{"id":"n2"}}}`)}))

	ev := sink.nextEvent(t)
	assert.Equal(t, "n2", ev.New.ID(), "the connection survives a bad frame")
}

func TestReconnectsAfterConnectionFailure(t *testing.T) {
	fs := newFakeServer(t)
	fs.rejectFirst.Store(true)
	sink := newRecordingSink()

	sub, err := newTestClient(fs.url()).Subscribe(context.Background(), "w1", sink)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, reconcile.StateErroring, sink.nextState(t))
	assert.Equal(t, reconcile.StateConnecting, sink.nextState(t))
	assert.Equal(t, reconcile.StateOpen, sink.nextState(t))
	assert.GreaterOrEqual(t, fs.connections.Load(), int32(2))
}

func TestHeartbeat(t *testing.T) {
	fs := newFakeServer(t)
	sink := newRecordingSink()
	c := newTestClient(fs.url())
	c.config.HeartbeatInterval = 20 * time.Millisecond

	sub, err := c.Subscribe(context.Background(), "w1", sink)
	require.NoError(t, err)
	defer sub.Close()
	fs.conn(t)
	require.Equal(t, reconcile.StateOpen, sink.nextState(t))

	require.Eventually(t, func() bool { return len(fs.messages(eventHeartbeat)) >= 2 }, 5*time.Second, 10*time.Millisecond)
	hb := fs.messages(eventHeartbeat)[0]
	assert.Equal(t, heartbeatTopic, hb.Topic)
}

func TestUnacknowledgedHeartbeatReconnects(t *testing.T) {
	fs := newFakeServer(t)
	fs.ackHeartbt.Store(false)
	sink := newRecordingSink()
	c := newTestClient(fs.url())
	c.config.HeartbeatInterval = 20 * time.Millisecond

	sub, err := c.Subscribe(context.Background(), "w1", sink)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, reconcile.StateOpen, sink.nextState(t))
	assert.Equal(t, reconcile.StateErroring, sink.nextState(t))
}

func TestCloseLeavesChannels(t *testing.T) {
	fs := newFakeServer(t)
	sink := newRecordingSink()
	sub, err := newTestClient(fs.url()).Subscribe(context.Background(), "w1", sink)
	require.NoError(t, err)
	fs.conn(t)
	require.Equal(t, reconcile.StateOpen, sink.nextState(t))

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return len(fs.messages(eventLeave)) == 2 }, 5*time.Second, 10*time.Millisecond)

	select {
	case st := <-sink.states:
		t.Fatalf("no state expected after close, got %s", st)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeRequiresWorkspace(t *testing.T) {
	_, err := newTestClient("ws://localhost").Subscribe(context.Background(), "", newRecordingSink())
	assert.Error(t, err)
}
