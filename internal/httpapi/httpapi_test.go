package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/bus"
	"github.com/wiremesh/chatcore/internal/channelsvc"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/jobs"
	"github.com/wiremesh/chatcore/internal/persistence/memstore"
	"github.com/wiremesh/chatcore/internal/session"
	"github.com/wiremesh/chatcore/internal/socket"
)

// fakeClock is a mutable core.Clock without locking, a simpler form of
// the mutex-guarded fakes in internal/session and internal/jobs's tests.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time       { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func testCoreConfig() core.Config {
	return core.Config{
		GeneralRateLimitPerMinute: 100000,
		GeneralRateLimitBurst:     100000,
		UploadRateLimitPerMinute:  100000,
		UploadRateLimitBurst:      100000,
		HealthRateLimitPerMinute:  100000,
		HealthRateLimitBurst:      100000,
		ChannelIDFailureThreshold: 1000,
		ChannelIDFailureWindowSeconds: 60,
		MaxFileSizeBytes:          1 << 20,
		AllowedUploadMIMETypes:    []string{"image/png"},
	}
}

// harness bundles one fully wired httpapi.API plus its collaborators,
// grounded on the memstore/bus.New(&core.NoOpLogger{}) integration style
// established in internal/session, internal/jobs and internal/agentconn.
type harness struct {
	mux      *chi.Mux
	server   *httptest.Server
	store    *memstore.Store
	bus      *bus.Bus
	serverID string
	clock    *fakeClock
}

// lazyBroadcaster defers to a socket.Router constructed after this
// value is already handed to channelsvc.New, breaking the
// construction cycle (the router needs a channelsvc.Service, and the
// service needs the router as its SocketBroadcaster).
type lazyBroadcaster struct{ router *socket.Router }

func (b *lazyBroadcaster) BroadcastMessage(channelID string, msg *domain.Message) {
	if b.router != nil {
		b.router.BroadcastMessage(channelID, msg)
	}
}
func (b *lazyBroadcaster) BroadcastMessageDeleted(channelID, messageID string) {
	if b.router != nil {
		b.router.BroadcastMessageDeleted(channelID, messageID)
	}
}
func (b *lazyBroadcaster) BroadcastChannelCleared(channelID string) {
	if b.router != nil {
		b.router.BroadcastChannelCleared(channelID)
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	serverID := ids.New()
	store := memstore.New()
	require.NoError(t, store.CreateServer(context.Background(), &domain.MessageServer{ID: serverID, Name: "test"}))

	b := bus.New(&core.NoOpLogger{})
	broadcaster := &lazyBroadcaster{}
	channels := channelsvc.New(store, b, broadcaster, nil, serverID, &core.NoOpLogger{})
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	sessions := session.New(store, channels, serverID, session.Config{
		DefaultTimeoutMinutes:   30,
		MinTimeoutMinutes:       1,
		MaxTimeoutMinutes:       1440,
		MaxDurationMinutes:      480,
		WarningThresholdMinutes: 5,
		CleanupIntervalMinutes:  60,
	}, clock, &core.NoOpLogger{}, nil)

	jobRouter := jobs.New(store, channels, b, serverID, jobs.Config{
		DefaultTimeout:     5 * time.Minute,
		AbsoluteMaxTimeout:  30 * time.Minute,
		SweepInterval:      time.Minute,
		TerminalRetention:  time.Hour,
		MaxJobsInMemory:    1000,
	}, clock, &core.NoOpLogger{})
	jobRouter.Start()
	t.Cleanup(jobRouter.Cleanup)

	sockRouter := socket.New(store, channels, b, socket.Config{}, nil, &core.NoOpLogger{})
	broadcaster.router = sockRouter
	sockRouter.Start()

	mux := NewRouter(Deps{
		Store:           store,
		Channels:        channels,
		Sessions:        sessions,
		Jobs:            jobRouter,
		Socket:          sockRouter,
		Bus:             b,
		Config:          testCoreConfig(),
		Logger:          &core.NoOpLogger{},
		CurrentServerID: serverID,
	})

	return &harness{mux: mux, store: store, bus: b, serverID: serverID, clock: clock}
}

func (h *harness) startServer(t *testing.T) *httptest.Server {
	t.Helper()
	h.server = httptest.NewServer(h.mux)
	t.Cleanup(h.server.Close)
	return h.server
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

// Scenario: create a session, then send a sync (http transport) message
// and get back the echo agent's reply inline.
func TestCreateSessionThenSyncMessage(t *testing.T) {
	h := newHarness(t)
	agentID, userID := ids.New(), ids.New()

	rec, body := doJSON(t, h.mux, http.MethodPost, "/sessions", map[string]interface{}{
		"agentId": agentID,
		"userId":  userID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := body["data"].(map[string]interface{})["session"].(map[string]interface{})["id"].(string)
	require.True(t, ids.Validate(sessionID))

	rec, body = doJSON(t, h.mux, http.MethodPost, "/sessions/"+sessionID+"/messages", map[string]interface{}{
		"content":   "hello there",
		"transport": "http",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	agentResponse := body["agentResponse"].(map[string]interface{})
	require.Equal(t, "echo: hello there", agentResponse["text"])
	userMessage := body["userMessage"].(map[string]interface{})
	require.Equal(t, "hello there", userMessage["content"])
}

// Scenario: the same send-message operation over the sse transport
// streams chunk/done events instead of returning a JSON body.
func TestSendMessageStreamsOverSSE(t *testing.T) {
	h := newHarness(t)
	agentID, userID := ids.New(), ids.New()

	_, body := doJSON(t, h.mux, http.MethodPost, "/sessions", map[string]interface{}{
		"agentId": agentID, "userId": userID,
	})
	sessionID := body["data"].(map[string]interface{})["session"].(map[string]interface{})["id"].(string)

	payload, _ := json.Marshal(map[string]interface{}{"content": "stream this", "transport": "sse"})
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID+"/messages", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	require.Contains(t, out, "event: user_message")
	require.Contains(t, out, "event: chunk")
	require.Contains(t, out, "event: done")
	require.Contains(t, out, "echo: stream this")
}

// Scenario: two websocket clients join the same channel room; a
// message sent by one is broadcast to both via messageBroadcast.
func TestWebsocketBroadcastBetweenTwoSockets(t *testing.T) {
	h := newHarness(t)
	server := h.startServer(t)

	channel := &domain.Channel{
		ID:              ids.New(),
		MessageServerID: h.serverID,
		Type:            domain.ChannelTypeGroup,
		Name:            "room",
		Participants:    []string{},
	}
	require.NoError(t, h.store.CreateChannel(context.Background(), channel))

	entityA, entityB := ids.New(), ids.New()
	connA := dialWS(t, server, entityA)
	defer connA.Close()
	connB := dialWS(t, server, entityB)
	defer connB.Close()

	joinRoom(t, connA, channel.ID)
	joinRoom(t, connB, channel.ID)

	sendEvent(t, connA, "SEND_MESSAGE", map[string]interface{}{
		"channelId":       channel.ID,
		"senderId":        entityA,
		"messageServerId": h.serverID,
		"message":         "hi from A",
	})

	// domain.Message carries no JSON tags (see internal/httpapi/response.go's
	// package doc on why httpapi's own routes go through a DTO instead), so
	// the broadcast payload serializes with Go's default capitalized field
	// names rather than the camelCase the REST surface uses.
	envA := readUntilEvent(t, connA, "messageBroadcast")
	envB := readUntilEvent(t, connB, "messageBroadcast")
	require.Equal(t, "hi from A", envA["Content"])
	require.Equal(t, "hi from A", envB["Content"])
}

// Scenario: mutating a foreign server's agent roster is rejected with
// the RLS guard's 403.
func TestAddServerAgentRejectsCrossServerMismatch(t *testing.T) {
	h := newHarness(t)
	otherServerID := ids.New()
	require.NoError(t, h.store.CreateServer(context.Background(), &domain.MessageServer{ID: otherServerID, Name: "other"}))

	rec, body := doJSON(t, h.mux, http.MethodPost, "/message-servers/"+otherServerID+"/agents", map[string]interface{}{
		"agentId": ids.New(),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	errBody := body["error"].(map[string]interface{})
	require.Equal(t, "FORBIDDEN_SERVER_MISMATCH", errBody["code"])
}

// Scenario: a session expires once its expiresAt has passed; Get
// answers 410 with SESSION_EXPIRED.
func TestSessionExpiresViaFakeClock(t *testing.T) {
	h := newHarness(t)
	agentID, userID := ids.New(), ids.New()

	_, body := doJSON(t, h.mux, http.MethodPost, "/sessions", map[string]interface{}{
		"agentId": agentID, "userId": userID,
	})
	sessionID := body["data"].(map[string]interface{})["session"].(map[string]interface{})["id"].(string)

	h.clock.advance(31 * time.Minute)

	rec, body := doJSON(t, h.mux, http.MethodGet, "/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusGone, rec.Code)
	errBody := body["error"].(map[string]interface{})
	require.Equal(t, "SESSION_EXPIRED", errBody["code"])
}

// Scenario: a job's lifecycle — creation, an intermediate "Executing
// action:" message that must not complete it, then the real final
// message completing it.
func TestJobLifecycleWithIntermediateActionMessage(t *testing.T) {
	h := newHarness(t)
	agentID, userID := ids.New(), ids.New()

	rec, body := doJSON(t, h.mux, http.MethodPost, "/jobs", map[string]interface{}{
		"agentId": agentID,
		"userId":  userID,
		"content": "do the thing",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	job := body["data"].(map[string]interface{})["job"].(map[string]interface{})
	jobID := job["id"].(string)
	channelID := job["channelId"].(string)
	require.Equal(t, "PROCESSING", job["status"])

	channels := channelsvc.New(h.store, h.bus, nil, nil, h.serverID, &core.NoOpLogger{})

	_, err := channels.PostMessage(context.Background(), channelsvc.PostMessageInput{
		ChannelID:       channelID,
		AuthorID:        agentID,
		MessageServerID: h.serverID,
		Content:         "Executing action: search",
	})
	require.NoError(t, err)

	rec, body = doJSON(t, h.mux, http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job = body["data"].(map[string]interface{})["job"].(map[string]interface{})
	require.Equal(t, "PROCESSING", job["status"])

	_, err = channels.PostMessage(context.Background(), channelsvc.PostMessageInput{
		ChannelID:       channelID,
		AuthorID:        agentID,
		MessageServerID: h.serverID,
		Content:         "done, here is the answer",
	})
	require.NoError(t, err)

	rec, body = doJSON(t, h.mux, http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job = body["data"].(map[string]interface{})["job"].(map[string]interface{})
	require.Equal(t, "COMPLETED", job["status"])
	result := job["result"].(map[string]interface{})
	require.Equal(t, "done, here is the answer", result["content"])
}

func dialWS(t *testing.T, server *httptest.Server, entityID string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = url.Values{"entityId": {entityID}}.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

func joinRoom(t *testing.T, conn *websocket.Conn, channelID string) {
	t.Helper()
	sendEvent(t, conn, "ROOM_JOINING", map[string]interface{}{"channelId": channelID})
	readUntilEvent(t, conn, "channel_joined")
}

func readUntilEvent(t *testing.T, conn *websocket.Conn, event string) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var env struct {
			Event string                 `json:"event"`
			Data  map[string]interface{} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env.Data
		}
	}
}
