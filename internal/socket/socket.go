// Package socket implements the Socket Router: authenticated WebSocket
// handshake, room join/send handlers, log-stream subscriptions, and a
// bus-to-socket relay for streaming agent replies, per spec §4.4. The
// connection lifecycle (upgrader, per-client send-channel write pump,
// ping/pong keepalive, JSON-decode read pump) is grounded directly on
// the teacher's websocket transport.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/apierr"
	"github.com/wiremesh/chatcore/internal/bus"
	"github.com/wiremesh/chatcore/internal/channelsvc"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/persistence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 54 * time.Second
	sendBufferSize = 256
)

// numeric event type tags, decoded into the same named-event path.
const (
	eventTagRoomJoining = 1
	eventTagSendMessage = 2
)

var numericEventNames = map[int]string{
	eventTagRoomJoining: "ROOM_JOINING",
	eventTagSendMessage: "SEND_MESSAGE",
}

// AgentJoinNotifier is the narrow agent-runtime surface ROOM_JOINING
// needs: synthesizing an ENTITY_JOINED event on the first available
// agent runtime. A nil notifier makes the synthesis a no-op.
type AgentJoinNotifier interface {
	NotifyEntityJoined(ctx context.Context, event EntityJoinedEvent) error
}

// EntityJoinedEvent is the ENTITY_JOINED payload spec §4.4 names.
type EntityJoinedEvent struct {
	EntityID string
	WorldID  string
	RoomID   string
	Metadata domain.Metadata
}

// LogFilter is a per-socket subscription filter for broadcastLog.
type LogFilter struct {
	AgentName string
	Level     int
}

func (f *LogFilter) matches(entry LogEntry) bool {
	if f.AgentName != "" && f.AgentName != entry.AgentName {
		return false
	}
	return entry.Level >= f.Level
}

// LogEntry is one unit of log-stream content relayed to subscribed
// sockets via subscribe_logs.
type LogEntry struct {
	AgentName string
	Level     int
	Message   string
	Timestamp time.Time
}

// Router owns every live connection, its room memberships, and the
// allowed-rooms access cache. It implements channelsvc.SocketBroadcaster
// so channelsvc never imports this package.
type Router struct {
	upgrader             websocket.Upgrader
	store                persistence.Store
	channels             *channelsvc.Service
	bus                  *bus.Bus
	apiKey               string
	dataIsolationEnabled bool
	joinNotifier         AgentJoinNotifier
	logger               core.Logger

	mu            sync.RWMutex
	entitySockets map[string]map[*Conn]struct{}
	rooms         map[string]map[*Conn]struct{}
	socketAgent   map[*Conn]string
	logSubs       map[*Conn]*LogFilter

	allowedRoomsCache *lru.Cache[string, map[string]struct{}]
}

// Config configures the Router's cache sizing and access policy.
type Config struct {
	APIKey                    string
	DataIsolationEnabled      bool
	AllowedRoomsCacheSize     int
	CheckOrigin               func(r *http.Request) bool
}

// New constructs a Router. joinNotifier may be nil.
func New(store persistence.Store, channels *channelsvc.Service, b *bus.Bus, cfg Config, joinNotifier AgentJoinNotifier, logger core.Logger) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("socket")
	}
	cacheSize := cfg.AllowedRoomsCacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, _ := lru.New[string, map[string]struct{}](cacheSize) // error only on non-positive size, guarded above

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Router{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		store:                store,
		channels:             channels,
		bus:                  b,
		apiKey:               cfg.APIKey,
		dataIsolationEnabled: cfg.DataIsolationEnabled,
		joinNotifier:         joinNotifier,
		logger:               logger,
		entitySockets:        make(map[string]map[*Conn]struct{}),
		rooms:                make(map[string]map[*Conn]struct{}),
		socketAgent:          make(map[*Conn]string),
		logSubs:              make(map[*Conn]*LogFilter),
		allowedRoomsCache:    cache,
	}
}

// Start subscribes the router to the bus topics it relays to sockets.
// Safe to call once, before the HTTP server starts accepting upgrades.
func (r *Router) Start() {
	bus.Subscribe(r.bus, bus.TopicMessageStreamChunk, func(e bus.MessageStreamChunkEvent) {
		r.broadcastToRoom(e.ChannelID, "messageStreamChunk", map[string]interface{}{
			"messageId": e.MessageID,
			"channelId": e.ChannelID,
			"chunk":     e.Chunk,
			"index":     e.Index,
			"agentId":   e.AgentID,
		})
	})
	bus.Subscribe(r.bus, bus.TopicMessageStreamError, func(e bus.MessageStreamErrorEvent) {
		r.broadcastToRoom(e.ChannelID, "messageStreamError", map[string]interface{}{
			"messageId":   e.MessageID,
			"channelId":   e.ChannelID,
			"error":       e.Error,
			"agentId":     e.AgentID,
			"partialText": e.PartialText,
		})
	})
}

// Conn is one accepted WebSocket connection and its per-socket state.
type Conn struct {
	router *Router
	conn   *websocket.Conn
	send   chan []byte

	mu               sync.Mutex
	entityID         string
	allowedRooms     map[string]struct{}
	roomsCacheLoaded bool
	closed           bool
}

func (c *Conn) emit(event string, data interface{}) {
	payload, err := json.Marshal(outboundEnvelope{Event: event, Data: data})
	if err != nil {
		c.router.logger.Error("socket: failed to marshal outbound event", map[string]interface{}{"event": event, "error": err.Error()})
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		// outbound buffer full: the connection is too far behind to
		// keep up, drop it rather than block the router.
		c.close()
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	c.conn.Close()
}

type outboundEnvelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type inboundEnvelope struct {
	Event json.RawMessage `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func decodeEventName(raw json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name, nil
	}
	var tag int
	if err := json.Unmarshal(raw, &tag); err == nil {
		if name, ok := numericEventNames[tag]; ok {
			return name, nil
		}
		return "", fmt.Errorf("unknown numeric event tag %d", tag)
	}
	return "", fmt.Errorf("event field is neither a string nor an integer")
}

// ServeHTTP runs the handshake middleware and, on success, upgrades the
// connection and starts its read/write pumps.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.apiKey != "" {
		key := req.Header.Get("x-api-key")
		if key == "" {
			key = req.URL.Query().Get("apiKey")
		}
		if key != r.apiKey {
			writeHandshakeError(w, apierr.New(apierr.CodeMissingAPIKey, "missing or invalid api key"))
			return
		}
	}

	entityID := req.URL.Query().Get("entityId")
	if !ids.Validate(entityID) {
		writeHandshakeError(w, apierr.New(apierr.CodeInvalidID, "handshake requires a well-formed entityId"))
		return
	}

	wsConn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("socket: upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &Conn{
		router:       r,
		conn:         wsConn,
		send:         make(chan []byte, sendBufferSize),
		entityID:     entityID,
		allowedRooms: make(map[string]struct{}),
	}

	r.mu.Lock()
	if r.entitySockets[entityID] == nil {
		r.entitySockets[entityID] = make(map[*Conn]struct{})
	}
	r.entitySockets[entityID][c] = struct{}{}
	r.mu.Unlock()

	go c.writePump()
	go r.readPump(c)

	c.emit("connection_established", map[string]interface{}{"entityId": entityID})
	c.emit("authenticated", map[string]interface{}{"entityId": entityID})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Router) readPump(c *Conn) {
	defer r.cleanupConn(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.emit("messageError", map[string]interface{}{"message": "malformed envelope"})
			continue
		}
		name, err := decodeEventName(env.Event)
		if err != nil {
			c.emit("messageError", map[string]interface{}{"message": err.Error()})
			continue
		}

		switch name {
		case "ROOM_JOINING":
			r.handleRoomJoining(context.Background(), c, env.Data)
		case "SEND_MESSAGE":
			r.handleSendMessage(context.Background(), c, env.Data)
		case "subscribe_logs":
			r.handleSubscribeLogs(c, env.Data)
		case "unsubscribe_logs":
			r.handleUnsubscribeLogs(c)
		case "update_log_filters":
			r.handleUpdateLogFilters(c, env.Data)
		default:
			c.emit("messageError", map[string]interface{}{"message": fmt.Sprintf("unknown event %q", name)})
		}
	}
}

func (r *Router) cleanupConn(c *Conn) {
	r.mu.Lock()
	for channelID, members := range r.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, channelID)
		}
	}
	delete(r.socketAgent, c)
	delete(r.logSubs, c)
	if sockets, ok := r.entitySockets[c.entityID]; ok {
		delete(sockets, c)
		if len(sockets) == 0 {
			delete(r.entitySockets, c.entityID)
		}
	}
	r.mu.Unlock()
	c.close()
}

func writeHandshakeError(w http.ResponseWriter, err *apierr.Error) {
	status, envelope := apierr.ToEnvelope(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope)
}

func (r *Router) broadcastToRoom(channelID, event string, data interface{}) {
	r.mu.RLock()
	members := make([]*Conn, 0, len(r.rooms[channelID]))
	for conn := range r.rooms[channelID] {
		members = append(members, conn)
	}
	r.mu.RUnlock()
	for _, conn := range members {
		conn.emit(event, data)
	}
}
