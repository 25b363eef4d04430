// Package agentconn implements the Agent Connector: one instance runs
// per agent worker, subscribing to the internal bus and adapting its
// events into calls against an injected agent runtime, per spec §4.6.
// The runtime itself (LLM calls, planning, its own memory store) is the
// external collaborator spec §1 places out of scope.
package agentconn

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/bus"
	"github.com/wiremesh/chatcore/internal/channelsvc"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/persistence"
)

// Memory is the adapted view of a bus new_message event an agent
// runtime needs to act on it.
type Memory struct {
	MemoryID               string
	CentralMessageID       string
	ChannelID              string
	MessageServerID        string
	AuthorID               string
	Content                string
	RawMessage             domain.Metadata
	Metadata               domain.Metadata
	InReplyToRootMessageID string
}

// Callbacks are handed to the runtime for one HandleMessage invocation.
type Callbacks struct {
	OnStreamChunk func(chunk string, messageID string)
	OnResponse    func(content string, actions []string)
	OnError       func(err error)
}

// Runtime is the external agent runtime collaborator. Establishing the
// agent-local world/room/entity bookkeeping spec §4.6 step 5 describes
// is the runtime's own responsibility: Memory carries enough context
// (channel, server, author) for it to do so; the connector itself holds
// no concept of agent-local worlds.
type Runtime interface {
	HandleMessage(ctx context.Context, agentID string, memory Memory, callbacks Callbacks) error
}

// Connector is one per-agent worker: a bus subscriber plus the
// server/channel membership caches and redelivery-idempotence state
// spec §4.6 names.
type Connector struct {
	agentID  string
	store    persistence.Store
	bus      *bus.Bus
	channels *channelsvc.Service
	runtime  Runtime
	logger   core.Logger

	mu                sync.RWMutex
	subscribedServers map[string]struct{}
	channelCache      map[string]map[string]struct{} // messageServerId -> set of channel ids
	seenMemories      map[string]struct{}             // memoryId -> processed
	memoriesByChannel map[string]map[string]struct{}  // channelId -> set of memoryIds, for channel_cleared eviction
	chunkIndex        map[string]int                  // messageId -> next stream chunk index
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// New constructs a Connector. Call Start to subscribe to the bus and
// load initial membership state.
func New(agentID string, store persistence.Store, b *bus.Bus, channels *channelsvc.Service, runtime Runtime, logger core.Logger) *Connector {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent(fmt.Sprintf("agentconn:%s", shortID(agentID)))
	}
	return &Connector{
		agentID:           agentID,
		store:             store,
		bus:               b,
		channels:          channels,
		runtime:           runtime,
		logger:            logger,
		subscribedServers: make(map[string]struct{}),
		channelCache:      make(map[string]map[string]struct{}),
		seenMemories:      make(map[string]struct{}),
		memoriesByChannel: make(map[string]map[string]struct{}),
		chunkIndex:        make(map[string]int),
	}
}

// Start loads this agent's current server/channel membership and
// subscribes to the bus topics spec §4.6 names. It is not idempotent;
// call it once per Connector lifetime.
func (c *Connector) Start(ctx context.Context) error {
	servers, err := c.store.ListServersForAgent(ctx, c.agentID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, serverID := range servers {
		c.subscribedServers[serverID] = struct{}{}
	}
	c.mu.Unlock()
	for _, serverID := range servers {
		c.refreshChannelCache(ctx, serverID)
	}

	bus.Subscribe(c.bus, bus.TopicNewMessage, func(evt bus.NewMessageEvent) {
		c.handleNewMessage(context.Background(), evt)
	})
	bus.Subscribe(c.bus, bus.TopicServerAgentUpdate, func(evt bus.ServerAgentUpdateEvent) {
		c.handleServerAgentUpdate(context.Background(), evt)
	})
	bus.Subscribe(c.bus, bus.TopicMessageDeleted, func(evt bus.MessageDeletedEvent) {
		c.handleMessageDeleted(evt)
	})
	bus.Subscribe(c.bus, bus.TopicChannelCleared, func(evt bus.ChannelClearedEvent) {
		c.handleChannelCleared(evt)
	})

	c.logger.Info("agent connector started", map[string]interface{}{
		"subscribed_servers": len(servers),
	})
	return nil
}

func (c *Connector) refreshChannelCache(ctx context.Context, messageServerID string) {
	channels, err := c.store.ListChannelsForServer(ctx, messageServerID)
	if err != nil {
		c.logger.WarnWithContext(ctx, "agent connector: failed to list channels for server", map[string]interface{}{
			"message_server_id": messageServerID, "error": err.Error(),
		})
		return
	}
	set := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		set[ch.ID] = struct{}{}
	}
	c.mu.Lock()
	c.channelCache[messageServerID] = set
	c.mu.Unlock()
}

func (c *Connector) isSubscribedToServer(messageServerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribedServers[messageServerID]
	return ok
}

// handleNewMessage implements spec §4.6's per-message pipeline: drop
// malformed or irrelevant events, enforce redelivery idempotence via a
// deterministically derived memory id, then hand off to the runtime.
func (c *Connector) handleNewMessage(ctx context.Context, evt bus.NewMessageEvent) {
	if evt.ID == "" || evt.ChannelID == "" || evt.MessageServerID == "" || evt.AuthorID == "" {
		c.logger.Warn("agent connector: dropping malformed new_message event", nil)
		return
	}
	if !c.isSubscribedToServer(evt.MessageServerID) {
		return
	}
	if evt.AuthorID == c.agentID {
		return // never react to our own messages
	}

	isParticipant, err := c.store.IsParticipant(ctx, evt.ChannelID, c.agentID)
	if err != nil {
		c.logger.WarnWithContext(ctx, "agent connector: participant check failed", map[string]interface{}{
			"channel_id": evt.ChannelID, "error": err.Error(),
		})
		return
	}
	if !isParticipant {
		return
	}

	memoryID := ids.DeriveMemoryID(evt.ID, c.agentID)
	c.mu.Lock()
	if _, seen := c.seenMemories[memoryID]; seen {
		c.mu.Unlock()
		return
	}
	c.seenMemories[memoryID] = struct{}{}
	if c.memoriesByChannel[evt.ChannelID] == nil {
		c.memoriesByChannel[evt.ChannelID] = make(map[string]struct{})
	}
	c.memoriesByChannel[evt.ChannelID][memoryID] = struct{}{}
	c.mu.Unlock()

	memory := Memory{
		MemoryID:               memoryID,
		CentralMessageID:       evt.ID,
		ChannelID:              evt.ChannelID,
		MessageServerID:        evt.MessageServerID,
		AuthorID:               evt.AuthorID,
		Content:                evt.Content,
		RawMessage:             evt.RawMessage,
		Metadata:               evt.Metadata,
		InReplyToRootMessageID: evt.InReplyToRootMessageID,
	}
	callbacks := c.buildCallbacks(ctx, evt)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("agent connector: runtime panicked", map[string]interface{}{
					"panic": r, "agent_id": c.agentID, "channel_id": evt.ChannelID,
				})
			}
		}()
		if err := c.runtime.HandleMessage(ctx, c.agentID, memory, callbacks); err != nil {
			callbacks.OnError(err)
		}
	}()
}

// buildCallbacks adapts the runtime's response surface back onto the
// bus and channel service: streamed chunks publish incrementally,
// IGNORE actions or empty content suppress a reply entirely, and errors
// are logged and surfaced as a stream-error event so any listening
// socket can show a partial/failed state.
func (c *Connector) buildCallbacks(ctx context.Context, evt bus.NewMessageEvent) Callbacks {
	// streamedMessageIDs tracks every reply message id this invocation has
	// streamed chunks for, so OnResponse can evict exactly those
	// chunkIndex entries. The reply's message id is the runtime's own and
	// has no fixed relation to evt.ID, the triggering inbound message.
	streamedMessageIDs := make(map[string]struct{})

	return Callbacks{
		OnStreamChunk: func(chunk string, messageID string) {
			c.mu.Lock()
			idx := c.chunkIndex[messageID]
			c.chunkIndex[messageID] = idx + 1
			streamedMessageIDs[messageID] = struct{}{}
			c.mu.Unlock()
			bus.Publish(c.bus, bus.TopicMessageStreamChunk, bus.MessageStreamChunkEvent{
				ChannelID: evt.ChannelID,
				MessageID: messageID,
				Chunk:     chunk,
				Index:     idx,
				AgentID:   c.agentID,
			})
		},
		OnResponse: func(content string, actions []string) {
			c.mu.Lock()
			for messageID := range streamedMessageIDs {
				delete(c.chunkIndex, messageID)
			}
			c.mu.Unlock()
			if strings.TrimSpace(content) == "" {
				return
			}
			for _, a := range actions {
				if strings.EqualFold(a, "IGNORE") {
					return
				}
			}
			if _, err := c.channels.PostMessage(ctx, channelsvc.PostMessageInput{
				ChannelID:       evt.ChannelID,
				AuthorID:        c.agentID,
				MessageServerID: evt.MessageServerID,
				Content:         content,
				InReplyTo:       evt.ID,
				SourceType:      domain.SourceTypeAgent,
			}); err != nil {
				c.logger.ErrorWithContext(ctx, "agent connector: failed to post agent response", map[string]interface{}{
					"channel_id": evt.ChannelID, "agent_id": c.agentID, "error": err.Error(),
				})
			}
		},
		OnError: func(err error) {
			c.logger.ErrorWithContext(ctx, "agent connector: runtime returned an error", map[string]interface{}{
				"channel_id": evt.ChannelID, "agent_id": c.agentID, "error": err.Error(),
			})
			bus.Publish(c.bus, bus.TopicMessageStreamError, bus.MessageStreamErrorEvent{
				ChannelID: evt.ChannelID,
				MessageID: evt.ID,
				AgentID:   c.agentID,
				Error:     err.Error(),
			})
		},
	}
}

// handleServerAgentUpdate keeps subscribedServers and channelCache in
// sync with this agent's server membership as it changes at runtime.
func (c *Connector) handleServerAgentUpdate(ctx context.Context, evt bus.ServerAgentUpdateEvent) {
	if evt.AgentID != c.agentID {
		return
	}
	switch evt.Type {
	case bus.AgentAddedToServer:
		c.mu.Lock()
		c.subscribedServers[evt.MessageServerID] = struct{}{}
		c.mu.Unlock()
		c.refreshChannelCache(ctx, evt.MessageServerID)
	case bus.AgentRemovedFromServer:
		c.mu.Lock()
		delete(c.subscribedServers, evt.MessageServerID)
		delete(c.channelCache, evt.MessageServerID)
		c.mu.Unlock()
	default:
		c.logger.WarnWithContext(ctx, "agent connector: unknown server agent update type", map[string]interface{}{
			"type": string(evt.Type),
		})
	}
}

// handleMessageDeleted evicts the deleted message's idempotence record
// so a later redelivery of the same central message id (unlikely, but
// not precluded by spec §4.6) would be reprocessed rather than silently
// dropped as already-seen.
func (c *Connector) handleMessageDeleted(evt bus.MessageDeletedEvent) {
	memoryID := ids.DeriveMemoryID(evt.MessageID, c.agentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seenMemories, memoryID)
	if set := c.memoriesByChannel[evt.ChannelID]; set != nil {
		delete(set, memoryID)
	}
}

// handleChannelCleared wipes every idempotence record this agent holds
// for the cleared channel.
func (c *Connector) handleChannelCleared(evt bus.ChannelClearedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.memoriesByChannel[evt.ChannelID]
	for memoryID := range set {
		delete(c.seenMemories, memoryID)
	}
	delete(c.memoriesByChannel, evt.ChannelID)
}

// EchoRuntime is the default Runtime: it echoes the triggering message's
// content straight back as the agent's reply. It exists for the same
// reason httpapi's echoAgentRuntime does — a working default when no
// external agent runtime is wired in, e.g. local development or a
// server started without an LLM backend configured.
type EchoRuntime struct{}

func (EchoRuntime) HandleMessage(ctx context.Context, agentID string, memory Memory, callbacks Callbacks) error {
	callbacks.OnResponse("echo: "+memory.Content, nil)
	return nil
}
