package agentconn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/bus"
	"github.com/wiremesh/chatcore/internal/channelsvc"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/persistence/memstore"
)

// fakeRuntime records every invocation and replays a fixed response
// through the callbacks it is handed, synchronously, so tests don't
// need to poll for the connector's background goroutine to finish.
type fakeRuntime struct {
	mu              sync.Mutex
	memories        []Memory
	response        string
	actions         []string
	err             error
	streamChunks    []string
	streamMessageID string
	done            chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{done: make(chan struct{}, 8)}
}

func (f *fakeRuntime) HandleMessage(ctx context.Context, agentID string, memory Memory, callbacks Callbacks) error {
	f.mu.Lock()
	f.memories = append(f.memories, memory)
	f.mu.Unlock()
	defer func() { f.done <- struct{}{} }()
	if f.err != nil {
		return f.err
	}
	for _, chunk := range f.streamChunks {
		callbacks.OnStreamChunk(chunk, f.streamMessageID)
	}
	callbacks.OnResponse(f.response, f.actions)
	return nil
}

func (f *fakeRuntime) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runtime invocation")
	}
}

func (f *fakeRuntime) memoryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.memories)
}

func newTestConnector(t *testing.T) (*Connector, *memstore.Store, *bus.Bus, string, string, *fakeRuntime) {
	t.Helper()
	serverID := ids.New()
	agentID := ids.New()
	store := memstore.New()
	require.NoError(t, store.CreateServer(context.Background(), &domain.MessageServer{ID: serverID, Name: "test"}))
	require.NoError(t, store.AddAgentToServer(context.Background(), serverID, agentID))

	b := bus.New(&core.NoOpLogger{})
	channels := channelsvc.New(store, b, nil, nil, serverID, &core.NoOpLogger{})
	rt := newFakeRuntime()
	c := New(agentID, store, b, channels, rt, &core.NoOpLogger{})
	require.NoError(t, c.Start(context.Background()))
	return c, store, b, serverID, agentID, rt
}

func TestHandleNewMessageInvokesRuntimeForParticipantChannel(t *testing.T) {
	_, store, b, serverID, agentID, rt := newTestConnector(t)

	channelID := ids.New()
	authorID := ids.New()
	require.NoError(t, store.CreateChannel(context.Background(), &domain.Channel{
		ID: channelID, MessageServerID: serverID, Type: domain.ChannelTypeGroup,
		Participants: []string{authorID, agentID},
	}))

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: serverID,
		AuthorID: authorID, Content: "hello",
	})
	rt.wait(t)
	require.Equal(t, 1, rt.memoryCount())
}

func TestHandleNewMessageSkipsNonParticipantChannel(t *testing.T) {
	_, store, b, serverID, agentID, rt := newTestConnector(t)
	_ = agentID

	channelID := ids.New()
	authorID := ids.New()
	require.NoError(t, store.CreateChannel(context.Background(), &domain.Channel{
		ID: channelID, MessageServerID: serverID, Type: domain.ChannelTypeGroup,
		Participants: []string{authorID}, // agent is not a member
	}))

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: serverID,
		AuthorID: authorID, Content: "hello",
	})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, rt.memoryCount())
}

func TestHandleNewMessageSkipsUnsubscribedServer(t *testing.T) {
	_, store, b, _, agentID, rt := newTestConnector(t)

	otherServerID := ids.New()
	require.NoError(t, store.CreateServer(context.Background(), &domain.MessageServer{ID: otherServerID, Name: "other"}))
	channelID := ids.New()
	authorID := ids.New()
	require.NoError(t, store.CreateChannel(context.Background(), &domain.Channel{
		ID: channelID, MessageServerID: otherServerID, Type: domain.ChannelTypeGroup,
		Participants: []string{authorID, agentID},
	}))

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: otherServerID,
		AuthorID: authorID, Content: "hello",
	})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, rt.memoryCount())
}

func TestHandleNewMessageSkipsSelfAuthored(t *testing.T) {
	_, store, b, serverID, agentID, rt := newTestConnector(t)

	channelID := ids.New()
	require.NoError(t, store.CreateChannel(context.Background(), &domain.Channel{
		ID: channelID, MessageServerID: serverID, Type: domain.ChannelTypeGroup,
		Participants: []string{agentID},
	}))

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: serverID,
		AuthorID: agentID, Content: "hello",
	})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, rt.memoryCount())
}

func TestHandleNewMessageIsIdempotentOnRedelivery(t *testing.T) {
	_, store, b, serverID, agentID, rt := newTestConnector(t)

	channelID := ids.New()
	authorID := ids.New()
	require.NoError(t, store.CreateChannel(context.Background(), &domain.Channel{
		ID: channelID, MessageServerID: serverID, Type: domain.ChannelTypeGroup,
		Participants: []string{authorID, agentID},
	}))

	evt := bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: serverID,
		AuthorID: authorID, Content: "hello",
	}
	bus.Publish(b, bus.TopicNewMessage, evt)
	rt.wait(t)
	bus.Publish(b, bus.TopicNewMessage, evt) // redelivery of the same central message id
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rt.memoryCount())
}

func TestRuntimeResponsePostsAgentMessage(t *testing.T) {
	_, store, b, serverID, agentID, rt := newTestConnector(t)
	rt.response = "here is my answer"

	channelID := ids.New()
	authorID := ids.New()
	require.NoError(t, store.CreateChannel(context.Background(), &domain.Channel{
		ID: channelID, MessageServerID: serverID, Type: domain.ChannelTypeGroup,
		Participants: []string{authorID, agentID},
	}))

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: serverID,
		AuthorID: authorID, Content: "hello",
	})
	rt.wait(t)
	time.Sleep(50 * time.Millisecond)

	msgs, err := store.ListMessagesForChannel(context.Background(), channelID, 10, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1) // only the agent's reply; the test publishes the event without persisting a user message
	require.Equal(t, agentID, msgs[0].AuthorID)
	require.Equal(t, "here is my answer", msgs[0].Content)
}

func TestRuntimeResponseSuppressedOnIgnoreAction(t *testing.T) {
	_, store, b, serverID, agentID, rt := newTestConnector(t)
	rt.response = "never mind"
	rt.actions = []string{"IGNORE"}

	channelID := ids.New()
	authorID := ids.New()
	require.NoError(t, store.CreateChannel(context.Background(), &domain.Channel{
		ID: channelID, MessageServerID: serverID, Type: domain.ChannelTypeGroup,
		Participants: []string{authorID, agentID},
	}))

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: serverID,
		AuthorID: authorID, Content: "hello",
	})
	rt.wait(t)
	time.Sleep(50 * time.Millisecond)

	msgs, err := store.ListMessagesForChannel(context.Background(), channelID, 10, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 0) // no reply stored; the user message was only published, never persisted
}

func TestRuntimeErrorPublishesStreamError(t *testing.T) {
	c, store, b, serverID, agentID, rt := newTestConnector(t)
	rt.err = errors.New("boom")

	channelID := ids.New()
	authorID := ids.New()
	require.NoError(t, store.CreateChannel(context.Background(), &domain.Channel{
		ID: channelID, MessageServerID: serverID, Type: domain.ChannelTypeGroup,
		Participants: []string{authorID, agentID},
	}))

	var received bus.MessageStreamErrorEvent
	gotErr := make(chan struct{}, 1)
	bus.Subscribe(b, bus.TopicMessageStreamError, func(evt bus.MessageStreamErrorEvent) {
		received = evt
		gotErr <- struct{}{}
	})

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: serverID,
		AuthorID: authorID, Content: "hello",
	})
	rt.wait(t)

	select {
	case <-gotErr:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message_stream_error")
	}
	require.Equal(t, "boom", received.Error)
	require.Equal(t, c.agentID, received.AgentID)
}

func TestServerAgentUpdateTracksSubscription(t *testing.T) {
	_, store, b, _, agentID, rt := newTestConnector(t)

	newServerID := ids.New()
	require.NoError(t, store.CreateServer(context.Background(), &domain.MessageServer{ID: newServerID, Name: "new"}))
	channelID := ids.New()
	authorID := ids.New()
	require.NoError(t, store.CreateChannel(context.Background(), &domain.Channel{
		ID: channelID, MessageServerID: newServerID, Type: domain.ChannelTypeGroup,
		Participants: []string{authorID, agentID},
	}))

	// Before the agent is added to the server, the new_message is dropped.
	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: newServerID,
		AuthorID: authorID, Content: "hello",
	})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, rt.memoryCount())

	bus.Publish(b, bus.TopicServerAgentUpdate, bus.ServerAgentUpdateEvent{
		Type: bus.AgentAddedToServer, MessageServerID: newServerID, AgentID: agentID,
	})
	time.Sleep(50 * time.Millisecond)

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: newServerID,
		AuthorID: authorID, Content: "hello again",
	})
	rt.wait(t)
	require.Equal(t, 1, rt.memoryCount())
}

func TestChannelClearedEvictsIdempotenceRecords(t *testing.T) {
	c, store, b, serverID, agentID, rt := newTestConnector(t)

	channelID := ids.New()
	authorID := ids.New()
	require.NoError(t, store.CreateChannel(context.Background(), &domain.Channel{
		ID: channelID, MessageServerID: serverID, Type: domain.ChannelTypeGroup,
		Participants: []string{authorID, agentID},
	}))

	evt := bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: serverID,
		AuthorID: authorID, Content: "hello",
	}
	bus.Publish(b, bus.TopicNewMessage, evt)
	rt.wait(t)
	require.Equal(t, 1, rt.memoryCount())

	bus.Publish(b, bus.TopicChannelCleared, bus.ChannelClearedEvent{ChannelID: channelID})
	time.Sleep(50 * time.Millisecond)

	c.mu.RLock()
	_, stillSeen := c.seenMemories[ids.DeriveMemoryID(evt.ID, c.agentID)]
	c.mu.RUnlock()
	require.False(t, stillSeen)

	// Redelivery after the clear is now reprocessed.
	bus.Publish(b, bus.TopicNewMessage, evt)
	rt.wait(t)
	require.Equal(t, 2, rt.memoryCount())
}

func TestStreamChunkIndexEvictedOnResponse(t *testing.T) {
	c, store, b, serverID, agentID, rt := newTestConnector(t)
	rt.streamMessageID = ids.New()
	rt.streamChunks = []string{"chunk one", "chunk two"}
	rt.response = "full reply"

	channelID := ids.New()
	authorID := ids.New()
	require.NoError(t, store.CreateChannel(context.Background(), &domain.Channel{
		ID: channelID, MessageServerID: serverID, Type: domain.ChannelTypeGroup,
		Participants: []string{authorID, agentID},
	}))

	var chunkIndices []int
	bus.Subscribe(b, bus.TopicMessageStreamChunk, func(evt bus.MessageStreamChunkEvent) {
		chunkIndices = append(chunkIndices, evt.Index)
	})

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: channelID, MessageServerID: serverID,
		AuthorID: authorID, Content: "hello",
	})
	rt.wait(t)
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, []int{0, 1}, chunkIndices)

	c.mu.RLock()
	_, stillTracked := c.chunkIndex[rt.streamMessageID]
	c.mu.RUnlock()
	require.False(t, stillTracked, "chunkIndex entry for the streamed reply must be evicted once the response completes")
}
