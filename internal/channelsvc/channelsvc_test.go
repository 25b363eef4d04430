package channelsvc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/bus"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/persistence/memstore"
)

type fakeBroadcaster struct {
	messages []string
	deleted  []string
	cleared  []string
}

func (f *fakeBroadcaster) BroadcastMessage(channelID string, msg *domain.Message) {
	f.messages = append(f.messages, channelID)
}
func (f *fakeBroadcaster) BroadcastMessageDeleted(channelID, messageID string) {
	f.deleted = append(f.deleted, messageID)
}
func (f *fakeBroadcaster) BroadcastChannelCleared(channelID string) {
	f.cleared = append(f.cleared, channelID)
}

func newTestService(t *testing.T, serverID string, broadcaster SocketBroadcaster) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.CreateServer(context.Background(), &domain.MessageServer{ID: serverID, Name: "test"}))
	b := bus.New(&core.NoOpLogger{})
	return New(store, b, broadcaster, nil, serverID, &core.NoOpLogger{}), store
}

func TestPostMessageAutoCreatesGroupChannel(t *testing.T) {
	serverID := ids.New()
	bcast := &fakeBroadcaster{}
	svc, _ := newTestService(t, serverID, bcast)

	channelID := ids.New()
	authorID := ids.New()

	msg, err := svc.PostMessage(context.Background(), PostMessageInput{
		ChannelID:       channelID,
		AuthorID:        authorID,
		MessageServerID: serverID,
		Content:         "hello",
	})
	require.NoError(t, err)
	require.Equal(t, channelID, msg.ChannelID)
	require.Len(t, bcast.messages, 1)

	channels, err := svc.ListChannels(context.Background(), serverID)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Equal(t, domain.ChannelTypeGroup, channels[0].Type)
}

func TestPostMessageAutoCreatesDMChannel(t *testing.T) {
	serverID := ids.New()
	svc, _ := newTestService(t, serverID, nil)

	channelID := ids.New()
	authorID := ids.New()
	target := ids.New()

	_, err := svc.PostMessage(context.Background(), PostMessageInput{
		ChannelID:       channelID,
		AuthorID:        authorID,
		MessageServerID: serverID,
		Content:         "hi there",
		Metadata:        domain.Metadata{"isDm": true, "targetUserId": target},
	})
	require.NoError(t, err)

	channels, err := svc.ListChannels(context.Background(), serverID)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Equal(t, domain.ChannelTypeDM, channels[0].Type)
	require.ElementsMatch(t, []string{authorID, target}, channels[0].Participants)
}

func TestPostMessageRejectsServerMismatch(t *testing.T) {
	serverID := ids.New()
	svc, _ := newTestService(t, serverID, nil)

	_, err := svc.PostMessage(context.Background(), PostMessageInput{
		ChannelID:       ids.New(),
		AuthorID:        ids.New(),
		MessageServerID: ids.New(), // different server
		Content:         "hello",
	})
	require.Error(t, err)
}

func TestPostMessageRejectsEmptyContent(t *testing.T) {
	serverID := ids.New()
	svc, _ := newTestService(t, serverID, nil)

	_, err := svc.PostMessage(context.Background(), PostMessageInput{
		ChannelID:       ids.New(),
		AuthorID:        ids.New(),
		MessageServerID: serverID,
		Content:         "   ",
	})
	require.Error(t, err)
}

func TestGetMessagesCapsLimit(t *testing.T) {
	serverID := ids.New()
	svc, _ := newTestService(t, serverID, nil)
	channelID := ids.New()
	authorID := ids.New()

	_, err := svc.PostMessage(context.Background(), PostMessageInput{
		ChannelID: channelID, AuthorID: authorID, MessageServerID: serverID, Content: "first",
	})
	require.NoError(t, err)

	msgs, err := svc.GetMessages(context.Background(), channelID, 10_000, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestClearChannelBroadcasts(t *testing.T) {
	serverID := ids.New()
	bcast := &fakeBroadcaster{}
	svc, _ := newTestService(t, serverID, bcast)
	channelID := ids.New()

	_, err := svc.PostMessage(context.Background(), PostMessageInput{
		ChannelID: channelID, AuthorID: ids.New(), MessageServerID: serverID, Content: "hi",
	})
	require.NoError(t, err)

	require.NoError(t, svc.ClearChannel(context.Background(), channelID))
	require.Equal(t, []string{channelID}, bcast.cleared)

	msgs, err := svc.GetMessages(context.Background(), channelID, 0, nil)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

// stubTitleGenerator always succeeds, so any GenerateTitle error comes
// from the service's own checks.
type stubTitleGenerator struct{}

func (stubTitleGenerator) GenerateTitle(ctx context.Context, transcript string, maxTokens int, temperature float32) (string, error) {
	return "title", nil
}

func TestGenerateTitleRequiresMinimumMessages(t *testing.T) {
	serverID := ids.New()
	svc, _ := newTestService(t, serverID, nil)
	svc.titleGen = stubTitleGenerator{}
	channelID := ids.New()

	_, err := svc.PostMessage(context.Background(), PostMessageInput{
		ChannelID: channelID, AuthorID: ids.New(), MessageServerID: serverID, Content: "only one",
	})
	require.NoError(t, err)

	_, err = svc.GenerateTitle(context.Background(), channelID, ids.New())
	require.Error(t, err)
}
