// Package channelsvc implements the Channel/Message Service: channel
// auto-creation, message persistence, participant derivation, and
// broadcast. It depends on persistence.Store and bus.Bus; it accepts a
// SocketBroadcaster interface rather than importing internal/socket
// directly, since socket needs to call back into channelsvc to ingest
// messages — a concrete import either direction would cycle.
package channelsvc

import (
	"context"
	"fmt"
	"strings"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/apierr"
	"github.com/wiremesh/chatcore/internal/bus"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/persistence"
)

// MaxMessagesPerPage is the hard cap spec §4.2 places on getMessages,
// regardless of the caller-requested limit.
const MaxMessagesPerPage = 1000

const defaultMessagesLimit = 50

// SocketBroadcaster is the narrow surface channelsvc needs from the
// socket router: room-scoped fanout of the events this service raises.
// internal/socket implements it; channelsvc never imports internal/socket.
type SocketBroadcaster interface {
	BroadcastMessage(channelID string, msg *domain.Message)
	BroadcastMessageDeleted(channelID, messageID string)
	BroadcastChannelCleared(channelID string)
}

// TitleGenerator is the narrow agent-runtime surface generateTitle needs.
// The full agent runtime (LLM calls, memory, planning) is out of scope
// per spec §1; this is the one call this service makes into it.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, transcript string, maxTokens int, temperature float32) (string, error)
}

// Service implements the Channel/Message operations of spec §4.2.
type Service struct {
	store           persistence.Store
	bus             *bus.Bus
	broadcaster     SocketBroadcaster // may be nil if no socket transport is mounted
	titleGen        TitleGenerator    // may be nil; GenerateTitle then fails closed
	currentServerID string
	logger          core.Logger
}

// New constructs a Service. broadcaster and titleGen may be nil.
func New(store persistence.Store, b *bus.Bus, broadcaster SocketBroadcaster, titleGen TitleGenerator, currentServerID string, logger core.Logger) *Service {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("channelsvc")
	}
	return &Service{store: store, bus: b, broadcaster: broadcaster, titleGen: titleGen, currentServerID: currentServerID, logger: logger}
}

// PostMessageInput bundles postMessage's parameters.
type PostMessageInput struct {
	ChannelID        string
	AuthorID         string
	MessageServerID  string
	Content          string
	InReplyTo        string
	RawMessage       domain.Metadata
	Metadata         domain.Metadata
	SourceType       domain.SourceType
	AuthorDisplayName string
}

// PostMessage implements spec §4.2 postMessage, including channel
// auto-creation on first message to an unknown id.
func (s *Service) PostMessage(ctx context.Context, in PostMessageInput) (*domain.Message, error) {
	if !ids.Validate(in.AuthorID) || !ids.Validate(in.MessageServerID) {
		return nil, apierr.New(apierr.CodeInvalidID, "author_id and message_server_id must be valid identifiers")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, apierr.New(apierr.CodeInvalidContent, "content must not be empty")
	}
	if in.Metadata != nil && !in.Metadata.Bounded() {
		return nil, apierr.New(apierr.CodeInvalidMetadata, "metadata exceeds maximum size")
	}

	if in.MessageServerID != s.currentServerID {
		return nil, apierr.New(apierr.CodeForbiddenServerMismatch, "message_server_id does not match the current server")
	}

	channelID := in.ChannelID
	if channelID == "" || !ids.ValidateChannelID(channelID) {
		return nil, apierr.New(apierr.CodeInvalidChannelID, "channel id is missing or malformed")
	}

	if _, err := s.store.GetChannelDetails(ctx, channelID); err != nil {
		if _, err := s.store.GetServerByID(ctx, in.MessageServerID); err != nil {
			return nil, apierr.Wrap(apierr.CodeChannelCreationFailed, "message server does not exist", err)
		}
		channel, err := s.autoCreateChannel(ctx, channelID, in)
		if err != nil {
			return nil, err
		}
		s.logger.InfoWithContext(ctx, "auto-created channel", map[string]interface{}{
			"channel_id": channel.ID, "type": string(channel.Type),
		})
	}

	msg := &domain.Message{
		ID:                     ids.New(),
		ChannelID:              channelID,
		AuthorID:               in.AuthorID,
		Content:                in.Content,
		RawMessage:             in.RawMessage,
		SourceType:             in.SourceType,
		InReplyToRootMessageID: in.InReplyTo,
		Metadata:               in.Metadata,
	}
	if msg.SourceType == "" {
		msg.SourceType = domain.SourceTypeUser
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, apierr.Wrap(apierr.CodePersistenceError, "failed to persist message", err)
	}

	bus.Publish(s.bus, bus.TopicNewMessage, bus.NewMessageEvent{
		ID:                     msg.ID,
		ChannelID:              msg.ChannelID,
		MessageServerID:        in.MessageServerID,
		AuthorID:               msg.AuthorID,
		Content:                msg.Content,
		CreatedAtMillis:        msg.CreatedAt.UnixMilli(),
		SourceType:             msg.SourceType,
		RawMessage:             msg.RawMessage,
		Metadata:               msg.Metadata,
		InReplyToRootMessageID: msg.InReplyToRootMessageID,
		AuthorDisplayName:      in.AuthorDisplayName,
	})

	if s.broadcaster != nil {
		s.broadcaster.BroadcastMessage(channelID, msg)
	}

	return msg, nil
}

// autoCreateChannel derives the channel type from metadata (DM wins on a
// tie between explicit DM metadata and a non-DM channel-type marker, per
// spec §4.2) and names it per the "DM "/"Chat " + first-8-chars rule.
func (s *Service) autoCreateChannel(ctx context.Context, channelID string, in PostMessageInput) (*domain.Channel, error) {
	channel := &domain.Channel{
		ID:              channelID,
		MessageServerID: in.MessageServerID,
	}

	if in.Metadata.IsDM() {
		target, ok := in.Metadata.TargetUserID()
		if ok && ids.Validate(target) && target != in.AuthorID {
			channel.Type = domain.ChannelTypeDM
			channel.Participants = []string{in.AuthorID, target}
			channel.Name = "DM " + shortID(channelID)
			if err := s.store.CreateChannel(ctx, channel); err != nil {
				return nil, apierr.Wrap(apierr.CodeChannelCreationFailed, "failed to create channel", err)
			}
			return channel, nil
		}
		s.logger.WarnWithContext(ctx, "dm metadata present without a resolvable target; falling back to group", map[string]interface{}{
			"channel_id": channelID,
		})
	}

	channel.Type = domain.ChannelTypeGroup
	channel.Participants = []string{in.AuthorID}
	channel.Name = "Chat " + shortID(channelID)
	if err := s.store.CreateChannel(ctx, channel); err != nil {
		return nil, apierr.Wrap(apierr.CodeChannelCreationFailed, "failed to create channel", err)
	}
	return channel, nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// GetMessages returns up to limit messages (newest first), capped at
// MaxMessagesPerPage regardless of the caller's request.
func (s *Service) GetMessages(ctx context.Context, channelID string, limit int, before *string) ([]*domain.Message, error) {
	if !ids.ValidateChannelID(channelID) {
		return nil, apierr.New(apierr.CodeInvalidChannelID, "channel id is malformed")
	}
	if limit <= 0 {
		limit = defaultMessagesLimit
	}
	if limit > MaxMessagesPerPage {
		limit = MaxMessagesPerPage
	}
	msgs, err := s.store.ListMessagesForChannel(ctx, channelID, limit, before)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodePersistenceError, "failed to list messages", err)
	}
	return msgs, nil
}

// DeleteMessage removes one message and announces it on the bus/socket.
func (s *Service) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if !ids.ValidateChannelID(channelID) || !ids.Validate(messageID) {
		return apierr.New(apierr.CodeInvalidID, "channel id or message id is malformed")
	}
	if err := s.store.DeleteMessageByID(ctx, messageID); err != nil {
		return apierr.Wrap(apierr.CodeMessageSendError, "failed to delete message", err)
	}
	bus.Publish(s.bus, bus.TopicMessageDeleted, bus.MessageDeletedEvent{MessageID: messageID, ChannelID: channelID})
	if s.broadcaster != nil {
		s.broadcaster.BroadcastMessageDeleted(channelID, messageID)
	}
	return nil
}

// ClearChannel deletes every message in a channel in bounded batches.
func (s *Service) ClearChannel(ctx context.Context, channelID string) error {
	if !ids.ValidateChannelID(channelID) {
		return apierr.New(apierr.CodeInvalidChannelID, "channel id is malformed")
	}
	const batchSize = 500
	if err := s.store.DeleteAllMessagesForChannel(ctx, channelID, batchSize); err != nil {
		return apierr.Wrap(apierr.CodePersistenceError, "failed to clear channel", err)
	}
	bus.Publish(s.bus, bus.TopicChannelCleared, bus.ChannelClearedEvent{ChannelID: channelID})
	if s.broadcaster != nil {
		s.broadcaster.BroadcastChannelCleared(channelID)
	}
	return nil
}

// UpdateChannel, DeleteChannel, ListChannels, ListParticipants,
// AddParticipants and RemoveParticipant are thin persistence
// passthroughs per spec §4.2.

func (s *Service) UpdateChannel(ctx context.Context, c *domain.Channel) error {
	if err := s.store.UpdateChannel(ctx, c); err != nil {
		return apierr.Wrap(apierr.CodePersistenceError, "failed to update channel", err)
	}
	return nil
}

func (s *Service) DeleteChannel(ctx context.Context, channelID string) error {
	if err := s.store.DeleteChannel(ctx, channelID); err != nil {
		return apierr.Wrap(apierr.CodePersistenceError, "failed to delete channel", err)
	}
	return nil
}

func (s *Service) ListChannels(ctx context.Context, messageServerID string) ([]*domain.Channel, error) {
	channels, err := s.store.ListChannelsForServer(ctx, messageServerID)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodePersistenceError, "failed to list channels", err)
	}
	return channels, nil
}

func (s *Service) ListParticipants(ctx context.Context, channelID string) ([]string, error) {
	p, err := s.store.ListParticipants(ctx, channelID)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodePersistenceError, "failed to list participants", err)
	}
	return p, nil
}

func (s *Service) AddParticipants(ctx context.Context, channelID string, entityIDs []string) error {
	if err := s.store.AddParticipants(ctx, channelID, entityIDs); err != nil {
		return apierr.Wrap(apierr.CodePersistenceError, "failed to add participants", err)
	}
	return nil
}

func (s *Service) RemoveParticipant(ctx context.Context, channelID, entityID string) error {
	if err := s.store.RemoveParticipant(ctx, channelID, entityID); err != nil {
		return apierr.Wrap(apierr.CodePersistenceError, "failed to remove participant", err)
	}
	return nil
}

const (
	minMessagesForTitle = 4
	maxTitleTokens       = 50
	titleTemperature     = 0.3
)

// GenerateTitle implements spec §4.2 generateTitle: requires at least 4
// messages, asks the agent runtime's text model for a short title at low
// temperature, and trims any enclosing quotes from the result.
func (s *Service) GenerateTitle(ctx context.Context, channelID, agentID string) (string, error) {
	if s.titleGen == nil {
		return "", apierr.New(apierr.CodeRuntimeError, "no title generator configured")
	}
	msgs, err := s.store.ListMessagesForChannel(ctx, channelID, MaxMessagesPerPage, nil)
	if err != nil {
		return "", apierr.Wrap(apierr.CodePersistenceError, "failed to load channel history", err)
	}
	if len(msgs) < minMessagesForTitle {
		return "", apierr.New(apierr.CodeInvalidContent, fmt.Sprintf("channel needs at least %d messages to title", minMessagesForTitle))
	}

	var b strings.Builder
	for i := len(msgs) - 1; i >= 0; i-- { // msgs is newest-first; transcript must be chronological
		fmt.Fprintf(&b, "%s: %s\n", msgs[i].AuthorID, msgs[i].Content)
	}

	title, err := s.titleGen.GenerateTitle(ctx, b.String(), maxTitleTokens, titleTemperature)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeRuntimeError, "title generation failed", err)
	}
	return strings.Trim(strings.TrimSpace(title), `"'`), nil
}
