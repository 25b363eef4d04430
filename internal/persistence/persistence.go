// Package persistence declares the contract this module requires of its
// external store. The store itself (the "persistence engine") is
// deliberately out of scope per spec §1 — only this interface is
// specified. memstore and the sibling pgstore package are this module's
// own reference implementations for tests and a runnable default,
// not "the persistence engine" itself.
package persistence

import (
	"context"

	"github.com/wiremesh/chatcore/internal/domain"
)

// Store is the full persistence contract named in spec §6.
type Store interface {
	// Servers
	CreateServer(ctx context.Context, s *domain.MessageServer) error
	ListServers(ctx context.Context) ([]*domain.MessageServer, error)
	GetServerByID(ctx context.Context, id string) (*domain.MessageServer, error)
	GetServerByRLSServerID(ctx context.Context, rlsServerID string) (*domain.MessageServer, error)

	// Channels
	CreateChannel(ctx context.Context, c *domain.Channel) error
	UpdateChannel(ctx context.Context, c *domain.Channel) error
	DeleteChannel(ctx context.Context, channelID string) error
	GetChannelDetails(ctx context.Context, channelID string) (*domain.Channel, error)
	ListChannelsForServer(ctx context.Context, messageServerID string) ([]*domain.Channel, error)
	ListParticipants(ctx context.Context, channelID string) ([]string, error)
	IsParticipant(ctx context.Context, channelID, entityID string) (bool, error)
	FindOrCreateDM(ctx context.Context, messageServerID string, participants []string) (*domain.Channel, error)
	AddParticipants(ctx context.Context, channelID string, entityIDs []string) error
	RemoveParticipant(ctx context.Context, channelID, entityID string) error

	// Messages
	CreateMessage(ctx context.Context, m *domain.Message) error
	UpdateMessage(ctx context.Context, m *domain.Message) error
	DeleteMessageByID(ctx context.Context, messageID string) error
	DeleteAllMessagesForChannel(ctx context.Context, channelID string, batchSize int) error
	ListMessagesForChannel(ctx context.Context, channelID string, limit int, before *string) ([]*domain.Message, error)
	GetMessageByID(ctx context.Context, messageID string) (*domain.Message, error)

	// Agent <-> server associations
	AddAgentToServer(ctx context.Context, messageServerID, agentID string) error
	RemoveAgentFromServer(ctx context.Context, messageServerID, agentID string) error
	ListAgentsForServer(ctx context.Context, messageServerID string) ([]string, error)
	ListServersForAgent(ctx context.Context, agentID string) ([]string, error)
}
