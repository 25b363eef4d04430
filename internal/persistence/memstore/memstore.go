// Package memstore is an in-memory reference implementation of
// persistence.Store, grounded on the teacher's MockSessionManager
// pattern (a mutex-guarded map standing in for a real backing store).
// It is suitable for local development and the module's own tests; the
// pgx-backed pgstore package is the production-shaped alternative.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/persistence"
)

// Store implements persistence.Store over in-memory maps guarded by a
// single RWMutex. Good enough for the data volumes a dev/test process
// sees; not for production traffic, which is what pgstore is for.
type Store struct {
	mu sync.RWMutex

	servers  map[string]*domain.MessageServer
	channels map[string]*domain.Channel
	messages map[string]*domain.Message
	// channelMessages indexes message ids per channel in insertion order.
	channelMessages map[string][]string
	// agentServers[agentID] = set of messageServerIDs
	agentServers map[string]map[string]bool
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		servers:         make(map[string]*domain.MessageServer),
		channels:        make(map[string]*domain.Channel),
		messages:        make(map[string]*domain.Message),
		channelMessages: make(map[string][]string),
		agentServers:    make(map[string]map[string]bool),
	}
}

var _ persistence.Store = (*Store)(nil)

func (s *Store) CreateServer(ctx context.Context, srv *domain.MessageServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if srv.ID == "" {
		srv.ID = ids.New()
	}
	now := time.Now()
	srv.CreatedAt, srv.UpdatedAt = now, now
	s.servers[srv.ID] = srv
	return nil
}

func (s *Store) ListServers(ctx context.Context) ([]*domain.MessageServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.MessageServer, 0, len(s.servers))
	for _, srv := range s.servers {
		cp := *srv
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetServerByID(ctx context.Context, id string) (*domain.MessageServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, core.ErrServerNotFound
	}
	cp := *srv
	return &cp, nil
}

func (s *Store) GetServerByRLSServerID(ctx context.Context, rlsServerID string) (*domain.MessageServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, srv := range s.servers {
		if srv.SourceID == rlsServerID {
			cp := *srv
			return &cp, nil
		}
	}
	return nil, core.ErrServerNotFound
}

func (s *Store) CreateChannel(ctx context.Context, c *domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.New()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.channels[c.ID] = c
	return nil
}

func (s *Store) UpdateChannel(ctx context.Context, c *domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.channels[c.ID]
	if !ok {
		return core.ErrChannelNotFound
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()
	s.channels[c.ID] = c
	return nil
}

func (s *Store) DeleteChannel(ctx context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return core.ErrChannelNotFound
	}
	delete(s.channels, channelID)
	for _, msgID := range s.channelMessages[channelID] {
		delete(s.messages, msgID)
	}
	delete(s.channelMessages, channelID)
	return nil
}

func (s *Store) GetChannelDetails(ctx context.Context, channelID string) (*domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[channelID]
	if !ok {
		return nil, core.ErrChannelNotFound
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return &cp, nil
}

func (s *Store) ListChannelsForServer(ctx context.Context, messageServerID string) ([]*domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Channel
	for _, c := range s.channels {
		if c.MessageServerID == messageServerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ListParticipants(ctx context.Context, channelID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[channelID]
	if !ok {
		return nil, core.ErrChannelNotFound
	}
	return append([]string(nil), c.Participants...), nil
}

func (s *Store) IsParticipant(ctx context.Context, channelID, entityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[channelID]
	if !ok {
		return false, core.ErrChannelNotFound
	}
	return c.HasParticipant(entityID), nil
}

func (s *Store) FindOrCreateDM(ctx context.Context, messageServerID string, participants []string) (*domain.Channel, error) {
	key := dmKey(participants)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if c.MessageServerID == messageServerID && c.Type == domain.ChannelTypeDM && dmKey(c.Participants) == key {
			cp := *c
			return &cp, nil
		}
	}

	c := &domain.Channel{
		ID:              ids.New(),
		MessageServerID: messageServerID,
		Type:            domain.ChannelTypeDM,
		Participants:    append([]string(nil), participants...),
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.channels[c.ID] = c
	cp := *c
	return &cp, nil
}

func dmKey(participants []string) string {
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	key := ""
	for _, p := range sorted {
		key += p + "|"
	}
	return key
}

func (s *Store) AddParticipants(ctx context.Context, channelID string, entityIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return core.ErrChannelNotFound
	}
	seen := map[string]bool{}
	for _, p := range c.Participants {
		seen[p] = true
	}
	for _, id := range entityIDs {
		if !seen[id] {
			c.Participants = append(c.Participants, id)
			seen[id] = true
		}
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, channelID, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return core.ErrChannelNotFound
	}
	out := c.Participants[:0]
	for _, p := range c.Participants {
		if p != entityID {
			out = append(out, p)
		}
	}
	c.Participants = out
	c.UpdatedAt = time.Now()
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = ids.New()
	}
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	s.messages[m.ID] = m
	s.channelMessages[m.ChannelID] = append(s.channelMessages[m.ChannelID], m.ID)
	return nil
}

func (s *Store) UpdateMessage(ctx context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.messages[m.ID]
	if !ok {
		return core.ErrMessageNotFound
	}
	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = time.Now()
	s.messages[m.ID] = m
	return nil
}

func (s *Store) DeleteMessageByID(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return core.ErrMessageNotFound
	}
	delete(s.messages, messageID)
	ids := s.channelMessages[m.ChannelID]
	for i, id := range ids {
		if id == messageID {
			s.channelMessages[m.ChannelID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) DeleteAllMessagesForChannel(ctx context.Context, channelID string, batchSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.channelMessages[channelID] {
		delete(s.messages, id)
	}
	delete(s.channelMessages, channelID)
	return nil
}

func (s *Store) ListMessagesForChannel(ctx context.Context, channelID string, limit int, before *string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	ids := s.channelMessages[channelID]
	// newest first
	cutoff := len(ids)
	if before != nil {
		for i, id := range ids {
			if id == *before {
				cutoff = i
				break
			}
		}
	}

	out := make([]*domain.Message, 0, limit)
	for i := cutoff - 1; i >= 0 && len(out) < limit; i-- {
		if m, ok := s.messages[ids[i]]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) GetMessageByID(ctx context.Context, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, core.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) AddAgentToServer(ctx context.Context, messageServerID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentServers[agentID] == nil {
		s.agentServers[agentID] = make(map[string]bool)
	}
	s.agentServers[agentID][messageServerID] = true
	return nil
}

func (s *Store) RemoveAgentFromServer(ctx context.Context, messageServerID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agentServers[agentID], messageServerID)
	return nil
}

func (s *Store) ListAgentsForServer(ctx context.Context, messageServerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for agentID, servers := range s.agentServers {
		if servers[messageServerID] {
			out = append(out, agentID)
		}
	}
	return out, nil
}

func (s *Store) ListServersForAgent(ctx context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.agentServers[agentID]))
	for serverID := range s.agentServers[agentID] {
		out = append(out, serverID)
	}
	return out, nil
}
