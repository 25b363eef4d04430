// Package pgstore is a pgx-backed reference implementation of
// persistence.Store. It is the production-shaped alternative to
// memstore: a real schema, real transactions, and a golang-migrate
// migration set (see migrations.go) rather than in-memory maps.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/persistence"
)

// Store implements persistence.Store over a pgxpool connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to postgresURL and returns a ready Store. Callers should
// run Migrate (migrations.go) once at startup before using the Store.
func Open(ctx context.Context, postgresURL string) (*Store, error) {
	if err := core.RequireNonEmpty("pgstore.Open", "POSTGRES_URL", postgresURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, postgresURL)
	if err != nil {
		return nil, core.NewFrameworkError("pgstore.Open", "persistence", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, core.NewFrameworkError("pgstore.Open", "persistence", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

var _ persistence.Store = (*Store)(nil)

func marshalMeta(m domain.Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMeta(b []byte) domain.Metadata {
	if len(b) == 0 {
		return nil
	}
	var m domain.Metadata
	_ = json.Unmarshal(b, &m)
	return m
}

func (s *Store) CreateServer(ctx context.Context, srv *domain.MessageServer) error {
	if srv.ID == "" {
		srv.ID = ids.New()
	}
	meta, err := marshalMeta(srv.Metadata)
	if err != nil {
		return core.NewFrameworkError("pgstore.CreateServer", "persistence", err)
	}
	now := time.Now()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO message_servers (id, name, source_type, source_id, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$6)`,
		srv.ID, srv.Name, srv.SourceType, srv.SourceID, meta, now)
	if err != nil {
		return core.NewFrameworkError("pgstore.CreateServer", "persistence", err)
	}
	srv.CreatedAt, srv.UpdatedAt = now, now
	return nil
}

func (s *Store) ListServers(ctx context.Context) ([]*domain.MessageServer, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, source_type, source_id, metadata, created_at, updated_at FROM message_servers`)
	if err != nil {
		return nil, core.NewFrameworkError("pgstore.ListServers", "persistence", err)
	}
	defer rows.Close()

	var out []*domain.MessageServer
	for rows.Next() {
		srv := &domain.MessageServer{}
		var meta []byte
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.SourceType, &srv.SourceID, &meta, &srv.CreatedAt, &srv.UpdatedAt); err != nil {
			return nil, core.NewFrameworkError("pgstore.ListServers", "persistence", err)
		}
		srv.Metadata = unmarshalMeta(meta)
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *Store) GetServerByID(ctx context.Context, id string) (*domain.MessageServer, error) {
	srv := &domain.MessageServer{}
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, source_type, source_id, metadata, created_at, updated_at FROM message_servers WHERE id=$1`, id,
	).Scan(&srv.ID, &srv.Name, &srv.SourceType, &srv.SourceID, &meta, &srv.CreatedAt, &srv.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, core.ErrServerNotFound
	}
	if err != nil {
		return nil, core.NewFrameworkError("pgstore.GetServerByID", "persistence", err)
	}
	srv.Metadata = unmarshalMeta(meta)
	return srv, nil
}

func (s *Store) GetServerByRLSServerID(ctx context.Context, rlsServerID string) (*domain.MessageServer, error) {
	srv := &domain.MessageServer{}
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, source_type, source_id, metadata, created_at, updated_at FROM message_servers WHERE source_id=$1`, rlsServerID,
	).Scan(&srv.ID, &srv.Name, &srv.SourceType, &srv.SourceID, &meta, &srv.CreatedAt, &srv.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, core.ErrServerNotFound
	}
	if err != nil {
		return nil, core.NewFrameworkError("pgstore.GetServerByRLSServerID", "persistence", err)
	}
	srv.Metadata = unmarshalMeta(meta)
	return srv, nil
}

func (s *Store) CreateChannel(ctx context.Context, c *domain.Channel) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	meta, err := marshalMeta(c.Metadata)
	if err != nil {
		return core.NewFrameworkError("pgstore.CreateChannel", "persistence", err)
	}
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.NewFrameworkError("pgstore.CreateChannel", "persistence", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO channels (id, message_server_id, name, type, source_type, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
		c.ID, c.MessageServerID, c.Name, c.Type, c.SourceType, meta, now)
	if err != nil {
		return core.NewFrameworkError("pgstore.CreateChannel", "persistence", err)
	}
	for _, p := range c.Participants {
		if _, err := tx.Exec(ctx, `INSERT INTO channel_participants (channel_id, entity_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, c.ID, p); err != nil {
			return core.NewFrameworkError("pgstore.CreateChannel", "persistence", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return core.NewFrameworkError("pgstore.CreateChannel", "persistence", err)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

func (s *Store) UpdateChannel(ctx context.Context, c *domain.Channel) error {
	meta, err := marshalMeta(c.Metadata)
	if err != nil {
		return core.NewFrameworkError("pgstore.UpdateChannel", "persistence", err)
	}
	now := time.Now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE channels SET name=$2, metadata=$3, updated_at=$4 WHERE id=$1`,
		c.ID, c.Name, meta, now)
	if err != nil {
		return core.NewFrameworkError("pgstore.UpdateChannel", "persistence", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrChannelNotFound
	}
	c.UpdatedAt = now
	return nil
}

func (s *Store) DeleteChannel(ctx context.Context, channelID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE id=$1`, channelID)
	if err != nil {
		return core.NewFrameworkError("pgstore.DeleteChannel", "persistence", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrChannelNotFound
	}
	return nil
}

func (s *Store) GetChannelDetails(ctx context.Context, channelID string) (*domain.Channel, error) {
	c := &domain.Channel{}
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, message_server_id, name, type, source_type, metadata, created_at, updated_at FROM channels WHERE id=$1`, channelID,
	).Scan(&c.ID, &c.MessageServerID, &c.Name, &c.Type, &c.SourceType, &meta, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, core.ErrChannelNotFound
	}
	if err != nil {
		return nil, core.NewFrameworkError("pgstore.GetChannelDetails", "persistence", err)
	}
	c.Metadata = unmarshalMeta(meta)
	participants, err := s.ListParticipants(ctx, channelID)
	if err != nil {
		return nil, err
	}
	c.Participants = participants
	return c, nil
}

func (s *Store) ListChannelsForServer(ctx context.Context, messageServerID string) ([]*domain.Channel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, message_server_id, name, type, source_type, metadata, created_at, updated_at FROM channels WHERE message_server_id=$1`,
		messageServerID)
	if err != nil {
		return nil, core.NewFrameworkError("pgstore.ListChannelsForServer", "persistence", err)
	}
	defer rows.Close()

	var out []*domain.Channel
	for rows.Next() {
		c := &domain.Channel{}
		var meta []byte
		if err := rows.Scan(&c.ID, &c.MessageServerID, &c.Name, &c.Type, &c.SourceType, &meta, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, core.NewFrameworkError("pgstore.ListChannelsForServer", "persistence", err)
		}
		c.Metadata = unmarshalMeta(meta)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListParticipants(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT entity_id FROM channel_participants WHERE channel_id=$1`, channelID)
	if err != nil {
		return nil, core.NewFrameworkError("pgstore.ListParticipants", "persistence", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.NewFrameworkError("pgstore.ListParticipants", "persistence", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) IsParticipant(ctx context.Context, channelID, entityID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM channel_participants WHERE channel_id=$1 AND entity_id=$2)`,
		channelID, entityID).Scan(&exists)
	if err != nil {
		return false, core.NewFrameworkError("pgstore.IsParticipant", "persistence", err)
	}
	return exists, nil
}

func (s *Store) FindOrCreateDM(ctx context.Context, messageServerID string, participants []string) (*domain.Channel, error) {
	if len(participants) != 2 {
		return nil, core.NewFrameworkError("pgstore.FindOrCreateDM", "channel", fmt.Errorf("dm requires exactly 2 participants"))
	}

	row := s.pool.QueryRow(ctx, `
		SELECT c.id FROM channels c
		WHERE c.message_server_id = $1 AND c.type = 'DM'
		AND (SELECT COUNT(*) FROM channel_participants cp WHERE cp.channel_id = c.id) = 2
		AND EXISTS (SELECT 1 FROM channel_participants cp WHERE cp.channel_id = c.id AND cp.entity_id = $2)
		AND EXISTS (SELECT 1 FROM channel_participants cp WHERE cp.channel_id = c.id AND cp.entity_id = $3)
		LIMIT 1`, messageServerID, participants[0], participants[1])

	var existingID string
	if err := row.Scan(&existingID); err == nil {
		return s.GetChannelDetails(ctx, existingID)
	} else if err != pgx.ErrNoRows {
		return nil, core.NewFrameworkError("pgstore.FindOrCreateDM", "persistence", err)
	}

	c := &domain.Channel{
		MessageServerID: messageServerID,
		Type:            domain.ChannelTypeDM,
		Participants:    participants,
	}
	if err := s.CreateChannel(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) AddParticipants(ctx context.Context, channelID string, entityIDs []string) error {
	for _, id := range entityIDs {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO channel_participants (channel_id, entity_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
			channelID, id); err != nil {
			return core.NewFrameworkError("pgstore.AddParticipants", "persistence", err)
		}
	}
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, channelID, entityID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM channel_participants WHERE channel_id=$1 AND entity_id=$2`, channelID, entityID); err != nil {
		return core.NewFrameworkError("pgstore.RemoveParticipant", "persistence", err)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = ids.New()
	}
	rawMeta, err := marshalMeta(m.RawMessage)
	if err != nil {
		return core.NewFrameworkError("pgstore.CreateMessage", "persistence", err)
	}
	meta, err := marshalMeta(m.Metadata)
	if err != nil {
		return core.NewFrameworkError("pgstore.CreateMessage", "persistence", err)
	}
	now := time.Now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, channel_id, author_id, content, raw_message, source_type, source_id,
			in_reply_to_root_message_id, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
		m.ID, m.ChannelID, m.AuthorID, m.Content, rawMeta, m.SourceType, m.SourceID,
		nullableString(m.InReplyToRootMessageID), meta, now)
	if err != nil {
		return core.NewFrameworkError("pgstore.CreateMessage", "persistence", err)
	}
	m.CreatedAt, m.UpdatedAt = now, now
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) UpdateMessage(ctx context.Context, m *domain.Message) error {
	meta, err := marshalMeta(m.Metadata)
	if err != nil {
		return core.NewFrameworkError("pgstore.UpdateMessage", "persistence", err)
	}
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET content=$2, metadata=$3, updated_at=$4 WHERE id=$1`,
		m.ID, m.Content, meta, now)
	if err != nil {
		return core.NewFrameworkError("pgstore.UpdateMessage", "persistence", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrMessageNotFound
	}
	m.UpdatedAt = now
	return nil
}

func (s *Store) DeleteMessageByID(ctx context.Context, messageID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id=$1`, messageID)
	if err != nil {
		return core.NewFrameworkError("pgstore.DeleteMessageByID", "persistence", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrMessageNotFound
	}
	return nil
}

// DeleteAllMessagesForChannel deletes in batches of batchSize so a large
// channel clear doesn't hold a single giant transaction/lock.
func (s *Store) DeleteAllMessagesForChannel(ctx context.Context, channelID string, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	for {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM messages WHERE id IN (
				SELECT id FROM messages WHERE channel_id=$1 LIMIT $2
			)`, channelID, batchSize)
		if err != nil {
			return core.NewFrameworkError("pgstore.DeleteAllMessagesForChannel", "persistence", err)
		}
		if tag.RowsAffected() < int64(batchSize) {
			return nil
		}
	}
}

func (s *Store) ListMessagesForChannel(ctx context.Context, channelID string, limit int, before *string) ([]*domain.Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if before != nil && *before != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, channel_id, author_id, content, raw_message, source_type, source_id,
				COALESCE(in_reply_to_root_message_id,''), metadata, created_at, updated_at
			FROM messages
			WHERE channel_id=$1 AND created_at < (SELECT created_at FROM messages WHERE id=$2)
			ORDER BY created_at DESC LIMIT $3`, channelID, *before, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, channel_id, author_id, content, raw_message, source_type, source_id,
				COALESCE(in_reply_to_root_message_id,''), metadata, created_at, updated_at
			FROM messages WHERE channel_id=$1 ORDER BY created_at DESC LIMIT $2`, channelID, limit)
	}
	if err != nil {
		return nil, core.NewFrameworkError("pgstore.ListMessagesForChannel", "persistence", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m := &domain.Message{}
		var rawMeta, meta []byte
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &rawMeta, &m.SourceType, &m.SourceID,
			&m.InReplyToRootMessageID, &meta, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, core.NewFrameworkError("pgstore.ListMessagesForChannel", "persistence", err)
		}
		m.RawMessage = unmarshalMeta(rawMeta)
		m.Metadata = unmarshalMeta(meta)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetMessageByID(ctx context.Context, messageID string) (*domain.Message, error) {
	m := &domain.Message{}
	var rawMeta, meta []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, channel_id, author_id, content, raw_message, source_type, source_id,
			COALESCE(in_reply_to_root_message_id,''), metadata, created_at, updated_at
		FROM messages WHERE id=$1`, messageID,
	).Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &rawMeta, &m.SourceType, &m.SourceID,
		&m.InReplyToRootMessageID, &meta, &m.CreatedAt, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, core.ErrMessageNotFound
	}
	if err != nil {
		return nil, core.NewFrameworkError("pgstore.GetMessageByID", "persistence", err)
	}
	m.RawMessage = unmarshalMeta(rawMeta)
	m.Metadata = unmarshalMeta(meta)
	return m, nil
}

func (s *Store) AddAgentToServer(ctx context.Context, messageServerID, agentID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO server_agents (message_server_id, agent_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		messageServerID, agentID)
	if err != nil {
		return core.NewFrameworkError("pgstore.AddAgentToServer", "persistence", err)
	}
	return nil
}

func (s *Store) RemoveAgentFromServer(ctx context.Context, messageServerID, agentID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM server_agents WHERE message_server_id=$1 AND agent_id=$2`, messageServerID, agentID)
	if err != nil {
		return core.NewFrameworkError("pgstore.RemoveAgentFromServer", "persistence", err)
	}
	return nil
}

func (s *Store) ListAgentsForServer(ctx context.Context, messageServerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT agent_id FROM server_agents WHERE message_server_id=$1`, messageServerID)
	if err != nil {
		return nil, core.NewFrameworkError("pgstore.ListAgentsForServer", "persistence", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.NewFrameworkError("pgstore.ListAgentsForServer", "persistence", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) ListServersForAgent(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT message_server_id FROM server_agents WHERE agent_id=$1`, agentID)
	if err != nil {
		return nil, core.NewFrameworkError("pgstore.ListServersForAgent", "persistence", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.NewFrameworkError("pgstore.ListServersForAgent", "persistence", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
