package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/domain"
)

// RedisMirror publishes a read-only, non-authoritative copy of session
// state to Redis for cross-instance visibility (dashboards, external
// health probes). The in-memory Manager remains the sole source of
// truth for expiry and renewal; a mirror write failing never fails the
// caller's operation, matching the teacher's session_redis.go pattern
// of treating Redis as a cache in front of deterministic logic rather
// than the logic itself.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	logger core.Logger
}

func NewRedisMirror(client *redis.Client, ttl time.Duration, logger core.Logger) *RedisMirror {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("session-mirror")
	}
	return &RedisMirror{client: client, ttl: ttl, logger: logger}
}

func mirrorKey(sessionID string) string {
	return fmt.Sprintf("session:mirror:%s", sessionID)
}

func (r *RedisMirror) MirrorSession(ctx context.Context, s *domain.Session) {
	if r == nil || r.client == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		r.logger.Warn("session mirror: marshal failed", map[string]interface{}{"sessionId": s.ID, "error": err.Error()})
		return
	}
	if err := r.client.Set(ctx, mirrorKey(s.ID), payload, r.ttl).Err(); err != nil {
		r.logger.Warn("session mirror: redis write failed", map[string]interface{}{"sessionId": s.ID, "error": err.Error()})
	}
}

func (r *RedisMirror) MirrorDelete(ctx context.Context, sessionID string) {
	if r == nil || r.client == nil {
		return
	}
	if err := r.client.Del(ctx, mirrorKey(sessionID)).Err(); err != nil {
		r.logger.Warn("session mirror: redis delete failed", map[string]interface{}{"sessionId": sessionID, "error": err.Error()})
	}
}
