// Package session implements the Session Manager: a timed wrapper around
// a backing DM channel with create/get/renew/heartbeat lifecycle and
// authoritative timeout arithmetic, per spec §4.3. Sessions live only in
// memory, owned by a Manager value with an explicit Start/Cleanup
// lifecycle, per the Design Notes' "package as a Router/Service value"
// guidance.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/apierr"
	"github.com/wiremesh/chatcore/internal/channelsvc"
	"github.com/wiremesh/chatcore/internal/dispatcher"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/persistence"
)

const (
	maxSessionContentLength = 8000
	defaultMessagesLimit    = 50
	maxMessagesLimit        = 200
	scaledWindowFactor      = 4
)

// Config holds the global numeric defaults every session falls back to
// absent an agent-specific or per-request override.
type Config struct {
	DefaultTimeoutMinutes   int
	MinTimeoutMinutes       int
	MaxTimeoutMinutes       int
	MaxDurationMinutes      int
	WarningThresholdMinutes int
	CleanupIntervalMinutes  int
}

// TimeoutOverride carries raw, possibly-malformed numeric strings from a
// request body. Every field is optional; absent/unparseable values fall
// through to the agent cache, then the global Config, per
// parseMinutes' clamp-and-default contract.
type TimeoutOverride struct {
	TimeoutMinutesRaw         string
	AutoRenew                 *bool
	MaxDurationMinutesRaw     string
	WarningThresholdMinutesRaw string
}

// Manager owns every Session in the process and the sweep task that
// expires and warns them.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*domain.Session
	agentTimeoutCache map[string]domain.TimeoutConfig

	store           persistence.Store
	channels        *channelsvc.Service
	currentServerID string
	config          Config
	clock           core.Clock
	logger          core.Logger
	mirror          Mirror

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	startedAt time.Time
}

// Mirror is the narrow surface a read-only cross-instance visibility
// sink needs (see redismirror.go). It never arbitrates session
// authority, so a nil Mirror is always a legal no-op configuration.
type Mirror interface {
	MirrorSession(ctx context.Context, s *domain.Session)
	MirrorDelete(ctx context.Context, sessionID string)
}

// New constructs a Manager. mirror may be nil.
func New(store persistence.Store, channels *channelsvc.Service, currentServerID string, cfg Config, clock core.Clock, logger core.Logger, mirror Mirror) *Manager {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("session")
	}
	return &Manager{
		sessions:          make(map[string]*domain.Session),
		agentTimeoutCache: make(map[string]domain.TimeoutConfig),
		store:             store,
		channels:          channels,
		currentServerID:   currentServerID,
		config:            cfg,
		clock:             clock,
		logger:            logger,
		mirror:            mirror,
		stopCh:            make(chan struct{}),
	}
}

// Start launches the periodic sweep task. Safe to call once; a second
// call is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.startedAt = m.clock.Now()
	m.mu.Unlock()

	interval := time.Duration(core.ClampInt(m.config.CleanupIntervalMinutes, 1, 1440)) * time.Minute
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Cleanup stops the sweep task. Safe to call multiple times.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func parseMinutes(raw string, def, min, max int) int {
	n := ids.ParseIntDefault(raw, def)
	return core.ClampInt(n, min, max)
}

// buildTimeoutConfig implements "finalTimeoutConfig = merge(request,
// agentSettings, globalDefaults)" from spec §4.3.
func (m *Manager) buildTimeoutConfig(agentID string, override *TimeoutOverride) domain.TimeoutConfig {
	m.mu.RLock()
	cached, hasCached := m.agentTimeoutCache[agentID]
	m.mu.RUnlock()

	cfg := domain.TimeoutConfig{
		TimeoutMinutes:          m.config.DefaultTimeoutMinutes,
		AutoRenew:               true,
		MaxDurationMinutes:      m.config.MaxDurationMinutes,
		WarningThresholdMinutes: m.config.WarningThresholdMinutes,
	}
	if hasCached {
		cfg = cached
	}

	if override != nil {
		cfg.TimeoutMinutes = parseMinutes(override.TimeoutMinutesRaw, cfg.TimeoutMinutes, m.config.MinTimeoutMinutes, m.config.MaxTimeoutMinutes)
		if override.AutoRenew != nil {
			cfg.AutoRenew = *override.AutoRenew
		}
		if override.MaxDurationMinutesRaw != "" {
			cfg.MaxDurationMinutes = parseMinutes(override.MaxDurationMinutesRaw, cfg.MaxDurationMinutes, cfg.TimeoutMinutes, 1<<20)
		}
		if override.WarningThresholdMinutesRaw != "" {
			cfg.WarningThresholdMinutes = parseMinutes(override.WarningThresholdMinutesRaw, cfg.WarningThresholdMinutes, 1, 1<<20)
		}
	}

	cfg.TimeoutMinutes = core.ClampInt(cfg.TimeoutMinutes, m.config.MinTimeoutMinutes, m.config.MaxTimeoutMinutes)
	if cfg.MaxDurationMinutes < cfg.TimeoutMinutes {
		cfg.MaxDurationMinutes = cfg.TimeoutMinutes // invariant: maxDurationMinutes >= timeoutMinutes
	}
	if cfg.WarningThresholdMinutes < 1 {
		cfg.WarningThresholdMinutes = 1
	}

	if override != nil {
		m.mu.Lock()
		m.agentTimeoutCache[agentID] = cfg
		m.mu.Unlock()
	}
	return cfg
}

func computeExpiry(s *domain.Session) time.Time {
	base := s.CreatedAt
	if s.TimeoutConfig.AutoRenew {
		base = s.LastActivity
	}
	candidate := base.Add(time.Duration(s.TimeoutConfig.TimeoutMinutes) * time.Minute)
	maxBoundary := s.CreatedAt.Add(time.Duration(s.TimeoutConfig.MaxDurationMinutes) * time.Minute)
	if candidate.Before(maxBoundary) {
		return candidate
	}
	return maxBoundary
}

// tryRenew attempts an activity-driven renewal. Returns false without
// mutating s when the session has already hit its absolute ceiling.
func tryRenew(s *domain.Session, now time.Time) bool {
	if now.Sub(s.CreatedAt) >= time.Duration(s.TimeoutConfig.MaxDurationMinutes)*time.Minute {
		return false
	}
	s.LastActivity = now
	s.RenewalCount++
	s.ExpiresAt = computeExpiry(s)
	s.Warning = nil
	return true
}

func checkWarning(s *domain.Session, now time.Time) {
	if s.Warning != nil && s.Warning.Sent {
		return
	}
	remaining := s.ExpiresAt.Sub(now)
	if remaining <= time.Duration(s.TimeoutConfig.WarningThresholdMinutes)*time.Minute {
		s.Warning = &domain.WarningState{Sent: true, SentAt: now}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Create implements spec §4.3 create.
func (m *Manager) Create(ctx context.Context, agentID, userID string, metadata domain.Metadata, override *TimeoutOverride) (*domain.Session, error) {
	if !ids.Validate(agentID) || !ids.Validate(userID) {
		return nil, apierr.New(apierr.CodeInvalidID, "agentId and userId must be valid identifiers")
	}
	if metadata != nil && !metadata.Bounded() {
		return nil, apierr.New(apierr.CodeInvalidMetadata, "metadata exceeds maximum size")
	}

	finalCfg := m.buildTimeoutConfig(agentID, override)
	now := m.clock.Now()
	sessionID := ids.New()
	channelID := ids.New()

	channel := &domain.Channel{
		ID:              channelID,
		MessageServerID: m.currentServerID,
		Type:            domain.ChannelTypeDM,
		Participants:    []string{agentID, userID},
		Name:            "Session " + shortID(sessionID),
		Metadata:        domain.Metadata{"sessionId": sessionID},
	}
	if err := m.store.CreateChannel(ctx, channel); err != nil {
		return nil, apierr.Wrap(apierr.CodeSessionCreationError, "failed to create backing channel", err)
	}

	s := &domain.Session{
		ID:            sessionID,
		AgentID:       agentID,
		ChannelID:     channel.ID,
		UserID:        userID,
		Metadata:      metadata,
		CreatedAt:     now,
		LastActivity:  now,
		TimeoutConfig: finalCfg,
		RenewalCount:  0,
	}
	s.ExpiresAt = computeExpiry(s)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.mirror != nil {
		m.mirror.MirrorSession(ctx, s)
	}
	return cloneSession(s), nil
}

func cloneSession(s *domain.Session) *domain.Session {
	cp := *s
	if s.Warning != nil {
		w := *s.Warning
		cp.Warning = &w
	}
	return &cp
}

// View is the derived read shape spec §4.3 get returns.
type View struct {
	Session          *domain.Session
	TimeRemaining    time.Duration
	IsNearExpiration bool
}

func (m *Manager) deriveView(s *domain.Session, now time.Time) *View {
	remaining := s.ExpiresAt.Sub(now)
	near := remaining <= time.Duration(s.TimeoutConfig.WarningThresholdMinutes)*time.Minute
	return &View{Session: cloneSession(s), TimeRemaining: remaining, IsNearExpiration: near}
}

// getLocked fetches and validates a session's liveness, removing it if
// expired, while holding the write lock for the duration of the check.
func (m *Manager) getLocked(sessionID string) (*domain.Session, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apierr.New(apierr.CodeSessionNotFound, "session not found")
	}
	if !s.ExpiresAt.After(now) {
		delete(m.sessions, sessionID)
		if m.mirror != nil {
			m.mirror.MirrorDelete(context.Background(), sessionID)
		}
		return nil, apierr.New(apierr.CodeSessionExpired, "session expired")
	}
	return s, nil
}

// Get implements spec §4.3 get.
func (m *Manager) Get(ctx context.Context, sessionID string) (*View, error) {
	s, err := m.getLocked(sessionID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	m.mu.Lock()
	checkWarning(s, now)
	m.mu.Unlock()
	return m.deriveView(s, now), nil
}

// SendMessageInput bundles sendMessage's request fields.
type SendMessageInput struct {
	Content     string
	Metadata    domain.Metadata
	TransportRaw string
}

// SendMessage implements spec §4.3 sendMessage.
func (m *Manager) SendMessage(ctx context.Context, sessionID string, in SendMessageInput, w http.ResponseWriter, rt dispatcher.AgentRuntime) (*dispatcher.Result, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, apierr.New(apierr.CodeInvalidContent, "content must not be empty")
	}
	if len(in.Content) > maxSessionContentLength {
		return nil, apierr.New(apierr.CodeInvalidContent, fmt.Sprintf("content exceeds %d characters", maxSessionContentLength))
	}
	if in.Metadata != nil && !in.Metadata.Bounded() {
		return nil, apierr.New(apierr.CodeInvalidMetadata, "metadata exceeds maximum size")
	}

	s, err := m.getLocked(sessionID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	wasRenewed := false
	m.mu.Lock()
	if s.TimeoutConfig.AutoRenew {
		wasRenewed = tryRenew(s, now)
	}
	snapshot := cloneSession(s)
	m.mu.Unlock()

	transport, err := dispatcher.ValidateTransport(in.TransportRaw)
	if err != nil {
		return nil, err
	}

	channel, err := m.store.GetChannelDetails(ctx, snapshot.ChannelID)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeMessageSendError, "failed to load backing channel", err)
	}
	merged := domain.Metadata{}
	for k, v := range channel.Metadata {
		merged[k] = v
	}
	for k, v := range in.Metadata {
		merged[k] = v
	}
	merged["sessionId"] = sessionID

	msg, err := m.channels.PostMessage(ctx, channelsvc.PostMessageInput{
		ChannelID:       snapshot.ChannelID,
		AuthorID:        snapshot.UserID,
		MessageServerID: m.currentServerID,
		Content:         in.Content,
		Metadata:        merged,
		SourceType:      domain.SourceTypeUser,
	})
	if err != nil {
		return nil, err
	}

	if m.mirror != nil {
		m.mirror.MirrorSession(ctx, snapshot)
	}

	extra := map[string]interface{}{
		"sessionStatus": map[string]interface{}{
			"expiresAt":        snapshot.ExpiresAt,
			"renewalCount":     snapshot.RenewalCount,
			"wasRenewed":       wasRenewed,
			"isNearExpiration": snapshot.ExpiresAt.Sub(now) <= time.Duration(snapshot.TimeoutConfig.WarningThresholdMinutes)*time.Minute,
		},
	}
	input := dispatcher.AgentInput{EntityID: snapshot.UserID, ChannelID: snapshot.ChannelID, Content: in.Content}
	return dispatcher.HandleTransport(ctx, transport, w, m.logger, rt, snapshot.AgentID, msg, input, extra, nil)
}

// MessagesPage is the bounded-pagination response spec §4.3 describes.
type MessagesPage struct {
	Messages []*domain.Message
	HasMore  bool
	Before   string
	After    string
}

// GetMessages implements spec §4.3 getMessages.
func (m *Manager) GetMessages(ctx context.Context, sessionID, limitRaw, before, after string) (*MessagesPage, error) {
	s, err := m.getLocked(sessionID)
	if err != nil {
		return nil, err
	}

	if before != "" && !ids.Validate(before) {
		return nil, apierr.New(apierr.CodeInvalidPagination, "before must be a valid message id")
	}
	if after != "" && !ids.Validate(after) {
		return nil, apierr.New(apierr.CodeInvalidPagination, "after must be a valid message id")
	}

	limit := parseMinutes(limitRaw, defaultMessagesLimit, 1, maxMessagesLimit)

	if after == "" {
		var beforePtr *string
		if before != "" {
			beforePtr = &before
		}
		msgs, err := m.channels.GetMessages(ctx, s.ChannelID, limit+1, beforePtr)
		if err != nil {
			return nil, err
		}
		hasMore := len(msgs) > limit
		if hasMore {
			msgs = msgs[:limit]
		}
		return &MessagesPage{Messages: msgs, HasMore: hasMore, Before: before, After: after}, nil
	}

	// "after" queries fetch a scaled window and filter, since the
	// persistence contract only exposes a "before" cursor.
	window, err := m.channels.GetMessages(ctx, s.ChannelID, limit*scaledWindowFactor, nil)
	if err != nil {
		return nil, err
	}
	cut := -1
	for i, msg := range window {
		if msg.ID == after {
			cut = i
			break
		}
	}
	var filtered []*domain.Message
	if cut >= 0 {
		filtered = window[:cut]
	}
	hasMore := len(filtered) > limit
	if hasMore {
		filtered = filtered[:limit]
	}
	return &MessagesPage{Messages: filtered, HasMore: hasMore, Before: before, After: after}, nil
}

// Renew implements spec §4.3 renew: manual renewal regardless of
// autoRenew, still bounded by maxDurationMinutes.
func (m *Manager) Renew(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.getLocked(sessionID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	m.mu.Lock()
	ok := tryRenew(s, now)
	snapshot := cloneSession(s)
	m.mu.Unlock()
	if !ok {
		return nil, apierr.New(apierr.CodeSessionRenewalFailed, "session has reached its maximum duration")
	}
	if m.mirror != nil {
		m.mirror.MirrorSession(ctx, snapshot)
	}
	return snapshot, nil
}

// UpdateTimeout implements spec §4.3 updateTimeout: merge + recompute.
func (m *Manager) UpdateTimeout(ctx context.Context, sessionID string, override TimeoutOverride) (*domain.Session, error) {
	s, err := m.getLocked(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if override.TimeoutMinutesRaw != "" {
		s.TimeoutConfig.TimeoutMinutes = parseMinutes(override.TimeoutMinutesRaw, s.TimeoutConfig.TimeoutMinutes, m.config.MinTimeoutMinutes, m.config.MaxTimeoutMinutes)
	}
	if override.AutoRenew != nil {
		s.TimeoutConfig.AutoRenew = *override.AutoRenew
	}
	if override.MaxDurationMinutesRaw != "" {
		s.TimeoutConfig.MaxDurationMinutes = parseMinutes(override.MaxDurationMinutesRaw, s.TimeoutConfig.MaxDurationMinutes, s.TimeoutConfig.TimeoutMinutes, 1<<20)
	}
	if override.WarningThresholdMinutesRaw != "" {
		s.TimeoutConfig.WarningThresholdMinutes = parseMinutes(override.WarningThresholdMinutesRaw, s.TimeoutConfig.WarningThresholdMinutes, 1, 1<<20)
	}
	if s.TimeoutConfig.MaxDurationMinutes < s.TimeoutConfig.TimeoutMinutes {
		s.TimeoutConfig.MaxDurationMinutes = s.TimeoutConfig.TimeoutMinutes
	}
	s.ExpiresAt = computeExpiry(s)
	snapshot := cloneSession(s)
	m.mu.Unlock()

	if m.mirror != nil {
		m.mirror.MirrorSession(ctx, snapshot)
	}
	return snapshot, nil
}

// Heartbeat implements spec §4.3 heartbeat. lastActivity always
// advances (§9 Open Question decision below); expiresAt only moves when
// autoRenew is enabled.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.getLocked(sessionID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	m.mu.Lock()
	s.LastActivity = now
	if s.TimeoutConfig.AutoRenew {
		tryRenew(s, now)
	}
	snapshot := cloneSession(s)
	m.mu.Unlock()

	if m.mirror != nil {
		m.mirror.MirrorSession(ctx, snapshot)
	}
	return snapshot, nil
}

// List returns every live session, newest-created first.
func (m *Manager) List(ctx context.Context) []*domain.Session {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if isMalformed(s) || !s.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Delete implements spec §4.3 delete: removes from memory only, the
// backing channel and its messages are retained.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return apierr.New(apierr.CodeSessionNotFound, "session not found")
	}
	if m.mirror != nil {
		m.mirror.MirrorDelete(ctx, sessionID)
	}
	return nil
}

// Health implements spec §4.3 health.
type HealthStatus struct {
	Status          string        `json:"status"`
	ActiveSessions  int           `json:"activeSessions"`
	ExpiringSoon    int           `json:"expiringSoon"`
	InvalidSessions int           `json:"invalidSessions"`
	Timestamp       time.Time     `json:"timestamp"`
	Uptime          time.Duration `json:"uptime"`
}

func (m *Manager) Health() HealthStatus {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := HealthStatus{Status: "healthy", Timestamp: now}
	if m.started {
		status.Uptime = now.Sub(m.startedAt)
	}
	for _, s := range m.sessions {
		if isMalformed(s) {
			status.InvalidSessions++
			continue
		}
		status.ActiveSessions++
		if s.ExpiresAt.Sub(now) <= time.Duration(s.TimeoutConfig.WarningThresholdMinutes)*time.Minute {
			status.ExpiringSoon++
		}
	}
	return status
}

func isMalformed(s *domain.Session) bool {
	return s.ID == "" || s.AgentID == "" || s.ChannelID == "" || s.CreatedAt.IsZero() || s.ExpiresAt.IsZero() || s.TimeoutConfig.TimeoutMinutes <= 0
}

// sweep implements spec §4.3's periodic task: drop malformed sessions,
// drop expired sessions, mark warnings.
func (m *Manager) sweep() {
	now := m.clock.Now()
	var toDelete []string

	m.mu.Lock()
	for id, s := range m.sessions {
		switch {
		case isMalformed(s):
			toDelete = append(toDelete, id)
		case !s.ExpiresAt.After(now):
			toDelete = append(toDelete, id)
		default:
			checkWarning(s, now)
		}
	}
	for _, id := range toDelete {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if len(toDelete) > 0 {
		m.logger.Info("session sweep evicted sessions", map[string]interface{}{"count": len(toDelete)})
		if m.mirror != nil {
			for _, id := range toDelete {
				m.mirror.MirrorDelete(context.Background(), id)
			}
		}
	}
}
