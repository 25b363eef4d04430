package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/bus"
	"github.com/wiremesh/chatcore/internal/channelsvc"
	"github.com/wiremesh/chatcore/internal/dispatcher"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/persistence/memstore"
)

// fakeClock is a mutable, mutex-guarded Clock, grounded on the
// teacher's session_mock.go style of an explicitly controllable fake
// rather than wall-clock sleeps in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		DefaultTimeoutMinutes:   30,
		MinTimeoutMinutes:       1,
		MaxTimeoutMinutes:       1440,
		MaxDurationMinutes:      480,
		WarningThresholdMinutes: 5,
		CleanupIntervalMinutes:  1,
	}
}

func newTestManager(t *testing.T, clock *fakeClock) (*Manager, string) {
	t.Helper()
	serverID := ids.New()
	store := memstore.New()
	require.NoError(t, store.CreateServer(context.Background(), &domain.MessageServer{ID: serverID, Name: "test"}))
	b := bus.New(&core.NoOpLogger{})
	channels := channelsvc.New(store, b, nil, nil, serverID, &core.NoOpLogger{})
	return New(store, channels, serverID, testConfig(), clock, &core.NoOpLogger{}, nil), serverID
}

func TestCreateSessionComputesExpiry(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock)

	s, err := mgr.Create(context.Background(), ids.New(), ids.New(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(30*time.Minute), s.ExpiresAt)
}

func TestGetExpiredSessionReturnsSessionExpired(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock)

	s, err := mgr.Create(context.Background(), ids.New(), ids.New(), nil, nil)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	_, err = mgr.Get(context.Background(), s.ID)
	require.Error(t, err)
}

func TestHeartbeatRenewsWhenAutoRenew(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock)

	s, err := mgr.Create(context.Background(), ids.New(), ids.New(), nil, nil)
	require.NoError(t, err)
	require.True(t, s.TimeoutConfig.AutoRenew)

	clock.Advance(20 * time.Minute)
	renewed, err := mgr.Heartbeat(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, 1, renewed.RenewalCount)
	require.Equal(t, clock.Now().Add(30*time.Minute), renewed.ExpiresAt)
}

func TestHeartbeatAdvancesActivityWithoutAutoRenew(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock)

	noRenew := false
	s, err := mgr.Create(context.Background(), ids.New(), ids.New(), nil, &TimeoutOverride{AutoRenew: &noRenew})
	require.NoError(t, err)
	originalExpiry := s.ExpiresAt

	clock.Advance(10 * time.Minute)
	updated, err := mgr.Heartbeat(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, 0, updated.RenewalCount)
	require.Equal(t, originalExpiry, updated.ExpiresAt)
	require.Equal(t, clock.Now(), updated.LastActivity)
}

func TestRenewFailsPastMaxDuration(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock)

	s, err := mgr.Create(context.Background(), ids.New(), ids.New(), nil, nil)
	require.NoError(t, err)

	// Heartbeat every 20 minutes so the session never lapses on its own
	// expiry, walking createdAt-relative age up to the 480 minute ceiling.
	for i := 0; i < 23; i++ {
		clock.Advance(20 * time.Minute)
		_, err := mgr.Heartbeat(context.Background(), s.ID)
		require.NoError(t, err)
	}

	clock.Advance(20 * time.Minute) // now 480 minutes past createdAt
	_, err = mgr.Renew(context.Background(), s.ID)
	require.Error(t, err)
}

func TestUpdateTimeoutClampsAndRecomputes(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock)

	s, err := mgr.Create(context.Background(), ids.New(), ids.New(), nil, nil)
	require.NoError(t, err)

	updated, err := mgr.UpdateTimeout(context.Background(), s.ID, TimeoutOverride{TimeoutMinutesRaw: "1,000"})
	require.NoError(t, err)
	// malformed numeric input falls back to the prior value, not zero.
	require.Equal(t, 30, updated.TimeoutConfig.TimeoutMinutes)

	updated, err = mgr.UpdateTimeout(context.Background(), s.ID, TimeoutOverride{TimeoutMinutesRaw: "9999"})
	require.NoError(t, err)
	require.Equal(t, 1440, updated.TimeoutConfig.TimeoutMinutes) // clamped to MaxTimeoutMinutes
}

func TestSendMessagePersistsAndRenews(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock)

	s, err := mgr.Create(context.Background(), ids.New(), ids.New(), nil, nil)
	require.NoError(t, err)

	rt := &stubRuntime{response: &dispatcher.AgentResponse{Text: "hi"}}
	result, err := mgr.SendMessage(context.Background(), s.ID, SendMessageInput{Content: "hello", TransportRaw: "http"}, nil, rt)
	require.NoError(t, err)
	require.Equal(t, 201, result.StatusCode)

	msgs, err := mgr.GetMessages(context.Background(), s.ID, "", "", "")
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 1)
	require.Equal(t, "hello", msgs.Messages[0].Content)
}

func TestGetMessagesRejectsInvalidBeforeCursor(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock)

	s, err := mgr.Create(context.Background(), ids.New(), ids.New(), nil, nil)
	require.NoError(t, err)

	_, err = mgr.GetMessages(context.Background(), s.ID, "", "NaN", "")
	require.Error(t, err)
}

func TestDeleteRemovesSession(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock)

	s, err := mgr.Create(context.Background(), ids.New(), ids.New(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(context.Background(), s.ID))
	_, err = mgr.Get(context.Background(), s.ID)
	require.Error(t, err)
}

func TestHealthCountsActiveSessions(t *testing.T) {
	clock := newFakeClock()
	mgr, _ := newTestManager(t, clock)

	_, err := mgr.Create(context.Background(), ids.New(), ids.New(), nil, nil)
	require.NoError(t, err)
	_, err = mgr.Create(context.Background(), ids.New(), ids.New(), nil, nil)
	require.NoError(t, err)

	h := mgr.Health()
	require.Equal(t, 2, h.ActiveSessions)
	require.Equal(t, "healthy", h.Status)
}

type stubRuntime struct {
	response *dispatcher.AgentResponse
}

func (s *stubRuntime) HandleMessage(ctx context.Context, agentID string, input dispatcher.AgentInput) (*dispatcher.AgentResponse, error) {
	return s.response, nil
}

func (s *stubRuntime) HandleMessageStream(ctx context.Context, agentID string, input dispatcher.AgentInput, callbacks dispatcher.StreamCallbacks) {
	callbacks.OnResponse(s.response.Text)
}
