package jobs

import (
	"context"
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

// fakeClock is a mutable, mutex-guarded Clock, matching the pattern
// established in internal/session's tests.
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
		DefaultTimeout:     2 * time.Second,
		AbsoluteMaxTimeout: 5 * time.Second,
		SweepInterval:      50 * time.Millisecond,
		TerminalRetention:  time.Hour,
		MaxJobsInMemory:    1000,
	}
}

func newTestRouter(t *testing.T, clock *fakeClock) (*Router, *memstore.Store, *bus.Bus, string) {
	t.Helper()
	serverID := ids.New()
	store := memstore.New()
	require.NoError(t, store.CreateServer(context.Background(), &domain.MessageServer{ID: serverID, Name: "test"}))
	b := bus.New(&core.NoOpLogger{})
	channels := channelsvc.New(store, b, nil, nil, serverID, &core.NoOpLogger{})
	r := New(store, channels, b, serverID, testConfig(), clock, &core.NoOpLogger{})
	r.Start()
	t.Cleanup(r.Cleanup)
	return r, store, b, serverID
}

func TestCreateJobCreatesChannelAndPersistsMessage(t *testing.T) {
	clock := newFakeClock()
	r, store, _, _ := newTestRouter(t, clock)

	agentID, userID := ids.New(), ids.New()
	job, err := r.Create(context.Background(), CreateInput{AgentID: agentID, UserID: userID, Content: "do the thing"})
	require.NoError(t, err)
	require.Equal(t, domain.JobProcessing, job.Status)

	msgs, err := store.ListMessagesForChannel(context.Background(), job.ChannelID, 10, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.SourceTypeJobRequest, msgs[0].SourceType)
}

func TestAgentReplyCompletesJob(t *testing.T) {
	clock := newFakeClock()
	r, _, b, serverID := newTestRouter(t, clock)

	agentID, userID := ids.New(), ids.New()
	job, err := r.Create(context.Background(), CreateInput{AgentID: agentID, UserID: userID, Content: "do the thing"})
	require.NoError(t, err)

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: job.ChannelID, MessageServerID: serverID,
		AuthorID: agentID, Content: "done",
	})

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.Status)
	require.Equal(t, "done", got.Result.Content)
}

func TestActionMessageDoesNotCompleteJob(t *testing.T) {
	clock := newFakeClock()
	r, _, b, serverID := newTestRouter(t, clock)

	agentID, userID := ids.New(), ids.New()
	job, err := r.Create(context.Background(), CreateInput{AgentID: agentID, UserID: userID, Content: "do the thing"})
	require.NoError(t, err)

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: job.ChannelID, MessageServerID: serverID,
		AuthorID: agentID, Content: "Executing action: REPLY",
	})

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobProcessing, got.Status)
	require.True(t, got.ActionMessageReceived)

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: job.ChannelID, MessageServerID: serverID,
		AuthorID: agentID, Content: "final answer",
	})
	got, err = r.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.Status)
}

func TestMessageFromOtherAuthorIgnored(t *testing.T) {
	clock := newFakeClock()
	r, _, b, serverID := newTestRouter(t, clock)

	agentID, userID := ids.New(), ids.New()
	job, err := r.Create(context.Background(), CreateInput{AgentID: agentID, UserID: userID, Content: "do the thing"})
	require.NoError(t, err)

	bus.Publish(b, bus.TopicNewMessage, bus.NewMessageEvent{
		ID: ids.New(), ChannelID: job.ChannelID, MessageServerID: serverID,
		AuthorID: userID, Content: "a stray echo of my own message",
	})

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobProcessing, got.Status)
}

func TestRequestedTimeoutClampsToAbsoluteMax(t *testing.T) {
	clock := newFakeClock()
	r, _, _, _ := newTestRouter(t, clock)

	agentID, userID := ids.New(), ids.New()
	job, err := r.Create(context.Background(), CreateInput{
		AgentID: agentID, UserID: userID, Content: "do the thing", TimeoutRaw: "999999",
	})
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(5*time.Second), job.ExpiresAt)
}

func TestSweepTimesOutExpiredProcessingJob(t *testing.T) {
	clock := newFakeClock()
	r, _, _, _ := newTestRouter(t, clock)

	agentID, userID := ids.New(), ids.New()
	job, err := r.Create(context.Background(), CreateInput{
		AgentID: agentID, UserID: userID, Content: "do the thing", TimeoutRaw: "1",
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		got, err := r.Get(job.ID)
		return err == nil && got.Status == domain.JobTimeout
	}, time.Second, 10*time.Millisecond)
}

func TestHealthCountsProcessingJobs(t *testing.T) {
	clock := newFakeClock()
	r, _, _, _ := newTestRouter(t, clock)

	agentID, userID := ids.New(), ids.New()
	_, err := r.Create(context.Background(), CreateInput{AgentID: agentID, UserID: userID, Content: "one"})
	require.NoError(t, err)
	_, err = r.Create(context.Background(), CreateInput{AgentID: agentID, UserID: ids.New(), Content: "two"})
	require.NoError(t, err)

	h := r.Health()
	require.Equal(t, 2, h.TotalJobs)
	require.Equal(t, 2, h.Processing)
}

func TestGetUnknownJobReturnsNotFound(t *testing.T) {
	clock := newFakeClock()
	r, _, _, _ := newTestRouter(t, clock)

	_, err := r.Get(ids.New())
	require.Error(t, err)
}
