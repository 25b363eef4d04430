// Package jobs implements one-off message jobs (spec §4.7): post a
// single user message into an ephemeral DM channel, wait for the
// agent's completing reply, and report the result without a session's
// ongoing lifecycle. State is scoped to one Router instance, mirroring
// the Session Manager's explicit Start/Cleanup lifecycle.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/apierr"
	"github.com/wiremesh/chatcore/internal/bus"
	"github.com/wiremesh/chatcore/internal/channelsvc"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/persistence"
)

// actionMessagePrefix marks an intermediate agent message that does not
// complete the job; the listener keeps waiting for the real final
// message once it sees one of these, per spec §4.7(b).
const actionMessagePrefix = "Executing action:"

// Config bounds job timeouts and the in-memory working set's size.
type Config struct {
	DefaultTimeout     time.Duration
	AbsoluteMaxTimeout time.Duration
	SweepInterval      time.Duration
	TerminalRetention  time.Duration
	MaxJobsInMemory    int
}

// Router owns every in-flight and recently-terminal job for one process.
type Router struct {
	mu          sync.RWMutex
	jobs        map[string]*domain.Job
	channelJobs map[string]string // channelID -> jobID, for routing new_message events
	timers      map[string]*time.Timer

	store           persistence.Store
	channels        *channelsvc.Service
	bus             *bus.Bus
	currentServerID string
	config          Config
	clock           core.Clock
	logger          core.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New constructs a Router. Call Start to begin the sweep loop and the
// bus listener that routes agent replies back to their job.
func New(store persistence.Store, channels *channelsvc.Service, b *bus.Bus, currentServerID string, cfg Config, clock core.Clock, logger core.Logger) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("jobs")
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.AbsoluteMaxTimeout <= 0 {
		cfg.AbsoluteMaxTimeout = 300 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = time.Hour
	}
	if cfg.MaxJobsInMemory <= 0 {
		cfg.MaxJobsInMemory = 10000
	}
	return &Router{
		jobs:            make(map[string]*domain.Job),
		channelJobs:     make(map[string]string),
		timers:          make(map[string]*time.Timer),
		store:           store,
		channels:        channels,
		bus:             b,
		currentServerID: currentServerID,
		config:          cfg,
		clock:           clock,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

// Start subscribes to the bus and begins the sweep loop, which runs every
// Config.SweepInterval (60s by default). A second call is a no-op.
func (r *Router) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	bus.Subscribe(r.bus, bus.TopicNewMessage, r.handleNewMessage)

	r.wg.Add(1)
	go r.sweepLoop()
}

// Cleanup stops the sweep loop and cancels every outstanding listener
// timer. Jobs already recorded are left in place for Get/List.
func (r *Router) Cleanup() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = make(map[string]*time.Timer)
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
}

func (r *Router) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep transitions expired PROCESSING jobs to TIMEOUT, evicts terminal
// jobs past their retention window, and trims the oldest 10% if the
// working set exceeds MaxJobsInMemory.
func (r *Router) sweep() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	timedOut := 0
	for _, job := range r.jobs {
		if job.Status == domain.JobProcessing && now.After(job.ExpiresAt) {
			job.Status = domain.JobTimeout
			job.Error = "listener timeout"
			timedOut++
		}
	}

	evicted := 0
	for id, job := range r.jobs {
		if job.Status.IsTerminal() && now.Sub(job.CreatedAt) > r.config.TerminalRetention {
			delete(r.jobs, id)
			delete(r.channelJobs, job.ChannelID)
			evicted++
		}
	}

	if len(r.jobs) > r.config.MaxJobsInMemory {
		r.emergencyEvictLocked()
	}

	if timedOut > 0 || evicted > 0 {
		r.logger.Info("jobs sweep", map[string]interface{}{
			"timed_out": timedOut, "evicted": evicted, "remaining": len(r.jobs),
		})
	}
}

// emergencyEvictLocked trims the oldest 10% of jobs by CreatedAt,
// regardless of status, once the in-memory working set exceeds
// MaxJobsInMemory. Called with r.mu already held.
func (r *Router) emergencyEvictLocked() {
	ordered := make([]*domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		ordered = append(ordered, job)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	trim := len(ordered) / 10
	if trim == 0 {
		trim = 1
	}
	for i := 0; i < trim && i < len(ordered); i++ {
		delete(r.jobs, ordered[i].ID)
		delete(r.channelJobs, ordered[i].ChannelID)
	}
	r.logger.Warn("jobs: emergency eviction triggered", map[string]interface{}{
		"trimmed": trim, "limit": r.config.MaxJobsInMemory,
	})
}

// CreateInput bundles createJob's parameters.
type CreateInput struct {
	AgentID    string
	UserID     string
	Content    string
	Metadata   domain.Metadata
	TimeoutRaw string // optional caller-requested timeout, in seconds
}

// Create implements POST /jobs: an ephemeral DM channel, a persisted
// user message with sourceType=job_request, a bus publish, and a
// listener bounded by min(requested timeout, AbsoluteMaxTimeout).
func (r *Router) Create(ctx context.Context, in CreateInput) (*domain.Job, error) {
	if !ids.Validate(in.AgentID) || !ids.Validate(in.UserID) {
		return nil, apierr.New(apierr.CodeInvalidID, "agent_id and user_id must be valid identifiers")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, apierr.New(apierr.CodeInvalidContent, "content must not be empty")
	}

	jobID := ids.New()
	channel, err := r.store.FindOrCreateDM(ctx, r.currentServerID, []string{in.AgentID, in.UserID})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeChannelCreationFailed, "failed to create job channel", err)
	}

	timeout := r.config.DefaultTimeout
	if n := ids.ParseIntDefault(in.TimeoutRaw, int(r.config.DefaultTimeout/time.Second)); n > 0 {
		timeout = time.Duration(n) * time.Second
	}
	if timeout > r.config.AbsoluteMaxTimeout {
		timeout = r.config.AbsoluteMaxTimeout
	}

	now := r.clock.Now()
	job := &domain.Job{
		ID:        jobID,
		AgentID:   in.AgentID,
		UserID:    in.UserID,
		ChannelID: channel.ID,
		Content:   in.Content,
		Status:    domain.JobPending,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		Metadata:  in.Metadata,
	}

	r.mu.Lock()
	r.jobs[jobID] = job
	r.channelJobs[channel.ID] = jobID
	r.mu.Unlock()

	msg, err := r.channels.PostMessage(ctx, channelsvc.PostMessageInput{
		ChannelID:       channel.ID,
		AuthorID:        in.UserID,
		MessageServerID: r.currentServerID,
		Content:         in.Content,
		Metadata:        in.Metadata,
		SourceType:      domain.SourceTypeJobRequest,
	})
	if err != nil {
		r.mu.Lock()
		job.Status = domain.JobFailed
		job.Error = err.Error()
		r.mu.Unlock()
		return job, apierr.Wrap(apierr.CodeMessageSendError, "failed to post job message", err)
	}

	r.mu.Lock()
	job.Status = domain.JobProcessing
	job.UserMessageID = msg.ID
	r.mu.Unlock()

	r.armTimer(jobID, timeout)

	return r.cloneJob(job), nil
}

func (r *Router) armTimer(jobID string, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		job, ok := r.jobs[jobID]
		if !ok || job.Status.IsTerminal() {
			return
		}
		job.Status = domain.JobTimeout
		job.Error = "listener timeout"
		delete(r.timers, jobID)
	})
	r.mu.Lock()
	r.timers[jobID] = timer
	r.mu.Unlock()
}

// handleNewMessage is the single global new_message subscriber that
// routes agent replies back to whichever job owns that channel. Once a
// job reaches a terminal status this becomes a no-op for its channel, a
// cheap substitute for the explicit unsubscribe the bus doesn't offer.
func (r *Router) handleNewMessage(evt bus.NewMessageEvent) {
	r.mu.Lock()
	jobID, ok := r.channelJobs[evt.ChannelID]
	if !ok {
		r.mu.Unlock()
		return
	}
	job, ok := r.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	if evt.AuthorID != job.AgentID {
		r.mu.Unlock()
		return // only the assigned agent's messages can complete this job
	}

	if strings.HasPrefix(strings.TrimSpace(evt.Content), actionMessagePrefix) {
		job.ActionMessageReceived = true
		r.mu.Unlock()
		return
	}

	job.Status = domain.JobCompleted
	job.AgentResponseID = evt.ID
	job.Result = &domain.JobResult{MessageID: evt.ID, Content: evt.Content}
	timer := r.timers[jobID]
	delete(r.timers, jobID)
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}

func (r *Router) cloneJob(j *domain.Job) *domain.Job {
	clone := *j
	if j.Result != nil {
		result := *j.Result
		clone.Result = &result
	}
	return &clone
}

// Get returns one job by id.
func (r *Router) Get(jobID string) (*domain.Job, error) {
	if !ids.Validate(jobID) {
		return nil, apierr.New(apierr.CodeInvalidID, "job id is malformed")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, apierr.New(apierr.CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	return r.cloneJob(job), nil
}

// List returns every job currently held, newest first.
func (r *Router) List() []*domain.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, r.cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// HealthStatus is GET /jobs/health's payload.
type HealthStatus struct {
	Status     string `json:"status"`
	TotalJobs  int    `json:"totalJobs"`
	Processing int    `json:"processing"`
	Timestamp  int64  `json:"timestamp"`
}

// Health summarizes the current working set.
func (r *Router) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	processing := 0
	for _, job := range r.jobs {
		if job.Status == domain.JobProcessing {
			processing++
		}
	}
	return HealthStatus{
		Status:     "healthy",
		TotalJobs:  len(r.jobs),
		Processing: processing,
		Timestamp:  r.clock.Now().UnixMilli(),
	}
}
