// Package domain defines the entities this module routes messages
// between: servers, channels, messages, sessions and jobs. These types
// are owned by the persistence layer (MessageServer, Channel, Message)
// or by this module's in-memory state (Session, Job); domain never
// imports any other internal package, keeping it the dependency leaf
// every other package builds on.
package domain

import (
	"encoding/json"
	"time"
)

// MaxMetadataBytes bounds the serialized size of any Metadata map this
// module accepts from a client, per spec's "bounded serialized size"
// design note for deeply optional payloads.
const MaxMetadataBytes = 32 * 1024

// Metadata is an opaque, free-form map. The core never parses it except
// for a narrow allow-list of well-known keys (IsDM, ChannelType,
// TargetUserID, RecipientID, UserDisplayName below).
type Metadata map[string]interface{}

// Bounded reports whether m's JSON-serialized size is within
// MaxMetadataBytes. A nil map is always bounded.
func (m Metadata) Bounded() bool {
	if m == nil {
		return true
	}
	b, err := json.Marshal(m)
	if err != nil {
		return false
	}
	return len(b) <= MaxMetadataBytes
}

func (m Metadata) stringField(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IsDM reports whether metadata marks this message/channel as a direct
// message, via either "isDm" (bool) or "channelType" == "dm"/"DM".
func (m Metadata) IsDM() bool {
	if m == nil {
		return false
	}
	if v, ok := m["isDm"].(bool); ok && v {
		return true
	}
	if ct, ok := m.stringField("channelType"); ok {
		switch ct {
		case "dm", "DM":
			return true
		}
	}
	return false
}

// TargetUserID reads the narrow set of keys the core recognizes for the
// "other participant" of an auto-created DM channel.
func (m Metadata) TargetUserID() (string, bool) {
	for _, key := range []string{"targetUserId", "recipientId"} {
		if v, ok := m.stringField(key); ok && v != "" {
			return v, true
		}
	}
	if payload, ok := m["payload"].(map[string]interface{}); ok {
		if v, ok := payload["targetUserId"].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// UserDisplayName reads metadata["user_display_name"], the one field the
// core requires to be present "when known" per spec §3.
func (m Metadata) UserDisplayName() (string, bool) {
	return m.stringField("user_display_name")
}

// SourceType identifies who/what originated a message or channel. It is
// intentionally an open string type, not a closed enum: upstream agent
// runtimes and transports are free to stamp their own source tags
// (e.g. "job_request"), and the core only compares it by equality.
type SourceType string

const (
	SourceTypeUser       SourceType = "user"
	SourceTypeAgent      SourceType = "agent"
	SourceTypeJobRequest SourceType = "job_request"
)

// ChannelType is closed: the core's DM-vs-GROUP branching (participant
// count invariants, auto-creation naming) depends on there being exactly
// these two cases, so new values must update every switch, not silently
// fall through.
type ChannelType string

const (
	ChannelTypeDM    ChannelType = "DM"
	ChannelTypeGroup ChannelType = "GROUP"
)

// MessageServer is the root tenancy boundary: every Channel belongs to
// exactly one, and row-level isolation requires mutating calls to name
// the current server explicitly.
type MessageServer struct {
	ID         string
	Name       string
	SourceType SourceType
	SourceID   string
	Metadata   Metadata
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Channel is a conversation container. DM channels have exactly two
// participants fixed at creation; GROUP channels have one or more.
type Channel struct {
	ID              string
	MessageServerID string
	Name            string
	Type            ChannelType
	SourceType      SourceType
	Metadata        Metadata
	Participants    []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasParticipant reports whether entityID is a member of the channel.
func (c *Channel) HasParticipant(entityID string) bool {
	for _, p := range c.Participants {
		if p == entityID {
			return true
		}
	}
	return false
}

// Message is one unit of channel content, from either a human client or
// an agent reply.
type Message struct {
	ID                     string
	ChannelID              string
	AuthorID               string
	Content                string
	RawMessage             Metadata
	SourceType             SourceType
	SourceID               string
	InReplyToRootMessageID string
	Metadata               Metadata
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// TimeoutConfig governs a Session's expiry arithmetic. See
// session.ComputeExpiry for the authoritative formula.
type TimeoutConfig struct {
	TimeoutMinutes         int
	AutoRenew              bool
	MaxDurationMinutes     int
	WarningThresholdMinutes int
}

// WarningState records whether the near-expiration warning has already
// fired for a session, so repeated sweeps don't re-notify.
type WarningState struct {
	Sent   bool
	SentAt time.Time
}

// Session is a timed wrapper around a backing DM channel. Sessions are
// owned entirely in memory by this module; they are never persisted.
type Session struct {
	ID            string
	AgentID       string
	ChannelID     string
	UserID        string
	Metadata      Metadata
	CreatedAt     time.Time
	LastActivity  time.Time
	ExpiresAt     time.Time
	TimeoutConfig TimeoutConfig
	RenewalCount  int
	Warning       *WarningState
}

// JobStatus is closed: the jobs sweep and the PROCESSING→terminal
// transitions switch exhaustively over these five values.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobTimeout    JobStatus = "TIMEOUT"
)

// IsTerminal reports whether no further transition is expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimeout:
		return true
	default:
		return false
	}
}

// JobResult carries the agent's completing message, once known.
type JobResult struct {
	MessageID string
	Content   string
}

// Job is a one-off ephemeral message task: a single user message and the
// single agent reply that completes it.
type Job struct {
	ID              string
	AgentID         string
	UserID          string
	ChannelID       string
	Content         string
	Status          JobStatus
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Result          *JobResult
	Error           string
	Metadata        Metadata
	UserMessageID   string
	AgentResponseID string

	// ActionMessageReceived is set once an intermediate "Executing
	// action: …" message has been observed, per §4.7(b); the listener
	// then keeps waiting for the real final message instead of
	// completing on the action message itself.
	ActionMessageReceived bool
}
