// Package httpapi wires every HTTP route spec §6 names onto chi,
// translating the camelCase wire format into the core's internal
// packages and back. domain types carry no JSON tags (the bus envelope
// is snake_case, the HTTP surface is camelCase, and one Go struct can't
// honor both), so every entity returned over HTTP goes through one of
// the DTOs in this file rather than a direct json.Marshal of a domain
// type.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/apierr"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/ids"
	"github.com/wiremesh/chatcore/internal/session"
)

type messageDTO struct {
	ID                     string          `json:"id"`
	ChannelID              string          `json:"channelId"`
	AuthorID               string          `json:"authorId"`
	Content                string          `json:"content"`
	RawMessage             domain.Metadata `json:"rawMessage,omitempty"`
	SourceType             string          `json:"sourceType"`
	SourceID               string          `json:"sourceId,omitempty"`
	InReplyToRootMessageID string          `json:"inReplyToRootMessageId,omitempty"`
	Metadata               domain.Metadata `json:"metadata,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

func newMessageDTO(m *domain.Message) *messageDTO {
	if m == nil {
		return nil
	}
	return &messageDTO{
		ID:                     m.ID,
		ChannelID:              m.ChannelID,
		AuthorID:               m.AuthorID,
		Content:                m.Content,
		RawMessage:             m.RawMessage,
		SourceType:             string(m.SourceType),
		SourceID:               m.SourceID,
		InReplyToRootMessageID: m.InReplyToRootMessageID,
		Metadata:               m.Metadata,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}
}

func newMessageDTOs(msgs []*domain.Message) []*messageDTO {
	out := make([]*messageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageDTO(m))
	}
	return out
}

type channelDTO struct {
	ID              string          `json:"id"`
	MessageServerID string          `json:"messageServerId"`
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	SourceType      string          `json:"sourceType,omitempty"`
	Metadata        domain.Metadata `json:"metadata,omitempty"`
	Participants    []string        `json:"participants"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func newChannelDTO(c *domain.Channel) *channelDTO {
	if c == nil {
		return nil
	}
	return &channelDTO{
		ID:              c.ID,
		MessageServerID: c.MessageServerID,
		Name:            c.Name,
		Type:            string(c.Type),
		SourceType:      string(c.SourceType),
		Metadata:        c.Metadata,
		Participants:    c.Participants,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func newChannelDTOs(channels []*domain.Channel) []*channelDTO {
	out := make([]*channelDTO, 0, len(channels))
	for _, c := range channels {
		out = append(out, newChannelDTO(c))
	}
	return out
}

type serverDTO struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	SourceType string          `json:"sourceType,omitempty"`
	SourceID   string          `json:"sourceId,omitempty"`
	Metadata   domain.Metadata `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func newServerDTO(s *domain.MessageServer) *serverDTO {
	if s == nil {
		return nil
	}
	return &serverDTO{
		ID:         s.ID,
		Name:       s.Name,
		SourceType: string(s.SourceType),
		SourceID:   s.SourceID,
		Metadata:   s.Metadata,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func newServerDTOs(servers []*domain.MessageServer) []*serverDTO {
	out := make([]*serverDTO, 0, len(servers))
	for _, s := range servers {
		out = append(out, newServerDTO(s))
	}
	return out
}

type timeoutConfigDTO struct {
	TimeoutMinutes          int  `json:"timeoutMinutes"`
	AutoRenew               bool `json:"autoRenew"`
	MaxDurationMinutes      int  `json:"maxDurationMinutes"`
	WarningThresholdMinutes int  `json:"warningThresholdMinutes"`
}

func newTimeoutConfigDTO(c domain.TimeoutConfig) timeoutConfigDTO {
	return timeoutConfigDTO{
		TimeoutMinutes:          c.TimeoutMinutes,
		AutoRenew:               c.AutoRenew,
		MaxDurationMinutes:      c.MaxDurationMinutes,
		WarningThresholdMinutes: c.WarningThresholdMinutes,
	}
}

type warningDTO struct {
	Sent   bool      `json:"sent"`
	SentAt time.Time `json:"sentAt"`
}

type sessionDTO struct {
	ID            string           `json:"id"`
	AgentID       string           `json:"agentId"`
	ChannelID     string           `json:"channelId"`
	UserID        string           `json:"userId"`
	Metadata      domain.Metadata  `json:"metadata,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	LastActivity  time.Time        `json:"lastActivity"`
	ExpiresAt     time.Time        `json:"expiresAt"`
	TimeoutConfig timeoutConfigDTO `json:"timeoutConfig"`
	RenewalCount  int              `json:"renewalCount"`
	Warning       *warningDTO      `json:"warning,omitempty"`

	TimeRemainingSeconds *float64 `json:"timeRemainingSeconds,omitempty"`
	IsNearExpiration     *bool    `json:"isNearExpiration,omitempty"`
}

func newSessionDTO(s *domain.Session) *sessionDTO {
	if s == nil {
		return nil
	}
	dto := &sessionDTO{
		ID:            s.ID,
		AgentID:       s.AgentID,
		ChannelID:     s.ChannelID,
		UserID:        s.UserID,
		Metadata:      s.Metadata,
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity,
		ExpiresAt:     s.ExpiresAt,
		TimeoutConfig: newTimeoutConfigDTO(s.TimeoutConfig),
		RenewalCount:  s.RenewalCount,
	}
	if s.Warning != nil {
		dto.Warning = &warningDTO{Sent: s.Warning.Sent, SentAt: s.Warning.SentAt}
	}
	return dto
}

func newSessionViewDTO(v *session.View) *sessionDTO {
	dto := newSessionDTO(v.Session)
	remaining := v.TimeRemaining.Seconds()
	near := v.IsNearExpiration
	dto.TimeRemainingSeconds = &remaining
	dto.IsNearExpiration = &near
	return dto
}

func newSessionDTOs(sessions []*domain.Session) []*sessionDTO {
	out := make([]*sessionDTO, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, newSessionDTO(s))
	}
	return out
}

type jobResultDTO struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type jobDTO struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agentId"`
	UserID          string          `json:"userId"`
	ChannelID       string          `json:"channelId"`
	Content         string          `json:"content"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	Result          *jobResultDTO   `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Metadata        domain.Metadata `json:"metadata,omitempty"`
	UserMessageID   string          `json:"userMessageId,omitempty"`
	AgentResponseID string          `json:"agentResponseId,omitempty"`
}

func newJobDTO(j *domain.Job) *jobDTO {
	if j == nil {
		return nil
	}
	dto := &jobDTO{
		ID:              j.ID,
		AgentID:         j.AgentID,
		UserID:          j.UserID,
		ChannelID:       j.ChannelID,
		Content:         j.Content,
		Status:          string(j.Status),
		CreatedAt:       j.CreatedAt,
		ExpiresAt:       j.ExpiresAt,
		Error:           j.Error,
		Metadata:        j.Metadata,
		UserMessageID:   j.UserMessageID,
		AgentResponseID: j.AgentResponseID,
	}
	if j.Result != nil {
		dto.Result = &jobResultDTO{MessageID: j.Result.MessageID, Content: j.Result.Content}
	}
	return dto
}

func newJobDTOs(jobs []*domain.Job) []*jobDTO {
	out := make([]*jobDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobDTO(j))
	}
	return out
}

// writeJSON writes a {success:true, data:...} envelope with status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeJSONBody encodes body as-is, with no envelope wrapping. Used for
// dispatcher.Result.Body, which already carries its own success/payload
// shape from the transport-dispatch path.
func writeJSONBody(w http.ResponseWriter, body map[string]interface{}) error {
	return json.NewEncoder(w).Encode(body)
}

// writeError writes the {success:false, error:{...}} envelope apierr
// defines, mapping any non-*apierr.Error via ToEnvelope's safe fallback.
func writeError(w http.ResponseWriter, err error) {
	status, envelope := apierr.ToEnvelope(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}

// decodeJSON reads and decodes the request body into v, translating any
// malformed-body error into the closed taxonomy.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierr.New(apierr.CodeMissingFields, "request body is missing or malformed JSON")
	}
	return nil
}

// mapStoreError translates a persistence.Store error (usually a
// *core.FrameworkError wrapping one of core's sentinel not-found errors)
// into the closed apierr taxonomy. Errors already wrapped in *apierr.Error
// (from channelsvc/session/jobs, which do their own translation) pass
// through unchanged.
func mapStoreError(err error) *apierr.Error {
	if ae, ok := apierr.As(err); ok {
		return ae
	}
	switch {
	case errors.Is(err, core.ErrServerNotFound):
		return apierr.New(apierr.CodeServerNotFound, "message server not found")
	case errors.Is(err, core.ErrChannelNotFound):
		return apierr.New(apierr.CodeChannelNotFound, "channel not found")
	case errors.Is(err, core.ErrMessageNotFound):
		return apierr.New(apierr.CodeMessageNotFound, "message not found")
	case errors.Is(err, core.ErrAgentNotFound):
		return apierr.New(apierr.CodeAgentNotFound, "agent not found")
	case errors.Is(err, core.ErrSessionNotFound):
		return apierr.New(apierr.CodeSessionNotFound, "session not found")
	case errors.Is(err, core.ErrSessionExpired):
		return apierr.New(apierr.CodeSessionExpired, "session expired")
	case errors.Is(err, core.ErrJobNotFound):
		return apierr.New(apierr.CodeJobNotFound, "job not found")
	default:
		return apierr.Wrap(apierr.CodePersistenceError, "persistence operation failed", err)
	}
}

func validID(s string) bool { return ids.Validate(s) }
