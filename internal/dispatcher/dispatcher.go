// Package dispatcher normalizes the three client-facing transports
// (sync, stream, socket fire-and-forget) into one handling path, per
// spec §4.1. It owns no state: each call receives the collaborators it
// needs (agent runtime, logger) and a pre-validated Transport tag.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/apierr"
	"github.com/wiremesh/chatcore/internal/domain"
)

// Transport is the closed set of client-facing return shapes.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// ValidateTransport accepts the canonical names (http, sse, websocket)
// and the legacy aliases (sync→http, stream→sse, websocket→websocket).
// An empty string resolves to TransportWebSocket — preserving the
// documented source behavior where an empty transport and an absent one
// both default to websocket, per spec §9 Open Questions.
func ValidateTransport(s string) (Transport, error) {
	switch s {
	case "", "websocket":
		return TransportWebSocket, nil
	case "http", "sync":
		return TransportHTTP, nil
	case "sse", "stream":
		return TransportSSE, nil
	default:
		return "", apierr.New(apierr.CodeInvalidTransport,
			"transport must be one of: http, sse, websocket (legacy aliases: sync, stream, websocket)").
			WithDetails(map[string]interface{}{"accepted": []string{"http", "sse", "websocket", "sync", "stream"}})
	}
}

// AgentInput is the partial agent-runtime call built from a persisted
// user message: entity id, channel/room id, and text content.
type AgentInput struct {
	EntityID  string
	ChannelID string
	Content   string
}

// AgentResponse is the sync-transport reply from the agent runtime.
type AgentResponse struct {
	Text string `json:"text"`
}

// StreamCallbacks are handed to the agent runtime for the stream
// transport. Exactly one of OnResponse or OnError is expected to be
// called by the time HandleMessageStream returns.
type StreamCallbacks struct {
	OnStreamChunk func(chunk string, messageID string)
	OnResponse    func(content string)
	OnError       func(err error)
}

// AgentRuntime is the external collaborator spec §1 places out of
// scope: LLM calls, memory and planning live entirely behind it.
type AgentRuntime interface {
	HandleMessage(ctx context.Context, agentID string, input AgentInput) (*AgentResponse, error)
	HandleMessageStream(ctx context.Context, agentID string, input AgentInput, callbacks StreamCallbacks)
}

// Result is what the sync and socket exits hand back to the HTTP layer
// to serialize; the stream exit writes directly to the response writer
// and returns a nil Result.
type Result struct {
	StatusCode int
	Body       map[string]interface{}
}

// HandleTransport is the dispatcher's single operation (spec §4.1). w is
// only used by the stream exit; sideEffect is only invoked by the socket
// exit, asynchronously, after the response has already been decided.
func HandleTransport(
	ctx context.Context,
	transport Transport,
	w http.ResponseWriter,
	logger core.Logger,
	rt AgentRuntime,
	agentID string,
	userMessage *domain.Message,
	input AgentInput,
	extra map[string]interface{},
	sideEffect func(),
) (*Result, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	switch transport {
	case TransportHTTP:
		return handleSync(ctx, rt, agentID, userMessage, input, extra)
	case TransportSSE:
		handleStream(ctx, w, logger, rt, agentID, userMessage, input)
		return nil, nil
	case TransportWebSocket:
		return handleSocket(userMessage, extra, sideEffect, logger)
	default:
		return nil, apierr.New(apierr.CodeInvalidTransport, fmt.Sprintf("unhandled transport %q", transport))
	}
}

func handleSync(ctx context.Context, rt AgentRuntime, agentID string, userMessage *domain.Message, input AgentInput, extra map[string]interface{}) (*Result, error) {
	resp, err := rt.HandleMessage(ctx, agentID, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.Wrap(apierr.CodeUpstreamTimeout, "agent runtime deadline exceeded", err)
		}
		return nil, apierr.Wrap(apierr.CodeRuntimeError, "agent runtime failed", err)
	}

	body := map[string]interface{}{
		"success":      true,
		"userMessage":  userMessage,
		"agentResponse": resp,
	}
	for k, v := range extra {
		body[k] = v
	}
	return &Result{StatusCode: http.StatusCreated, Body: body}, nil
}

func handleSocket(userMessage *domain.Message, extra map[string]interface{}, sideEffect func(), logger core.Logger) (*Result, error) {
	body := map[string]interface{}{
		"success":     true,
		"userMessage": userMessage,
	}
	for k, v := range extra {
		body[k] = v
	}

	if sideEffect != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("dispatcher: socket side effect panicked", map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
				}
			}()
			sideEffect()
		}()
	}

	return &Result{StatusCode: http.StatusCreated, Body: body}, nil
}

func handleStream(ctx context.Context, w http.ResponseWriter, logger core.Logger, rt AgentRuntime, agentID string, userMessage *domain.Message, input AgentInput) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, flusher, "user_message", userMessage); err != nil {
		return // client already gone
	}

	index := 0
	callbacks := StreamCallbacks{
		OnStreamChunk: func(chunk string, messageID string) {
			_ = writeEvent(w, flusher, "chunk", map[string]interface{}{
				"chunk": chunk, "index": index, "messageId": messageID,
			})
			index++
		},
		OnResponse: func(content string) {
			_ = writeEvent(w, flusher, "done", map[string]interface{}{"content": content})
		},
		OnError: func(err error) {
			logger.ErrorWithContext(ctx, "dispatcher: stream transport agent error", map[string]interface{}{"error": err.Error()})
			_ = writeEvent(w, flusher, "error", map[string]interface{}{"message": "agent runtime failed"})
		},
	}

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorWithContext(ctx, "dispatcher: stream transport panicked", map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
			_ = writeEvent(w, flusher, "error", map[string]interface{}{"message": "internal error"})
		}
	}()
	rt.HandleMessageStream(ctx, agentID, input, callbacks)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, name string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
