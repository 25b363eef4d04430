package httpapi

import (
	"context"

	"github.com/wiremesh/chatcore/internal/dispatcher"
)

// echoAgentRuntime is the default dispatcher.AgentRuntime used when no
// real one is injected. The agent runtime itself — LLM calls, memory,
// planning — is out of scope for this module; this stub only keeps the
// sync/stream transports exercisable without a live agent process behind
// them, mirroring channelsvc's nil-TitleGenerator "fails closed, nothing
// crashes" pattern for the one collaborator this module never owns.
type echoAgentRuntime struct{}

func (echoAgentRuntime) HandleMessage(ctx context.Context, agentID string, input dispatcher.AgentInput) (*dispatcher.AgentResponse, error) {
	return &dispatcher.AgentResponse{Text: "echo: " + input.Content}, nil
}

func (echoAgentRuntime) HandleMessageStream(ctx context.Context, agentID string, input dispatcher.AgentInput, callbacks dispatcher.StreamCallbacks) {
	if callbacks.OnStreamChunk != nil {
		callbacks.OnStreamChunk(input.Content, "")
	}
	if callbacks.OnResponse != nil {
		callbacks.OnResponse("echo: " + input.Content)
	}
}
