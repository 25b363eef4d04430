package dispatcher

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/domain"
)

func TestValidateTransportAcceptsCanonicalAndLegacy(t *testing.T) {
	cases := map[string]Transport{
		"":          TransportWebSocket,
		"websocket": TransportWebSocket,
		"http":      TransportHTTP,
		"sync":      TransportHTTP,
		"sse":       TransportSSE,
		"stream":    TransportSSE,
	}
	for in, want := range cases {
		got, err := ValidateTransport(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestValidateTransportRejectsUnknown(t *testing.T) {
	_, err := ValidateTransport("carrier-pigeon")
	require.Error(t, err)
}

type fakeRuntime struct {
	response *AgentResponse
	err      error
	chunks   []string
	final    string
}

func (f *fakeRuntime) HandleMessage(ctx context.Context, agentID string, input AgentInput) (*AgentResponse, error) {
	return f.response, f.err
}

func (f *fakeRuntime) HandleMessageStream(ctx context.Context, agentID string, input AgentInput, callbacks StreamCallbacks) {
	for _, c := range f.chunks {
		callbacks.OnStreamChunk(c, "")
	}
	if f.err != nil {
		callbacks.OnError(f.err)
		return
	}
	callbacks.OnResponse(f.final)
}

func TestHandleTransportSync(t *testing.T) {
	rt := &fakeRuntime{response: &AgentResponse{Text: "hello back"}}
	msg := &domain.Message{ID: "m1", ChannelID: "c1"}

	result, err := HandleTransport(context.Background(), TransportHTTP, nil, &core.NoOpLogger{}, rt, "agent1", msg, AgentInput{Content: "hi"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 201, result.StatusCode)
	require.Equal(t, true, result.Body["success"])
}

func TestHandleTransportSyncError(t *testing.T) {
	rt := &fakeRuntime{err: context.DeadlineExceeded}
	msg := &domain.Message{ID: "m1"}

	_, err := HandleTransport(context.Background(), TransportHTTP, nil, &core.NoOpLogger{}, rt, "agent1", msg, AgentInput{}, nil, nil)
	require.Error(t, err)
}

func TestHandleTransportSocketRunsSideEffect(t *testing.T) {
	rt := &fakeRuntime{}
	msg := &domain.Message{ID: "m1"}
	done := make(chan struct{})

	result, err := HandleTransport(context.Background(), TransportWebSocket, nil, &core.NoOpLogger{}, rt, "agent1", msg, AgentInput{}, map[string]interface{}{"extraField": 1}, func() {
		close(done)
	})
	require.NoError(t, err)
	require.Equal(t, 201, result.StatusCode)
	require.Equal(t, 1, result.Body["extraField"])
	<-done
}

func TestHandleTransportStreamWritesSSE(t *testing.T) {
	rt := &fakeRuntime{chunks: []string{"a", "b"}, final: "done text"}
	msg := &domain.Message{ID: "m1"}
	rec := httptest.NewRecorder()

	_, err := HandleTransport(context.Background(), TransportSSE, rec, &core.NoOpLogger{}, rt, "agent1", msg, AgentInput{}, nil, nil)
	require.NoError(t, err)

	body := rec.Body.String()
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.True(t, strings.Contains(body, "event: user_message"))
	require.True(t, strings.Contains(body, "event: chunk"))
	require.True(t, strings.Contains(body, "event: done"))
	require.Equal(t, 2, strings.Count(body, "event: chunk"))
}
