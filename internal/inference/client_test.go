package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStreamGenerateParsesEvents(t *testing.T) {
	var gotReq GenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/internal/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"type\":\"delta\",\"delta\":\"Hi \"}\n\n"))
		w.Write([]byte(": keepalive comment, ignored\n"))
		w.Write([]byte("data: {\"type\":\"delta\",\"delta\":\"there\"}\n\n"))
		w.Write([]byte("data: not-json\n\n"))
		w.Write([]byte("data: {\"type\":\"usage\",\"inputTokens\":10,\"outputTokens\":2}\n\n"))
		w.Write([]byte("data: {\"type\":\"done\"}\n\n"))
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	var events []Event
	err := client.StreamGenerate(context.Background(), GenerateRequest{
		GenerationID: "gen-1",
		Model:        "mini-chat-1",
		Temperature:  0.7,
		MaxTokens:    256,
		Messages:     []GenerateMessage{{Role: "user", Content: "Hello"}},
	}, func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	// The malformed line is skipped, everything else arrives in order.
	require.Len(t, events, 4)
	assert.Equal(t, EventDelta, events[0].Type)
	assert.Equal(t, "Hi ", events[0].Delta)
	assert.Equal(t, "there", events[1].Delta)
	assert.Equal(t, EventUsage, events[2].Type)
	assert.Equal(t, 10, events[2].InputTokens)
	assert.Equal(t, 2, events[2].OutputTokens)
	assert.Equal(t, EventDone, events[3].Type)

	assert.Equal(t, "gen-1", gotReq.GenerationID)
	assert.Equal(t, "mini-chat-1", gotReq.Model)
	require.Len(t, gotReq.Messages, 1)
}

func TestStreamGeneratePreservesRawPayload(t *testing.T) {
	raw := `{"type":"delta","delta":"x","vendorField":123}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: " + raw + "\n\n"))
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	var events []Event
	err := client.StreamGenerate(context.Background(), GenerateRequest{}, func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Unknown fields survive the relay because the raw bytes are forwarded.
	assert.Equal(t, raw, string(events[0].Payload()))
}

func TestStreamGenerateRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	err := client.StreamGenerate(context.Background(), GenerateRequest{}, func(Event) {
		t.Error("no events expected on error status")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestCancelIsBestEffort(t *testing.T) {
	var gotID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/internal/cancel", r.URL.Path)
		var req struct {
			GenerationID string `json:"generationId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotID = req.GenerationID
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	id := uuid.New()
	client.Cancel(context.Background(), id)
	assert.Equal(t, id.String(), gotID)

	// A dead endpoint must not panic or surface an error.
	server.Close()
	client.Cancel(context.Background(), uuid.New())
}

func TestDoneEventPayload(t *testing.T) {
	assert.JSONEq(t, `{"type":"done"}`, string(DoneEvent().Payload()))
}
