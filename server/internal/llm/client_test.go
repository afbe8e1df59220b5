package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mission-talk/server/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewOpenAIClient(config.OpenAIConfig{
		APIKey:      "dummy",
		BaseURL:     ts.URL + "/v1/",
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		MaxTokens:   256,
		Timeout:     5 * time.Second,
	})
}

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]string{"role": "assistant", "content": content},
		}},
	})
	return string(body)
}

func TestOpenAIClient_Complete(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer dummy", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody(`{"userResponse":"Professor Blue: Hi","imagePrompt":"ruins","progress":10}`))
	})

	out, err := client.Complete(context.Background(), []Message{
		{Role: "system", Content: "You are Professor Blue."},
		{Role: "user", Content: "hello"},
	}, &JSONSchema{Name: "structured_reply", Schema: map[string]any{"type": "object"}, Strict: true})
	require.NoError(t, err)
	assert.Contains(t, out, "Professor Blue: Hi")

	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.Len(t, got["messages"], 2)
	format, ok := got["response_format"].(map[string]any)
	require.True(t, ok, "response_format should be sent with a schema")
	assert.Equal(t, "json_schema", format["type"])
}

func TestOpenAIClient_CompleteEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody(""))
	})

	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAIClient_CompleteUpstreamError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
	})

	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat completion")
}

func streamChunk(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion.chunk",
		"model":  "gpt-4o-mini",
		"choices": []map[string]any{{
			"index": 0,
			"delta": map[string]string{"content": content},
		}},
	})
	return "data: " + string(body) + "\n\n"
}

func TestOpenAIClient_Stream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, true, req["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Fairy ", "", "Lumi: ", "Shh."} {
			fmt.Fprint(w, streamChunk(c))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var chunks []string
	full, err := client.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Fairy Lumi: Shh.", full)
	assert.Equal(t, []string{"Fairy ", "Lumi: ", "Shh."}, chunks)
}

func TestOpenAIClient_StreamHandlerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, streamChunk("one"))
		fmt.Fprint(w, streamChunk("two"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stop := errors.New("client went away")
	full, err := client.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(string) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "one", full)
}
