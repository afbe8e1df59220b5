package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mission-talk/server/internal/model"
)

func TestClient_Reply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "false", r.URL.Query().Get("stream"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req model.DialogueRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sys", req.SystemMessage)
		assert.Equal(t, 30, req.CurrentProgress)
		assert.Len(t, req.Messages, 1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"role":"assistant","content":"{\"userResponse\":\"Fairy Lumi: Hello\"}"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithToken("tok"))
	turn, err := c.Reply(context.Background(), model.DialogueRequest{
		Messages:        []model.Turn{{Role: model.RoleUser, Content: "hi"}},
		SystemMessage:   "sys",
		CurrentProgress: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RoleAssistant, turn.Role)
	assert.Contains(t, turn.Content, "Fairy Lumi")
}

func TestClient_GenerateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to generate image","details":"boom"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Generate(context.Background(), "a forest")
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusInternalServerError, serr.Status)
	assert.Equal(t, "Failed to generate image", serr.Message)
}

func TestClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a forest", body["prompt"])
		_, _ = w.Write([]byte(`{"imageUrl":"https://img/forest.jpg"}`))
	}))
	defer srv.Close()

	url, err := New(srv.URL).Generate(context.Background(), "a forest")
	require.NoError(t, err)
	assert.Equal(t, "https://img/forest.jpg", url)
}

func TestClient_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["character"] != "Captain Nova" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Invalid character"}`))
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	rc, err := c.Synthesize(context.Background(), "hello", "Captain Nova")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "mp3", string(data))

	_, err = c.Synthesize(context.Background(), "hello", "Nobody")
	require.ErrorIs(t, err, ErrInvalidCharacter)
}
