package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaGenerate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"response": `{"summary":"ok"}`, "done": true})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL+"/", zerolog.Nop())
	defer c.Close()

	out, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p", JSON: true, Images: []string{"aGk="}})
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, out)
	assert.Equal(t, "m", got["model"])
	assert.Equal(t, "json", got["format"])
	assert.Equal(t, false, got["stream"])
	assert.Len(t, got["images"], 1)
}

func TestOllamaGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, zerolog.Nop()).Generate(context.Background(), GenerateRequest{Model: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "model not found")
}

func TestOllamaGenerateHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewOllamaClient(srv.URL, zerolog.Nop()).Generate(ctx, GenerateRequest{Model: "m"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	assert.NoError(t, NewOllamaClient(srv.URL, zerolog.Nop()).Ping(context.Background()))
}
