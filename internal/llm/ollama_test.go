package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllama(OllamaConfig{BaseURL: srv.URL, RequestsPerMinute: 6000}, nil)
}

func TestOllamaComplete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen2.5-coder:7b", req.Model)
		assert.False(t, req.Stream)

		resp := ollamaChatResponse{Done: true, DoneReason: "stop", PromptEvalCount: 42, EvalCount: 17}
		resp.Message.Content = "hello from the model"
		json.NewEncoder(w).Encode(resp)
	})

	out, err := client.Complete(context.Background(), Request{
		Role:     "backend_developer",
		ModelID:  "qwen2.5-coder:7b",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", out.Text)
	assert.Equal(t, FinishStop, out.FinishReason)
	assert.Equal(t, TokenCounts{In: 42, Out: 17}, out.Tokens)
}

func TestOllamaCompleteNoModel(t *testing.T) {
	client := NewOllama(OllamaConfig{}, nil)
	_, err := client.Complete(context.Background(), Request{Role: "architect"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestOllamaErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, "", true},
		{"server error", http.StatusInternalServerError, "boom", true},
		{"unauthorized", http.StatusUnauthorized, "", false},
		{"unknown model", http.StatusNotFound, `{"error":"model not found"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := client.Complete(context.Background(), Request{ModelID: "m"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err), err.Error())
		})
	}
}

func TestOllamaInBodyError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": `model "nope" not found`})
	})
	_, err := client.Complete(context.Background(), Request{ModelID: "nope"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestOllamaListModels(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "llama3.1:8b"}, {"name": "qwen2.5-coder:7b"}},
		})
	})
	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.1:8b", "qwen2.5-coder:7b"}, models)
}

func TestErrorWrapping(t *testing.T) {
	base := errors.New("underlying")
	err := Transient("complete", base)
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)

	assert.False(t, IsTransient(errors.New("plain")))
}

func TestFakeScript(t *testing.T) {
	fake := &Fake{Script: []FakeTurn{
		{Response: Reply("first")},
		{Err: Transient("complete", errors.New("blip"))},
		{Response: Reply("second")},
	}}

	out, err := fake.Complete(context.Background(), Request{Role: "a"})
	require.NoError(t, err)
	assert.Equal(t, "first", out.Text)

	_, err = fake.Complete(context.Background(), Request{Role: "a"})
	assert.True(t, IsTransient(err))

	out, err = fake.Complete(context.Background(), Request{Role: "b"})
	require.NoError(t, err)
	assert.Equal(t, "second", out.Text)

	_, err = fake.Complete(context.Background(), Request{Role: "c"})
	assert.Error(t, err, "script exhausted without a default")
	assert.Equal(t, 4, fake.Calls())
}
