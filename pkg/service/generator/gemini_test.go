package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiBackendComplete(t *testing.T) {
	var gotKey, gotPath string
	var gotBody geminiRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-goog-api-key")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{
					{"text": `{"ideas":`},
					{"text": `["a"],"captions":[],"hashtags":[]}`},
				}}},
			},
		})
	}))
	defer srv.Close()

	b := NewGeminiBackend("test-key", "gemini-2.0-flash")
	b.baseURL = srv.URL

	text, err := b.Complete(context.Background(), "the prompt")
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "/models/gemini-2.0-flash:generateContent", gotPath)
	require.Len(t, gotBody.Contents, 1)
	assert.Equal(t, "the prompt", gotBody.Contents[0].Parts[0].Text)
	// Parts are concatenated in order.
	assert.Equal(t, `{"ideas":["a"],"captions":[],"hashtags":[]}`, text)
}

func TestGeminiBackendNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := NewGeminiBackend("test-key", "gemini-2.0-flash")
	b.baseURL = srv.URL

	_, err := b.Complete(context.Background(), "p")
	assert.ErrorContains(t, err, "429")
}

func TestGeminiBackendEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	b := NewGeminiBackend("test-key", "gemini-2.0-flash")
	b.baseURL = srv.URL

	_, err := b.Complete(context.Background(), "p")
	assert.ErrorContains(t, err, "no content returned")
}
