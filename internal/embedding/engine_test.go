package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphmem/internal/config"
)

func TestNewDisabledProvider(t *testing.T) {
	eng, err := New(config.EmbeddingConfig{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, eng)
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestFitDim(t *testing.T) {
	exact := make([]float32, Dim)
	exact[0] = 1
	out, err := fitDim(exact)
	require.NoError(t, err)
	assert.Equal(t, exact, out)

	wide := make([]float32, Dim*2)
	for i := range wide {
		wide[i] = 2
	}
	out, err = fitDim(wide)
	require.NoError(t, err)
	require.Len(t, out, Dim)
	var mag float64
	for _, v := range out {
		mag += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(mag), 1e-5)

	_, err = fitDim(make([]float32, Dim-1))
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}

	sim, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity(a, c)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	_, err = CosineSimilarity(a, []float32{1, 2})
	assert.Error(t, err)

	sim, err = CosineSimilarity([]float32{0, 0, 0}, a)
	require.NoError(t, err)
	assert.Zero(t, sim)
}

func TestNewGenAIEngineRequiresKey(t *testing.T) {
	_, err := NewGenAIEngine("", "", "")
	assert.Error(t, err)
}

func TestNewGenAIEngineDefaults(t *testing.T) {
	eng, err := NewGenAIEngine("test-key", "", "")
	require.NoError(t, err)
	assert.Equal(t, "genai:gemini-embedding-001", eng.Name())
	assert.Equal(t, Dim, eng.Dimensions())
	assert.Equal(t, "SEMANTIC_SIMILARITY", eng.taskType)

	// Unrecognized task types fall back to the default; known ones stick.
	eng, err = NewGenAIEngine("test-key", "custom-model", "SORT_BY_VIBES")
	require.NoError(t, err)
	assert.Equal(t, "genai:custom-model", eng.Name())
	assert.Equal(t, "SEMANTIC_SIMILARITY", eng.taskType)

	eng, err = NewGenAIEngine("test-key", "", "RETRIEVAL_QUERY")
	require.NoError(t, err)
	assert.Equal(t, "RETRIEVAL_QUERY", eng.taskType)
}

func TestOllamaEngineEmbed(t *testing.T) {
	vec := make([]float32, 768)
	for i := range vec {
		vec[i] = float32(i%7) + 1
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embeddinggemma", req["model"])
		json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
	defer srv.Close()

	eng, err := NewOllamaEngine(srv.URL, "")
	require.NoError(t, err)

	out, err := eng.Embed(context.Background(), "postgres is the primary database")
	require.NoError(t, err)
	assert.Len(t, out, Dim)
	assert.Equal(t, Dim, eng.Dimensions())
	assert.Equal(t, "ollama:embeddinggemma", eng.Name())
}

func TestOllamaEngineServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	eng, err := NewOllamaEngine(srv.URL, "missing")
	require.NoError(t, err)

	_, err = eng.Embed(context.Background(), "anything")
	assert.ErrorContains(t, err, "404")
}

func TestOllamaHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, err := NewOllamaEngine(srv.URL, "")
	require.NoError(t, err)
	assert.NoError(t, eng.HealthCheck(context.Background()))

	srv.Close()
	assert.Error(t, eng.HealthCheck(context.Background()))
}
