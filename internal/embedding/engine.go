// Package embedding generates vector embeddings for recall. Two backends
// are supported: a local Ollama server and Google GenAI. Both are adapted
// to the store's fixed vector width: wider model outputs are truncated and
// renormalized (both default models are Matryoshka-trained, so a prefix is
// itself a valid embedding).
package embedding

import (
	"context"
	"fmt"
	"math"

	"graphmem/internal/config"
	"graphmem/internal/logging"
)

// Dim is the vector width stored and indexed. Every engine output is
// fitted to exactly this many dimensions before it reaches the store.
const Dim = 384

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is an optional interface for engines that can verify the
// backing service is reachable before a batch operation.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// New creates an embedding engine from configuration. Provider "none"
// returns (nil, nil): recall then runs lexical-only and ingestion skips
// embedding generation.
func New(cfg config.EmbeddingConfig) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "New")
	defer timer.Stop()

	switch cfg.Provider {
	case "none", "":
		logging.Embedding("Embedding disabled by configuration")
		return nil, nil
	case "ollama":
		logging.Embedding("Initializing Ollama embedding engine: endpoint=%s, model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		logging.Embedding("Initializing GenAI embedding engine: model=%s, task_type=%s", cfg.GenAIModel, cfg.TaskType)
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai', or 'none')", cfg.Provider)
	}
}

// fitDim adapts a raw model vector to exactly Dim dimensions. Wider
// vectors are truncated and renormalized; narrower vectors are an error
// because padding would poison distance comparisons.
func fitDim(vec []float32) ([]float32, error) {
	if len(vec) == Dim {
		return vec, nil
	}
	if len(vec) < Dim {
		return nil, fmt.Errorf("model produced %d dimensions, need %d", len(vec), Dim)
	}

	out := make([]float32, Dim)
	copy(out, vec[:Dim])

	var mag float64
	for _, v := range out {
		mag += float64(v) * float64(v)
	}
	if mag == 0 {
		return out, nil
	}
	norm := float32(1 / math.Sqrt(mag))
	for i := range out {
		out[i] *= norm
	}
	return out, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}
