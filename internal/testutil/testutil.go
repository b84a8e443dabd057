// Package testutil provides shared fakes for tests that exercise the
// pipeline without a live EMR, embedder, or generator. The fakes are
// deterministic so retrieval ordering assertions stay stable.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/ashita-ai/karte/internal/emr"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/service/generation"
)

// Logger returns a quiet slog logger for tests.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Embedder produces deterministic pseudo-embeddings from a SHA-256 of the
// text, unit-normalized. Identical text always embeds identically, and
// different texts almost never collide, which is all hybrid-search tests
// need.
type Embedder struct {
	Dims int

	mu    sync.Mutex
	Calls int
}

// NewEmbedder creates a deterministic embedder of the given dimension.
func NewEmbedder(dims int) *Embedder { return &Embedder{Dims: dims} }

// Dimensions returns the configured vector width.
func (e *Embedder) Dimensions() int { return e.Dims }

// ModelID identifies the fake.
func (e *Embedder) ModelID() string { return "test-embedder" }

// Embed returns the deterministic vector for text.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.Calls++
	e.mu.Unlock()
	return deterministicVector(text, e.Dims), nil
}

// EmbedBatch embeds each text, preserving order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func deterministicVector(text string, dims int) []float32 {
	vec := make([]float32, dims)
	seed := sha256.Sum256([]byte(text))
	var sum float64
	for i := range vec {
		var buf [12]byte
		copy(buf[:8], seed[:8])
		binary.LittleEndian.PutUint32(buf[8:], uint32(i))
		h := sha256.Sum256(buf[:])
		v := float64(binary.LittleEndian.Uint32(h[:4]))/float64(math.MaxUint32) - 0.5
		vec[i] = float32(v)
		sum += v * v
	}
	if sum > 0 {
		inv := float32(1 / math.Sqrt(sum))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// RecordSource serves canned bundles per patient id.
type RecordSource struct {
	mu      sync.Mutex
	Bundles map[string]model.PatientBundle
	Err     error
	Calls   int
}

// NewRecordSource creates an empty fake record source.
func NewRecordSource() *RecordSource {
	return &RecordSource{Bundles: make(map[string]model.PatientBundle)}
}

// GetAll returns the canned bundle for the patient, or an empty bundle.
func (r *RecordSource) GetAll(_ context.Context, patientID string) (model.PatientBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++
	if r.Err != nil {
		return model.PatientBundle{}, r.Err
	}
	return r.Bundles[patientID], nil
}

// Fetch returns the canned records of one kind for the patient.
func (r *RecordSource) Fetch(_ context.Context, kind emr.RecordKind, patientID string, _ emr.FetchOptions) ([]map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++
	if r.Err != nil {
		return nil, r.Err
	}
	b := r.Bundles[patientID]
	switch kind {
	case emr.KindCarePlans:
		return b.CarePlans, nil
	case emr.KindMedications:
		return b.Medications, nil
	case emr.KindNotes:
		return b.Notes, nil
	default:
		return nil, nil
	}
}

// Generator returns a scripted response.
type Generator struct {
	Text string
	Err  error

	mu    sync.Mutex
	Calls int
	// LastSystem and LastUser capture the most recent prompt.
	LastSystem string
	LastUser   string
}

// ModelID identifies the fake.
func (g *Generator) ModelID() string { return "test-generator" }

// Generate records the prompt and returns the scripted text.
func (g *Generator) Generate(_ context.Context, system, user string, _ generation.Config) (generation.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls++
	g.LastSystem = system
	g.LastUser = user
	if g.Err != nil {
		return generation.Result{}, g.Err
	}
	return generation.Result{
		Text:         g.Text,
		Tokens:       len(g.Text) / 4,
		LatencyMS:    1,
		Model:        "test-generator",
		ModelVersion: "1",
	}, nil
}
