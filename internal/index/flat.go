package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ashita-ai/karte/internal/model"
)

// FlatIndex is an exact-scan in-process vector index. Patient record sets
// are small (hundreds to low thousands of chunks), so a brute-force inner
// product over the candidate set beats maintaining an ANN structure.
//
// Persistence is a pair of files: a raw little-endian float32 vector file
// and a JSON sidecar naming dimension and chunk order. The sidecar is
// written last and treated as the commit point on load.
type FlatIndex struct {
	dim    int
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	vectors  map[string][]float32 // chunk id -> vector
	patients map[string][]string  // patient id -> chunk ids, insertion order
	owner    map[string]string    // chunk id -> patient id
}

type flatSidecar struct {
	Dimension int         `json:"dimension"`
	Count     int         `json:"count"`
	Chunks    []flatEntry `json:"chunks"`
}

type flatEntry struct {
	ChunkID   string `json:"chunk_id"`
	PatientID string `json:"patient_id"`
}

// NewFlat builds an empty index of the given dimension. path is where
// snapshots live; empty disables persistence.
func NewFlat(dim int, path string, logger *slog.Logger) (*FlatIndex, error) {
	if dim <= 0 {
		return nil, model.Errorf(model.KindValidation, "index: dimension must be positive, got %d", dim)
	}
	return &FlatIndex{
		dim:      dim,
		path:     path,
		logger:   logger,
		vectors:  make(map[string][]float32),
		patients: make(map[string][]string),
		owner:    make(map[string]string),
	}, nil
}

func (f *FlatIndex) Dimension() int { return f.dim }

func (f *FlatIndex) Upsert(ctx context.Context, points []Point) error {
	for _, p := range points {
		if err := checkDimension(f.dim, p.Vector); err != nil {
			return fmt.Errorf("index: upsert %s: %w", p.ChunkID, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range points {
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		if prev, exists := f.owner[p.ChunkID]; !exists {
			f.patients[p.PatientID] = append(f.patients[p.PatientID], p.ChunkID)
		} else if prev != p.PatientID {
			f.removeFromPatient(prev, p.ChunkID)
			f.patients[p.PatientID] = append(f.patients[p.PatientID], p.ChunkID)
		}
		f.vectors[p.ChunkID] = vec
		f.owner[p.ChunkID] = p.PatientID
	}
	return nil
}

func (f *FlatIndex) Search(ctx context.Context, patientID string, vector []float32, allowed []string, limit int) ([]Hit, error) {
	if err := checkDimension(f.dim, vector); err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	if limit <= 0 {
		limit = 20
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	candidates := f.patients[patientID]
	if len(allowed) > 0 {
		restricted := make([]string, 0, len(allowed))
		for _, id := range allowed {
			if f.owner[id] == patientID {
				restricted = append(restricted, id)
			}
		}
		candidates = restricted
	}

	hits := make([]Hit, 0, len(candidates))
	for _, id := range candidates {
		vec, ok := f.vectors[id]
		if !ok {
			continue
		}
		hits = append(hits, Hit{ChunkID: id, Score: dot(vector, vec)})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *FlatIndex) DeletePatient(ctx context.Context, patientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.patients[patientID] {
		delete(f.vectors, id)
		delete(f.owner, id)
	}
	delete(f.patients, patientID)
	return nil
}

// Count returns the number of indexed vectors.
func (f *FlatIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Healthy always succeeds: the index lives in process memory.
func (f *FlatIndex) Healthy(ctx context.Context) error { return nil }

// Close persists a final snapshot when a path is configured.
func (f *FlatIndex) Close() error {
	if f.path == "" {
		return nil
	}
	return f.SaveSnapshot()
}

// SaveSnapshot writes the vector file, then the sidecar. Both go through a
// temp file and rename so a crash mid-write leaves the previous snapshot
// intact. Layout is sorted by chunk id for deterministic files.
func (f *FlatIndex) SaveSnapshot() error {
	if f.path == "" {
		return nil
	}

	type snapEntry struct {
		meta flatEntry
		vec  []float32
	}

	// Upsert replaces vector slices instead of mutating them, so holding
	// references after unlock is safe.
	f.mu.RLock()
	entries := make([]snapEntry, 0, len(f.vectors))
	for id, vec := range f.vectors {
		entries = append(entries, snapEntry{
			meta: flatEntry{ChunkID: id, PatientID: f.owner[id]},
			vec:  vec,
		})
	}
	dim := f.dim
	f.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].meta.ChunkID < entries[j].meta.ChunkID })

	side := flatSidecar{Dimension: dim, Count: len(entries), Chunks: make([]flatEntry, len(entries))}
	buf := make([]byte, 0, len(entries)*dim*4)
	scratch := make([]byte, 4)
	for i, e := range entries {
		side.Chunks[i] = e.meta
		for _, v := range e.vec {
			binary.LittleEndian.PutUint32(scratch, math.Float32bits(v))
			buf = append(buf, scratch...)
		}
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("index: snapshot dir: %w", err)
	}
	if err := atomicWrite(f.path, buf); err != nil {
		return fmt.Errorf("index: write snapshot: %w", err)
	}

	meta, err := json.Marshal(side)
	if err != nil {
		return fmt.Errorf("index: marshal sidecar: %w", err)
	}
	if err := atomicWrite(f.sidecarPath(), meta); err != nil {
		return fmt.Errorf("index: write sidecar: %w", err)
	}

	f.logger.Debug("index: snapshot saved", "path", f.path, "vectors", len(entries))
	return nil
}

// LoadSnapshot restores the index from disk. A missing snapshot is not an
// error; the caller rebuilds from the metadata store instead. A corrupt or
// dimension-mismatched snapshot is an error.
func (f *FlatIndex) LoadSnapshot() (bool, error) {
	if f.path == "" {
		return false, nil
	}
	meta, err := os.ReadFile(f.sidecarPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("index: read sidecar: %w", err)
	}

	var side flatSidecar
	if err := json.Unmarshal(meta, &side); err != nil {
		return false, fmt.Errorf("index: parse sidecar: %w", err)
	}
	if side.Dimension != f.dim {
		return false, model.Errorf(model.KindValidation,
			"index: snapshot dimension %d does not match configured %d", side.Dimension, f.dim)
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return false, fmt.Errorf("index: read snapshot: %w", err)
	}
	want := side.Count * f.dim * 4
	if len(raw) != want {
		return false, fmt.Errorf("index: snapshot is %d bytes, sidecar expects %d", len(raw), want)
	}

	vectors := make(map[string][]float32, side.Count)
	patients := make(map[string][]string)
	owner := make(map[string]string, side.Count)
	for i, e := range side.Chunks {
		vec := make([]float32, f.dim)
		base := i * f.dim * 4
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[base+j*4:]))
		}
		vectors[e.ChunkID] = vec
		patients[e.PatientID] = append(patients[e.PatientID], e.ChunkID)
		owner[e.ChunkID] = e.PatientID
	}

	f.mu.Lock()
	f.vectors = vectors
	f.patients = patients
	f.owner = owner
	f.mu.Unlock()

	f.logger.Info("index: snapshot loaded", "path", f.path, "vectors", side.Count)
	return true, nil
}

func (f *FlatIndex) sidecarPath() string { return f.path + ".meta.json" }

// removeFromPatient drops one chunk id from a patient's list. Caller holds
// the write lock.
func (f *FlatIndex) removeFromPatient(patientID, chunkID string) {
	ids := f.patients[patientID]
	for i, id := range ids {
		if id == chunkID {
			f.patients[patientID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
