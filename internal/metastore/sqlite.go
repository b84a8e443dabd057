package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/karte/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id   TEXT PRIMARY KEY,
	patient_id    TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	occurred_at   TEXT NOT NULL,
	author        TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL,
	source_url    TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_patient ON artifacts(patient_id);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id      TEXT PRIMARY KEY,
	artifact_id   TEXT NOT NULL,
	patient_id    TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	occurred_at   TEXT NOT NULL,
	author        TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL,
	start_offset  INTEGER NOT NULL,
	end_offset    INTEGER NOT NULL,
	source_url    TEXT NOT NULL DEFAULT '',
	embedding     BLOB,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_patient ON chunks(patient_id);
CREATE INDEX IF NOT EXISTS idx_chunks_patient_date ON chunks(patient_id, occurred_at);
`

// SQLiteStore is the default Store backend: a single local file, WAL mode,
// no external services.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) the database at path and bootstraps the
// schema. Pass ":memory:" for an ephemeral store.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metastore: open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("metastore: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("metastore: bootstrap schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) ReplacePatient(ctx context.Context, patientID string, artifacts []model.Artifact, chunks []model.Chunk, vectors [][]float32) error {
	if len(vectors) != len(chunks) {
		return fmt.Errorf("metastore: replace patient: %d chunks but %d vectors", len(chunks), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE patient_id = ?`, patientID); err != nil {
		return fmt.Errorf("metastore: clear chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE patient_id = ?`, patientID); err != nil {
		return fmt.Errorf("metastore: clear artifacts: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	artStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO artifacts (artifact_id, patient_id, artifact_type, occurred_at, author, content, source_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("metastore: prepare artifact insert: %w", err)
	}
	defer artStmt.Close()
	for _, a := range artifacts {
		if _, err := artStmt.ExecContext(ctx,
			a.ArtifactID, a.PatientID, string(a.Type),
			a.OccurredAt.UTC().Format(time.RFC3339Nano),
			a.Author, a.Content, a.SourceURL, now,
		); err != nil {
			return fmt.Errorf("metastore: insert artifact %s: %w", a.ArtifactID, err)
		}
	}

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (chunk_id, artifact_id, patient_id, artifact_type, occurred_at, author, content, start_offset, end_offset, source_url, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("metastore: prepare chunk insert: %w", err)
	}
	defer chunkStmt.Close()
	for i, c := range chunks {
		if _, err := chunkStmt.ExecContext(ctx,
			c.ChunkID, c.ArtifactID, c.PatientID, string(c.Type),
			c.OccurredAt.UTC().Format(time.RFC3339Nano),
			c.Author, c.Content, c.Offsets.Start, c.Offsets.End,
			c.SourceURL, vectorBlob(vectors[i]), now,
		); err != nil {
			return fmt.Errorf("metastore: insert chunk %s: %w", c.ChunkID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metastore: commit replace: %w", err)
	}
	s.logger.Debug("metastore: patient replaced",
		"patient_id", patientID, "artifacts", len(artifacts), "chunks", len(chunks))
	return nil
}

const sqliteChunkColumns = `chunk_id, artifact_id, patient_id, artifact_type, occurred_at, author, content, start_offset, end_offset, source_url`

func (s *SQLiteStore) PatientChunks(ctx context.Context, patientID string) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteChunkColumns+` FROM chunks WHERE patient_id = ? ORDER BY occurred_at, chunk_id`,
		patientID)
	if err != nil {
		return nil, fmt.Errorf("metastore: patient chunks: %w", err)
	}
	defer rows.Close()
	return scanSQLiteChunks(rows)
}

func (s *SQLiteStore) ChunksByIDs(ctx context.Context, ids []string) ([]model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteChunkColumns+` FROM chunks WHERE chunk_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("metastore: chunks by ids: %w", err)
	}
	defer rows.Close()
	found, err := scanSQLiteChunks(rows)
	if err != nil {
		return nil, err
	}
	return orderByRequest(found, ids), nil
}

func (s *SQLiteStore) PatientVectors(ctx context.Context, patientID string) ([]ChunkVector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, embedding FROM chunks WHERE patient_id = ? ORDER BY occurred_at, chunk_id`,
		patientID)
	if err != nil {
		return nil, fmt.Errorf("metastore: patient vectors: %w", err)
	}
	defer rows.Close()

	var out []ChunkVector
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("metastore: scan vector: %w", err)
		}
		out = append(out, ChunkVector{ChunkID: id, Vector: blobVector(blob)})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeletePatient(ctx context.Context, patientID string) (Counts, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Counts{}, fmt.Errorf("metastore: begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE patient_id = ?`, patientID)
	if err != nil {
		return Counts{}, fmt.Errorf("metastore: delete chunks: %w", err)
	}
	chunksGone, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM artifacts WHERE patient_id = ?`, patientID)
	if err != nil {
		return Counts{}, fmt.Errorf("metastore: delete artifacts: %w", err)
	}
	artifactsGone, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return Counts{}, fmt.Errorf("metastore: commit delete: %w", err)
	}
	return Counts{Artifacts: int(artifactsGone), Chunks: int(chunksGone)}, nil
}

func (s *SQLiteStore) PatientCounts(ctx context.Context, patientID string) (Counts, error) {
	var c Counts
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE patient_id = ?`, patientID).Scan(&c.Artifacts); err != nil {
		return Counts{}, fmt.Errorf("metastore: count artifacts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE patient_id = ?`, patientID).Scan(&c.Chunks); err != nil {
		return Counts{}, fmt.Errorf("metastore: count chunks: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) Patients(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT patient_id FROM chunks ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("metastore: list patients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("metastore: scan patient id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteChunks(rows *sql.Rows) ([]model.Chunk, error) {
	var out []model.Chunk
	for rows.Next() {
		var (
			c          model.Chunk
			artType    string
			occurredAt string
		)
		if err := rows.Scan(&c.ChunkID, &c.ArtifactID, &c.PatientID, &artType,
			&occurredAt, &c.Author, &c.Content,
			&c.Offsets.Start, &c.Offsets.End, &c.SourceURL); err != nil {
			return nil, fmt.Errorf("metastore: scan chunk: %w", err)
		}
		c.Type = model.ArtifactType(artType)
		ts, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("metastore: parse occurred_at for %s: %w", c.ChunkID, err)
		}
		c.OccurredAt = ts
		out = append(out, c)
	}
	return out, rows.Err()
}

// orderByRequest reorders found chunks to match the requested id order,
// dropping ids that have no row.
func orderByRequest(found []model.Chunk, ids []string) []model.Chunk {
	byID := make(map[string]model.Chunk, len(found))
	for _, c := range found {
		byID[c.ChunkID] = c
	}
	out := make([]model.Chunk, 0, len(found))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}
