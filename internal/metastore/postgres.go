package metastore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/ashita-ai/karte/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id   TEXT PRIMARY KEY,
	patient_id    TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	occurred_at   TIMESTAMPTZ NOT NULL,
	author        TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL,
	source_url    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_artifacts_patient ON artifacts(patient_id);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id      TEXT PRIMARY KEY,
	artifact_id   TEXT NOT NULL,
	patient_id    TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	occurred_at   TIMESTAMPTZ NOT NULL,
	author        TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL,
	start_offset  INTEGER NOT NULL,
	end_offset    INTEGER NOT NULL,
	source_url    TEXT NOT NULL DEFAULT '',
	embedding     vector,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_chunks_patient ON chunks(patient_id);
CREATE INDEX IF NOT EXISTS idx_chunks_patient_date ON chunks(patient_id, occurred_at);
`

// PostgresStore is the Store backend for deployments that already run
// Postgres. Embeddings live in a pgvector column so the flat index can
// rebuild straight from the database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects, registers pgvector codecs on every new connection,
// and bootstraps the schema.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("metastore: parse postgres DSN: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("metastore: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("metastore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metastore: ping postgres: %w", err)
	}

	// Best effort: already present on managed Postgres, needs privileges
	// elsewhere. Table creation fails loudly if the type truly is missing.
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		logger.Warn("metastore: create vector extension", "error", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metastore: bootstrap schema: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) ReplacePatient(ctx context.Context, patientID string, artifacts []model.Artifact, chunks []model.Chunk, vectors [][]float32) error {
	if len(vectors) != len(chunks) {
		return fmt.Errorf("metastore: replace patient: %d chunks but %d vectors", len(chunks), len(vectors))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("metastore: begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE patient_id = $1`, patientID); err != nil {
		return fmt.Errorf("metastore: clear chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM artifacts WHERE patient_id = $1`, patientID); err != nil {
		return fmt.Errorf("metastore: clear artifacts: %w", err)
	}

	if len(artifacts) > 0 {
		artRows := make([][]any, len(artifacts))
		for i, a := range artifacts {
			artRows[i] = []any{a.ArtifactID, a.PatientID, string(a.Type), a.OccurredAt.UTC(), a.Author, a.Content, a.SourceURL}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"artifacts"},
			[]string{"artifact_id", "patient_id", "artifact_type", "occurred_at", "author", "content", "source_url"},
			pgx.CopyFromRows(artRows),
		); err != nil {
			return fmt.Errorf("metastore: copy artifacts: %w", err)
		}
	}

	if len(chunks) > 0 {
		chunkRows := make([][]any, len(chunks))
		for i, c := range chunks {
			var emb any
			if len(vectors[i]) > 0 {
				emb = pgvector.NewVector(vectors[i])
			}
			chunkRows[i] = []any{c.ChunkID, c.ArtifactID, c.PatientID, string(c.Type), c.OccurredAt.UTC(), c.Author, c.Content, c.Offsets.Start, c.Offsets.End, c.SourceURL, emb}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"chunks"},
			[]string{"chunk_id", "artifact_id", "patient_id", "artifact_type", "occurred_at", "author", "content", "start_offset", "end_offset", "source_url", "embedding"},
			pgx.CopyFromRows(chunkRows),
		); err != nil {
			return fmt.Errorf("metastore: copy chunks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("metastore: commit replace: %w", err)
	}
	s.logger.Debug("metastore: patient replaced",
		"patient_id", patientID, "artifacts", len(artifacts), "chunks", len(chunks))
	return nil
}

const pgChunkColumns = `chunk_id, artifact_id, patient_id, artifact_type, occurred_at, author, content, start_offset, end_offset, source_url`

func (s *PostgresStore) PatientChunks(ctx context.Context, patientID string) ([]model.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgChunkColumns+` FROM chunks WHERE patient_id = $1 ORDER BY occurred_at, chunk_id`,
		patientID)
	if err != nil {
		return nil, fmt.Errorf("metastore: patient chunks: %w", err)
	}
	defer rows.Close()
	return scanPGChunks(rows)
}

func (s *PostgresStore) ChunksByIDs(ctx context.Context, ids []string) ([]model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgChunkColumns+` FROM chunks WHERE chunk_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("metastore: chunks by ids: %w", err)
	}
	defer rows.Close()
	found, err := scanPGChunks(rows)
	if err != nil {
		return nil, err
	}
	return orderByRequest(found, ids), nil
}

func (s *PostgresStore) PatientVectors(ctx context.Context, patientID string) ([]ChunkVector, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chunk_id, embedding FROM chunks WHERE patient_id = $1 ORDER BY occurred_at, chunk_id`,
		patientID)
	if err != nil {
		return nil, fmt.Errorf("metastore: patient vectors: %w", err)
	}
	defer rows.Close()

	var out []ChunkVector
	for rows.Next() {
		var (
			id  string
			vec *pgvector.Vector
		)
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("metastore: scan vector: %w", err)
		}
		cv := ChunkVector{ChunkID: id}
		if vec != nil {
			cv.Vector = vec.Slice()
		}
		out = append(out, cv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeletePatient(ctx context.Context, patientID string) (Counts, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("metastore: begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM chunks WHERE patient_id = $1`, patientID)
	if err != nil {
		return Counts{}, fmt.Errorf("metastore: delete chunks: %w", err)
	}
	chunksGone := tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM artifacts WHERE patient_id = $1`, patientID)
	if err != nil {
		return Counts{}, fmt.Errorf("metastore: delete artifacts: %w", err)
	}
	artifactsGone := tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return Counts{}, fmt.Errorf("metastore: commit delete: %w", err)
	}
	return Counts{Artifacts: int(artifactsGone), Chunks: int(chunksGone)}, nil
}

func (s *PostgresStore) PatientCounts(ctx context.Context, patientID string) (Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM artifacts WHERE patient_id = $1),
			(SELECT COUNT(*) FROM chunks WHERE patient_id = $1)`,
		patientID).Scan(&c.Artifacts, &c.Chunks)
	if err != nil {
		return Counts{}, fmt.Errorf("metastore: patient counts: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Patients(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT patient_id FROM chunks ORDER BY patient_id`)
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPGChunks(rows pgx.Rows) ([]model.Chunk, error) {
	var out []model.Chunk
	for rows.Next() {
		var (
			c       model.Chunk
			artType string
		)
		if err := rows.Scan(&c.ChunkID, &c.ArtifactID, &c.PatientID, &artType,
			&c.OccurredAt, &c.Author, &c.Content,
			&c.Offsets.Start, &c.Offsets.End, &c.SourceURL); err != nil {
			return nil, fmt.Errorf("metastore: scan chunk: %w", err)
		}
		c.Type = model.ArtifactType(artType)
		out = append(out, c)
	}
	return out, rows.Err()
}
