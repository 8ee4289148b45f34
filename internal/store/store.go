package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/faceanalyser/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no reference face matches a lookup.
var ErrNotFound = errors.New("reference face not found")

// Reference is a named face kept for later similarity searches.
type Reference struct {
	ID        string
	Name      string
	Face      types.Face
	CreatedAt time.Time
}

// Store manages the PostgreSQL connection pool and pgvector operations.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the table and vector extension if they don't exist (Auto-Migration).
// The embedding column is unsized so both 512-d insightface and 128-d dlib vectors fit.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS reference_faces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			embedding VECTOR NOT NULL,
			dims INT NOT NULL,
			box DOUBLE PRECISION[] NOT NULL,
			det_score DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS reference_faces_dims_idx ON reference_faces (dims);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveReference stores face under name, replacing any previous face with that name.
func (s *Store) SaveReference(ctx context.Context, name string, f types.Face) (Reference, error) {
	if !f.HasEmbedding() {
		return Reference{}, errors.New("face has no embedding")
	}

	ref := Reference{ID: uuid.NewString(), Name: name, Face: f}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO reference_faces (id, name, embedding, dims, box, det_score)
		VALUES ($1, $2, $3::vector, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			dims = EXCLUDED.dims,
			box = EXCLUDED.box,
			det_score = EXCLUDED.det_score,
			created_at = NOW()
		RETURNING id, created_at
	`, ref.ID, name, vecToString(f.NormedEmbedding), len(f.NormedEmbedding), f.Box[:], f.DetScore).Scan(&ref.ID, &ref.CreatedAt)
	if err != nil {
		return Reference{}, err
	}
	return ref, nil
}

const selectReference = `SELECT id, name, embedding::text, box, det_score, created_at FROM reference_faces`

func scanReference(row pgx.Row) (Reference, error) {
	var ref Reference
	var vecStr string
	var box []float64
	if err := row.Scan(&ref.ID, &ref.Name, &vecStr, &box, &ref.Face.DetScore, &ref.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reference{}, ErrNotFound
		}
		return Reference{}, err
	}
	vec, err := parseVector(vecStr)
	if err != nil {
		return Reference{}, err
	}
	ref.Face.NormedEmbedding = vec
	copy(ref.Face.Box[:], box)
	return ref, nil
}

// GetReference loads the reference face saved under name.
func (s *Store) GetReference(ctx context.Context, name string) (Reference, error) {
	return scanReference(s.pool.QueryRow(ctx, selectReference+` WHERE name = $1`, name))
}

// ListReferences returns every reference face ordered by name.
func (s *Store) ListReferences(ctx context.Context) ([]Reference, error) {
	rows, err := s.pool.Query(ctx, selectReference+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []Reference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// DeleteReference removes the reference face saved under name.
func (s *Store) DeleteReference(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reference_faces WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindClosestReference returns the nearest reference to vec whose squared Euclidean
// distance is below maxSquared, along with that squared distance.
// Returns ErrNotFound if nothing is close enough.
func (s *Store) FindClosestReference(ctx context.Context, vec []float64, maxSquared float64) (Reference, float64, error) {
	if len(vec) == 0 {
		return Reference{}, 0, ErrNotFound
	}
	// <-> is the L2 distance operator in pgvector
	// Vectors of other sizes are filtered out first; <-> rejects mismatched dimensions
	query := `
		WITH candidates AS MATERIALIZED (SELECT * FROM reference_faces WHERE dims = $2)
		SELECT id, name, embedding::text, box, det_score, created_at FROM candidates
		WHERE embedding <-> $1::vector < $3
		ORDER BY embedding <-> $1::vector ASC LIMIT 1`
	ref, err := scanReference(s.pool.QueryRow(ctx, query, vecToString(vec), len(vec), math.Sqrt(maxSquared)))
	if err != nil {
		return Reference{}, 0, err
	}

	var dist float64
	for i := range vec {
		d := vec[i] - ref.Face.NormedEmbedding[i]
		dist += d * d
	}
	return ref, dist, nil
}

// Reset drops all application tables to clear the database state.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS reference_faces CASCADE;`)
	return err
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector reads pgvector's text output back into a float slice.
func parseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec[i] = v
	}
	return vec, nil
}
