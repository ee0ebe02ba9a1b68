package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PgVectorStore is a KnowledgeStore on PostgreSQL with the pgvector
// extension. Names are unique; skip-if-exists relies on ON CONFLICT.
type PgVectorStore struct {
	db       *sql.DB
	table    string // quoted identifier
	embedder *Embedder
	mode     string
}

// NewPgVectorStore connects to dsn, ensures the vector extension and the
// table exist, and returns the store. The embedding dimension is measured
// from the embedder so the column type matches the model.
func NewPgVectorStore(ctx context.Context, dsn, table string, embedder *Embedder, mode string) (*PgVectorStore, error) {
	if mode == "" {
		mode = ModeHybrid
	}
	if !validMode(mode) {
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	dims, err := embedder.Dimensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("probing embedding model: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PgVectorStore{
		db:       db,
		table:    pq.QuoteIdentifier(table),
		embedder: embedder,
		mode:     mode,
	}
	if err := s.initSchema(ctx, table, dims); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *PgVectorStore) initSchema(ctx context.Context, table string, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING gin (to_tsvector('english', content))`,
			pq.QuoteIdentifier(table+"_content_fts"), s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PgVectorStore) Backend() string {
	return "pgvector"
}

func (s *PgVectorStore) AddContent(ctx context.Context, name, text string, skipIfExists bool) (bool, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return false, err
	}

	conflict := `ON CONFLICT (name) DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`
	if skipIfExists {
		conflict = `ON CONFLICT (name) DO NOTHING`
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, name, content, embedding) VALUES ($1, $2, $3, $4::vector) %s`, s.table, conflict),
		uuid.NewString(), name, text, formatVector(vec),
	)
	if err != nil {
		return false, fmt.Errorf("inserting %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PgVectorStore) AddContents(ctx context.Context, items []Content) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT name FROM %s WHERE name = ANY($1)`, s.table), pq.Array(names))
	if err != nil {
		return 0, fmt.Errorf("checking existing names: %w", err)
	}
	seen := make(map[string]bool, len(items))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, err
		}
		seen[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var fresh []Content
	for _, it := range items {
		if seen[it.Name] {
			continue
		}
		seen[it.Name] = true
		fresh = append(fresh, it)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	texts := make([]string, len(fresh))
	for i, it := range fresh {
		texts[i] = it.Text
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, name, content, embedding) VALUES ($1, $2, $3, $4::vector) ON CONFLICT (name) DO NOTHING`, s.table))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var added int
	for i, it := range fresh {
		res, err := stmt.ExecContext(ctx, uuid.NewString(), it.Name, it.Text, formatVector(vecs[i]))
		if err != nil {
			return 0, fmt.Errorf("inserting %q: %w", it.Name, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

func (s *PgVectorStore) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		q    string
		args []any
	)
	switch s.mode {
	case ModeKeyword:
		q = fmt.Sprintf(`SELECT id, name, content, created_at,
				ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
			FROM %s
			WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
			ORDER BY score DESC LIMIT $2`, s.table)
		args = []any{query, limit}
	default:
		vec, err := s.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, err
		}
		if s.mode == ModeVector {
			q = fmt.Sprintf(`SELECT id, name, content, created_at, 1 - (embedding <=> $1::vector) AS score
				FROM %s ORDER BY embedding <=> $1::vector LIMIT $2`, s.table)
			args = []any{formatVector(vec), limit}
		} else {
			q = fmt.Sprintf(`SELECT id, name, content, created_at,
					0.7 * (1 - (embedding <=> $1::vector))
					+ 0.3 * ts_rank(to_tsvector('english', content), plainto_tsquery('english', $3)) AS score
				FROM %s ORDER BY score DESC LIMIT $2`, s.table)
			args = []any{formatVector(vec), limit, query}
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", s.table, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var score float64
		var createdAt time.Time
		if err := rows.Scan(&d.ID, &d.Name, &d.Content, &createdAt, &score); err != nil {
			return nil, err
		}
		d.Score = float32(score)
		d.CreatedAt = createdAt.UTC()
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *PgVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

func (s *PgVectorStore) Close() error {
	return s.db.Close()
}

// formatVector renders v in pgvector's text form, e.g. [0.1,0.2].
func formatVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
