package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the local SQLite database holding app settings, chat history
// and the learnings fallback table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) lore.db in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "lore.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One owned connection; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that are not yet recorded in
// schema_version, in ascending version order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- App settings ---

// GetSetting returns the value stored under key, or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM app_settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

// SetSetting inserts or replaces a single setting.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO app_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// SetSettings upserts several settings in one transaction; either all of
// them are written or none.
func (s *Store) SetSettings(values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning settings transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO app_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for k, v := range values {
		if _, err := stmt.Exec(k, v); err != nil {
			return fmt.Errorf("setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// AllSettings returns every stored setting.
func (s *Store) AllSettings() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM app_settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v.String
	}
	return result, rows.Err()
}

// --- Chat messages ---

// AppendMessage inserts one message at the end of the session's log and
// returns it with its id.
func (s *Store) AppendMessage(sessionID, role, content string, createdAt time.Time) (Message, error) {
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC().Truncate(time.Second)
	res, err := s.db.Exec(
		`INSERT INTO chat_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, role, content, createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return Message{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, SessionID: sessionID, Role: role, Content: content, CreatedAt: createdAt}, nil
}

// RecentMessages returns up to limit most recent messages of a session,
// oldest first. An empty sessionID reads across all sessions.
func (s *Store) RecentMessages(sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, created_at FROM (
			SELECT id, session_id, role, content, created_at FROM chat_messages
			WHERE ? = '' OR session_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// CountMessages returns the number of stored messages.
func (s *Store) CountMessages() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chat_messages").Scan(&n)
	return n, err
}

// PruneMessages deletes everything but the newest keep messages and
// returns the number of rows removed.
func (s *Store) PruneMessages(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.Exec(`
		DELETE FROM chat_messages
		WHERE id NOT IN (SELECT id FROM chat_messages ORDER BY id DESC LIMIT ?)`, keep,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteMessagesBefore removes messages created strictly before cutoff.
func (s *Store) DeleteMessagesBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM chat_messages WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Learnings (fallback store) ---

const learningColumns = `id, title, context, learning, confidence, type, created_at`

// InsertLearning appends a learning row unconditionally.
func (s *Store) InsertLearning(l Learning) (Learning, error) {
	createdAt := learningTime(l.CreatedAt)
	res, err := s.db.Exec(`
		INSERT INTO learnings (title, context, learning, confidence, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.Title, l.Context, l.Learning, l.Confidence, l.Type, createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return Learning{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Learning{}, err
	}
	l.ID = id
	l.CreatedAt = createdAt
	return l, nil
}

// InsertLearningIfAbsent inserts l only when no row with the same title
// exists. The check and insert are one statement.
func (s *Store) InsertLearningIfAbsent(l Learning) (Learning, bool, error) {
	createdAt := learningTime(l.CreatedAt)
	res, err := s.db.Exec(`
		INSERT INTO learnings (title, context, learning, confidence, type, created_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM learnings WHERE title = ?)`,
		l.Title, l.Context, l.Learning, l.Confidence, l.Type, createdAt.Format(time.RFC3339), l.Title,
	)
	if err != nil {
		return Learning{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Learning{}, false, err
	}
	l.CreatedAt = createdAt
	if n == 0 {
		return l, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Learning{}, false, err
	}
	l.ID = id
	return l, true, nil
}

// SearchLearnings returns learnings whose title, context or learning text
// contains query, most recent first, at most limit rows. Case-insensitive
// matching follows SQLite LIKE semantics (ASCII case folding).
func (s *Store) SearchLearnings(query string, limit int, caseSensitive bool) ([]Learning, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		where string
		args  []any
	)
	if caseSensitive {
		where = `instr(title, ?) > 0 OR instr(context, ?) > 0 OR instr(learning, ?) > 0`
		args = []any{query, query, query}
	} else {
		pattern := "%" + escapeLike(query) + "%"
		where = `title LIKE ? ESCAPE '\' OR context LIKE ? ESCAPE '\' OR learning LIKE ? ESCAPE '\'`
		args = []any{pattern, pattern, pattern}
	}
	args = append(args, limit)

	rows, err := s.db.Query(`SELECT `+learningColumns+` FROM learnings WHERE `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("searching learnings: %w", err)
	}
	defer rows.Close()
	return scanLearnings(rows)
}

// ListLearnings pages through stored learnings, most recent first.
func (s *Store) ListLearnings(limit, offset int) ([]Learning, error) {
	rows, err := s.db.Query(`SELECT `+learningColumns+` FROM learnings ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLearnings(rows)
}

// CountLearnings returns the number of rows in the fallback table.
func (s *Store) CountLearnings() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM learnings").Scan(&n)
	return n, err
}

// UnsyncedLearnings returns up to limit rows not yet copied to the vector
// store, oldest first.
func (s *Store) UnsyncedLearnings(limit int) ([]Learning, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT `+learningColumns+` FROM learnings WHERE synced_at IS NULL ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLearnings(rows)
}

// MarkLearningsSynced records that the given rows were copied to the
// vector store.
func (s *Store) MarkLearningsSynced(ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stamp := at.UTC().Format(time.RFC3339)
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE learnings SET synced_at = ? WHERE id = ?`, stamp, id); err != nil {
			return fmt.Errorf("marking learning %d synced: %w", id, err)
		}
	}
	return tx.Commit()
}

// CountLearningsByTitle returns how many rows carry the given title.
func (s *Store) CountLearningsByTitle(title string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM learnings WHERE title = ?", title).Scan(&n)
	return n, err
}

func scanLearnings(rows *sql.Rows) ([]Learning, error) {
	var results []Learning
	for rows.Next() {
		var l Learning
		var createdAt string
		if err := rows.Scan(&l.ID, &l.Title, &l.Context, &l.Learning, &l.Confidence, &l.Type, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for learning %d: %w", l.ID, err)
		}
		l.CreatedAt = t
		results = append(results, l)
	}
	return results, rows.Err()
}

func learningTime(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(time.Second)
}

// escapeLike escapes LIKE wildcards so query is matched literally.
func escapeLike(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(q)
}
