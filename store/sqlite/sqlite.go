// Package sqlite implements the store contracts on a single SQLite
// file via modernc.org/sqlite (pure Go, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so lexical ordering on the created_at
// column matches chronological ordering; RFC3339Nano trims trailing
// zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store holds the database connection and implements both
// store.ConversationLog and store.MemoryStore.
type Store struct {
	db *sql.DB
}

var (
	_ store.ConversationLog = (*Store)(nil)
	_ store.MemoryStore     = (*Store)(nil)
)

// New opens (or creates) the database at path and applies migrations.
// Use ":memory:" for an ephemeral database in tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite is single-writer. One shared connection serializes
	// concurrent callers through database/sql instead of letting them
	// fight over write locks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied int
		err := s.db.QueryRow(
			"SELECT COUNT(*) FROM schema_migrations WHERE version = ?",
			entry.Name()).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if applied > 0 {
			continue
		}

		script, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.Exec(string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.Exec(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			entry.Name(), time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Append persists one message, assigning its ID and per-user sequence
// number inside a transaction.
func (s *Store) Append(ctx context.Context, msg *chatmesh.ConversationMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE user_id = ?",
		msg.UserID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (user_id, role, content, seq, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.UserID, string(msg.Role), msg.Content, seq,
		msg.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	msg.ID = id
	msg.SequenceNumber = seq
	return nil
}

// ReadRecent returns up to limit of the user's most recent messages in
// chronological order.
func (s *Store) ReadRecent(ctx context.Context, userID int64, limit int) ([]chatmesh.ConversationMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role, content, seq, created_at FROM (
			SELECT id, user_id, role, content, seq, created_at
			FROM messages WHERE user_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("read recent messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ReadByIDs returns the named messages for one user in chronological
// order. Unknown IDs are skipped.
func (s *Store) ReadByIDs(ctx context.Context, userID int64, ids []int64) ([]chatmesh.ConversationMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, content, seq, created_at
		 FROM messages WHERE user_id = ? AND id IN (`+placeholders+`)
		 ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("read messages by id: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]chatmesh.ConversationMessage, error) {
	var out []chatmesh.ConversationMessage
	for rows.Next() {
		var (
			msg       chatmesh.ConversationMessage
			role      string
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &role, &msg.Content, &msg.SequenceNumber, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = chatmesh.Role(role)
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		msg.CreatedAt = t
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// Insert persists one memory record, assigning its ID.
func (s *Store) Insert(ctx context.Context, rec *chatmesh.MemoryRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var sourceJSON, embeddingJSON, metadataJSON []byte
	var err error
	if len(rec.SourceMessageIDs) > 0 {
		if sourceJSON, err = json.Marshal(rec.SourceMessageIDs); err != nil {
			return fmt.Errorf("marshal source ids: %w", err)
		}
	}
	if len(rec.Embedding) > 0 {
		if embeddingJSON, err = json.Marshal(rec.Embedding); err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
	}
	if len(rec.Metadata) > 0 {
		if metadataJSON, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (user_id, memory_type, source_ids, content, embedding, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, string(rec.MemoryType), nullable(sourceJSON), rec.Content,
		nullable(embeddingJSON), rec.CreatedAt.UTC().Format(timeLayout),
		nullable(metadataJSON))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("memory id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListByUser returns every memory record for one user, newest first.
func (s *Store) ListByUser(ctx context.Context, userID int64) ([]chatmesh.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, memory_type, source_ids, content, embedding, created_at, metadata
		FROM memories WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []chatmesh.MemoryRecord
	for rows.Next() {
		var (
			rec           chatmesh.MemoryRecord
			memoryType    string
			sourceJSON    sql.NullString
			embeddingJSON sql.NullString
			metadataJSON  sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &memoryType, &sourceJSON,
			&rec.Content, &embeddingJSON, &createdAt, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		rec.MemoryType = chatmesh.MemoryType(memoryType)

		if sourceJSON.Valid && sourceJSON.String != "" {
			if err := json.Unmarshal([]byte(sourceJSON.String), &rec.SourceMessageIDs); err != nil {
				return nil, fmt.Errorf("unmarshal source ids: %w", err)
			}
		}
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &rec.Embedding); err != nil {
				return nil, fmt.Errorf("unmarshal embedding: %w", err)
			}
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			rec.Metadata = make(map[string]string)
			if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}

		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		rec.CreatedAt = t
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
