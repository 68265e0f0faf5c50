// Package activity stores the workspace audit trail written as a side
// effect of emitting certain events (device status changes, new alerts,
// membership changes).
package activity

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/rubiojr/netpulse/pkg/db"
)

// DefaultListLimit is used when List is called with a non-positive limit.
const DefaultListLimit = 50

// Entry is one audit record. UserID 0 means the action was taken by the
// system rather than a person.
type Entry struct {
	ID           int64           `json:"id"`
	WorkspaceID  int64           `json:"workspaceId"`
	UserID       int64           `json:"userId"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resourceType"`
	ResourceID   int64           `json:"resourceId"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store is a sqlite-backed audit log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	s, err := OpenUnmigrated(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := db.Initialize(ctx, s.db); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	return s, nil
}

// OpenUnmigrated opens the database without touching its schema. The
// migrate command uses it to report status before applying anything.
func OpenUnmigrated(ctx context.Context, path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA temp_store = memory",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	return &Store{db: conn}, nil
}

// Migrations returns a manager for the embedded schema migrations.
func (s *Store) Migrations() *db.MigrationManager {
	return db.NewMigrationManager(s.db)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends e. A zero CreatedAt is replaced with the current time.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.WorkspaceID <= 0 {
		return fmt.Errorf("record activity: invalid workspace id %d", e.WorkspaceID)
	}
	if e.Action == "" || e.ResourceType == "" {
		return fmt.Errorf("record activity: action and resource type are required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var details any
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (workspace_id, user_id, action, resource_type, resource_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.WorkspaceID, e.UserID, e.Action, e.ResourceType, e.ResourceID, details, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// List returns up to limit entries for workspace, newest first.
func (s *Store) List(ctx context.Context, workspace int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, user_id, action, resource_type, resource_id, details, created_at
		FROM activity_log
		WHERE workspace_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, workspace, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Export writes every entry for workspace, oldest first, as zstd-compressed
// newline-delimited JSON and returns the number of entries written.
func (s *Store) Export(ctx context.Context, w io.Writer, workspace int64) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, user_id, action, resource_type, resource_id, details, created_at
		FROM activity_log
		WHERE workspace_id = ?
		ORDER BY created_at ASC, id ASC`, workspace)
	if err != nil {
		return 0, fmt.Errorf("export activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("export activity: %w", err)
	}
	bw := bufio.NewWriter(zw)
	enc := json.NewEncoder(bw)

	n := 0
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			_ = zw.Close()
			return n, err
		}
		if err := enc.Encode(e); err != nil {
			_ = zw.Close()
			return n, fmt.Errorf("export activity: %w", err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		_ = zw.Close()
		return n, err
	}
	if err := bw.Flush(); err != nil {
		_ = zw.Close()
		return n, fmt.Errorf("export activity: %w", err)
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("export activity: %w", err)
	}
	return n, nil
}

// ReadExport decodes a stream produced by Export.
func ReadExport(r io.Reader) ([]Entry, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	defer zr.Close()

	var out []Entry
	dec := json.NewDecoder(zr)
	for {
		var e Entry
		if err := dec.Decode(&e); err == io.EOF {
			return out, nil
		} else if err != nil {
			return out, fmt.Errorf("read export: %w", err)
		}
		out = append(out, e)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e       Entry
		details sql.NullString
		created int64
	)
	if err := row.Scan(&e.ID, &e.WorkspaceID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &details, &created); err != nil {
		return Entry{}, fmt.Errorf("scanning activity row: %w", err)
	}
	if details.Valid && details.String != "" {
		e.Details = json.RawMessage(details.String)
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	return e, nil
}
