package session

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/fehlersuche/internal/logger"
)

var idSanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// LogEntry is one line of a scenario's durable NDJSON investigation log.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// IndexEntry is one row of the session index used for listing.
type IndexEntry struct {
	ID            string    `json:"id"`
	RepoPath      string    `json:"repo_path"`
	OriginalError string    `json:"original_error"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists sessions under {stateDir}/sessions/{id}/: a session.json
// snapshot written atomically, one NDJSON log per scenario, and a sqlite
// index for listing across restarts.
type Store struct {
	baseDir string
	db      *sql.DB
	log     *logger.Logger
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	repo_path TEXT NOT NULL,
	original_error TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// NewStore opens (and creates if needed) the store under stateDir.
func NewStore(stateDir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Global()
	}
	baseDir := filepath.Join(stateDir, "sessions")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(baseDir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open session index: %w", err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init session index: %w", err)
	}

	return &Store{
		baseDir: baseDir,
		db:      db,
		log:     log.WithComponent("store"),
	}, nil
}

// Close closes the index database.
func (st *Store) Close() error {
	return st.db.Close()
}

// SessionDir returns the on-disk directory for a session, creating it.
func (st *Store) SessionDir(sessionID string) (string, error) {
	dir := filepath.Join(st.baseDir, sanitizeID(sessionID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}
	return dir, nil
}

// Persist writes the snapshot to session.json (atomic temp+rename) and
// updates the index row.
func (st *Store) Persist(snap *Snapshot) error {
	dir, err := st.SessionDir(snap.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	path := filepath.Join(dir, "session.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}

	_, err = st.db.Exec(`
		INSERT INTO sessions (id, repo_path, original_error, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		snap.ID, snap.RepoPath, snap.OriginalError, string(snap.Status), snap.CreatedAt, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

// Load reads a persisted session snapshot.
func (st *Store) Load(sessionID string) (*Snapshot, error) {
	path := filepath.Join(st.baseDir, sanitizeID(sessionID), "session.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &snap, nil
}

// ListSessions returns index entries, most recently updated first.
func (st *Store) ListSessions() ([]IndexEntry, error) {
	rows, err := st.db.Query(`
		SELECT id, repo_path, original_error, status, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var e IndexEntry
		var status string
		if err := rows.Scan(&e.ID, &e.RepoPath, &e.OriginalError, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		e.Status = Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendLog appends one structured line to a scenario's NDJSON log.
func (st *Store) AppendLog(sessionID, scenarioID string, entry LogEntry) error {
	dir, err := st.SessionDir(sessionID)
	if err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, sanitizeID(scenarioID)+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open scenario log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append scenario log: %w", err)
	}
	return nil
}

// ReadLog returns all entries of a scenario's log in order.
func (st *Store) ReadLog(sessionID, scenarioID string) ([]LogEntry, error) {
	path := filepath.Join(st.baseDir, sanitizeID(sessionID), sanitizeID(scenarioID)+".ndjson")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open scenario log: %w", err)
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			st.log.Warn("skipping malformed log line in %s/%s: %v", sessionID, scenarioID, err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// LastLogLine returns the final entry of a scenario's log, or nil.
func (st *Store) LastLogLine(sessionID, scenarioID string) (*LogEntry, error) {
	entries, err := st.ReadLog(sessionID, scenarioID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	last := entries[len(entries)-1]
	return &last, nil
}

func sanitizeID(id string) string {
	clean := idSanitizeRe.ReplaceAllString(id, "_")
	if clean == "" {
		clean = "unknown"
	}
	return clean
}
