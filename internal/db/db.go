package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Process lifecycle events.
const (
	EventProcessStarted = "process.started"
	EventProcessStopped = "process.stopped"
)

// Relay events.
const (
	EventRespondStarted      = "respond.started"
	EventCompletionSucceeded = "completion.succeeded"
	EventCompletionFailed    = "completion.failed"
	EventSessionReset        = "session.reset"
	EventReplySent           = "reply.sent"
	EventReplyFailed         = "reply.failed"
	EventCircuitOpened       = "circuit.opened"
	EventCircuitHalfOpen     = "circuit.half_open"
	EventCircuitClosed       = "circuit.closed"
)

// Inbox statuses.
const (
	InboxQueued  = "queued"
	InboxDone    = "done"
	InboxFailed  = "failed"
	InboxSkipped = "skipped"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates the events and inbox tables. Conversation text is
// never written here: the inbox only tracks update delivery.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);

		CREATE TABLE IF NOT EXISTS inbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			update_id INTEGER NOT NULL UNIQUE,
			chat_id INTEGER NOT NULL,
			message_date INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			error TEXT,
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
		CREATE INDEX IF NOT EXISTS idx_inbox_status_id ON inbox(status, id);
	`)
	return err
}

// DeriveOffset returns the next Telegram polling offset derived from the inbox table.
// Returns 0 if inbox is empty.
func DeriveOffset(database *sql.DB) (int64, error) {
	var offset int64
	err := database.QueryRow(`SELECT COALESCE(MAX(update_id) + 1, 0) FROM inbox`).Scan(&offset)
	return offset, err
}

// Enqueue records an inbound update. It reports false when the update was
// already seen, which happens when the front-end redelivers it.
func Enqueue(database *sql.DB, updateID, chatID, messageDate int64) (bool, error) {
	result, err := database.Exec(
		"INSERT OR IGNORE INTO inbox (update_id, chat_id, message_date, status, updated_at) VALUES (?, ?, ?, ?, unixepoch())",
		updateID, chatID, messageDate, InboxQueued,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue update %d: %w", updateID, err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// MarkInbox sets the final status of an update. errMsg may be empty.
func MarkInbox(database *sql.DB, updateID int64, status, errMsg string) error {
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := database.Exec(
		"UPDATE inbox SET status = ?, error = ?, updated_at = unixepoch() WHERE update_id = ?",
		status, errVal, updateID,
	)
	if err != nil {
		return fmt.Errorf("mark update %d %s: %w", updateID, status, err)
	}
	return nil
}

// InboxStatus returns the status of an update, or "" when it is unknown.
func InboxStatus(database *sql.DB, updateID int64) (string, error) {
	var status string
	err := database.QueryRow(`SELECT status FROM inbox WHERE update_id = ?`, updateID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return status, err
}

// StaleChats returns the chats that still have updates queued, which after
// a restart means the previous run stopped before answering them.
func StaleChats(database *sql.DB) ([]int64, error) {
	rows, err := database.Query(`SELECT DISTINCT chat_id FROM inbox WHERE status = ? ORDER BY chat_id`, InboxQueued)
	if err != nil {
		return nil, fmt.Errorf("query stale chats: %w", err)
	}
	defer rows.Close()

	var chats []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

// FailStale marks updates left queued by a previous run as failed so
// they are not mistaken for in-flight work.
func FailStale(database *sql.DB) (int64, error) {
	res, err := database.Exec(
		"UPDATE inbox SET status = ?, error = 'interrupted', updated_at = unixepoch() WHERE status = ?",
		InboxFailed, InboxQueued,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// EventLog writes events under a fixed root event, usually the
// process.started event of the running relay.
type EventLog struct {
	DB     *sql.DB
	RootID *int64
}

// Record logs an event under parentID, or under the root when parentID is nil.
func (l *EventLog) Record(parentID *int64, eventType string, payload map[string]any) (int64, error) {
	if parentID == nil {
		parentID = l.RootID
	}
	return LogEvent(l.DB, parentID, eventType, payload)
}
