package master

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hub-cap/deimos/pkg/mesos"
)

var journalSchema = []string{
	`CREATE TABLE IF NOT EXISTS task_updates (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id    TEXT NOT NULL,
		state      TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		agent_id   TEXT NOT NULL DEFAULT '',
		uuid       TEXT NOT NULL DEFAULT '',
		acked      INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_updates_task_id ON task_updates(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_task_updates_uuid ON task_updates(uuid)`,
}

// JournalEntry is one recorded task transition.
type JournalEntry struct {
	TaskID    string          `json:"task_id"`
	State     mesos.TaskState `json:"state"`
	Message   string          `json:"message,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	UUID      string          `json:"uuid,omitempty"`
	Acked     bool            `json:"acked"`
	CreatedAt time.Time       `json:"created_at"`
}

// Journal persists every task transition the master delivers, for
// post-run debugging. Use ":memory:" in tests.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenJournal opens (or creates) the journal database at dbPath.
func OpenJournal(dbPath string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// WAL keeps journal writes off the master's request path.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	for _, stmt := range journalSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal schema: %w", err)
		}
	}

	return &Journal{
		db:     db,
		logger: logger.With("component", "journal"),
	}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record inserts one transition.
func (j *Journal) Record(ctx context.Context, status mesos.TaskStatus) error {
	j.logger.Debug("sql", "op", "insert", "task_id", status.TaskID.Value, "state", status.State)
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO task_updates (task_id, state, message, agent_id, uuid, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		status.TaskID.Value, status.State.String(), status.Message,
		status.AgentID.Value, status.UUID,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Ack flags the update carrying uuid as acknowledged by the framework.
func (j *Journal) Ack(ctx context.Context, taskID, uuid string) error {
	j.logger.Debug("sql", "op", "ack", "task_id", taskID, "uuid", uuid)
	res, err := j.db.ExecContext(ctx,
		`UPDATE task_updates SET acked = 1 WHERE task_id = ? AND uuid = ?`,
		taskID, uuid,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no journaled update for task %s with uuid %s", taskID, uuid)
	}
	return nil
}

// Updates returns a task's transitions in delivery order.
func (j *Journal) Updates(ctx context.Context, taskID string) ([]JournalEntry, error) {
	j.logger.Debug("sql", "op", "select", "task_id", taskID)
	rows, err := j.db.QueryContext(ctx,
		`SELECT task_id, state, message, agent_id, uuid, acked, created_at
		 FROM task_updates WHERE task_id = ? ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var state, createdAt string
		var acked int
		if err := rows.Scan(&e.TaskID, &state, &e.Message, &e.AgentID, &e.UUID, &acked, &createdAt); err != nil {
			return nil, err
		}
		e.State = mesos.TaskState(state)
		e.Acked = acked != 0
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
