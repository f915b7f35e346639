// Package taskqueue implements queue-driven task intake: tasks awaiting
// a free run slot sit in a table on the same SQLite connection the
// Event Log uses, FIFO by position, and CheckIn pulls the next one
// whenever nothing is in flight.
package taskqueue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/storyforge/pipeline/internal/agentrunner"
	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
)

// DB is the interface Queue operates against; eventlog.Log satisfies it
// via its Conn method, the same seam internal/analytics uses for its
// read-side aggregation.
type DB interface {
	Conn() *sql.DB
}

// Item is one row of task_queue.
type Item struct {
	ID          int64
	TaskID      string
	Description string
	Hint        string
	Status      string // "pending", "active", "completed", "failed"
	Position    int64
}

// Queue manages the task_queue table.
type Queue struct {
	db DB
}

// New builds a Queue over db, creating task_queue if it doesn't exist.
func New(db DB) (*Queue, error) {
	q := &Queue{db: db}
	if _, err := db.Conn().Exec(`
CREATE TABLE IF NOT EXISTS task_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id     TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    hint        TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'pending',
    position    INTEGER NOT NULL
);
`); err != nil {
		return nil, fmt.Errorf("migrate task queue schema: %w", err)
	}
	return q, nil
}

// Enqueue appends a task at the back of the queue. hint is free-form
// context (an issue body, a Slack thread, a ticket description) used to
// derive a feature intent later if the task itself carries none.
func (q *Queue) Enqueue(taskID, description, hint string) error {
	var maxPos sql.NullInt64
	if err := q.db.Conn().QueryRow("SELECT MAX(position) FROM task_queue").Scan(&maxPos); err != nil {
		return fmt.Errorf("get max queue position: %w", err)
	}
	next := int64(1)
	if maxPos.Valid {
		next = maxPos.Int64 + 1
	}
	if _, err := q.db.Conn().Exec(
		`INSERT INTO task_queue (task_id, description, hint, status, position) VALUES (?, ?, ?, 'pending', ?)`,
		taskID, description, hint, next,
	); err != nil {
		return fmt.Errorf("enqueue task %s: %w", taskID, err)
	}
	return nil
}

// QueueNext returns the lowest-position pending item, or nil if the
// queue holds no pending work.
func (q *Queue) QueueNext() (*Item, error) {
	row := q.db.Conn().QueryRow(
		`SELECT id, task_id, description, hint, status, position FROM task_queue WHERE status = 'pending' ORDER BY position ASC LIMIT 1`)
	var item Item
	if err := row.Scan(&item.ID, &item.TaskID, &item.Description, &item.Hint, &item.Status, &item.Position); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get next queue item: %w", err)
	}
	return &item, nil
}

// List returns every queued item ordered by position, for inspection.
func (q *Queue) List() ([]Item, error) {
	rows, err := q.db.Conn().Query(
		`SELECT id, task_id, description, hint, status, position FROM task_queue ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("list task queue: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Description, &item.Hint, &item.Status, &item.Position); err != nil {
			return nil, fmt.Errorf("scan task queue row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetStatus updates the status of a queued task.
func (q *Queue) SetStatus(taskID, status string) error {
	res, err := q.db.Conn().Exec(`UPDATE task_queue SET status = ? WHERE task_id = ?`, status, taskID)
	if err != nil {
		return fmt.Errorf("update queue status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s not found in queue", taskID)
	}
	return nil
}

// CheckInAction describes the single action a CheckIn tick took.
type CheckInAction struct {
	TaskID  string `json:"task_id,omitempty"`
	Action  string `json:"action"` // "idle", "started", "skip", "fail"
	Message string `json:"message"`
}

// CheckIn pulls the next pending task from the queue, deriving its
// feature intent via the agent runner's intent-deriver role when the
// task carries no description of its own, and hands it to start. It is
// meant to be called on a schedule whenever no task is currently in
// flight; callers must enforce that invariant themselves, mirroring the
// orchestrator's strict one-active-pipeline check-in rule.
func (q *Queue) CheckIn(ctx context.Context, agents pipectx.AgentRunner, start func(model.Task) error) (CheckInAction, error) {
	item, err := q.QueueNext()
	if err != nil {
		return CheckInAction{}, err
	}
	if item == nil {
		return CheckInAction{Action: "idle", Message: "queue empty"}, nil
	}

	task := model.Task{ID: item.TaskID, Description: item.Description}
	if task.Description == "" && agents != nil {
		source := item.Hint
		if source == "" {
			source = item.TaskID
		}
		derived, err := agentrunner.DeriveFeatureIntent(ctx, agents, task.ID, source)
		if err != nil {
			return CheckInAction{TaskID: task.ID, Action: "skip", Message: fmt.Sprintf("intent derivation failed: %v", err)}, nil
		}
		task.Description = derived
	}
	if task.Description == "" {
		return CheckInAction{TaskID: task.ID, Action: "skip", Message: "task missing description and intent could not be derived"}, nil
	}

	if err := q.SetStatus(task.ID, "active"); err != nil {
		return CheckInAction{}, err
	}

	if err := start(task); err != nil {
		_ = q.SetStatus(task.ID, "failed")
		return CheckInAction{TaskID: task.ID, Action: "fail", Message: err.Error()}, nil
	}

	return CheckInAction{TaskID: task.ID, Action: "started", Message: "started pipeline for task " + task.ID}, nil
}
