// Package eventlog is the append-only, per-task domain event store.
// It is the only thing higher components trust to rebuild state: the
// pipeline must be restartable by replaying the log alone (plus the
// checkpoint store and the git working tree).
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
)

// Log is a SQLite-backed event log, one row per event.
type Log struct {
	conn           *sql.DB
	remoteVerifier RemoteVerifier
}

// Open opens or creates the event log database at path. Use ":memory:"
// for an ephemeral log (tests).
func Open(path string) (*Log, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping event log: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	l := &Log{conn: conn}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error { return l.conn.Close() }

// Conn exposes the underlying connection for read-side aggregation
// (internal/analytics), which needs arbitrary SQL the EventLog interface
// doesn't expose.
func (l *Log) Conn() *sql.DB { return l.conn }

func (l *Log) migrate() error {
	base := `
CREATE TABLE IF NOT EXISTS events (
    sequence   INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL,
    type       TEXT NOT NULL,
    agent      TEXT NOT NULL DEFAULT '',
    story_id   TEXT NOT NULL DEFAULT '',
    epic_id    TEXT NOT NULL DEFAULT '',
    payload    TEXT NOT NULL DEFAULT '{}',
    timestamp  TEXT NOT NULL DEFAULT (datetime('now')),
    dedupe_window TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, sequence);
`
	if _, err := l.conn.Exec(base); err != nil {
		return fmt.Errorf("migrate event log schema: %w", err)
	}
	return nil
}

// dedupeWindowBucket buckets a timestamp into a coarse window so
// SafeAppend's "small recent window" suppression is a simple equality
// check rather than a time-range scan.
func dedupeWindowBucket(t time.Time) string {
	return t.UTC().Truncate(5 * time.Minute).Format(time.RFC3339)
}

// Append assigns the next sequence number and durably stores e. It fails
// only on a durable-storage error.
func (l *Log) Append(ctx context.Context, e model.Event) (model.Event, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return model.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := l.conn.ExecContext(ctx,
		`INSERT INTO events (task_id, type, agent, story_id, epic_id, payload, timestamp, dedupe_window)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		e.TaskID, e.Type, e.Agent, e.StoryID, e.EpicID, string(payload), e.Timestamp.Format(time.RFC3339))
	if err != nil {
		return model.Event{}, fmt.Errorf("append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return model.Event{}, fmt.Errorf("read inserted sequence: %w", err)
	}
	e.Sequence = seq
	return e, nil
}

// SafeAppend is the idempotent variant of Append: if an event with the
// same (task, type, storyId, epicId) was appended within the current
// dedupe window, the new append is suppressed and the existing event is
// returned — still considered success.
func (l *Log) SafeAppend(ctx context.Context, e model.Event) (model.Event, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	window := dedupeWindowBucket(e.Timestamp)

	var existingSeq int64
	err := l.conn.QueryRowContext(ctx,
		`SELECT sequence FROM events WHERE task_id=? AND type=? AND story_id=? AND epic_id=? AND dedupe_window=? LIMIT 1`,
		e.TaskID, e.Type, e.StoryID, e.EpicID, window,
	).Scan(&existingSeq)
	if err == nil {
		e.Sequence = existingSeq
		return e, nil
	}
	if err != sql.ErrNoRows {
		return model.Event{}, fmt.Errorf("check dedupe window: %w", err)
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return model.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := l.conn.ExecContext(ctx,
		`INSERT INTO events (task_id, type, agent, story_id, epic_id, payload, timestamp, dedupe_window)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.Type, e.Agent, e.StoryID, e.EpicID, string(payload), e.Timestamp.Format(time.RFC3339), window)
	if err != nil {
		return model.Event{}, fmt.Errorf("safe append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return model.Event{}, fmt.Errorf("read inserted sequence: %w", err)
	}
	e.Sequence = seq
	return e, nil
}

// events returns every event for a task in sequence order.
func (l *Log) events(ctx context.Context, taskID string) ([]model.Event, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT sequence, task_id, type, agent, story_id, epic_id, payload, timestamp
		 FROM events WHERE task_id = ? ORDER BY sequence ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var payload, ts string
		if err := rows.Scan(&e.Sequence, &e.TaskID, &e.Type, &e.Agent, &e.StoryID, &e.EpicID, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for seq %d: %w", e.Sequence, err)
		}
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			e.Timestamp = parsed
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetCurrentState folds all events for a task into a snapshot. This is
// the deterministic-replay contract: the same event prefix always
// produces the same state.
func (l *Log) GetCurrentState(ctx context.Context, taskID string) (pipectx.TaskState, error) {
	evs, err := l.events(ctx, taskID)
	if err != nil {
		return pipectx.TaskState{}, err
	}

	state := pipectx.TaskState{
		Epics:             make(map[string]model.Epic),
		Stories:           make(map[string]model.Story),
		EnvironmentConfig: make(map[string]string),
	}

	for _, e := range evs {
		switch e.Type {
		case model.EventEpicCreated:
			epic := model.Epic{ID: e.EpicID}
			if name, ok := e.Payload["name"].(string); ok {
				epic.Name = name
			}
			if repo, ok := e.Payload["repository"].(string); ok {
				epic.Repository = repo
			}
			if branch, ok := e.Payload["branch"].(string); ok {
				epic.Branch = branch
			}
			epic.TaskID = taskID
			state.Epics[e.EpicID] = epic
		case model.EventStoryCreated:
			story := model.Story{ID: e.StoryID, EpicID: e.EpicID, Status: model.StatusNotStarted}
			if title, ok := e.Payload["title"].(string); ok {
				story.Title = title
			}
			if branch, ok := e.Payload["branch"].(string); ok {
				story.Branch = branch
			}
			state.Stories[e.StoryID] = story
			if epic, ok := state.Epics[e.EpicID]; ok {
				epic.StoryIDs = append(epic.StoryIDs, e.StoryID)
				state.Epics[e.EpicID] = epic
			}
		case model.EventDeveloperStarted:
			if s, ok := state.Stories[e.StoryID]; ok {
				s.Status = model.StatusCodeGenerating
				state.Stories[e.StoryID] = s
			}
		case model.EventStoryCompleted:
			if s, ok := state.Stories[e.StoryID]; ok {
				s.Status = model.StatusCompleted
				state.Stories[e.StoryID] = s
			}
		case model.EventStoryFailed:
			if s, ok := state.Stories[e.StoryID]; ok {
				if reason, _ := e.Payload["category"].(string); reason == model.CategoryJudgeRejected {
					s.Status = model.StatusRejected
				} else {
					s.Status = model.StatusFailed
				}
				state.Stories[e.StoryID] = s
			}
		case model.EventDevelopersCompleted:
			now := e.Timestamp
			state.DevelopersCompletedAt = &now
		}
	}
	return state, nil
}

// ValidateState returns a list of structural invariant violations found
// by folding the log: every StoryCreated must reference a known epic,
// and story ids must be unique. Append does not enforce uniqueness (the
// events table has no constraint on story id), so a duplicate
// StoryCreated is only reported here.
func (l *Log) ValidateState(ctx context.Context, taskID string) []string {
	evs, err := l.events(ctx, taskID)
	if err != nil {
		return []string{fmt.Sprintf("read events: %v", err)}
	}

	var problems []string
	knownEpics := make(map[string]bool)
	seenStories := make(map[string]int)

	for _, e := range evs {
		switch e.Type {
		case model.EventEpicCreated:
			knownEpics[e.EpicID] = true
		case model.EventStoryCreated:
			seenStories[e.StoryID]++
			if !knownEpics[e.EpicID] {
				problems = append(problems, fmt.Sprintf("story %q created under unknown epic %q", e.StoryID, e.EpicID))
			}
		}
	}
	for id, count := range seenStories {
		if count > 1 {
			problems = append(problems, fmt.Sprintf("story %q created %d times", id, count))
		}
	}
	return problems
}

// RemoteVerifier checks whether a commit is actually reachable on the
// remote. gitgw.Gateway satisfies this structurally via its
// VerifyCommitOnRemote method.
type RemoteVerifier interface {
	VerifyCommitOnRemote(ctx context.Context, repoPath, sha string) bool
}

// SetRemoteVerifier wires the Git Gateway VerifyStoryPush uses to actually
// check the remote. Kept on Log (rather than required by Open) because a
// handful of tests construct a Log with no git collaborator at all.
func (l *Log) SetRemoteVerifier(v RemoteVerifier) {
	l.remoteVerifier = v
}

// VerifyStoryPush is a best-effort, non-blocking confirmation that sha
// actually reached the remote for repoPath/branch. With no RemoteVerifier
// configured it records that verification was requested but not
// performed, and returns false rather than claiming success it never
// checked. "Was a push verification attempted/confirmed" is itself part
// of the replayable history of a story, which is why this lives on the
// Event Log rather than purely on the Git Gateway.
func (l *Log) VerifyStoryPush(ctx context.Context, taskID, storyID, branch, sha, repoPath string) bool {
	confirmed := false
	if l.remoteVerifier != nil {
		confirmed = l.remoteVerifier.VerifyCommitOnRemote(ctx, repoPath, sha)
	}
	_, _ = l.SafeAppend(ctx, model.Event{
		TaskID:  taskID,
		Type:    "StoryPushVerificationRequested",
		StoryID: storyID,
		Payload: map[string]any{"branch": branch, "sha": sha, "repo_path": repoPath, "confirmed": confirmed},
	})
	return confirmed
}
