// Package analytics performs read-side aggregation over the Event Log:
// per-task outcome, recovered-story and cost rollups, and a per-task
// failure-category histogram, for the (out-of-scope) UI layer to query.
// There are no per-epic rollups. Nothing here writes to the log.
package analytics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/storyforge/pipeline/internal/model"
)

// DB is the interface analytics queries against; eventlog.Log satisfies
// it via its Conn method.
type DB interface {
	Conn() *sql.DB
}

// TaskOutcome summarises one task's StoryCompleted/StoryFailed tally.
type TaskOutcome struct {
	TaskID             string  `json:"task_id"`
	StoriesCompleted   int     `json:"stories_completed"`
	StoriesFailed      int     `json:"stories_failed"`
	StoriesRecovered   int     `json:"stories_recovered"`
	TotalCostUSD       float64 `json:"total_cost_usd"`
}

// QueryTaskOutcomes aggregates StoryCompleted/StoryFailed events per
// task. Costs are read from the completed event's payload when present.
func QueryTaskOutcomes(db DB, since string) ([]TaskOutcome, error) {
	query := `SELECT task_id, type, payload FROM events WHERE type IN (?, ?)`
	args := []any{model.EventStoryCompleted, model.EventStoryFailed}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}

	rows, err := db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task outcomes: %w", err)
	}
	defer rows.Close()

	byTask := map[string]*TaskOutcome{}
	for rows.Next() {
		var taskID, eventType, payloadJSON string
		if err := rows.Scan(&taskID, &eventType, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan task outcome row: %w", err)
		}
		out, ok := byTask[taskID]
		if !ok {
			out = &TaskOutcome{TaskID: taskID}
			byTask[taskID] = out
		}

		var payload map[string]any
		_ = json.Unmarshal([]byte(payloadJSON), &payload)

		switch eventType {
		case model.EventStoryCompleted:
			out.StoriesCompleted++
			if cost, ok := payload["cost_usd"].(float64); ok {
				out.TotalCostUSD += cost
			}
		case model.EventStoryFailed:
			out.StoriesFailed++
		}
		if recovered, ok := payload["recovered_from_failure"].(bool); ok && recovered {
			out.StoriesRecovered++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task outcome rows: %w", err)
	}

	results := make([]TaskOutcome, 0, len(byTask))
	for _, out := range byTask {
		results = append(results, *out)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })
	return results, nil
}

// FailureCategoryCount is how often each classifier category appeared
// among a task's StoryFailed events.
type FailureCategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// QueryFailureCategoryCounts aggregates StoryFailed events by the
// classifier category recorded in their payload.
func QueryFailureCategoryCounts(db DB, taskID string) ([]FailureCategoryCount, error) {
	rows, err := db.Conn().Query(
		`SELECT payload FROM events WHERE task_id=? AND type=?`,
		taskID, model.EventStoryFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("query failure categories: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var payloadJSON string
		if err := rows.Scan(&payloadJSON); err != nil {
			return nil, fmt.Errorf("scan failure category row: %w", err)
		}
		var payload map[string]any
		_ = json.Unmarshal([]byte(payloadJSON), &payload)
		category, _ := payload["category"].(string)
		if category == "" {
			category = model.CategoryUnknown
		}
		counts[category]++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failure category rows: %w", err)
	}

	results := make([]FailureCategoryCount, 0, len(counts))
	for category, count := range counts {
		results = append(results, FailureCategoryCount{Category: category, Count: count})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Category < results[j].Category })
	return results, nil
}
