package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
)

// PostgresStore is the multi-process checkpoint backend: several
// orchestrator instances working the same task must agree on story
// progress, which a local JSON file cannot guarantee.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects to dsn and ensures the checkpoints table
// exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect checkpoint postgres: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

const createTable = `
CREATE TABLE IF NOT EXISTS story_checkpoints (
    task_id    TEXT NOT NULL,
    epic_id    TEXT NOT NULL,
    story_id   TEXT NOT NULL,
    stage      TEXT NOT NULL,
    commit_hash TEXT NOT NULL DEFAULT '',
    sdk_session_id TEXT NOT NULL DEFAULT '',
    files_modified JSONB NOT NULL DEFAULT '[]',
    files_created  JSONB NOT NULL DEFAULT '[]',
    tools_used     JSONB NOT NULL DEFAULT '[]',
    cost_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
    verdict    TEXT NOT NULL DEFAULT '',
    pr_url     TEXT NOT NULL DEFAULT '',
    extra      JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (task_id, epic_id, story_id)
);
`

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("migrate story_checkpoints: %w", err)
	}
	return nil
}

// Save upserts the checkpoint for key inside a single transaction so the
// read-modify-write of overlay fields stays atomic under concurrent
// writers racing on the same story.
func (s *PostgresStore) Save(ctx context.Context, key pipectx.CheckpointKey, stage string, extra *model.StoryProgress) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := loadTx(ctx, tx, key)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = &model.StoryProgress{TaskID: key.TaskID, EpicID: key.EpicID, StoryID: key.StoryID}
	}
	if existing.Stage != "" && !model.StageAdvanced(existing.Stage, stage) {
		return fmt.Errorf("checkpoint %s/%s/%s: stage %q does not advance from %q",
			key.TaskID, key.EpicID, key.StoryID, stage, existing.Stage)
	}
	existing.Stage = stage

	if extra != nil {
		if extra.CommitHash != "" {
			existing.CommitHash = extra.CommitHash
		}
		if extra.SDKSessionID != "" {
			existing.SDKSessionID = extra.SDKSessionID
		}
		if len(extra.FilesModified) > 0 {
			existing.FilesModified = extra.FilesModified
		}
		if len(extra.FilesCreated) > 0 {
			existing.FilesCreated = extra.FilesCreated
		}
		if len(extra.ToolsUsed) > 0 {
			existing.ToolsUsed = extra.ToolsUsed
		}
		if extra.CostUSD != 0 {
			existing.CostUSD += extra.CostUSD
		}
		if extra.Verdict != "" {
			existing.Verdict = extra.Verdict
		}
		if extra.PRURL != "" {
			existing.PRURL = extra.PRURL
		}
		for k, v := range extra.Extra {
			if existing.Extra == nil {
				existing.Extra = make(map[string]string)
			}
			existing.Extra[k] = v
		}
	}
	existing.UpdatedAt = time.Now().UTC()

	filesModified, _ := json.Marshal(existing.FilesModified)
	filesCreated, _ := json.Marshal(existing.FilesCreated)
	toolsUsed, _ := json.Marshal(existing.ToolsUsed)
	extraJSON, _ := json.Marshal(existing.Extra)

	_, err = tx.Exec(ctx, `
		INSERT INTO story_checkpoints
			(task_id, epic_id, story_id, stage, commit_hash, sdk_session_id, files_modified, files_created, tools_used, cost_usd, verdict, pr_url, extra, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (task_id, epic_id, story_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			commit_hash = EXCLUDED.commit_hash,
			sdk_session_id = EXCLUDED.sdk_session_id,
			files_modified = EXCLUDED.files_modified,
			files_created = EXCLUDED.files_created,
			tools_used = EXCLUDED.tools_used,
			cost_usd = EXCLUDED.cost_usd,
			verdict = EXCLUDED.verdict,
			pr_url = EXCLUDED.pr_url,
			extra = EXCLUDED.extra,
			updated_at = EXCLUDED.updated_at
	`,
		key.TaskID, key.EpicID, key.StoryID, existing.Stage, existing.CommitHash, existing.SDKSessionID,
		filesModified, filesCreated, toolsUsed, existing.CostUSD, existing.Verdict, existing.PRURL, extraJSON, existing.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return tx.Commit(ctx)
}

func loadTx(ctx context.Context, tx pgx.Tx, key pipectx.CheckpointKey) (*model.StoryProgress, error) {
	var p model.StoryProgress
	var filesModified, filesCreated, toolsUsed, extra []byte
	err := tx.QueryRow(ctx, `
		SELECT stage, commit_hash, sdk_session_id, files_modified, files_created, tools_used, cost_usd, verdict, pr_url, extra, updated_at
		FROM story_checkpoints WHERE task_id=$1 AND epic_id=$2 AND story_id=$3
	`, key.TaskID, key.EpicID, key.StoryID).Scan(
		&p.Stage, &p.CommitHash, &p.SDKSessionID, &filesModified, &filesCreated, &toolsUsed, &p.CostUSD, &p.Verdict, &p.PRURL, &extra, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	p.TaskID, p.EpicID, p.StoryID = key.TaskID, key.EpicID, key.StoryID
	json.Unmarshal(filesModified, &p.FilesModified)
	json.Unmarshal(filesCreated, &p.FilesCreated)
	json.Unmarshal(toolsUsed, &p.ToolsUsed)
	json.Unmarshal(extra, &p.Extra)
	return &p, nil
}

// Load returns the checkpoint for key, or nil if none exists.
func (s *PostgresStore) Load(ctx context.Context, key pipectx.CheckpointKey) (*model.StoryProgress, error) {
	var p model.StoryProgress
	var filesModified, filesCreated, toolsUsed, extra []byte
	err := s.pool.QueryRow(ctx, `
		SELECT stage, commit_hash, sdk_session_id, files_modified, files_created, tools_used, cost_usd, verdict, pr_url, extra, updated_at
		FROM story_checkpoints WHERE task_id=$1 AND epic_id=$2 AND story_id=$3
	`, key.TaskID, key.EpicID, key.StoryID).Scan(
		&p.Stage, &p.CommitHash, &p.SDKSessionID, &filesModified, &filesCreated, &toolsUsed, &p.CostUSD, &p.Verdict, &p.PRURL, &extra, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	p.TaskID, p.EpicID, p.StoryID = key.TaskID, key.EpicID, key.StoryID
	json.Unmarshal(filesModified, &p.FilesModified)
	json.Unmarshal(filesCreated, &p.FilesCreated)
	json.Unmarshal(toolsUsed, &p.ToolsUsed)
	json.Unmarshal(extra, &p.Extra)
	return &p, nil
}

// MarkCompleted records the merge-stage outcome.
func (s *PostgresStore) MarkCompleted(ctx context.Context, key pipectx.CheckpointKey, verdict, branch, prURL string) error {
	extra := &model.StoryProgress{Verdict: verdict, PRURL: prURL}
	if branch != "" {
		extra.Extra = map[string]string{"merged_branch": branch}
	}
	return s.Save(ctx, key, model.StatusCompleted, extra)
}

var _ pipectx.CheckpointStore = (*PostgresStore)(nil)
