package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/models"
)

// foreignKeyViolation is the Postgres error code raised when an
// agent_context row references a project that does not exist.
const foreignKeyViolation = "23503"

// Durable persists project contexts, projects, and conversation history
// through the connection pool. It is the write-through target of the
// context store.
type Durable struct {
	client *Client
}

func NewDurable(client *Client) *Durable {
	return &Durable{client: client}
}

// contextRow mirrors the agent_context table. JSONB columns round-trip
// through json.RawMessage so partially-populated rows stay intact.
type contextRow struct {
	ProjectName    string
	ProjectDir     string
	SandboxID      *string
	Files          []byte
	Dependencies   []byte
	BuildStatus    []byte
	ServerState    []byte
	ToolHistory    []byte
	ErrorHistory   []byte
	TaskGraph      []byte
	CompletedSteps []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LoadContext fetches the persisted context for a project. A missing row
// reports faults.NotFound so callers can distinguish "never saved" from a
// real failure.
func (d *Durable) LoadContext(ctx context.Context, projectID string) (*models.ProjectContext, error) {
	var row contextRow
	err := d.client.Pool().QueryRow(ctx, `
		SELECT project_name, project_dir, sandbox_id,
		       files, dependencies, build_status, server_state,
		       tool_history, error_history, task_graph, completed_steps,
		       created_at, updated_at
		FROM agent_context WHERE project_id = $1`, projectID).Scan(
		&row.ProjectName, &row.ProjectDir, &row.SandboxID,
		&row.Files, &row.Dependencies, &row.BuildStatus, &row.ServerState,
		&row.ToolHistory, &row.ErrorHistory, &row.TaskGraph, &row.CompletedSteps,
		&row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.NotFound("context for project %s not found", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context for project %s: %w", projectID, err)
	}
	return row.toContext(projectID)
}

func (row *contextRow) toContext(projectID string) (*models.ProjectContext, error) {
	pc := &models.ProjectContext{
		ProjectID:    projectID,
		ProjectName:  row.ProjectName,
		ProjectDir:   row.ProjectDir,
		CreatedAt:    row.CreatedAt,
		LastActivity: row.UpdatedAt,
	}
	if row.SandboxID != nil {
		pc.SandboxID = *row.SandboxID
	}
	decode := func(raw []byte, dst any, col string) error {
		if len(raw) == 0 || string(raw) == "null" {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("failed to decode %s for project %s: %w", col, projectID, err)
		}
		return nil
	}
	if err := decode(row.Files, &pc.Files, "files"); err != nil {
		return nil, err
	}
	if err := decode(row.Dependencies, &pc.Dependencies, "dependencies"); err != nil {
		return nil, err
	}
	if err := decode(row.ToolHistory, &pc.ToolHistory, "tool_history"); err != nil {
		return nil, err
	}
	if err := decode(row.ErrorHistory, &pc.ErrorHistory, "error_history"); err != nil {
		return nil, err
	}
	if err := decode(row.CompletedSteps, &pc.CompletedSteps, "completed_steps"); err != nil {
		return nil, err
	}
	if len(row.BuildStatus) > 0 && string(row.BuildStatus) != "null" {
		pc.BuildStatus = &models.BuildStatus{}
		if err := json.Unmarshal(row.BuildStatus, pc.BuildStatus); err != nil {
			return nil, fmt.Errorf("failed to decode build_status for project %s: %w", projectID, err)
		}
	}
	if len(row.ServerState) > 0 && string(row.ServerState) != "null" {
		pc.ServerState = &models.ServerState{}
		if err := json.Unmarshal(row.ServerState, pc.ServerState); err != nil {
			return nil, fmt.Errorf("failed to decode server_state for project %s: %w", projectID, err)
		}
	}
	if len(row.TaskGraph) > 0 && string(row.TaskGraph) != "null" {
		pc.TaskGraph = &models.TaskGraph{}
		if err := json.Unmarshal(row.TaskGraph, pc.TaskGraph); err != nil {
			return nil, fmt.Errorf("failed to decode task_graph for project %s: %w", projectID, err)
		}
	}
	return pc, nil
}

// SaveContext upserts the full context row. Writing a context whose project
// row does not exist reports faults.NotFound (the caller must upsert the
// project first).
func (d *Durable) SaveContext(ctx context.Context, pc *models.ProjectContext) error {
	encode := func(v any) ([]byte, error) {
		if v == nil {
			return nil, nil
		}
		return json.Marshal(v)
	}
	files, err := encode(pc.Files)
	if err != nil {
		return fmt.Errorf("failed to encode files: %w", err)
	}
	deps, err := encode(pc.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	toolHist, err := encode(pc.ToolHistory)
	if err != nil {
		return fmt.Errorf("failed to encode tool history: %w", err)
	}
	errHist, err := encode(pc.ErrorHistory)
	if err != nil {
		return fmt.Errorf("failed to encode error history: %w", err)
	}
	steps, err := encode(pc.CompletedSteps)
	if err != nil {
		return fmt.Errorf("failed to encode completed steps: %w", err)
	}
	var buildStatus, serverState, taskGraph []byte
	if pc.BuildStatus != nil {
		if buildStatus, err = json.Marshal(pc.BuildStatus); err != nil {
			return fmt.Errorf("failed to encode build status: %w", err)
		}
	}
	if pc.ServerState != nil {
		if serverState, err = json.Marshal(pc.ServerState); err != nil {
			return fmt.Errorf("failed to encode server state: %w", err)
		}
	}
	if pc.TaskGraph != nil {
		if taskGraph, err = json.Marshal(pc.TaskGraph); err != nil {
			return fmt.Errorf("failed to encode task graph: %w", err)
		}
	}
	var sandboxID *string
	if pc.SandboxID != "" {
		sandboxID = &pc.SandboxID
	}

	_, err = d.client.Pool().Exec(ctx, `
		INSERT INTO agent_context (
			project_id, project_name, project_dir, sandbox_id,
			files, dependencies, build_status, server_state,
			tool_history, error_history, task_graph, completed_steps,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (project_id) DO UPDATE SET
			project_name = EXCLUDED.project_name,
			project_dir = EXCLUDED.project_dir,
			sandbox_id = EXCLUDED.sandbox_id,
			files = EXCLUDED.files,
			dependencies = EXCLUDED.dependencies,
			build_status = EXCLUDED.build_status,
			server_state = EXCLUDED.server_state,
			tool_history = EXCLUDED.tool_history,
			error_history = EXCLUDED.error_history,
			task_graph = EXCLUDED.task_graph,
			completed_steps = EXCLUDED.completed_steps,
			updated_at = NOW()`,
		pc.ProjectID, pc.ProjectName, pc.ProjectDir, sandboxID,
		files, deps, buildStatus, serverState,
		toolHist, errHist, taskGraph, steps, pc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return faults.NotFound("project %s does not exist", pc.ProjectID)
		}
		return fmt.Errorf("failed to save context for project %s: %w", pc.ProjectID, err)
	}
	return nil
}

// ProjectExists reports whether a projects row exists for the given ID.
func (d *Durable) ProjectExists(ctx context.Context, projectID string) (bool, error) {
	var exists bool
	err := d.client.Pool().QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM projects WHERE id = $1)`, projectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check project %s: %w", projectID, err)
	}
	return exists, nil
}

// UpsertProject creates the project row if missing. An existing row keeps
// its name unless a non-empty name is supplied.
func (d *Durable) UpsertProject(ctx context.Context, projectID, name string) error {
	query := `
		INSERT INTO projects (id, name) VALUES ($1, COALESCE(NULLIF($2, ''), 'Untitled Project'))
		ON CONFLICT (id) DO UPDATE SET
			name = CASE WHEN $2 = '' THEN projects.name ELSE $2 END,
			updated_at = NOW()`
	if _, err := d.client.Pool().Exec(ctx, query, projectID, name); err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", projectID, err)
	}
	return nil
}

// AppendMessages saves a batch of conversation messages in order.
func (d *Durable) AppendMessages(ctx context.Context, projectID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("failed to encode message parts: %w", err)
		}
		batch.Queue(`
			INSERT INTO messages (id, project_id, role, content, parts, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, parts = EXCLUDED.parts`,
			m.ID, projectID, m.Role, m.Content, parts, m.CreatedAt)
	}
	results := d.client.Pool().SendBatch(ctx, batch)
	defer results.Close()
	for range msgs {
		if _, err := results.Exec(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
				return faults.NotFound("project %s does not exist", projectID)
			}
			return fmt.Errorf("failed to save messages for project %s: %w", projectID, err)
		}
	}
	return nil
}

// ListMessages returns the conversation history for a project, oldest first.
func (d *Durable) ListMessages(ctx context.Context, projectID string) ([]models.Message, error) {
	rows, err := d.client.Pool().Query(ctx, `
		SELECT id, role, content, parts, created_at
		FROM messages WHERE project_id = $1
		ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var parts []byte
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &parts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(parts) > 0 {
			if err := json.Unmarshal(parts, &m.Parts); err != nil {
				return nil, fmt.Errorf("failed to decode message parts: %w", err)
			}
		}
		m.ProjectID = projectID
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetProjectName returns the display name for a project.
func (d *Durable) GetProjectName(ctx context.Context, projectID string) (string, error) {
	var name string
	err := d.client.Pool().QueryRow(ctx,
		`SELECT name FROM projects WHERE id = $1`, projectID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", faults.NotFound("project %s not found", projectID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get project %s: %w", projectID, err)
	}
	return name, nil
}

// ResetRunningServers clears dev-server state left over from a previous
// process. Background dev processes die with the process that spawned
// them, so rows still claiming a running server are stale; the next
// status probe re-discovers any that actually survived.
func (d *Durable) ResetRunningServers(ctx context.Context) (int64, error) {
	tag, err := d.client.Pool().Exec(ctx, `
		UPDATE agent_context
		SET server_state = NULL, updated_at = NOW()
		WHERE server_state ->> 'is_running' = 'true'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running server state: %w", err)
	}
	return tag.RowsAffected(), nil
}
