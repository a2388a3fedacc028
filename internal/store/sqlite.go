package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/quill/internal/pipeline"
	"github.com/mattjoyce/quill/internal/template"
)

// SQLite is the durable repository. The schema is created by
// storage.BootstrapSQLite.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// SaveRun upserts the run and all of its step executions in one transaction.
func (s *SQLite) SaveRun(ctx context.Context, run pipeline.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var retriedFrom any
	if run.RetriedFrom != "" {
		retriedFrom = run.RetriedFrom
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO pipeline_runs(
  id, template_id, template_version, inputs, status, retried_from,
  created_at, started_at, completed_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  started_at = excluded.started_at,
  completed_at = excluded.completed_at,
  updated_at = excluded.updated_at;
`, run.ID, run.TemplateID, run.TemplateVersion, string(inputs), run.Status, retriedFrom,
		formatTime(run.CreatedAt), formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt),
		formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO step_executions(
  run_id, step_id, position, status, prompt, output, error, model, attempts, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, step_id) DO UPDATE SET
  status = excluded.status,
  prompt = excluded.prompt,
  output = excluded.output,
  error = excluded.error,
  model = excluded.model,
  attempts = excluded.attempts,
  started_at = excluded.started_at,
  completed_at = excluded.completed_at;
`)
	if err != nil {
		return fmt.Errorf("prepare step upsert: %w", err)
	}
	defer stmt.Close()

	for pos, id := range run.Order {
		st, ok := run.Steps[id]
		if !ok {
			continue
		}
		if _, err := stmt.ExecContext(ctx, run.ID, id, pos, st.Status, st.Prompt, st.Output, st.Error,
			st.Model, st.Attempts, formatTimePtr(st.StartedAt), formatTimePtr(st.CompletedAt)); err != nil {
			return fmt.Errorf("upsert step %s/%s: %w", run.ID, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.ID, err)
	}
	return nil
}

// FindRun loads a run with its steps.
func (s *SQLite) FindRun(ctx context.Context, id string) (pipeline.Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, template_id, template_version, inputs, status, retried_from, created_at, started_at, completed_at
FROM pipeline_runs
WHERE id = ?;
`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return pipeline.Run{}, fmt.Errorf("find run %s: %w", id, err)
	}
	if err := s.loadSteps(ctx, &run); err != nil {
		return pipeline.Run{}, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, template_id, template_version, inputs, status, retried_from, created_at, started_at, completed_at
FROM pipeline_runs
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	rows.Close()

	for i := range runs {
		if err := s.loadSteps(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (pipeline.Run, error) {
	var (
		run          pipeline.Run
		inputs       string
		status       string
		retriedFrom  sql.NullString
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
	)
	if err := row.Scan(&run.ID, &run.TemplateID, &run.TemplateVersion, &inputs, &status, &retriedFrom,
		&createdAtS, &startedAtS, &completedAtS); err != nil {
		return pipeline.Run{}, err
	}

	run.Status = pipeline.RunStatus(status)
	run.RetriedFrom = retriedFrom.String
	if err := json.Unmarshal([]byte(inputs), &run.Inputs); err != nil {
		return pipeline.Run{}, fmt.Errorf("decode inputs of run %s: %w", run.ID, err)
	}
	if run.Inputs == nil {
		run.Inputs = map[string]any{}
	}

	var err error
	if run.CreatedAt, err = parseTime(createdAtS); err != nil {
		return pipeline.Run{}, err
	}
	if run.StartedAt, err = parseNullTime(startedAtS); err != nil {
		return pipeline.Run{}, err
	}
	if run.CompletedAt, err = parseNullTime(completedAtS); err != nil {
		return pipeline.Run{}, err
	}
	return run, nil
}

func (s *SQLite) loadSteps(ctx context.Context, run *pipeline.Run) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT step_id, status, prompt, output, error, model, attempts, started_at, completed_at
FROM step_executions
WHERE run_id = ?
ORDER BY position ASC;
`, run.ID)
	if err != nil {
		return fmt.Errorf("load steps of run %s: %w", run.ID, err)
	}
	defer rows.Close()

	run.Steps = map[string]*pipeline.StepExecution{}
	run.Order = nil
	for rows.Next() {
		var (
			st                    pipeline.StepExecution
			status                string
			prompt, output, msg   sql.NullString
			model                 sql.NullString
			startedAtS, completed sql.NullString
		)
		if err := rows.Scan(&st.StepID, &status, &prompt, &output, &msg, &model, &st.Attempts, &startedAtS, &completed); err != nil {
			return fmt.Errorf("scan step of run %s: %w", run.ID, err)
		}
		st.Status = pipeline.StepStatus(status)
		st.Prompt = prompt.String
		st.Output = output.String
		st.Error = msg.String
		st.Model = model.String
		if st.StartedAt, err = parseNullTime(startedAtS); err != nil {
			return err
		}
		if st.CompletedAt, err = parseNullTime(completed); err != nil {
			return err
		}
		run.Order = append(run.Order, st.StepID)
		run.Steps[st.StepID] = &st
	}
	return rows.Err()
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTemplate stores an immutable template version. Saving the same
// definition again is a no-op.
func (s *SQLite) SaveTemplate(ctx context.Context, tmpl *template.Template) error {
	if tmpl.ID == "" || tmpl.Version == "" {
		return fmt.Errorf("template id and version are required")
	}
	body, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("marshal template %s: %w", tmpl.Key(), err)
	}

	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT fingerprint FROM templates WHERE id = ? AND version = ?;`,
		tmpl.ID, tmpl.Version).Scan(&existing)
	switch {
	case err == nil:
		if existing != tmpl.Fingerprint {
			return fmt.Errorf("%w: %s", ErrTemplateConflict, tmpl.Key())
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check template %s: %w", tmpl.Key(), err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO templates(id, version, name, fingerprint, body, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, tmpl.ID, tmpl.Version, tmpl.Name, tmpl.Fingerprint, string(body), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert template %s: %w", tmpl.Key(), err)
	}
	return nil
}

// FindTemplate resolves "id" to the most recently saved version, or
// "id@version" to that exact version.
func (s *SQLite) FindTemplate(ctx context.Context, ref string) (*template.Template, error) {
	id, version := TemplateRef(ref)

	var row *sql.Row
	if version != "" {
		row = s.db.QueryRowContext(ctx, `SELECT body FROM templates WHERE id = ? AND version = ?;`, id, version)
	} else {
		row = s.db.QueryRowContext(ctx, `
SELECT body FROM templates
WHERE id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT 1;
`, id)
	}

	var body string
	err := row.Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("find template %s: %w", ref, err)
	}
	return decodeTemplate(body)
}

// ListTemplates returns the latest version of every template, sorted by ID.
func (s *SQLite) ListTemplates(ctx context.Context) ([]*template.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT t.body
FROM templates t
WHERE t.rowid = (
  SELECT t2.rowid FROM templates t2
  WHERE t2.id = t.id
  ORDER BY t2.created_at DESC, t2.rowid DESC
  LIMIT 1
)
ORDER BY t.id ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*template.Template
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		tmpl, err := decodeTemplate(body)
		if err != nil {
			return nil, err
		}
		out = append(out, tmpl)
	}
	return out, rows.Err()
}

func decodeTemplate(body string) (*template.Template, error) {
	var tmpl template.Template
	if err := json.Unmarshal([]byte(body), &tmpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return &tmpl, nil
}
