package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/conveyor/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// terminalStatuses is the SQL list used by the terminal-state guard.
var terminalStatuses = func() string {
	quoted := make([]string, 0, 4)
	for _, s := range []engine.ExecutionStatus{engine.StatusSuccess, engine.StatusFailed, engine.StatusCancelled, engine.StatusTimeout} {
		quoted = append(quoted, "'"+string(s)+"'")
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}()

// SQLiteStore persists pipelines, CI tools, executions, step executions and
// events in SQLite. It implements engine.RecordStore and engine.PipelineSource.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var (
	_ engine.RecordStore    = (*SQLiteStore)(nil)
	_ engine.PipelineSource = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// SavePipeline inserts or replaces a pipeline and its steps.
func (s *SQLiteStore) SavePipeline(ctx context.Context, p *engine.PipelineRecord, steps []engine.StepRecord) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	env, err := encodeJSON(p.Environment)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline environment: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, environment, timeout_seconds, execution_mode, tool, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			environment = excluded.environment,
			timeout_seconds = excluded.timeout_seconds,
			execution_mode = excluded.execution_mode,
			tool = excluded.tool,
			updated_at = excluded.updated_at
	`, p.ID, p.Name, env, p.TimeoutSeconds, string(p.ExecutionMode), p.Tool, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save pipeline: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_steps WHERE pipeline_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to clear pipeline steps: %w", err)
	}

	for _, step := range steps {
		params, err := encodeJSON(step.Parameters)
		if err != nil {
			return fmt.Errorf("failed to encode parameters of step %s: %w", step.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pipeline_steps (id, pipeline_id, name, type, parameters, step_order, parallel_group, timeout_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, step.ID, p.ID, step.Name, step.Type, params, step.Order, step.ParallelGroup, step.TimeoutSeconds)
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", step.ID, err)
		}
	}

	return tx.Commit()
}

const pipelineColumns = `id, name, environment, timeout_seconds, execution_mode, tool, created_at, updated_at`

func scanPipeline(row interface{ Scan(...interface{}) error }) (*engine.PipelineRecord, error) {
	var (
		p                    engine.PipelineRecord
		env, mode            string
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &env, &p.TimeoutSeconds, &mode, &p.Tool, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.ExecutionMode = engine.ExecutionMode(mode)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	if err := decodeJSON(env, &p.Environment); err != nil {
		return nil, fmt.Errorf("failed to decode environment of pipeline %s: %w", p.ID, err)
	}
	return &p, nil
}

// GetPipeline implements engine.PipelineSource.
func (s *SQLiteStore) GetPipeline(ctx context.Context, pipelineID string) (*engine.PipelineRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, pipelineID)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %s: %w", pipelineID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return p, nil
}

// ListPipelines returns all pipelines ordered by name.
func (s *SQLiteStore) ListPipelines(ctx context.Context) ([]engine.PipelineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	out := []engine.PipelineRecord{}
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pipelines: %w", err)
	}
	return out, nil
}

// ListPipelineSteps implements engine.PipelineSource. Steps are returned in
// insertion order; the engine sorts them by their order field.
func (s *SQLiteStore) ListPipelineSteps(ctx context.Context, pipelineID string) ([]engine.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, name, type, parameters, step_order, parallel_group, timeout_seconds
		FROM pipeline_steps
		WHERE pipeline_id = ?
		ORDER BY rowid
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline steps: %w", err)
	}
	defer rows.Close()

	out := []engine.StepRecord{}
	for rows.Next() {
		var (
			step   engine.StepRecord
			params string
		)
		if err := rows.Scan(&step.ID, &step.PipelineID, &step.Name, &step.Type, &params,
			&step.Order, &step.ParallelGroup, &step.TimeoutSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline step: %w", err)
		}
		if err := decodeJSON(params, &step.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode parameters of step %s: %w", step.ID, err)
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pipeline steps: %w", err)
	}
	return out, nil
}

// SaveCITool inserts or replaces a CI tool configuration.
func (s *SQLiteStore) SaveCITool(ctx context.Context, cfg *engine.CIToolConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ci_tools (name, type, base_url, username, token, remediation_attempts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			type = excluded.type,
			base_url = excluded.base_url,
			username = excluded.username,
			token = excluded.token,
			remediation_attempts = excluded.remediation_attempts
	`, cfg.Name, cfg.Type, cfg.BaseURL, cfg.Username, cfg.Token, cfg.RemediationAttempts)
	if err != nil {
		return fmt.Errorf("failed to save ci tool: %w", err)
	}
	return nil
}

// GetCITool implements engine.PipelineSource.
func (s *SQLiteStore) GetCITool(ctx context.Context, name string) (*engine.CIToolConfig, error) {
	var cfg engine.CIToolConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT name, type, base_url, username, token, remediation_attempts
		FROM ci_tools WHERE name = ?
	`, name).Scan(&cfg.Name, &cfg.Type, &cfg.BaseURL, &cfg.Username, &cfg.Token, &cfg.RemediationAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ci tool %s: %w", name, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ci tool: %w", err)
	}
	return &cfg, nil
}

const executionColumns = `id, pipeline_id, pipeline_name, status, mode, external_id, started_at, completed_at, logs, error_message, created_at, updated_at`

func scanExecution(row interface{ Scan(...interface{}) error }) (*engine.ExecutionRecord, error) {
	var (
		rec                    engine.ExecutionRecord
		status, mode           string
		startedAt, completedAt sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(&rec.ID, &rec.PipelineID, &rec.PipelineName, &status, &mode, &rec.ExternalID,
		&startedAt, &completedAt, &rec.Logs, &rec.ErrorMessage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = engine.ExecutionStatus(status)
	rec.Mode = engine.ExecutionMode(mode)
	rec.StartedAt = parseNullTime(startedAt)
	rec.CompletedAt = parseNullTime(completedAt)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// CreateExecution implements engine.RecordStore.
func (s *SQLiteStore) CreateExecution(ctx context.Context, rec *engine.ExecutionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = engine.StatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.PipelineID, rec.PipelineName, string(rec.Status), string(rec.Mode), rec.ExternalID,
		formatNullTime(rec.StartedAt), formatNullTime(rec.CompletedAt), rec.Logs, rec.ErrorMessage,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution implements engine.RecordStore.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*engine.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, executionID)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return rec, nil
}

// ListExecutions implements engine.RecordStore, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit int) ([]engine.ExecutionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	out := []engine.ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

// UpdateExecutionStatus implements engine.RecordStore. The update only
// applies to non-terminal rows; a terminal row yields engine.ErrAlreadyTerminal.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, executionID string, status engine.ExecutionStatus, errorMessage string) error {
	if err := status.Validate(); err != nil {
		return err
	}
	now := formatTime(time.Now().UTC())

	var completedAt interface{}
	if status.IsTerminal() {
		completedAt = now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?,
			error_message = ?,
			updated_at = ?,
			started_at = CASE WHEN started_at IS NULL AND ? = 'running' THEN ? ELSE started_at END,
			completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		string(status), errorMessage, now, string(status), now, completedAt, executionID)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	return s.checkGuarded(ctx, result, executionID)
}

// checkGuarded tells a missing execution apart from a terminal one when a
// guarded update touched no row.
func (s *SQLiteStore) checkGuarded(ctx context.Context, result sql.Result, executionID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, executionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %s: %w", executionID, engine.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get execution status: %w", err)
	}
	return fmt.Errorf("execution %s is %s: %w", executionID, status, engine.ErrAlreadyTerminal)
}

func (s *SQLiteStore) updateExecutionField(ctx context.Context, executionID, assignment string, value interface{}) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+assignment+`, updated_at = ? WHERE id = ?`,
		value, formatTime(time.Now().UTC()), executionID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("execution %s: %w", executionID, engine.ErrNotFound)
	}
	return nil
}

// SetExecutionMode implements engine.RecordStore.
func (s *SQLiteStore) SetExecutionMode(ctx context.Context, executionID string, mode engine.ExecutionMode) error {
	return s.updateExecutionField(ctx, executionID, "mode = ?", string(mode))
}

// SetExternalID implements engine.RecordStore.
func (s *SQLiteStore) SetExternalID(ctx context.Context, executionID, externalID string) error {
	return s.updateExecutionField(ctx, executionID, "external_id = ?", externalID)
}

// AppendExecutionLogs implements engine.RecordStore.
func (s *SQLiteStore) AppendExecutionLogs(ctx context.Context, executionID, logs string) error {
	if logs == "" {
		return nil
	}
	return s.updateExecutionField(ctx, executionID, "logs = logs || ?", logs)
}

// CreateStepExecution implements engine.RecordStore.
func (s *SQLiteStore) CreateStepExecution(ctx context.Context, rec *engine.StepExecutionRecord) error {
	if rec.Status == "" {
		rec.Status = engine.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_executions (id, execution_id, step_id, step_name, status, started_at, completed_at, logs, error_message, attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ExecutionID, rec.StepID, rec.StepName, string(rec.Status),
		formatNullTime(rec.StartedAt), formatNullTime(rec.CompletedAt), rec.Logs, rec.ErrorMessage, rec.Attempt)
	if err != nil {
		return fmt.Errorf("failed to create step execution: %w", err)
	}
	return nil
}

// UpdateStepExecution implements engine.RecordStore.
func (s *SQLiteStore) UpdateStepExecution(ctx context.Context, rec *engine.StepExecutionRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE step_executions
		SET step_name = ?, status = ?, started_at = ?, completed_at = ?, logs = ?, error_message = ?, attempt = ?
		WHERE id = ?
	`, rec.StepName, string(rec.Status), formatNullTime(rec.StartedAt), formatNullTime(rec.CompletedAt),
		rec.Logs, rec.ErrorMessage, rec.Attempt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update step execution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("step execution %s: %w", rec.ID, engine.ErrNotFound)
	}
	return nil
}

// ListStepExecutions implements engine.RecordStore, in creation order.
func (s *SQLiteStore) ListStepExecutions(ctx context.Context, executionID string) ([]engine.StepExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, step_id, step_name, status, started_at, completed_at, logs, error_message, attempt
		FROM step_executions
		WHERE execution_id = ?
		ORDER BY rowid
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step executions: %w", err)
	}
	defer rows.Close()

	out := []engine.StepExecutionRecord{}
	for rows.Next() {
		var (
			rec                    engine.StepExecutionRecord
			status                 string
			startedAt, completedAt sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.StepID, &rec.StepName, &status,
			&startedAt, &completedAt, &rec.Logs, &rec.ErrorMessage, &rec.Attempt); err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}
		rec.Status = engine.ExecutionStatus(status)
		rec.StartedAt = parseNullTime(startedAt)
		rec.CompletedAt = parseNullTime(completedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step executions: %w", err)
	}
	return out, nil
}

// SweepStepExecutions implements engine.RecordStore. Swept rows keep an
// existing error message.
func (s *SQLiteStore) SweepStepExecutions(ctx context.Context, executionID string, from []engine.ExecutionStatus, to engine.ExecutionStatus, message string) (int, error) {
	if len(from) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []interface{}{string(to), message, formatTime(time.Now().UTC()), executionID}
	for _, st := range from {
		args = append(args, string(st))
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE step_executions
		SET status = ?,
			error_message = CASE WHEN error_message = '' THEN ? ELSE error_message END,
			completed_at = COALESCE(completed_at, ?)
		WHERE execution_id = ? AND status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep step executions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// AppendEvent implements engine.RecordStore.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}
	data, err := encodeJSON(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, timestamp, execution_id, step_id, message, level, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, string(event.Type), formatTime(event.Timestamp), event.ExecutionID,
		event.StepID, event.Message, event.Level, data)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the timeline of an execution, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, executionID string, limit int) ([]engine.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, timestamp, execution_id, step_id, message, level, data
		FROM events
		WHERE execution_id = ?
		ORDER BY rowid
		LIMIT ?
	`, executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := []engine.Event{}
	for rows.Next() {
		var (
			ev            engine.Event
			typ, ts, data string
		)
		if err := rows.Scan(&ev.ID, &typ, &ts, &ev.ExecutionID, &ev.StepID, &ev.Message, &ev.Level, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = engine.EventType(typ)
		ev.Timestamp = parseTime(ts)
		if err := decodeJSON(data, &ev.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}
