package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"localcron/internal/clock"
	"localcron/internal/domain"
)

var (
	ErrEmpty    = errors.New("no tasks ready")
	ErrNotFound = errors.New("not found")
)

// Timestamps are stored as RFC 3339 UTC text so that they compare
// lexically in SQL.
const timeLayout = time.RFC3339

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_run_at TEXT NOT NULL,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  idempotency_key TEXT,
  schedule_id TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(state, next_run_at, priority DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  finished_at TEXT NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  cron_expr TEXT NOT NULL,
  timezone TEXT NOT NULL DEFAULT '',
  task_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error)
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, err string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)

	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	UpsertSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun time.Time) error
}

type sqliteRepo struct {
	db    *sql.DB
	clock clock.Clock
}

func NewSQLiteRepo(db *sql.DB, c clock.Clock) Repository {
	return &sqliteRepo{db: db, clock: c}
}

type Lease struct{ Until time.Time }

const taskColumns = `id,type,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,schedule_id,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                         domain.Task
		payload                   []byte
		idem, scheduleID          sql.NullString
		nextRun, created, updated string
	)
	if err := row.Scan(&t.ID, &t.Type, &payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &nextRun, &t.VisibilityTimeout, &idem, &scheduleID, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Payload = payload
	if idem.Valid {
		t.IdempotencyKey = &idem.String
	}
	if scheduleID.Valid {
		t.ScheduleID = &scheduleID.String
	}
	var err error
	if t.NextRunAt, err = parseTime(nextRun); err != nil {
		return domain.Task{}, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return domain.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Enqueue inserts a queued task. A task whose idempotency key already
// exists is not inserted again; the existing id is returned instead.
func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 5
	}
	if t.VisibilityTimeout == 0 {
		t.VisibilityTimeout = 60
	}
	if t.Payload == nil {
		t.Payload = []byte("{}")
	}

	if t.IdempotencyKey != nil {
		var existingID string
		err := r.db.QueryRowContext(ctx, "SELECT id FROM tasks WHERE idempotency_key = ?", *t.IdempotencyKey).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}

	now := fmtTime(r.clock.Now())
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,type,payload,priority,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,schedule_id,created_at,updated_at)
VALUES (?,?,?,?,'queued',0,?,?,?,?,?,?,?)
`, id, t.Type, []byte(t.Payload), t.Priority, t.MaxAttempts, now, t.VisibilityTimeout, t.IdempotencyKey, t.ScheduleID, now, now)
	return id, err
}

// LeaseNext claims the highest priority due task. It returns ErrEmpty when
// nothing is due.
func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (task domain.Task, lease Lease, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE state='queued' AND next_run_at <= ?
ORDER BY priority DESC, created_at ASC
LIMIT 1
`, fmtTime(now))
	task, err = scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEmpty
		return domain.Task{}, Lease{}, err
	}
	if err != nil {
		return domain.Task{}, Lease{}, err
	}

	if _, err = tx.ExecContext(ctx, `UPDATE tasks SET state='running', updated_at=? WHERE id=?`, fmtTime(now), task.ID); err != nil {
		return domain.Task{}, Lease{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, Lease{}, err
	}
	task.State = domain.StateRunning
	return task, Lease{Until: now.Add(time.Duration(task.VisibilityTimeout) * time.Second)}, nil
}

// finish records an attempt and applies the state change in one transaction.
func (r *sqliteRepo) finish(ctx context.Context, id string, success bool, errStr, update string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(r.clock.Now())
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,?,?,?)`, id, success, errStr, now); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, update, append(args, now, id)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	return r.finish(ctx, id, false, errStr, `
UPDATE tasks
SET state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    attempts = attempts + 1,
    next_run_at = ?,
    updated_at = ?
WHERE id = ?`, fmtTime(r.clock.Now().Add(delay)))
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	return r.finish(ctx, id, true, "", `UPDATE tasks SET state='succeeded', attempts = attempts + 1, updated_at=? WHERE id=?`)
}

// Fail moves the task to failed without further retries.
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	return r.finish(ctx, id, false, errStr, `UPDATE tasks SET state='failed', attempts = attempts + 1, updated_at=? WHERE id=?`)
}

// RecoverStale requeues running tasks whose lease has expired.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state='queued', next_run_at=?1, updated_at=?1
WHERE state='running' AND strftime('%s', ?1) - strftime('%s', updated_at) > visibility_timeout`, fmtTime(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

const scheduleColumns = `id,name,cron_expr,timezone,task_type,payload,priority,max_attempts,enabled,last_run,created_at,updated_at`

func scanSchedule(row scanner) (domain.Schedule, error) {
	var (
		s                domain.Schedule
		payload          []byte
		lastRun          sql.NullString
		created, updated string
	)
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.Timezone, &s.TaskType, &payload, &s.Priority, &s.MaxAttempts, &s.Enabled, &lastRun, &created, &updated); err != nil {
		return domain.Schedule{}, err
	}
	s.Payload = payload
	if lastRun.Valid {
		t, err := parseTime(lastRun.String)
		if err != nil {
			return domain.Schedule{}, err
		}
		s.LastRun = &t
	}
	var err error
	if s.CreatedAt, err = parseTime(created); err != nil {
		return domain.Schedule{}, err
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

func withScheduleDefaults(s domain.Schedule) domain.Schedule {
	if s.ID == "" {
		s.ID = "sch_" + uuid.NewString()
	}
	if s.Priority == 0 {
		s.Priority = 5
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 5
	}
	if s.Payload == nil {
		s.Payload = []byte("{}")
	}
	return s
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	s = withScheduleDefaults(s)
	now := fmtTime(r.clock.Now())
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,NULL,?,?)
`, s.ID, s.Name, s.CronExpr, s.Timezone, s.TaskType, []byte(s.Payload), s.Priority, s.MaxAttempts, s.Enabled, now, now)
	return s.ID, err
}

// UpsertSchedule creates the schedule or replaces its definition, keeping
// last_run and created_at of an existing row.
func (r *sqliteRepo) UpsertSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	s = withScheduleDefaults(s)
	now := fmtTime(r.clock.Now())
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,NULL,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name, cron_expr=excluded.cron_expr, timezone=excluded.timezone,
  task_type=excluded.task_type, payload=excluded.payload, priority=excluded.priority,
  max_attempts=excluded.max_attempts, enabled=excluded.enabled, updated_at=excluded.updated_at
`, s.ID, s.Name, s.CronExpr, s.Timezone, s.TaskType, []byte(s.Payload), s.Priority, s.MaxAttempts, s.Enabled, now, now)
	return s.ID, err
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	s, err := scanSchedule(r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,timezone=?,task_type=?,payload=?,priority=?,max_attempts=?,enabled=?,updated_at=?
WHERE id=?`, s.Name, s.CronExpr, s.Timezone, s.TaskType, []byte(s.Payload), s.Priority, s.MaxAttempts, s.Enabled, fmtTime(r.clock.Now()), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *sqliteRepo) UpdateScheduleLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE schedules SET last_run=?, updated_at=? WHERE id=?`, fmtTime(lastRun), fmtTime(r.clock.Now()), id)
	return err
}
