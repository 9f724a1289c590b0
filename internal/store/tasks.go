package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/myme/internal/models"
	"github.com/google/uuid"
)

const taskColumns = `local_id, project_id, repo_id, title, body, status,
	remote_ref_provider, remote_ref_id, remote_ref_number, remote_ref_url,
	dirty, conflict, conflict_remote_at, orphaned, remote_updated_at,
	local_updated_at, created_at, rev`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                                  models.Task
		repoID, refProvider, refID, refURL sql.NullString
		refNumber                          sql.NullInt64
		dirty, conflict, orphaned          int
		conflictAt, remoteAt               sql.NullTime
	)
	err := row.Scan(&t.LocalID, &t.ProjectID, &repoID, &t.Title, &t.Body, &t.Status,
		&refProvider, &refID, &refNumber, &refURL,
		&dirty, &conflict, &conflictAt, &orphaned, &remoteAt,
		&t.LocalUpdatedAt, &t.CreatedAt, &t.Rev)
	if err != nil {
		return nil, err
	}

	t.RepoID = repoID.String
	if refProvider.Valid && refID.Valid {
		t.RemoteRef = &models.RemoteRef{
			Provider:   refProvider.String,
			ExternalID: refID.String,
			Number:     int(refNumber.Int64),
			URL:        refURL.String,
		}
	}
	t.Dirty = dirty != 0
	t.Conflict = conflict != 0
	t.Orphaned = orphaned != 0
	if conflictAt.Valid {
		ts := conflictAt.Time.UTC()
		t.ConflictRemoteAt = &ts
	}
	if remoteAt.Valid {
		ts := remoteAt.Time.UTC()
		t.RemoteUpdatedAt = &ts
	}
	t.LocalUpdatedAt = t.LocalUpdatedAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// refArgs flattens an optional remote ref into its four columns.
func refArgs(ref *models.RemoteRef) []any {
	if ref == nil {
		return []any{nil, nil, nil, nil}
	}
	return []any{ref.Provider, ref.ExternalID, ref.Number, nullString(ref.URL)}
}

// --- Task Operations ---

// CreateTask inserts a new task. LocalID, CreatedAt and LocalUpdatedAt are
// assigned when empty.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	now := time.Now().UTC()
	if t.LocalID == "" {
		t.LocalID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.LocalUpdatedAt.IsZero() {
		t.LocalUpdatedAt = now
	}
	if t.Status == "" {
		t.Status = models.TaskStatusTodo
	}

	return insertTask(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, db execer, t *models.Task) error {
	args := []any{t.LocalID, t.ProjectID, nullString(t.RepoID), t.Title, t.Body, t.Status}
	args = append(args, refArgs(t.RemoteRef)...)
	args = append(args,
		boolInt(t.Dirty), boolInt(t.Conflict), nullTime(t.ConflictRemoteAt), boolInt(t.Orphaned),
		nullTime(t.RemoteUpdatedAt), t.LocalUpdatedAt.UTC(), t.CreatedAt.UTC(), t.Rev,
	)
	_, err := db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by local id. It returns nil, nil when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE local_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	ProjectID    string
	RepoID       string
	Status       models.TaskStatus
	ConflictOnly bool
}

// ListTasks returns tasks ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.RepoID != "" {
		where = append(where, "repo_id = ?")
		args = append(args, f.RepoID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ConflictOnly {
		where = append(where, "conflict = 1")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, local_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// TaskEdit is a partial local edit. Nil fields are left unchanged.
type TaskEdit struct {
	Title  *string
	Body   *string
	Status *models.TaskStatus
}

// EditTask applies a local edit, marks the task dirty and returns the result.
func (s *Store) EditTask(ctx context.Context, id string, edit TaskEdit) (*models.Task, error) {
	sets := []string{"dirty = 1", "local_updated_at = ?", "rev = rev + 1"}
	args := []any{time.Now().UTC()}
	if edit.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *edit.Title)
	}
	if edit.Body != nil {
		sets = append(sets, "body = ?")
		args = append(args, *edit.Body)
	}
	if edit.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *edit.Status)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE local_id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return nil, ErrTaskNotFound
	}
	return s.GetTask(ctx, id)
}

// DeleteTask removes a task. This is the only way a task leaves the store.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE local_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SaveResult reports which tasks a SaveTasks call wrote.
type SaveResult struct {
	Written int
	// Stale lists local ids skipped because they changed after the caller
	// read them, or remote items already mirrored by another task.
	Stale []string
}

// SaveTasks writes complete task rows in one transaction. Existing rows are
// only overwritten when their rev still equals the rev the caller read, so a
// local edit made while a sync pass was running is never lost. Rows that do
// not exist yet are inserted.
func (s *Store) SaveTasks(ctx context.Context, tasks []models.Task) (SaveResult, error) {
	var result SaveResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range tasks {
		t := &tasks[i]

		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE local_id = ?)`, t.LocalID).Scan(&exists); err != nil {
			return result, fmt.Errorf("check task: %w", err)
		}

		if !exists {
			if t.RemoteRef != nil {
				var mirrored bool
				if err := tx.QueryRowContext(ctx,
					`SELECT EXISTS(SELECT 1 FROM tasks WHERE remote_ref_provider = ? AND remote_ref_id = ?)`,
					t.RemoteRef.Provider, t.RemoteRef.ExternalID,
				).Scan(&mirrored); err != nil {
					return result, fmt.Errorf("check remote ref: %w", err)
				}
				if mirrored {
					result.Stale = append(result.Stale, t.LocalID)
					continue
				}
			}
			if err := insertTask(ctx, tx, t); err != nil {
				return result, err
			}
			result.Written++
			continue
		}

		args := []any{nullString(t.RepoID), t.Title, t.Body, t.Status}
		args = append(args, refArgs(t.RemoteRef)...)
		args = append(args,
			boolInt(t.Dirty), boolInt(t.Conflict), nullTime(t.ConflictRemoteAt), boolInt(t.Orphaned),
			nullTime(t.RemoteUpdatedAt), t.LocalUpdatedAt.UTC(), t.LocalID, t.Rev,
		)
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET repo_id = ?, title = ?, body = ?, status = ?,
				remote_ref_provider = ?, remote_ref_id = ?, remote_ref_number = ?, remote_ref_url = ?,
				dirty = ?, conflict = ?, conflict_remote_at = ?, orphaned = ?, remote_updated_at = ?,
				local_updated_at = ?, rev = rev + 1
			WHERE local_id = ? AND rev = ?`,
			args...,
		)
		if err != nil {
			return result, fmt.Errorf("save task %s: %w", t.LocalID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			result.Stale = append(result.Stale, t.LocalID)
			continue
		}
		result.Written++
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit transaction: %w", err)
	}
	return result, nil
}

// MarkPushed records the outcome of pushing a task to its provider. The remote
// ref and timestamp are always stored so the task is never pushed twice as a
// new item; dirty is cleared only when the task is unchanged since rev.
func (s *Store) MarkPushed(ctx context.Context, id string, rev int64, ref models.RemoteRef, remoteUpdatedAt time.Time) (*models.Task, error) {
	remoteAt := remoteUpdatedAt.UTC()
	args := append(refArgs(&ref), remoteAt, rev, rev, remoteAt, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			remote_ref_provider = ?, remote_ref_id = ?, remote_ref_number = ?, remote_ref_url = ?,
			remote_updated_at = ?,
			dirty = CASE WHEN rev = ? THEN 0 ELSE dirty END,
			local_updated_at = CASE WHEN rev = ? THEN ? ELSE local_updated_at END,
			conflict = 0, conflict_remote_at = NULL, orphaned = 0,
			rev = rev + 1
		WHERE local_id = ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("mark pushed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return nil, ErrTaskNotFound
	}
	return s.GetTask(ctx, id)
}
