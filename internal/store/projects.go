package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/myme/internal/models"
	"github.com/google/uuid"
)

// --- Project Operations ---

// CreateProject inserts a project with its linked repos in order.
func (s *Store) CreateProject(ctx context.Context, name, description string, repoIDs []string) (*models.Project, error) {
	now := time.Now().UTC()
	p := &models.Project{
		ID:            uuid.New().String(),
		Name:          name,
		Description:   description,
		LinkedRepoIDs: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}

	seen := make(map[string]bool, len(repoIDs))
	for _, repoID := range repoIDs {
		if seen[repoID] {
			continue
		}
		seen[repoID] = true
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO project_repos (project_id, position, repo_id) VALUES (?, ?, ?)`,
			p.ID, len(p.LinkedRepoIDs), repoID,
		); err != nil {
			return nil, fmt.Errorf("insert project repo: %w", err)
		}
		p.LinkedRepoIDs = append(p.LinkedRepoIDs, repoID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by ID. It returns nil, nil when absent.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p := &models.Project{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}

	repos, err := s.linkedRepos(ctx, id)
	if err != nil {
		return nil, err
	}
	p.LinkedRepoIDs = repos
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects ORDER BY name, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}

	projects := []models.Project{}
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Single connection: the project cursor must be closed before querying repos.
	for i := range projects {
		repos, err := s.linkedRepos(ctx, projects[i].ID)
		if err != nil {
			return nil, err
		}
		projects[i].LinkedRepoIDs = repos
	}
	return projects, nil
}

// LinkRepo appends repoID to the project's linked repos.
func (s *Store) LinkRepo(ctx context.Context, projectID, repoID string) (*models.Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM projects WHERE id = ?)`, projectID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check project: %w", err)
	}
	if !exists {
		return nil, ErrProjectNotFound
	}

	var linked bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM project_repos WHERE project_id = ? AND repo_id = ?)`, projectID, repoID,
	).Scan(&linked); err != nil {
		return nil, fmt.Errorf("check project repo: %w", err)
	}
	if linked {
		return nil, ErrRepoAlreadyLinked
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO project_repos (project_id, position, repo_id)
		 VALUES (?, (SELECT COALESCE(MAX(position), -1) + 1 FROM project_repos WHERE project_id = ?), ?)`,
		projectID, projectID, repoID,
	); err != nil {
		return nil, fmt.Errorf("insert project repo: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, time.Now().UTC(), projectID); err != nil {
		return nil, fmt.Errorf("touch project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return s.GetProject(ctx, projectID)
}

func (s *Store) linkedRepos(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT repo_id FROM project_repos WHERE project_id = ? ORDER BY position`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query project repos: %w", err)
	}
	defer rows.Close()

	repos := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project repo: %w", err)
		}
		repos = append(repos, id)
	}
	return repos, rows.Err()
}
