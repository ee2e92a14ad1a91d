// internal/database/entities.sql.go
package database

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"repo-pulse/internal/model"
)

const upsertProject = `
INSERT INTO projects (provider, external_id, key, name, description, connection_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (provider, external_id) DO UPDATE SET
    key = EXCLUDED.key,
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    connection_id = COALESCE(EXCLUDED.connection_id, projects.connection_id),
    updated_at = now()
RETURNING id, provider, external_id, key, name, description, connection_id`

func (q *Queries) UpsertProject(ctx context.Context, arg UpsertProjectParams) (model.Project, error) {
	row := q.db.QueryRow(ctx, upsertProject,
		arg.Provider,
		arg.ExternalID,
		arg.Key,
		arg.Name,
		arg.Description,
		arg.ConnectionID,
	)
	var p model.Project
	err := row.Scan(&p.ID, &p.Provider, &p.ExternalID, &p.Key, &p.Name, &p.Description, &p.ConnectionID)
	return p, err
}

const upsertRepository = `
INSERT INTO repositories (project_id, name, description, default_branch, is_fork, topics, repo_created_at, repo_updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (project_id, name) DO UPDATE SET
    description = EXCLUDED.description,
    default_branch = EXCLUDED.default_branch,
    is_fork = EXCLUDED.is_fork,
    topics = EXCLUDED.topics,
    repo_created_at = EXCLUDED.repo_created_at,
    repo_updated_at = EXCLUDED.repo_updated_at,
    updated_at = now()
RETURNING id, project_id, name, description, default_branch, is_fork, topics, repo_created_at, repo_updated_at`

func (q *Queries) UpsertRepository(ctx context.Context, arg UpsertRepositoryParams) (model.Repository, error) {
	topics := arg.Topics
	if topics == nil {
		topics = []string{}
	}
	row := q.db.QueryRow(ctx, upsertRepository,
		arg.ProjectID,
		arg.Name,
		arg.Description,
		arg.DefaultBranch,
		arg.IsFork,
		topics,
		nullTime(arg.CreatedAt),
		nullTime(arg.UpdatedAt),
	)
	var (
		r                model.Repository
		created, updated pgtype.Timestamptz
	)
	err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.Description, &r.DefaultBranch, &r.IsFork, &r.Topics, &created, &updated)
	r.CreatedAt = created.Time
	r.UpdatedAt = updated.Time
	return r, err
}

const upsertBranch = `
INSERT INTO branches (repository_id, name, is_default, is_protected, head_commit_sha)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (repository_id, name) DO UPDATE SET
    is_default = EXCLUDED.is_default,
    is_protected = EXCLUDED.is_protected,
    head_commit_sha = EXCLUDED.head_commit_sha`

func (q *Queries) UpsertBranch(ctx context.Context, arg UpsertBranchParams) error {
	_, err := q.db.Exec(ctx, upsertBranch, arg.RepositoryID, arg.Name, arg.IsDefault, arg.IsProtected, arg.HeadCommitSHA)
	return err
}

const deleteBranchesNotIn = `
DELETE FROM branches
WHERE repository_id = $1 AND NOT (name = ANY($2::text[]))`

// DeleteBranchesNotIn removes the repository's branches whose names are not listed.
func (q *Queries) DeleteBranchesNotIn(ctx context.Context, repositoryID int64, names []string) (int64, error) {
	if names == nil {
		names = []string{}
	}
	tag, err := q.db.Exec(ctx, deleteBranchesNotIn, repositoryID, names)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const upsertAuthor = `
INSERT INTO authors (git_name, git_email, email_normalized, first_commit_at, last_commit_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (email_normalized) DO UPDATE SET
    first_commit_at = LEAST(authors.first_commit_at, EXCLUDED.first_commit_at),
    last_commit_at = GREATEST(authors.last_commit_at, EXCLUDED.last_commit_at)
RETURNING id, git_name, git_email, email_normalized, first_commit_at, last_commit_at`

// UpsertAuthor returns the author for the email, widening its commit window
// to include CommittedAt.
func (q *Queries) UpsertAuthor(ctx context.Context, arg UpsertAuthorParams) (model.Author, error) {
	row := q.db.QueryRow(ctx, upsertAuthor, arg.Name, arg.Email, NormalizeEmail(arg.Email), arg.CommittedAt)
	var (
		a           model.Author
		first, last pgtype.Timestamptz
	)
	err := row.Scan(&a.ID, &a.GitName, &a.GitEmail, &a.EmailNormalized, &first, &last)
	a.FirstCommitAt = first.Time
	a.LastCommitAt = last.Time
	return a, err
}

// NormalizeEmail is the identity key for authors.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
