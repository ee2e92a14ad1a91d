// internal/database/commits.sql.go
package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"

	"repo-pulse/internal/model"
)

const getLatestCommitDateForRepo = `SELECT max(committed_at) FROM commits WHERE repository_id = $1`

// GetLatestCommitDateForRepo returns an invalid timestamp when the repository has no commits.
func (q *Queries) GetLatestCommitDateForRepo(ctx context.Context, repositoryID int64) (pgtype.Timestamptz, error) {
	var latest pgtype.Timestamptz
	err := q.db.QueryRow(ctx, getLatestCommitDateForRepo, repositoryID).Scan(&latest)
	return latest, err
}

// xmax is zero only for a freshly inserted row.
const upsertCommit = `
INSERT INTO commits (
    sha, repository_id, author_id, committer_id, author_name, author_email,
    committer_name, committer_email, message, parents, is_merge, committed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (sha) DO UPDATE SET
    author_id = EXCLUDED.author_id,
    committer_id = EXCLUDED.committer_id,
    author_name = EXCLUDED.author_name,
    author_email = EXCLUDED.author_email,
    committer_name = EXCLUDED.committer_name,
    committer_email = EXCLUDED.committer_email,
    message = EXCLUDED.message,
    parents = EXCLUDED.parents,
    is_merge = EXCLUDED.is_merge,
    committed_at = EXCLUDED.committed_at
RETURNING (xmax = 0) AS created`

// UpsertCommit inserts or refreshes a commit by SHA and reports whether this
// call created it.
func (q *Queries) UpsertCommit(ctx context.Context, arg UpsertCommitParams) (bool, error) {
	parents := arg.Parents
	if parents == nil {
		parents = []string{}
	}
	var created bool
	err := q.db.QueryRow(ctx, upsertCommit,
		arg.SHA,
		arg.RepositoryID,
		arg.AuthorID,
		arg.CommitterID,
		arg.AuthorName,
		arg.AuthorEmail,
		arg.CommitterName,
		arg.CommitterEmail,
		arg.Message,
		parents,
		len(parents) > 1,
		arg.CommittedAt,
	).Scan(&created)
	return created, err
}

const applyCommitDiffStats = `
UPDATE commits
SET diff_content = $2, added_lines = $3, deleted_lines = $4, files_changed = $5
WHERE sha = $1`

func (q *Queries) ApplyCommitDiffStats(ctx context.Context, arg ApplyCommitDiffStatsParams) error {
	_, err := q.db.Exec(ctx, applyCommitDiffStats, arg.SHA, arg.DiffContent, arg.AddedLines, arg.DeletedLines, arg.FilesChanged)
	return err
}

const deleteCommitFiles = `DELETE FROM commit_files WHERE commit_sha = $1`

const insertCommitFiles = `
INSERT INTO commit_files (commit_sha, path, status, added_lines, deleted_lines, is_binary, patch)
SELECT $1, f.path, f.status, f.added_lines, f.deleted_lines, f.is_binary, f.patch
FROM unnest($2::text[], $3::text[], $4::int[], $5::int[], $6::bool[], $7::text[])
    AS f(path, status, added_lines, deleted_lines, is_binary, patch)`

// ReplaceCommitFiles swaps the stored file rows of a commit for files.
func (q *Queries) ReplaceCommitFiles(ctx context.Context, sha string, files []model.CommitFile) error {
	if _, err := q.db.Exec(ctx, deleteCommitFiles, sha); err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	paths := make([]string, len(files))
	statuses := make([]string, len(files))
	added := make([]int32, len(files))
	deleted := make([]int32, len(files))
	binary := make([]bool, len(files))
	patches := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
		statuses[i] = f.Status
		added[i] = int32(f.AddedLines)
		deleted[i] = int32(f.DeletedLines)
		binary[i] = f.IsBinary
		patches[i] = f.Patch
	}
	_, err := q.db.Exec(ctx, insertCommitFiles, sha, paths, statuses, added, deleted, binary, patches)
	return err
}

const listRecentCommits = `
SELECT c.sha, c.repository_id, c.author_id, c.committer_id, c.author_name, c.author_email,
       c.committer_name, c.committer_email, c.message, c.parents, c.is_merge,
       c.added_lines, c.deleted_lines, c.files_changed, c.committed_at
FROM commits c
JOIN repositories r ON r.id = c.repository_id`

// ListRecentCommits returns up to Limit+1 commits ordered newest first, starting
// at the cursor position inclusively.
func (q *Queries) ListRecentCommits(ctx context.Context, arg ListRecentCommitsParams) ([]model.Commit, error) {
	w := &whereBuilder{}
	f := arg.Filter
	if f.Since != nil {
		w.add("c.committed_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		w.add("c.committed_at <= $%d", *f.Until)
	}
	if f.ProjectID != nil {
		w.add("r.project_id = $%d", *f.ProjectID)
	}
	if len(f.RepoIDs) > 0 {
		w.add("c.repository_id = ANY($%d::bigint[])", f.RepoIDs)
	}
	if len(f.AuthorIDs) > 0 {
		w.add("c.author_id = ANY($%d::bigint[])", f.AuthorIDs)
	}
	if arg.Cursor != nil {
		ts := w.arg(arg.Cursor.Time)
		key := w.arg(arg.Cursor.Key)
		w.conds = append(w.conds, "(c.committed_at, c.sha) <= ("+ts+", "+key+")")
	}
	limit := w.arg(arg.Limit + 1)

	query := listRecentCommits + w.String() + " ORDER BY c.committed_at DESC, c.sha DESC LIMIT " + limit
	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.Commit
	for rows.Next() {
		var (
			c                            model.Commit
			added, deleted, filesChanged int32
		)
		if err := rows.Scan(
			&c.SHA,
			&c.RepositoryID,
			&c.AuthorID,
			&c.CommitterID,
			&c.AuthorName,
			&c.AuthorEmail,
			&c.CommitterName,
			&c.CommitterEmail,
			&c.Message,
			&c.Parents,
			&c.IsMerge,
			&added,
			&deleted,
			&filesChanged,
			&c.CommittedAt,
		); err != nil {
			return nil, err
		}
		c.AddedLines = int(added)
		c.DeletedLines = int(deleted)
		c.FilesChanged = int(filesChanged)
		items = append(items, c)
	}
	return items, rows.Err()
}
