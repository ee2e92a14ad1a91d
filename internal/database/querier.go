// internal/database/querier.go
package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"repo-pulse/internal/aggregate"
	"repo-pulse/internal/cursor"
	"repo-pulse/internal/model"
)

type UpsertProjectParams struct {
	Provider     string
	ExternalID   string
	Key          string
	Name         string
	Description  string
	ConnectionID *uuid.UUID
}

type UpsertRepositoryParams struct {
	ProjectID     int64
	Name          string
	Description   string
	DefaultBranch string
	IsFork        bool
	Topics        []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type UpsertBranchParams struct {
	RepositoryID  int64
	Name          string
	IsDefault     bool
	IsProtected   bool
	HeadCommitSHA string
}

type UpsertAuthorParams struct {
	Name        string
	Email       string
	CommittedAt time.Time
}

type UpsertCommitParams struct {
	SHA            string
	RepositoryID   int64
	AuthorID       *int64
	CommitterID    *int64
	AuthorName     string
	AuthorEmail    string
	CommitterName  string
	CommitterEmail string
	Message        string
	Parents        []string
	CommittedAt    time.Time
}

type ApplyCommitDiffStatsParams struct {
	SHA          string
	DiffContent  string
	AddedLines   int
	DeletedLines int
	FilesChanged int
}

type ListRecentCommitsParams struct {
	Filter aggregate.Filter
	// Limit is the page size; implementations return up to Limit+1 rows.
	Limit  int
	Cursor *cursor.Position
}

type CreateConnectionParams struct {
	Provider       string
	ExternalLogin  string
	AccessTokenEnc string
}

type UpdateConnectionSyncStatusParams struct {
	ID     uuid.UUID
	Status model.SyncStatus
	At     time.Time
	Error  string
}

// Querier is the storage surface used by the sync pipeline and the API.
type Querier interface {
	aggregate.Writer
	aggregate.Store

	UpsertProject(ctx context.Context, arg UpsertProjectParams) (model.Project, error)
	UpsertRepository(ctx context.Context, arg UpsertRepositoryParams) (model.Repository, error)
	UpsertBranch(ctx context.Context, arg UpsertBranchParams) error
	DeleteBranchesNotIn(ctx context.Context, repositoryID int64, names []string) (int64, error)
	UpsertAuthor(ctx context.Context, arg UpsertAuthorParams) (model.Author, error)

	GetLatestCommitDateForRepo(ctx context.Context, repositoryID int64) (pgtype.Timestamptz, error)
	UpsertCommit(ctx context.Context, arg UpsertCommitParams) (bool, error)
	ApplyCommitDiffStats(ctx context.Context, arg ApplyCommitDiffStatsParams) error
	ReplaceCommitFiles(ctx context.Context, sha string, files []model.CommitFile) error
	ListRecentCommits(ctx context.Context, arg ListRecentCommitsParams) ([]model.Commit, error)

	CreateConnection(ctx context.Context, arg CreateConnectionParams) (model.Connection, error)
	GetConnection(ctx context.Context, id uuid.UUID) (model.Connection, error)
	ListConnections(ctx context.Context) ([]model.Connection, error)
	UpdateConnectionSyncStatus(ctx context.Context, arg UpdateConnectionSyncStatusParams) error
}

var _ Querier = (*Queries)(nil)

// UnitOfWork is a Querier bound to an open transaction. Commit makes the work
// so far durable and keeps the unit usable; Rollback discards uncommitted work.
type UnitOfWork interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner opens units of work.
type Beginner interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}
