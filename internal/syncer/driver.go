// internal/syncer/driver.go
package syncer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"repo-pulse/internal/aggregate"
	"repo-pulse/internal/database"
	"repo-pulse/internal/diffparse"
	"repo-pulse/internal/metrics"
	"repo-pulse/internal/model"
	"repo-pulse/internal/scm"
)

const (
	unknownAuthorName  = "Unknown"
	unknownAuthorEmail = "unknown@example.com"
)

// Options tunes a Driver.
type Options struct {
	// CommitWindow bounds the first sync of a repository with no stored commits.
	CommitWindow time.Duration
	// ResyncOverlap is subtracted from the newest stored commit time.
	ResyncOverlap  time.Duration
	MaxCommitPages int
	FlushEvery     int
	PageSize       int
	// ConnectionID links synced projects to the credential that found them.
	ConnectionID *uuid.UUID
}

func DefaultOptions() Options {
	return Options{
		CommitWindow:   365 * 24 * time.Hour,
		ResyncOverlap:  60 * time.Second,
		MaxCommitPages: 5,
		FlushEvery:     50,
		PageSize:       100,
	}
}

// Summary counts what one Run did.
type Summary struct {
	Projects     int
	Repositories int
	Failed       int
	Commits      int
	Created      int
}

// Driver walks projects, repositories and commits of one provider and writes
// them through units of work, maintaining the rollups for new commits.
type Driver struct {
	provider scm.Provider
	db       database.Beginner
	ledger   *aggregate.Ledger
	state    *State
	metrics  *metrics.Sync
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

func NewDriver(provider scm.Provider, db database.Beginner, m *metrics.Sync, logger *slog.Logger, opts Options) *Driver {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = DefaultOptions().FlushEvery
	}
	return &Driver{
		provider: provider,
		db:       db,
		ledger:   aggregate.NewLedger(),
		metrics:  m,
		logger:   logger.With("provider", provider.Name()),
		opts:     opts,
		now:      time.Now,
	}
}

// WithState makes the driver report progress to s.
func (d *Driver) WithState(s *State) *Driver {
	d.state = s
	return d
}

// storageError marks failures of the unit of work, as opposed to upstream
// failures surfaced by the provider.
type storageError struct{ err error }

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

// Run syncs every project the provider lists. Project and repository failures
// are logged and skipped; only a failure to list projects is returned.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	projects, err := d.provider.ListProjects(ctx)
	if err != nil {
		return sum, fmt.Errorf("failed to list projects: %w", err)
	}
	d.logger.Info("Starting sync", "projects", len(projects))

	for i, project := range projects {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := d.syncProject(ctx, project, &sum); err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			d.logger.Error("Failed to sync project", "project", project.Key, "error", err)
		}
		sum.Projects++
		if d.state != nil {
			d.state.SetProgress(float64(i+1) * 100 / float64(len(projects)))
		}
	}

	d.logger.Info("Sync finished",
		"projects", sum.Projects,
		"repositories", sum.Repositories,
		"failed", sum.Failed,
		"commits", sum.Commits,
		"created", sum.Created,
	)
	return sum, nil
}

func (d *Driver) syncProject(ctx context.Context, project scm.Project, sum *Summary) error {
	repos, err := d.provider.ListRepositories(ctx, project)
	if err != nil {
		return fmt.Errorf("failed to list repositories: %w", err)
	}
	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum.Repositories++
		outcome, err := d.syncRepository(ctx, repo, sum)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sum.Failed++
			outcome = "failed"
			d.logger.Error("Failed to sync repository", "project", project.Key, "repo", repo.Name, "error", err)
		}
		d.metrics.RepositorySynced(d.provider.Name(), outcome)
	}
	return nil
}

// syncRepository runs one repository inside a unit of work, checkpointing
// every FlushEvery commits.
func (d *Driver) syncRepository(ctx context.Context, repo scm.Repository, sum *Summary) (outcome string, err error) {
	uow, err := d.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin unit of work: %w", err)
	}
	defer func() {
		if err != nil {
			d.ledger.Reset()
		}
		_ = uow.Rollback(context.WithoutCancel(ctx))
	}()

	logger := d.logger.With("project", repo.Project.Key, "repo", repo.Name)
	logger.Info("Syncing repository")

	dbProject, err := uow.UpsertProject(ctx, database.UpsertProjectParams{
		Provider:     d.provider.Name(),
		ExternalID:   repo.Project.ExternalID,
		Key:          repo.Project.Key,
		Name:         repo.Project.Name,
		Description:  repo.Project.Description,
		ConnectionID: d.opts.ConnectionID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert project: %w", err)
	}

	dbRepo, err := uow.UpsertRepository(ctx, database.UpsertRepositoryParams{
		ProjectID:     dbProject.ID,
		Name:          repo.Name,
		Description:   repo.Description,
		DefaultBranch: repo.DefaultBranch,
		IsFork:        repo.IsFork,
		Topics:        repo.Topics,
		CreatedAt:     repo.CreatedAt,
		UpdatedAt:     repo.UpdatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert repository: %w", err)
	}
	logger = logger.With("repo_id", dbRepo.ID)

	if err := d.syncBranches(ctx, uow, repo, dbRepo.ID, logger); err != nil {
		return "", err
	}

	since, err := d.checkpoint(ctx, uow, dbRepo.ID)
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint: %w", err)
	}
	logger.Info("Fetching commits since", "timestamp", since.Format(time.RFC3339))

	processed := 0
	listErr := d.provider.ListCommits(ctx, repo, scm.ListCommitsOptions{
		Since:    since,
		MaxPages: d.opts.MaxCommitPages,
		PageSize: d.opts.PageSize,
	}, func(page []scm.Commit) error {
		for _, c := range page {
			created, err := d.storeCommit(ctx, uow, repo, dbProject.ID, dbRepo.ID, c, logger)
			if err != nil {
				return err
			}
			processed++
			sum.Commits++
			if created {
				sum.Created++
			}
			d.metrics.CommitProcessed(d.provider.Name(), created)

			if processed%d.opts.FlushEvery == 0 {
				if err := d.commitUnit(ctx, uow); err != nil {
					return &storageError{err}
				}
				logger.Debug("Checkpoint committed", "processed", processed)
			}
		}
		return nil
	})

	outcome = "ok"
	if listErr != nil {
		var se *storageError
		if errors.As(listErr, &se) || ctx.Err() != nil {
			return "", listErr
		}
		outcome = "partial"
		logger.Warn("Commit listing failed, keeping what was processed", "processed", processed, "error", listErr)
	}

	if err := d.commitUnit(ctx, uow); err != nil {
		return "", err
	}
	logger.Info("Repository synced", "commits", processed, "outcome", outcome)
	return outcome, nil
}

// syncBranches mirrors the upstream branch list. A failed listing leaves
// stored branches untouched.
func (d *Driver) syncBranches(ctx context.Context, uow database.UnitOfWork, repo scm.Repository, repoID int64, logger *slog.Logger) error {
	branches, err := d.provider.ListBranches(ctx, repo)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("Failed to list branches", "error", err)
		return nil
	}

	names := make([]string, 0, len(branches))
	for _, b := range branches {
		err := uow.UpsertBranch(ctx, database.UpsertBranchParams{
			RepositoryID:  repoID,
			Name:          b.Name,
			IsDefault:     b.Name == repo.DefaultBranch,
			IsProtected:   b.IsProtected,
			HeadCommitSHA: b.HeadCommitSHA,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert branch %q: %w", b.Name, err)
		}
		names = append(names, b.Name)
	}

	removed, err := uow.DeleteBranchesNotIn(ctx, repoID, names)
	if err != nil {
		return fmt.Errorf("failed to reconcile branches: %w", err)
	}
	if removed > 0 {
		logger.Info("Removed stale branches", "count", removed)
	}
	return nil
}

type checkpointReader interface {
	GetLatestCommitDateForRepo(ctx context.Context, repositoryID int64) (pgtype.Timestamptz, error)
}

// checkpoint is the newest stored commit time minus the resync overlap, or
// now minus the commit window for a repository without commits.
func (d *Driver) checkpoint(ctx context.Context, q checkpointReader, repoID int64) (time.Time, error) {
	latest, err := q.GetLatestCommitDateForRepo(ctx, repoID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, err
	}
	if !latest.Valid {
		return d.now().Add(-d.opts.CommitWindow), nil
	}
	return latest.Time.Add(-d.opts.ResyncOverlap), nil
}

// storeCommit writes one commit with its files and diff stats. Any error it
// returns is a storage error; diff fetch failures degrade to an empty diff.
func (d *Driver) storeCommit(ctx context.Context, uow database.UnitOfWork, repo scm.Repository, projectID, repoID int64, c scm.Commit, logger *slog.Logger) (bool, error) {
	authorID, err := upsertSignature(ctx, uow, c.Author, scm.Signature{}, c.CommittedAt)
	if err != nil {
		return false, &storageError{fmt.Errorf("failed to upsert author: %w", err)}
	}
	committerID, err := upsertSignature(ctx, uow, c.Committer, c.Author, c.CommittedAt)
	if err != nil {
		return false, &storageError{fmt.Errorf("failed to upsert committer: %w", err)}
	}

	created, err := uow.UpsertCommit(ctx, database.UpsertCommitParams{
		SHA:            c.SHA,
		RepositoryID:   repoID,
		AuthorID:       authorID,
		CommitterID:    committerID,
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.Email,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.Email,
		Message:        c.Message,
		Parents:        c.Parents,
		CommittedAt:    c.CommittedAt,
	})
	if err != nil {
		return false, &storageError{fmt.Errorf("failed to upsert commit %s: %w", c.SHA, err)}
	}

	diffText, err := d.provider.GetDiff(ctx, repo, c.SHA)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.Warn("Failed to fetch diff", "sha", c.SHA, "error", err)
		diffText = ""
	}

	parsed := diffparse.Parse(diffText)
	files := toCommitFiles(c.SHA, parsed.Files)
	if err := uow.ReplaceCommitFiles(ctx, c.SHA, files); err != nil {
		return false, &storageError{fmt.Errorf("failed to replace files of %s: %w", c.SHA, err)}
	}
	err = uow.ApplyCommitDiffStats(ctx, database.ApplyCommitDiffStatsParams{
		SHA:          c.SHA,
		DiffContent:  diffText,
		AddedLines:   parsed.Added,
		DeletedLines: parsed.Deleted,
		FilesChanged: len(files),
	})
	if err != nil {
		return false, &storageError{fmt.Errorf("failed to apply diff stats of %s: %w", c.SHA, err)}
	}

	if created {
		d.ledger.Accumulate(aggregate.NewCommitDelta(projectID, model.Commit{
			SHA:          c.SHA,
			RepositoryID: repoID,
			AuthorID:     authorID,
			CommitterID:  committerID,
			Message:      c.Message,
			AddedLines:   parsed.Added,
			DeletedLines: parsed.Deleted,
			FilesChanged: len(files),
			CommittedAt:  c.CommittedAt,
		}, files))
	}
	return created, nil
}

func (d *Driver) commitUnit(ctx context.Context, uow database.UnitOfWork) error {
	n, err := d.ledger.Flush(ctx, uow)
	if err != nil {
		return fmt.Errorf("failed to flush rollups: %w", err)
	}
	d.metrics.RollupRowsFlushed(n)
	if err := uow.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit unit of work: %w", err)
	}
	return nil
}

// upsertSignature returns nil for an empty signature. Missing fields of a
// half-empty one are taken from fallback, then from placeholders.
func upsertSignature(ctx context.Context, q database.Querier, sig, fallback scm.Signature, at time.Time) (*int64, error) {
	if sig.IsZero() {
		return nil, nil
	}
	name := cmp.Or(sig.Name, fallback.Name, unknownAuthorName)
	email := cmp.Or(sig.Email, fallback.Email, unknownAuthorEmail)
	author, err := q.UpsertAuthor(ctx, database.UpsertAuthorParams{Name: name, Email: email, CommittedAt: at})
	if err != nil {
		return nil, err
	}
	return &author.ID, nil
}

func toCommitFiles(sha string, changes []diffparse.FileChange) []model.CommitFile {
	files := make([]model.CommitFile, 0, len(changes))
	for _, fc := range changes {
		files = append(files, model.CommitFile{
			CommitSHA:    sha,
			Path:         fc.Path,
			Status:       string(fc.Status),
			AddedLines:   fc.Added,
			DeletedLines: fc.Deleted,
			IsBinary:     fc.IsBinary,
			Patch:        fc.Patch,
		})
	}
	return files
}
