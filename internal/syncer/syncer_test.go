// internal/syncer/syncer_test.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"repo-pulse/internal/database/dbtest"
	"repo-pulse/internal/model"
	"repo-pulse/internal/scm"
)

var testLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

// fakeProvider serves a fixed upstream. Commits are listed newest first and
// filtered by Since inclusively.
type fakeProvider struct {
	mu       sync.Mutex
	projects []scm.Project
	repos    map[string][]scm.Repository
	branches map[string][]scm.Branch
	commits  map[string][]scm.Commit
	diffs    map[string]string
	diffErrs map[string]error

	projectsErr error
	// failAfterPages makes ListCommits fail once that many pages were served.
	failAfterPages int
	onDiff         func(sha string)
	sinceSeen      []time.Time
}

func (p *fakeProvider) Name() string { return "github" }

func (p *fakeProvider) ListProjects(ctx context.Context) ([]scm.Project, error) {
	if p.projectsErr != nil {
		return nil, p.projectsErr
	}
	return p.projects, nil
}

func (p *fakeProvider) ListRepositories(ctx context.Context, project scm.Project) ([]scm.Repository, error) {
	return p.repos[project.Key], nil
}

func (p *fakeProvider) ListBranches(ctx context.Context, repo scm.Repository) ([]scm.Branch, error) {
	return p.branches[repo.Name], nil
}

func (p *fakeProvider) ListCommits(ctx context.Context, repo scm.Repository, opts scm.ListCommitsOptions, fn scm.PageFunc) error {
	p.mu.Lock()
	p.sinceSeen = append(p.sinceSeen, opts.Since)
	p.mu.Unlock()

	var visible []scm.Commit
	for _, c := range p.commits[repo.Name] {
		if !c.CommittedAt.Before(opts.Since) {
			visible = append(visible, c)
		}
	}
	size := opts.PageSize
	if size <= 0 {
		size = len(visible)
	}
	pages := 0
	for start := 0; start < len(visible); start += size {
		if p.failAfterPages > 0 && pages == p.failAfterPages {
			return errors.New("upstream went away")
		}
		end := min(start+size, len(visible))
		if err := fn(visible[start:end]); err != nil {
			return err
		}
		pages++
	}
	return nil
}

func (p *fakeProvider) GetDiff(ctx context.Context, repo scm.Repository, sha string) (string, error) {
	if p.onDiff != nil {
		p.onDiff(sha)
	}
	if err := p.diffErrs[sha]; err != nil {
		return "", err
	}
	return p.diffs[sha], nil
}

var (
	baseTime   = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	ann        = scm.Signature{Name: "Ann", Email: "Ann@Example.com"}
	testProj   = scm.Project{ExternalID: "1", Key: "acme", Name: "Acme"}
	testRepoUp = scm.Repository{Project: testProj, Name: "api", DefaultBranch: "main"}
)

func fileDiff(path string, added int) string {
	s := fmt.Sprintf("diff --git a/%s b/%s\n--- a/%s\n+++ b/%s\n@@ -1 +1,%d @@\n", path, path, path, path, added)
	for i := 0; i < added; i++ {
		s += "+line\n"
	}
	return s
}

// newFakeProvider returns an upstream with one repository and n commits,
// c1 being the oldest.
func newFakeProvider(n int) *fakeProvider {
	p := &fakeProvider{
		projects: []scm.Project{testProj},
		repos:    map[string][]scm.Repository{"acme": {testRepoUp}},
		branches: map[string][]scm.Branch{"api": {
			{Name: "main", IsProtected: true, HeadCommitSHA: fmt.Sprintf("c%d", n)},
			{Name: "feature"},
		}},
		commits:  map[string][]scm.Commit{},
		diffs:    map[string]string{},
		diffErrs: map[string]error{},
	}
	for i := n; i >= 1; i-- {
		sha := fmt.Sprintf("c%d", i)
		p.commits["api"] = append(p.commits["api"], scm.Commit{
			SHA:         sha,
			Author:      ann,
			Committer:   ann,
			Message:     "change " + sha,
			CommittedAt: baseTime.Add(time.Duration(i) * time.Hour),
		})
		p.diffs[sha] = fileDiff("main.go", i)
	}
	return p
}

func newTestDriver(p *fakeProvider, db *dbtest.Fake, tweak func(*Options)) *Driver {
	opts := DefaultOptions()
	opts.PageSize = 2
	if tweak != nil {
		tweak(&opts)
	}
	d := NewDriver(p, db, nil, testLogger, opts)
	d.now = func() time.Time { return baseTime.Add(48 * time.Hour) }
	return d
}

func TestDriver_Run_StoresEntitiesAndRollups(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	p := newFakeProvider(3)

	sum, err := newTestDriver(p, db, nil).Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, Summary{Projects: 1, Repositories: 1, Commits: 3, Created: 3}, sum)

	require.Len(t, db.Repositories(), 1)
	repo := db.Repositories()[0]

	branches := db.BranchesFor(repo.ID)
	require.Len(t, branches, 2)
	assert.Equal(t, "feature", branches[0].Name)
	assert.False(t, branches[0].IsDefault)
	assert.Equal(t, "main", branches[1].Name)
	assert.True(t, branches[1].IsDefault)
	assert.True(t, branches[1].IsProtected)

	assert.Equal(t, 3, db.CommitCount())
	c2, ok := db.CommitBySHA("c2")
	require.True(t, ok)
	assert.Equal(t, 2, c2.AddedLines)
	assert.Equal(t, 1, c2.FilesChanged)
	require.Len(t, db.FilesFor("c2"), 1)
	assert.Equal(t, "main.go", db.FilesFor("c2")[0].Path)

	author, ok := db.Author("ann@example.com")
	require.True(t, ok)
	assert.Equal(t, baseTime.Add(time.Hour), author.FirstCommitAt)
	assert.Equal(t, baseTime.Add(3*time.Hour), author.LastCommitAt)

	assert.Equal(t, int64(3), db.TotalRollupCommits())
	files := db.FileRollup()
	require.Len(t, files, 1)
	assert.Equal(t, int64(3), files[0].CommitsTouch)
	assert.Equal(t, int64(6), files[0].LinesAdded)
	assert.Equal(t, int64(3), db.SizeRollup()[model.BucketTiny])
}

func TestDriver_Run_ResyncDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	p := newFakeProvider(3)
	d := newTestDriver(p, db, nil)

	_, err := d.Run(ctx)
	require.NoError(t, err)

	sum, err := d.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Commits, "only the overlap window is listed again")
	assert.Equal(t, 0, sum.Created)
	assert.Equal(t, int64(3), db.TotalRollupCommits())

	require.Len(t, p.sinceSeen, 2)
	assert.Equal(t, baseTime.Add(48*time.Hour).Add(-365*24*time.Hour), p.sinceSeen[0])
	assert.Equal(t, baseTime.Add(3*time.Hour).Add(-60*time.Second), p.sinceSeen[1])
}

func TestDriver_Run_ReconcilesBranches(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	p := newFakeProvider(1)
	d := newTestDriver(p, db, nil)

	_, err := d.Run(ctx)
	require.NoError(t, err)

	p.branches["api"] = p.branches["api"][:1]
	_, err = d.Run(ctx)
	require.NoError(t, err)

	branches := db.BranchesFor(db.Repositories()[0].ID)
	require.Len(t, branches, 1)
	assert.Equal(t, "main", branches[0].Name)
}

func TestDriver_Run_UpstreamErrorKeepsProcessedCommits(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	p := newFakeProvider(4)
	p.failAfterPages = 1

	sum, err := newTestDriver(p, db, nil).Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 2, db.CommitCount())
	assert.Equal(t, int64(2), db.TotalRollupCommits())
	_, ok := db.CommitBySHA("c4")
	assert.True(t, ok, "newest page was stored")
}

func TestDriver_Run_StorageErrorRollsBackRepository(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	p := newFakeProvider(2)
	d := newTestDriver(p, db, nil)

	db.FailOn("ReplaceCommitFiles", errors.New("disk full"))
	sum, err := d.Run(ctx)

	require.NoError(t, err, "repository failures do not fail the run")
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, db.CommitCount())
	assert.Empty(t, db.Repositories())
	assert.Equal(t, int64(0), db.TotalRollupCommits())
	assert.Equal(t, 1, db.Rollbacks)

	db.FailOn("ReplaceCommitFiles", nil)
	sum, err = d.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 2, db.CommitCount())
	assert.Equal(t, int64(2), db.TotalRollupCommits(), "discarded deltas are not replayed")
}

func TestDriver_Run_CheckpointsSurviveLaterFailure(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	p := newFakeProvider(3)
	p.onDiff = func(sha string) {
		if sha == "c1" {
			db.FailOn("ApplyCommitDiffStats", errors.New("connection reset"))
		}
	}

	sum, err := newTestDriver(p, db, func(o *Options) { o.FlushEvery = 1 }).Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, db.CommitCount(), "c3 and c2 were checkpointed before c1 failed")
	_, ok := db.CommitBySHA("c1")
	assert.False(t, ok)
	assert.Equal(t, int64(2), db.TotalRollupCommits())
	assert.Equal(t, 2, db.Commits)
}

func TestDriver_Run_DiffFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	p := newFakeProvider(1)
	p.diffErrs["c1"] = errors.New("diff unavailable")

	sum, err := newTestDriver(p, db, nil).Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, 0, sum.Failed)
	c1, ok := db.CommitBySHA("c1")
	require.True(t, ok)
	assert.Equal(t, 0, c1.AddedLines)
	assert.Equal(t, 0, c1.FilesChanged)
	assert.Empty(t, db.FilesFor("c1"))
	assert.Equal(t, int64(1), db.TotalRollupCommits())
}

func TestDriver_Run_AuthorFallsBackToCommitter(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	p := newFakeProvider(1)
	p.commits["api"][0].Author = scm.Signature{}
	p.commits["api"][0].Committer = scm.Signature{Email: "bot@example.com"}

	_, err := newTestDriver(p, db, nil).Run(ctx)
	require.NoError(t, err)

	committer, ok := db.Author("bot@example.com")
	require.True(t, ok)
	assert.Equal(t, "Unknown", committer.GitName)

	c1, _ := db.CommitBySHA("c1")
	assert.Nil(t, c1.AuthorID)

	rows := db.AuthorRollup()
	require.Len(t, rows, 1)
	assert.Equal(t, committer.ID, rows[0].AuthorID)
}

func TestDriver_Run_CommitterCompletedFromAuthor(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	p := newFakeProvider(1)
	p.commits["api"][0].Author = scm.Signature{Name: "Grace Hopper", Email: "grace@example.com"}
	p.commits["api"][0].Committer = scm.Signature{Email: "ci@example.com"}

	_, err := newTestDriver(p, db, nil).Run(ctx)
	require.NoError(t, err)

	committer, ok := db.Author("ci@example.com")
	require.True(t, ok)
	assert.Equal(t, "Grace Hopper", committer.GitName)

	p.commits["api"][0].SHA = "c9"
	p.commits["api"][0].Committer = scm.Signature{Name: "Merge Bot"}
	_, err = newTestDriver(p, db, nil).Run(ctx)
	require.NoError(t, err)

	c9, ok := db.CommitBySHA("c9")
	require.True(t, ok)
	require.NotNil(t, c9.CommitterID)
	author, ok := db.Author("grace@example.com")
	require.True(t, ok)
	assert.Equal(t, author.ID, *c9.CommitterID)
}

func TestDriver_Run_ReportsProgress(t *testing.T) {
	db := dbtest.New()
	p := newFakeProvider(1)
	p.projects = append(p.projects, scm.Project{ExternalID: "2", Key: "empty"})
	state := NewState()

	err := SourceRun(context.Background(), newTestDriver(p, db, nil), state)

	require.NoError(t, err)
	snap := state.Snapshot()
	assert.False(t, snap.InProgress)
	assert.Equal(t, PhaseIdle, snap.Phase)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 100.0, *snap.Progress)
}

// MockCheckpointReader is a mock of the checkpoint read.
type MockCheckpointReader struct {
	mock.Mock
}

func (m *MockCheckpointReader) GetLatestCommitDateForRepo(ctx context.Context, repositoryID int64) (pgtype.Timestamptz, error) {
	args := m.Called(ctx, repositoryID)
	return args.Get(0).(pgtype.Timestamptz), args.Error(1)
}

func TestDriver_Checkpoint(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	d := &Driver{opts: DefaultOptions(), now: func() time.Time { return now }}

	t.Run("uses the commit window when nothing is stored", func(t *testing.T) {
		mockQ := new(MockCheckpointReader)
		mockQ.On("GetLatestCommitDateForRepo", ctx, int64(1)).Return(pgtype.Timestamptz{}, nil).Once()

		since, err := d.checkpoint(ctx, mockQ, 1)

		assert.NoError(t, err)
		assert.Equal(t, now.Add(-365*24*time.Hour), since)
		mockQ.AssertExpectations(t)
	})

	t.Run("treats no rows as nothing stored", func(t *testing.T) {
		mockQ := new(MockCheckpointReader)
		mockQ.On("GetLatestCommitDateForRepo", ctx, int64(1)).Return(pgtype.Timestamptz{}, pgx.ErrNoRows).Once()

		since, err := d.checkpoint(ctx, mockQ, 1)

		assert.NoError(t, err)
		assert.Equal(t, now.Add(-365*24*time.Hour), since)
	})

	t.Run("subtracts the overlap from the latest commit", func(t *testing.T) {
		latest := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
		mockQ := new(MockCheckpointReader)
		mockQ.On("GetLatestCommitDateForRepo", ctx, int64(1)).Return(pgtype.Timestamptz{Time: latest, Valid: true}, nil).Once()

		since, err := d.checkpoint(ctx, mockQ, 1)

		assert.NoError(t, err)
		assert.Equal(t, latest.Add(-60*time.Second), since)
	})

	t.Run("returns an error if database lookup fails unexpectedly", func(t *testing.T) {
		dbError := errors.New("unexpected database error")
		mockQ := new(MockCheckpointReader)
		mockQ.On("GetLatestCommitDateForRepo", ctx, int64(1)).Return(pgtype.Timestamptz{}, dbError).Once()

		_, err := d.checkpoint(ctx, mockQ, 1)

		assert.Equal(t, dbError, err)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "żó", truncate("żółw", 2))
}
