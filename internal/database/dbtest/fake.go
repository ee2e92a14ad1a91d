// internal/database/dbtest/fake.go

// Package dbtest provides an in-memory database.Querier for package tests.
//
// Writes made through a unit of work are visible immediately and undone on
// Rollback, which is enough to exercise checkpoint and rollback behavior
// without a Postgres instance.
package dbtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"repo-pulse/internal/cursor"
	"repo-pulse/internal/database"
	custom_errors "repo-pulse/internal/errors"
	"repo-pulse/internal/model"
)

type projectKey struct{ provider, externalID string }

type repoKey struct {
	projectID int64
	name      string
}

type authorDayKey struct {
	day            time.Time
	repoID, author int64
}

type hourDayKey struct {
	day    time.Time
	repoID int64
	hour   int
}

type sizeDayKey struct {
	day    time.Time
	repoID int64
	bucket model.SizeBucket
}

type fileDayKey struct {
	day    time.Time
	repoID int64
	path   string
}

// Fake is an in-memory store. The zero value is not usable; call New.
type Fake struct {
	queries

	mu          sync.Mutex
	nextID      int64
	failures    map[string]error
	projects    map[projectKey]model.Project
	repos       map[repoKey]model.Repository
	branches    map[int64]map[string]model.Branch
	authors     map[string]model.Author
	commits     map[string]model.Commit
	files       map[string][]model.CommitFile
	authorDays  map[authorDayKey]model.AuthorRepoDay
	hourDays    map[hourDayKey]model.HourRepoDay
	sizeDays    map[sizeDayKey]model.SizeBucketRepoDay
	fileDays    map[fileDayKey]model.FileRepoDay
	connections map[uuid.UUID]model.Connection
	connOrder   []uuid.UUID

	Begins    int
	Commits   int
	Rollbacks int
}

func New() *Fake {
	f := &Fake{
		failures:    map[string]error{},
		projects:    map[projectKey]model.Project{},
		repos:       map[repoKey]model.Repository{},
		branches:    map[int64]map[string]model.Branch{},
		authors:     map[string]model.Author{},
		commits:     map[string]model.Commit{},
		files:       map[string][]model.CommitFile{},
		authorDays:  map[authorDayKey]model.AuthorRepoDay{},
		hourDays:    map[hourDayKey]model.HourRepoDay{},
		sizeDays:    map[sizeDayKey]model.SizeBucketRepoDay{},
		fileDays:    map[fileDayKey]model.FileRepoDay{},
		connections: map[uuid.UUID]model.Connection{},
	}
	f.queries = queries{f: f}
	return f
}

var (
	_ database.Querier  = (*Fake)(nil)
	_ database.Beginner = (*Fake)(nil)
)

// FailOn makes every later call of the named Querier method return err.
// A nil err clears the failure.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

func (f *Fake) Begin(ctx context.Context) (database.UnitOfWork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["Begin"]; err != nil {
		return nil, err
	}
	f.Begins++
	u := &Unit{}
	u.queries = queries{f: f, undo: &u.undo}
	return u, nil
}

// Unit is a unit of work over a Fake.
type Unit struct {
	queries
	undo []func()
}

func (u *Unit) Commit(ctx context.Context) error {
	u.f.mu.Lock()
	defer u.f.mu.Unlock()
	if err := u.f.failures["Commit"]; err != nil {
		return err
	}
	u.undo = nil
	u.f.Commits++
	return nil
}

func (u *Unit) Rollback(ctx context.Context) error {
	u.f.mu.Lock()
	defer u.f.mu.Unlock()
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	if len(u.undo) > 0 {
		u.f.Rollbacks++
	}
	u.undo = nil
	return nil
}

// queries implements database.Querier over the Fake's maps. undo is nil when
// writes go straight to the store.
type queries struct {
	f    *Fake
	undo *[]func()
}

func remember[K comparable, V any](q queries, m map[K]V, k K) {
	if q.undo == nil {
		return
	}
	old, existed := m[k]
	*q.undo = append(*q.undo, func() {
		if existed {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
}

func (q queries) lock(method string) (func(), error) {
	q.f.mu.Lock()
	if err := q.f.failures[method]; err != nil {
		q.f.mu.Unlock()
		return func() {}, err
	}
	return q.f.mu.Unlock, nil
}

func (q queries) id() int64 {
	q.f.nextID++
	return q.f.nextID
}

func (q queries) UpsertProject(ctx context.Context, arg database.UpsertProjectParams) (model.Project, error) {
	unlock, err := q.lock("UpsertProject")
	defer unlock()
	if err != nil {
		return model.Project{}, err
	}
	k := projectKey{arg.Provider, arg.ExternalID}
	p, ok := q.f.projects[k]
	if !ok {
		p = model.Project{ID: q.id(), Provider: arg.Provider, ExternalID: arg.ExternalID}
	}
	p.Key = arg.Key
	p.Name = arg.Name
	p.Description = arg.Description
	if arg.ConnectionID != nil {
		id := *arg.ConnectionID
		p.ConnectionID = &id
	}
	remember(q, q.f.projects, k)
	q.f.projects[k] = p
	return p, nil
}

func (q queries) UpsertRepository(ctx context.Context, arg database.UpsertRepositoryParams) (model.Repository, error) {
	unlock, err := q.lock("UpsertRepository")
	defer unlock()
	if err != nil {
		return model.Repository{}, err
	}
	k := repoKey{arg.ProjectID, arg.Name}
	r, ok := q.f.repos[k]
	if !ok {
		r = model.Repository{ID: q.id(), ProjectID: arg.ProjectID, Name: arg.Name}
	}
	r.Description = arg.Description
	r.DefaultBranch = arg.DefaultBranch
	r.IsFork = arg.IsFork
	r.Topics = append([]string{}, arg.Topics...)
	r.CreatedAt = arg.CreatedAt
	r.UpdatedAt = arg.UpdatedAt
	remember(q, q.f.repos, k)
	q.f.repos[k] = r
	return r, nil
}

func (q queries) branchMap(repoID int64) map[string]model.Branch {
	m, ok := q.f.branches[repoID]
	if !ok {
		m = map[string]model.Branch{}
		q.f.branches[repoID] = m
	}
	return m
}

func (q queries) UpsertBranch(ctx context.Context, arg database.UpsertBranchParams) error {
	unlock, err := q.lock("UpsertBranch")
	defer unlock()
	if err != nil {
		return err
	}
	m := q.branchMap(arg.RepositoryID)
	b, ok := m[arg.Name]
	if !ok {
		b = model.Branch{ID: q.id(), RepositoryID: arg.RepositoryID, Name: arg.Name}
	}
	b.IsDefault = arg.IsDefault
	b.IsProtected = arg.IsProtected
	b.HeadCommitSHA = arg.HeadCommitSHA
	remember(q, m, arg.Name)
	m[arg.Name] = b
	return nil
}

func (q queries) DeleteBranchesNotIn(ctx context.Context, repositoryID int64, names []string) (int64, error) {
	unlock, err := q.lock("DeleteBranchesNotIn")
	defer unlock()
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	m := q.branchMap(repositoryID)
	var deleted int64
	for name := range m {
		if !keep[name] {
			remember(q, m, name)
			delete(m, name)
			deleted++
		}
	}
	return deleted, nil
}

func (q queries) UpsertAuthor(ctx context.Context, arg database.UpsertAuthorParams) (model.Author, error) {
	unlock, err := q.lock("UpsertAuthor")
	defer unlock()
	if err != nil {
		return model.Author{}, err
	}
	k := database.NormalizeEmail(arg.Email)
	a, ok := q.f.authors[k]
	if !ok {
		a = model.Author{
			ID:              q.id(),
			GitName:         arg.Name,
			GitEmail:        arg.Email,
			EmailNormalized: k,
			FirstCommitAt:   arg.CommittedAt,
			LastCommitAt:    arg.CommittedAt,
		}
	}
	if arg.CommittedAt.Before(a.FirstCommitAt) {
		a.FirstCommitAt = arg.CommittedAt
	}
	if arg.CommittedAt.After(a.LastCommitAt) {
		a.LastCommitAt = arg.CommittedAt
	}
	remember(q, q.f.authors, k)
	q.f.authors[k] = a
	return a, nil
}

func (q queries) GetLatestCommitDateForRepo(ctx context.Context, repositoryID int64) (pgtype.Timestamptz, error) {
	unlock, err := q.lock("GetLatestCommitDateForRepo")
	defer unlock()
	if err != nil {
		return pgtype.Timestamptz{}, err
	}
	var latest pgtype.Timestamptz
	for _, c := range q.f.commits {
		if c.RepositoryID == repositoryID && (!latest.Valid || c.CommittedAt.After(latest.Time)) {
			latest = pgtype.Timestamptz{Time: c.CommittedAt, Valid: true}
		}
	}
	return latest, nil
}

func (q queries) UpsertCommit(ctx context.Context, arg database.UpsertCommitParams) (bool, error) {
	unlock, err := q.lock("UpsertCommit")
	defer unlock()
	if err != nil {
		return false, err
	}
	existing, exists := q.f.commits[arg.SHA]
	c := model.Commit{
		SHA:            arg.SHA,
		RepositoryID:   arg.RepositoryID,
		AuthorID:       arg.AuthorID,
		CommitterID:    arg.CommitterID,
		AuthorName:     arg.AuthorName,
		AuthorEmail:    arg.AuthorEmail,
		CommitterName:  arg.CommitterName,
		CommitterEmail: arg.CommitterEmail,
		Message:        arg.Message,
		Parents:        append([]string{}, arg.Parents...),
		IsMerge:        len(arg.Parents) > 1,
		CommittedAt:    arg.CommittedAt,
	}
	if exists {
		c.RepositoryID = existing.RepositoryID
		c.AddedLines = existing.AddedLines
		c.DeletedLines = existing.DeletedLines
		c.FilesChanged = existing.FilesChanged
		c.DiffContent = existing.DiffContent
	}
	remember(q, q.f.commits, arg.SHA)
	q.f.commits[arg.SHA] = c
	return !exists, nil
}

func (q queries) ApplyCommitDiffStats(ctx context.Context, arg database.ApplyCommitDiffStatsParams) error {
	unlock, err := q.lock("ApplyCommitDiffStats")
	defer unlock()
	if err != nil {
		return err
	}
	c, ok := q.f.commits[arg.SHA]
	if !ok {
		return nil
	}
	c.DiffContent = arg.DiffContent
	c.AddedLines = arg.AddedLines
	c.DeletedLines = arg.DeletedLines
	c.FilesChanged = arg.FilesChanged
	remember(q, q.f.commits, arg.SHA)
	q.f.commits[arg.SHA] = c
	return nil
}

func (q queries) ReplaceCommitFiles(ctx context.Context, sha string, files []model.CommitFile) error {
	unlock, err := q.lock("ReplaceCommitFiles")
	defer unlock()
	if err != nil {
		return err
	}
	rows := make([]model.CommitFile, len(files))
	for i, f := range files {
		f.CommitSHA = sha
		rows[i] = f
	}
	remember(q, q.f.files, sha)
	q.f.files[sha] = rows
	return nil
}

func (q queries) ListRecentCommits(ctx context.Context, arg database.ListRecentCommitsParams) ([]model.Commit, error) {
	unlock, err := q.lock("ListRecentCommits")
	defer unlock()
	if err != nil {
		return nil, err
	}
	projectOf := map[int64]int64{}
	for _, r := range q.f.repos {
		projectOf[r.ID] = r.ProjectID
	}
	f := arg.Filter
	var out []model.Commit
	for _, c := range q.f.commits {
		if f.Since != nil && c.CommittedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && c.CommittedAt.After(*f.Until) {
			continue
		}
		if f.ProjectID != nil && projectOf[c.RepositoryID] != *f.ProjectID {
			continue
		}
		if len(f.RepoIDs) > 0 && !contains(f.RepoIDs, c.RepositoryID) {
			continue
		}
		if len(f.AuthorIDs) > 0 && (c.AuthorID == nil || !contains(f.AuthorIDs, *c.AuthorID)) {
			continue
		}
		if arg.Cursor != nil && after(c, *arg.Cursor) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CommittedAt.Equal(out[j].CommittedAt) {
			return out[i].CommittedAt.After(out[j].CommittedAt)
		}
		return out[i].SHA > out[j].SHA
	})
	if len(out) > arg.Limit+1 {
		out = out[:arg.Limit+1]
	}
	return out, nil
}

// after reports whether c sorts strictly before the cursor in descending order.
func after(c model.Commit, p cursor.Position) bool {
	if !c.CommittedAt.Equal(p.Time) {
		return c.CommittedAt.After(p.Time)
	}
	return c.SHA > p.Key
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (q queries) CreateConnection(ctx context.Context, arg database.CreateConnectionParams) (model.Connection, error) {
	unlock, err := q.lock("CreateConnection")
	defer unlock()
	if err != nil {
		return model.Connection{}, err
	}
	c := model.Connection{
		ID:             uuid.New(),
		Provider:       arg.Provider,
		ExternalLogin:  arg.ExternalLogin,
		AccessTokenEnc: arg.AccessTokenEnc,
	}
	q.f.connections[c.ID] = c
	q.f.connOrder = append(q.f.connOrder, c.ID)
	return c, nil
}

func (q queries) GetConnection(ctx context.Context, id uuid.UUID) (model.Connection, error) {
	unlock, err := q.lock("GetConnection")
	defer unlock()
	if err != nil {
		return model.Connection{}, err
	}
	c, ok := q.f.connections[id]
	if !ok {
		return model.Connection{}, custom_errors.ErrConnectionNotFound
	}
	return c, nil
}

func (q queries) ListConnections(ctx context.Context) ([]model.Connection, error) {
	unlock, err := q.lock("ListConnections")
	defer unlock()
	if err != nil {
		return nil, err
	}
	out := make([]model.Connection, 0, len(q.f.connOrder))
	for _, id := range q.f.connOrder {
		out = append(out, q.f.connections[id])
	}
	return out, nil
}

func (q queries) UpdateConnectionSyncStatus(ctx context.Context, arg database.UpdateConnectionSyncStatusParams) error {
	unlock, err := q.lock("UpdateConnectionSyncStatus")
	defer unlock()
	if err != nil {
		return err
	}
	c, ok := q.f.connections[arg.ID]
	if !ok {
		return custom_errors.ErrConnectionNotFound
	}
	at := arg.At
	c.LastSyncStatus = arg.Status
	c.LastSyncAt = &at
	c.LastSyncError = arg.Error
	q.f.connections[arg.ID] = c
	return nil
}
