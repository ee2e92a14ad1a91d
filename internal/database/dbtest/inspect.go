// internal/database/dbtest/inspect.go
package dbtest

import (
	"sort"

	"github.com/google/uuid"

	"repo-pulse/internal/model"
)

// The accessors below read committed and in-flight state for assertions.

func (f *Fake) CommitBySHA(sha string) (model.Commit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.commits[sha]
	return c, ok
}

func (f *Fake) CommitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits)
}

func (f *Fake) FilesFor(sha string) []model.CommitFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.CommitFile{}, f.files[sha]...)
}

// BranchesFor returns the repository's branches sorted by name.
func (f *Fake) BranchesFor(repoID int64) []model.Branch {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Branch
	for _, b := range f.branches[repoID] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *Fake) Projects() []model.Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Project
	for _, p := range f.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fake) Repositories() []model.Repository {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Repository
	for _, r := range f.repos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fake) Author(email string) (model.Author, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.authors[email]
	return a, ok
}

// TotalRollupCommits sums commits in the hour dimension, which counts every
// ingested commit exactly once.
func (f *Fake) TotalRollupCommits() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.hourDays {
		n += r.Commits
	}
	return n
}

func (f *Fake) AuthorRollup() []model.AuthorRepoDay {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AuthorRepoDay
	for _, r := range f.authorDays {
		out = append(out, r)
	}
	return out
}

func (f *Fake) FileRollup() []model.FileRepoDay {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.FileRepoDay
	for _, r := range f.fileDays {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (f *Fake) SizeRollup() map[model.SizeBucket]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[model.SizeBucket]int64{}
	for _, r := range f.sizeDays {
		out[r.Bucket] += r.Count
	}
	return out
}

func (f *Fake) Connection(id uuid.UUID) (model.Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.connections[id]
	return c, ok
}
