// internal/scm/provider.go

// Package scm defines the capability set shared by source-control providers.
package scm

import (
	"context"
	"time"
)

// Project is an upstream grouping of repositories: a project key for the
// Source API, an owner login for GitHub.
type Project struct {
	ExternalID  string
	Key         string
	Name        string
	Description string
}

type Repository struct {
	Project       Project
	Name          string
	Description   string
	DefaultBranch string
	IsFork        bool
	Topics        []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Branch struct {
	Name          string
	IsProtected   bool
	HeadCommitSHA string
}

// Signature is a git identity on a commit. Either field may be empty.
type Signature struct {
	Name  string
	Email string
}

func (s Signature) IsZero() bool {
	return s.Name == "" && s.Email == ""
}

type Commit struct {
	SHA         string
	Author      Signature
	Committer   Signature
	Message     string
	Parents     []string
	CommittedAt time.Time
}

// ListCommitsOptions bounds a commit listing. A zero Since lists all history;
// a zero MaxPages means no page cap.
type ListCommitsOptions struct {
	Since    time.Time
	MaxPages int
	PageSize int
}

// PageFunc receives commits one page at a time, newest first. Returning an
// error stops the listing and is returned to the caller unchanged.
type PageFunc func(commits []Commit) error

// Provider lists projects, repositories, branches, commits and diffs from
// one upstream system.
type Provider interface {
	Name() string
	ListProjects(ctx context.Context) ([]Project, error)
	ListRepositories(ctx context.Context, project Project) ([]Repository, error)
	ListBranches(ctx context.Context, repo Repository) ([]Branch, error)
	ListCommits(ctx context.Context, repo Repository, opts ListCommitsOptions, fn PageFunc) error
	// GetDiff returns the unified diff text of a single commit.
	GetDiff(ctx context.Context, repo Repository, sha string) (string, error)
}
