// internal/model/models.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the last known outcome of a connection sync.
type SyncStatus string

const (
	StatusQueued         SyncStatus = "queued"
	StatusRunning        SyncStatus = "running"
	StatusOK             SyncStatus = "ok"
	StatusError          SyncStatus = "error"
	StatusSkipped        SyncStatus = "skipped"
	StatusAlreadyRunning SyncStatus = "already_running"
)

// SizeBucket classifies a commit by churn (added + deleted lines).
type SizeBucket string

const (
	BucketTiny   SizeBucket = "0-10"
	BucketSmall  SizeBucket = "11-50"
	BucketMedium SizeBucket = "51-100"
	BucketLarge  SizeBucket = "100+"
)

// SizeBuckets lists every bucket in display order.
var SizeBuckets = []SizeBucket{BucketTiny, BucketSmall, BucketMedium, BucketLarge}

// Project groups repositories. For GitHub it is the owning user or organization.
type Project struct {
	ID           int64
	Provider     string
	ExternalID   string
	Key          string
	Name         string
	Description  string
	ConnectionID *uuid.UUID
}

// Repository represents a repository tracked under a project.
type Repository struct {
	ID            int64
	ProjectID     int64
	Name          string
	Description   string
	DefaultBranch string
	IsFork        bool
	Topics        []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Branch struct {
	ID            int64
	RepositoryID  int64
	Name          string
	IsDefault     bool
	IsProtected   bool
	HeadCommitSHA string
}

// Author is a git identity keyed by its normalized email.
type Author struct {
	ID              int64
	GitName         string
	GitEmail        string
	EmailNormalized string
	FirstCommitAt   time.Time
	LastCommitAt    time.Time
}

type Commit struct {
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
	IsMerge        bool
	AddedLines     int
	DeletedLines   int
	FilesChanged   int
	DiffContent    string
	CommittedAt    time.Time
}

type CommitFile struct {
	CommitSHA    string
	Path         string
	Status       string
	AddedLines   int
	DeletedLines int
	IsBinary     bool
	Patch        string
}

// Connection is a stored provider credential owned by a user.
type Connection struct {
	ID             uuid.UUID
	Provider       string
	ExternalLogin  string
	AccessTokenEnc string
	LastSyncStatus SyncStatus
	LastSyncAt     *time.Time
	LastSyncError  string
}

// AuthorRepoDay is one row of the per-author daily rollup.
type AuthorRepoDay struct {
	Day           time.Time
	ProjectID     int64
	RepositoryID  int64
	AuthorID      int64
	Commits       int64
	LinesAdded    int64
	LinesDeleted  int64
	FilesChanged  int64
	MsgTotalLen   int64
	MsgShortCount int64
}

// HourRepoDay is one row of the per-hour daily rollup.
type HourRepoDay struct {
	Day          time.Time
	ProjectID    int64
	RepositoryID int64
	Hour         int
	Commits      int64
	LinesAdded   int64
	LinesDeleted int64
}

type SizeBucketRepoDay struct {
	Day          time.Time
	ProjectID    int64
	RepositoryID int64
	Bucket       SizeBucket
	Count        int64
}

type FileRepoDay struct {
	Day          time.Time
	ProjectID    int64
	RepositoryID int64
	Path         string
	CommitsTouch int64
	LinesAdded   int64
	LinesDeleted int64
	Churn        int64
}
