// internal/aggregate/delta.go

// Package aggregate maintains the additive daily rollups derived from newly
// ingested commits and serves the analytics reads built on top of them.
package aggregate

import (
	"strings"
	"time"
	"unicode/utf8"

	"repo-pulse/internal/model"
)

// ShortMessageThreshold is the trimmed message length below which a commit
// message counts as short.
const ShortMessageThreshold = 50

// BucketFor maps a commit's churn to its size bucket.
func BucketFor(churn int) model.SizeBucket {
	switch {
	case churn <= 10:
		return model.BucketTiny
	case churn <= 50:
		return model.BucketSmall
	case churn <= 100:
		return model.BucketMedium
	default:
		return model.BucketLarge
	}
}

// FileDelta is the per-file contribution of one commit.
type FileDelta struct {
	Path    string
	Added   int
	Deleted int
}

// CommitDelta is everything one newly created commit adds to the rollups.
type CommitDelta struct {
	CommittedAt   time.Time
	ProjectID     int64
	RepositoryID  int64
	AuthorID      *int64
	Added         int
	Deleted       int
	FilesChanged  int
	MessageLength int
	Files         []FileDelta
}

// NewCommitDelta builds the delta for a stored commit and its parsed files.
// The author dimension falls back to the committer when the commit has no author.
func NewCommitDelta(projectID int64, c model.Commit, files []model.CommitFile) CommitDelta {
	authorID := c.AuthorID
	if authorID == nil {
		authorID = c.CommitterID
	}
	d := CommitDelta{
		CommittedAt:   c.CommittedAt,
		ProjectID:     projectID,
		RepositoryID:  c.RepositoryID,
		AuthorID:      authorID,
		Added:         c.AddedLines,
		Deleted:       c.DeletedLines,
		FilesChanged:  len(files),
		MessageLength: utf8.RuneCountInString(strings.TrimSpace(c.Message)),
		Files:         make([]FileDelta, 0, len(files)),
	}
	for _, f := range files {
		d.Files = append(d.Files, FileDelta{Path: f.Path, Added: f.AddedLines, Deleted: f.DeletedLines})
	}
	return d
}

// Day is the UTC calendar date of the commit.
func (d CommitDelta) Day() time.Time {
	t := d.CommittedAt.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (d CommitDelta) Hour() int {
	return d.CommittedAt.UTC().Hour()
}

func (d CommitDelta) Churn() int {
	return d.Added + d.Deleted
}

func (d CommitDelta) shortFlag() int64 {
	if d.MessageLength < ShortMessageThreshold {
		return 1
	}
	return 0
}
