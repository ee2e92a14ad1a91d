// internal/aggregate/ledger.go
package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"repo-pulse/internal/model"
)

// Writer persists pre-merged rollup rows with additive upserts.
type Writer interface {
	UpsertAuthorRepoDays(ctx context.Context, rows []model.AuthorRepoDay) error
	UpsertHourRepoDays(ctx context.Context, rows []model.HourRepoDay) error
	UpsertSizeBucketRepoDays(ctx context.Context, rows []model.SizeBucketRepoDay) error
	UpsertFileRepoDays(ctx context.Context, rows []model.FileRepoDay) error
}

// Ledger buffers rollup deltas between flushes.
type Ledger struct {
	mu      sync.Mutex
	authors []model.AuthorRepoDay
	hours   []model.HourRepoDay
	sizes   []model.SizeBucketRepoDay
	files   []model.FileRepoDay
	commits int
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Accumulate records the contribution of one newly created commit.
func (l *Ledger) Accumulate(d CommitDelta) {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := d.Day()
	if d.AuthorID != nil {
		l.authors = append(l.authors, model.AuthorRepoDay{
			Day:           day,
			ProjectID:     d.ProjectID,
			RepositoryID:  d.RepositoryID,
			AuthorID:      *d.AuthorID,
			Commits:       1,
			LinesAdded:    int64(d.Added),
			LinesDeleted:  int64(d.Deleted),
			FilesChanged:  int64(d.FilesChanged),
			MsgTotalLen:   int64(d.MessageLength),
			MsgShortCount: d.shortFlag(),
		})
	}
	l.hours = append(l.hours, model.HourRepoDay{
		Day:          day,
		ProjectID:    d.ProjectID,
		RepositoryID: d.RepositoryID,
		Hour:         d.Hour(),
		Commits:      1,
		LinesAdded:   int64(d.Added),
		LinesDeleted: int64(d.Deleted),
	})
	l.sizes = append(l.sizes, model.SizeBucketRepoDay{
		Day:          day,
		ProjectID:    d.ProjectID,
		RepositoryID: d.RepositoryID,
		Bucket:       BucketFor(d.Churn()),
		Count:        1,
	})
	for _, f := range d.Files {
		l.files = append(l.files, model.FileRepoDay{
			Day:          day,
			ProjectID:    d.ProjectID,
			RepositoryID: d.RepositoryID,
			Path:         f.Path,
			CommitsTouch: 1,
			LinesAdded:   int64(f.Added),
			LinesDeleted: int64(f.Deleted),
			Churn:        int64(f.Added + f.Deleted),
		})
	}
	l.commits++
}

// Pending returns the number of commits accumulated since the last flush.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commits
}

// Flush merges same-key deltas and writes one batch per non-empty dimension.
// The buffer is cleared only when every write succeeds.
func (l *Ledger) Flush(ctx context.Context, w Writer) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	authors := MergeAuthorRows(l.authors)
	hours := MergeHourRows(l.hours)
	sizes := MergeSizeRows(l.sizes)
	files := MergeFileRows(l.files)

	if len(authors) > 0 {
		if err := w.UpsertAuthorRepoDays(ctx, authors); err != nil {
			return 0, fmt.Errorf("upsert author rollup: %w", err)
		}
	}
	if len(hours) > 0 {
		if err := w.UpsertHourRepoDays(ctx, hours); err != nil {
			return 0, fmt.Errorf("upsert hour rollup: %w", err)
		}
	}
	if len(sizes) > 0 {
		if err := w.UpsertSizeBucketRepoDays(ctx, sizes); err != nil {
			return 0, fmt.Errorf("upsert size bucket rollup: %w", err)
		}
	}
	if len(files) > 0 {
		if err := w.UpsertFileRepoDays(ctx, files); err != nil {
			return 0, fmt.Errorf("upsert file rollup: %w", err)
		}
	}

	written := len(authors) + len(hours) + len(sizes) + len(files)
	l.reset()
	return written, nil
}

// Reset discards buffered deltas, used after the enclosing transaction rolls back.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
}

func (l *Ledger) reset() {
	l.authors = nil
	l.hours = nil
	l.sizes = nil
	l.files = nil
	l.commits = 0
}

type authorKey struct {
	day          time.Time
	projectID    int64
	repositoryID int64
	authorID     int64
}

// MergeAuthorRows sums rows sharing (day, project, repository, author),
// keeping first-seen order.
func MergeAuthorRows(rows []model.AuthorRepoDay) []model.AuthorRepoDay {
	idx := make(map[authorKey]int, len(rows))
	out := make([]model.AuthorRepoDay, 0, len(rows))
	for _, r := range rows {
		k := authorKey{r.Day, r.ProjectID, r.RepositoryID, r.AuthorID}
		if i, ok := idx[k]; ok {
			out[i].Commits += r.Commits
			out[i].LinesAdded += r.LinesAdded
			out[i].LinesDeleted += r.LinesDeleted
			out[i].FilesChanged += r.FilesChanged
			out[i].MsgTotalLen += r.MsgTotalLen
			out[i].MsgShortCount += r.MsgShortCount
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

type hourKey struct {
	day          time.Time
	projectID    int64
	repositoryID int64
	hour         int
}

func MergeHourRows(rows []model.HourRepoDay) []model.HourRepoDay {
	idx := make(map[hourKey]int, len(rows))
	out := make([]model.HourRepoDay, 0, len(rows))
	for _, r := range rows {
		k := hourKey{r.Day, r.ProjectID, r.RepositoryID, r.Hour}
		if i, ok := idx[k]; ok {
			out[i].Commits += r.Commits
			out[i].LinesAdded += r.LinesAdded
			out[i].LinesDeleted += r.LinesDeleted
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

type sizeKey struct {
	day          time.Time
	projectID    int64
	repositoryID int64
	bucket       model.SizeBucket
}

func MergeSizeRows(rows []model.SizeBucketRepoDay) []model.SizeBucketRepoDay {
	idx := make(map[sizeKey]int, len(rows))
	out := make([]model.SizeBucketRepoDay, 0, len(rows))
	for _, r := range rows {
		k := sizeKey{r.Day, r.ProjectID, r.RepositoryID, r.Bucket}
		if i, ok := idx[k]; ok {
			out[i].Count += r.Count
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

type fileKey struct {
	day          time.Time
	projectID    int64
	repositoryID int64
	path         string
}

func MergeFileRows(rows []model.FileRepoDay) []model.FileRepoDay {
	idx := make(map[fileKey]int, len(rows))
	out := make([]model.FileRepoDay, 0, len(rows))
	for _, r := range rows {
		k := fileKey{r.Day, r.ProjectID, r.RepositoryID, r.Path}
		if i, ok := idx[k]; ok {
			out[i].CommitsTouch += r.CommitsTouch
			out[i].LinesAdded += r.LinesAdded
			out[i].LinesDeleted += r.LinesDeleted
			out[i].Churn += r.Churn
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}
