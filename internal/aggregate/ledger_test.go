// internal/aggregate/ledger_test.go
package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-pulse/internal/model"
)

// recordingWriter keeps what was flushed and applies upserts additively,
// standing in for the database.
type recordingWriter struct {
	calls   int
	failOn  string
	authors map[authorKey]model.AuthorRepoDay
	hours   map[hourKey]model.HourRepoDay
	sizes   map[sizeKey]model.SizeBucketRepoDay
	files   map[fileKey]model.FileRepoDay
	batches [][]model.HourRepoDay
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{
		authors: map[authorKey]model.AuthorRepoDay{},
		hours:   map[hourKey]model.HourRepoDay{},
		sizes:   map[sizeKey]model.SizeBucketRepoDay{},
		files:   map[fileKey]model.FileRepoDay{},
	}
}

func (w *recordingWriter) UpsertAuthorRepoDays(_ context.Context, rows []model.AuthorRepoDay) error {
	w.calls++
	if w.failOn == "author" {
		return errors.New("boom")
	}
	for _, r := range rows {
		k := authorKey{r.Day, r.ProjectID, r.RepositoryID, r.AuthorID}
		cur := w.authors[k]
		r.Commits += cur.Commits
		r.LinesAdded += cur.LinesAdded
		r.LinesDeleted += cur.LinesDeleted
		r.FilesChanged += cur.FilesChanged
		r.MsgTotalLen += cur.MsgTotalLen
		r.MsgShortCount += cur.MsgShortCount
		w.authors[k] = r
	}
	return nil
}

func (w *recordingWriter) UpsertHourRepoDays(_ context.Context, rows []model.HourRepoDay) error {
	w.calls++
	w.batches = append(w.batches, rows)
	for _, r := range rows {
		k := hourKey{r.Day, r.ProjectID, r.RepositoryID, r.Hour}
		cur := w.hours[k]
		r.Commits += cur.Commits
		r.LinesAdded += cur.LinesAdded
		r.LinesDeleted += cur.LinesDeleted
		w.hours[k] = r
	}
	return nil
}

func (w *recordingWriter) UpsertSizeBucketRepoDays(_ context.Context, rows []model.SizeBucketRepoDay) error {
	w.calls++
	for _, r := range rows {
		k := sizeKey{r.Day, r.ProjectID, r.RepositoryID, r.Bucket}
		cur := w.sizes[k]
		r.Count += cur.Count
		w.sizes[k] = r
	}
	return nil
}

func (w *recordingWriter) UpsertFileRepoDays(_ context.Context, rows []model.FileRepoDay) error {
	w.calls++
	for _, r := range rows {
		k := fileKey{r.Day, r.ProjectID, r.RepositoryID, r.Path}
		cur := w.files[k]
		r.CommitsTouch += cur.CommitsTouch
		r.LinesAdded += cur.LinesAdded
		r.LinesDeleted += cur.LinesDeleted
		r.Churn += cur.Churn
		w.files[k] = r
	}
	return nil
}

func int64Ptr(v int64) *int64 { return &v }

func delta(at time.Time, authorID int64, added, deleted int, msgLen int, files ...FileDelta) CommitDelta {
	return CommitDelta{
		CommittedAt:   at,
		ProjectID:     1,
		RepositoryID:  7,
		AuthorID:      int64Ptr(authorID),
		Added:         added,
		Deleted:       deleted,
		FilesChanged:  len(files),
		MessageLength: msgLen,
		Files:         files,
	}
}

func TestBucketFor(t *testing.T) {
	cases := map[int]model.SizeBucket{
		0:   model.BucketTiny,
		10:  model.BucketTiny,
		11:  model.BucketSmall,
		50:  model.BucketSmall,
		51:  model.BucketMedium,
		100: model.BucketMedium,
		101: model.BucketLarge,
		999: model.BucketLarge,
	}
	for churn, want := range cases {
		assert.Equal(t, want, BucketFor(churn), "churn %d", churn)
	}
}

func TestLedger_MergesSameKeyBeforeWriting(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 5, 1, 14, 10, 0, 0, time.UTC)

	ledger := NewLedger()
	ledger.Accumulate(delta(day, 42, 5, 2, 10))
	ledger.Accumulate(delta(day.Add(20*time.Minute), 42, 3, 0, 80))
	require.Equal(t, 2, ledger.Pending())

	w := newRecordingWriter()
	_, err := ledger.Flush(ctx, w)
	require.NoError(t, err)

	require.Len(t, w.authors, 1)
	for _, row := range w.authors {
		assert.Equal(t, int64(2), row.Commits)
		assert.Equal(t, int64(8), row.LinesAdded)
		assert.Equal(t, int64(2), row.LinesDeleted)
		assert.Equal(t, int64(90), row.MsgTotalLen)
		assert.Equal(t, int64(1), row.MsgShortCount)
	}
	require.Len(t, w.batches, 1)
	assert.Len(t, w.batches[0], 1, "both commits fall in hour 14 and must be merged client-side")
	assert.Equal(t, 0, ledger.Pending())
}

func TestLedger_FlushIsAdditiveAndOrderIndependent(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	deltas := []CommitDelta{
		delta(base, 1, 5, 1, 60, FileDelta{Path: "a.go", Added: 5, Deleted: 1}),
		delta(base.Add(time.Hour), 2, 40, 20, 12, FileDelta{Path: "a.go", Added: 40, Deleted: 20}),
		delta(base.Add(26*time.Hour), 1, 200, 0, 5, FileDelta{Path: "b.go", Added: 200}),
	}

	inOneFlush := newRecordingWriter()
	l1 := NewLedger()
	for _, d := range deltas {
		l1.Accumulate(d)
	}
	_, err := l1.Flush(ctx, inOneFlush)
	require.NoError(t, err)

	reversedSeparately := newRecordingWriter()
	l2 := NewLedger()
	for i := len(deltas) - 1; i >= 0; i-- {
		l2.Accumulate(deltas[i])
		_, err := l2.Flush(ctx, reversedSeparately)
		require.NoError(t, err)
	}

	assert.Equal(t, inOneFlush.authors, reversedSeparately.authors)
	assert.Equal(t, inOneFlush.hours, reversedSeparately.hours)
	assert.Equal(t, inOneFlush.sizes, reversedSeparately.sizes)
	assert.Equal(t, inOneFlush.files, reversedSeparately.files)

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	hot := inOneFlush.files[fileKey{day, 1, 7, "a.go"}]
	assert.Equal(t, int64(2), hot.CommitsTouch)
	assert.Equal(t, int64(66), hot.Churn)
	assert.Equal(t, int64(1), inOneFlush.sizes[sizeKey{day, 1, 7, model.BucketTiny}].Count)
	assert.Equal(t, int64(1), inOneFlush.sizes[sizeKey{day, 1, 7, model.BucketMedium}].Count)
}

func TestLedger_FlushErrorKeepsBufferAndResetDiscards(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger()
	ledger.Accumulate(delta(time.Now(), 1, 1, 1, 1))

	w := newRecordingWriter()
	w.failOn = "author"
	_, err := ledger.Flush(ctx, w)
	require.Error(t, err)
	assert.Equal(t, 1, ledger.Pending())

	ledger.Reset()
	assert.Equal(t, 0, ledger.Pending())

	w.failOn = ""
	w.calls = 0
	written, err := ledger.Flush(ctx, w)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Zero(t, w.calls, "an empty ledger issues no writes")
}

func TestLedger_SkipsAuthorDimensionWithoutAuthor(t *testing.T) {
	d := delta(time.Now(), 1, 1, 0, 3)
	d.AuthorID = nil

	ledger := NewLedger()
	ledger.Accumulate(d)
	w := newRecordingWriter()
	_, err := ledger.Flush(context.Background(), w)
	require.NoError(t, err)

	assert.Empty(t, w.authors)
	assert.Len(t, w.hours, 1)
}

func TestNewCommitDelta(t *testing.T) {
	committer := int64(9)
	c := model.Commit{
		SHA:          "abc",
		RepositoryID: 7,
		CommitterID:  &committer,
		Message:      "  fix: trim me  \n",
		AddedLines:   4,
		DeletedLines: 1,
		CommittedAt:  time.Date(2024, 2, 29, 23, 30, 0, 0, time.FixedZone("X", -2*60*60)),
	}
	files := []model.CommitFile{{Path: "x.go", AddedLines: 4, DeletedLines: 1}}

	d := NewCommitDelta(3, c, files)

	require.NotNil(t, d.AuthorID)
	assert.Equal(t, int64(9), *d.AuthorID, "falls back to the committer")
	assert.Equal(t, len("fix: trim me"), d.MessageLength)
	assert.Equal(t, 1, d.FilesChanged)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), d.Day())
	assert.Equal(t, 1, d.Hour())
	assert.Equal(t, int64(1), d.shortFlag())
}
