// internal/aggregate/reader.go
package aggregate

import (
	"context"
	"math"
	"time"

	"repo-pulse/internal/model"
)

// Filter narrows rollup reads. A nil RepoIDs means no repository filter; a
// non-nil empty RepoIDs matches nothing.
type Filter struct {
	Since     *time.Time
	Until     *time.Time
	ProjectID *int64
	RepoIDs   []int64
	AuthorIDs []int64
}

func (f Filter) matchesNothing() bool {
	return f.RepoIDs != nil && len(f.RepoIDs) == 0
}

type KPIs struct {
	Commits       int64 `json:"commits"`
	ActiveAuthors int64 `json:"active_authors"`
	ActiveRepos   int64 `json:"active_repos"`
}

type DailyPoint struct {
	Day     time.Time `json:"day"`
	Commits int64     `json:"commits"`
}

type HourPoint struct {
	Hour         int   `json:"hour"`
	Commits      int64 `json:"commits"`
	LinesAdded   int64 `json:"lines_added"`
	LinesDeleted int64 `json:"lines_deleted"`
}

// WeekdayPoint uses 0 for Sunday through 6 for Saturday.
type WeekdayPoint struct {
	Weekday int   `json:"weekday"`
	Commits int64 `json:"commits"`
}

type AuthorRow struct {
	AuthorID int64  `json:"author_id"`
	Commits  int64  `json:"commits"`
	Lines    int64  `json:"lines"`
	GitName  string `json:"git_name"`
	GitEmail string `json:"git_email"`
}

// MessageTotals are the raw sums behind MessageQuality.
type MessageTotals struct {
	TotalLength int64
	ShortCount  int64
	Commits     int64
}

type MessageQuality struct {
	AvgLength    float64 `json:"avg_length"`
	ShortPercent float64 `json:"short_pct"`
	TotalCommits int64   `json:"total_commits"`
}

type HistogramBin struct {
	Bucket model.SizeBucket `json:"bucket"`
	Count  int64            `json:"count"`
}

type SizeHistogram struct {
	Bins         []HistogramBin `json:"histogram"`
	ApproxMean   *float64       `json:"approx_avg_churn"`
	ApproxMedian *float64       `json:"approx_median_churn"`
}

type HotFile struct {
	Path         string `json:"path"`
	CommitsTouch int64  `json:"commits_touch"`
	LinesAdded   int64  `json:"lines_added"`
	LinesDeleted int64  `json:"lines_deleted"`
	Churn        int64  `json:"churn"`
}

// Store runs the grouped rollup queries. Implementations apply Since, Until,
// ProjectID and a non-empty RepoIDs to every query and AuthorIDs to the
// author dimension.
type Store interface {
	SumKPIs(ctx context.Context, f Filter) (KPIs, error)
	SumDailyCommits(ctx context.Context, f Filter) ([]DailyPoint, error)
	SumHourly(ctx context.Context, f Filter) ([]HourPoint, error)
	SumWeekday(ctx context.Context, f Filter) ([]WeekdayPoint, error)
	TopAuthors(ctx context.Context, f Filter, limit int) ([]AuthorRow, error)
	SumMessageTotals(ctx context.Context, f Filter) (MessageTotals, error)
	SumSizeBuckets(ctx context.Context, f Filter) (map[model.SizeBucket]int64, error)
	TopHotFiles(ctx context.Context, f Filter, limit int) ([]HotFile, error)
}

var bucketCenters = map[model.SizeBucket]float64{
	model.BucketTiny:   5,
	model.BucketSmall:  30.5,
	model.BucketMedium: 75.5,
	model.BucketLarge:  125,
}

// Reader serves analytics over the rollups.
type Reader struct {
	store Store
}

func NewReader(store Store) *Reader {
	return &Reader{store: store}
}

func (r *Reader) KPIs(ctx context.Context, f Filter) (KPIs, error) {
	if f.matchesNothing() {
		return KPIs{}, nil
	}
	return r.store.SumKPIs(ctx, f)
}

// DailyCommits returns commits per day in ascending day order.
func (r *Reader) DailyCommits(ctx context.Context, f Filter) ([]DailyPoint, error) {
	if f.matchesNothing() {
		return []DailyPoint{}, nil
	}
	return r.store.SumDailyCommits(ctx, f)
}

func (r *Reader) HourlyHeatmap(ctx context.Context, f Filter) ([]HourPoint, error) {
	if f.matchesNothing() {
		return []HourPoint{}, nil
	}
	return r.store.SumHourly(ctx, f)
}

func (r *Reader) WeekdayHeatmap(ctx context.Context, f Filter) ([]WeekdayPoint, error) {
	if f.matchesNothing() {
		return []WeekdayPoint{}, nil
	}
	return r.store.SumWeekday(ctx, f)
}

// TopAuthors ranks authors by commits, then by lines changed.
func (r *Reader) TopAuthors(ctx context.Context, f Filter, limit int) ([]AuthorRow, error) {
	if f.matchesNothing() {
		return []AuthorRow{}, nil
	}
	return r.store.TopAuthors(ctx, f, limit)
}

func (r *Reader) MessageQuality(ctx context.Context, f Filter) (MessageQuality, error) {
	if f.matchesNothing() {
		return MessageQuality{}, nil
	}
	totals, err := r.store.SumMessageTotals(ctx, f)
	if err != nil {
		return MessageQuality{}, err
	}
	q := MessageQuality{TotalCommits: totals.Commits}
	if totals.Commits > 0 {
		q.AvgLength = round2(float64(totals.TotalLength) / float64(totals.Commits))
		q.ShortPercent = round2(float64(totals.ShortCount) / float64(totals.Commits) * 100)
	}
	return q, nil
}

// SizeHistogram returns every bucket in order with approximate mean and
// median churn derived from bucket centers.
func (r *Reader) SizeHistogram(ctx context.Context, f Filter) (SizeHistogram, error) {
	if f.matchesNothing() {
		return SizeHistogram{Bins: []HistogramBin{}}, nil
	}
	counts, err := r.store.SumSizeBuckets(ctx, f)
	if err != nil {
		return SizeHistogram{}, err
	}
	return HistogramStats(counts), nil
}

// HotFiles ranks paths by churn, then by commit touches.
func (r *Reader) HotFiles(ctx context.Context, f Filter, limit int) ([]HotFile, error) {
	if f.matchesNothing() {
		return []HotFile{}, nil
	}
	return r.store.TopHotFiles(ctx, f, limit)
}

// HistogramStats builds the ordered histogram for the given bucket counts.
// The median is the center of the first bucket whose cumulative count reaches
// ceil(total/2).
func HistogramStats(counts map[model.SizeBucket]int64) SizeHistogram {
	h := SizeHistogram{Bins: make([]HistogramBin, 0, len(model.SizeBuckets))}
	var total int64
	var weighted float64
	for _, b := range model.SizeBuckets {
		c := counts[b]
		h.Bins = append(h.Bins, HistogramBin{Bucket: b, Count: c})
		total += c
		weighted += bucketCenters[b] * float64(c)
	}
	if total == 0 {
		return h
	}

	mean := weighted / float64(total)
	h.ApproxMean = &mean

	threshold := (total + 1) / 2
	var cumulative int64
	for _, bin := range h.Bins {
		cumulative += bin.Count
		if cumulative >= threshold {
			median := bucketCenters[bin.Bucket]
			h.ApproxMedian = &median
			break
		}
	}
	return h
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
