// internal/database/dbtest/rollups.go
package dbtest

import (
	"context"
	"sort"
	"time"

	"repo-pulse/internal/aggregate"
	"repo-pulse/internal/model"
)

func (q queries) UpsertAuthorRepoDays(ctx context.Context, rows []model.AuthorRepoDay) error {
	unlock, err := q.lock("UpsertAuthorRepoDays")
	defer unlock()
	if err != nil {
		return err
	}
	for _, r := range rows {
		k := authorDayKey{r.Day, r.RepositoryID, r.AuthorID}
		remember(q, q.f.authorDays, k)
		cur := q.f.authorDays[k]
		r.Commits += cur.Commits
		r.LinesAdded += cur.LinesAdded
		r.LinesDeleted += cur.LinesDeleted
		r.FilesChanged += cur.FilesChanged
		r.MsgTotalLen += cur.MsgTotalLen
		r.MsgShortCount += cur.MsgShortCount
		q.f.authorDays[k] = r
	}
	return nil
}

func (q queries) UpsertHourRepoDays(ctx context.Context, rows []model.HourRepoDay) error {
	unlock, err := q.lock("UpsertHourRepoDays")
	defer unlock()
	if err != nil {
		return err
	}
	for _, r := range rows {
		k := hourDayKey{r.Day, r.RepositoryID, r.Hour}
		remember(q, q.f.hourDays, k)
		cur := q.f.hourDays[k]
		r.Commits += cur.Commits
		r.LinesAdded += cur.LinesAdded
		r.LinesDeleted += cur.LinesDeleted
		q.f.hourDays[k] = r
	}
	return nil
}

func (q queries) UpsertSizeBucketRepoDays(ctx context.Context, rows []model.SizeBucketRepoDay) error {
	unlock, err := q.lock("UpsertSizeBucketRepoDays")
	defer unlock()
	if err != nil {
		return err
	}
	for _, r := range rows {
		k := sizeDayKey{r.Day, r.RepositoryID, r.Bucket}
		remember(q, q.f.sizeDays, k)
		r.Count += q.f.sizeDays[k].Count
		q.f.sizeDays[k] = r
	}
	return nil
}

func (q queries) UpsertFileRepoDays(ctx context.Context, rows []model.FileRepoDay) error {
	unlock, err := q.lock("UpsertFileRepoDays")
	defer unlock()
	if err != nil {
		return err
	}
	for _, r := range rows {
		k := fileDayKey{r.Day, r.RepositoryID, r.Path}
		remember(q, q.f.fileDays, k)
		cur := q.f.fileDays[k]
		r.CommitsTouch += cur.CommitsTouch
		r.LinesAdded += cur.LinesAdded
		r.LinesDeleted += cur.LinesDeleted
		r.Churn += cur.Churn
		q.f.fileDays[k] = r
	}
	return nil
}

func match(f aggregate.Filter, day time.Time, projectID, repoID int64) bool {
	if f.Since != nil && day.Before(truncateDay(*f.Since)) {
		return false
	}
	if f.Until != nil && day.After(truncateDay(*f.Until)) {
		return false
	}
	if f.ProjectID != nil && projectID != *f.ProjectID {
		return false
	}
	if len(f.RepoIDs) > 0 && !contains(f.RepoIDs, repoID) {
		return false
	}
	return true
}

func matchAuthor(f aggregate.Filter, r model.AuthorRepoDay) bool {
	if !match(f, r.Day, r.ProjectID, r.RepositoryID) {
		return false
	}
	return len(f.AuthorIDs) == 0 || contains(f.AuthorIDs, r.AuthorID)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (q queries) SumKPIs(ctx context.Context, f aggregate.Filter) (aggregate.KPIs, error) {
	unlock, err := q.lock("SumKPIs")
	defer unlock()
	if err != nil {
		return aggregate.KPIs{}, err
	}
	var k aggregate.KPIs
	authors, repos := map[int64]bool{}, map[int64]bool{}
	for _, r := range q.f.authorDays {
		if !matchAuthor(f, r) {
			continue
		}
		k.Commits += r.Commits
		authors[r.AuthorID] = true
		repos[r.RepositoryID] = true
	}
	k.ActiveAuthors = int64(len(authors))
	k.ActiveRepos = int64(len(repos))
	return k, nil
}

func (q queries) SumDailyCommits(ctx context.Context, f aggregate.Filter) ([]aggregate.DailyPoint, error) {
	unlock, err := q.lock("SumDailyCommits")
	defer unlock()
	if err != nil {
		return nil, err
	}
	byDay := map[time.Time]int64{}
	for _, r := range q.f.authorDays {
		if matchAuthor(f, r) {
			byDay[r.Day] += r.Commits
		}
	}
	out := []aggregate.DailyPoint{}
	for day, n := range byDay {
		out = append(out, aggregate.DailyPoint{Day: day, Commits: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (q queries) SumHourly(ctx context.Context, f aggregate.Filter) ([]aggregate.HourPoint, error) {
	unlock, err := q.lock("SumHourly")
	defer unlock()
	if err != nil {
		return nil, err
	}
	byHour := map[int]*aggregate.HourPoint{}
	for _, r := range q.f.hourDays {
		if !match(f, r.Day, r.ProjectID, r.RepositoryID) {
			continue
		}
		p, ok := byHour[r.Hour]
		if !ok {
			p = &aggregate.HourPoint{Hour: r.Hour}
			byHour[r.Hour] = p
		}
		p.Commits += r.Commits
		p.LinesAdded += r.LinesAdded
		p.LinesDeleted += r.LinesDeleted
	}
	out := []aggregate.HourPoint{}
	for _, p := range byHour {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out, nil
}

func (q queries) SumWeekday(ctx context.Context, f aggregate.Filter) ([]aggregate.WeekdayPoint, error) {
	unlock, err := q.lock("SumWeekday")
	defer unlock()
	if err != nil {
		return nil, err
	}
	byWeekday := map[int]int64{}
	for _, r := range q.f.hourDays {
		if match(f, r.Day, r.ProjectID, r.RepositoryID) {
			byWeekday[int(r.Day.Weekday())] += r.Commits
		}
	}
	out := []aggregate.WeekdayPoint{}
	for wd, n := range byWeekday {
		out = append(out, aggregate.WeekdayPoint{Weekday: wd, Commits: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weekday < out[j].Weekday })
	return out, nil
}

func (q queries) TopAuthors(ctx context.Context, f aggregate.Filter, limit int) ([]aggregate.AuthorRow, error) {
	unlock, err := q.lock("TopAuthors")
	defer unlock()
	if err != nil {
		return nil, err
	}
	byAuthor := map[int64]*aggregate.AuthorRow{}
	for _, r := range q.f.authorDays {
		if !matchAuthor(f, r) {
			continue
		}
		row, ok := byAuthor[r.AuthorID]
		if !ok {
			row = &aggregate.AuthorRow{AuthorID: r.AuthorID}
			for _, a := range q.f.authors {
				if a.ID == r.AuthorID {
					row.GitName, row.GitEmail = a.GitName, a.GitEmail
				}
			}
			byAuthor[r.AuthorID] = row
		}
		row.Commits += r.Commits
		row.Lines += r.LinesAdded + r.LinesDeleted
	}
	out := []aggregate.AuthorRow{}
	for _, row := range byAuthor {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Commits != out[j].Commits {
			return out[i].Commits > out[j].Commits
		}
		if out[i].Lines != out[j].Lines {
			return out[i].Lines > out[j].Lines
		}
		return out[i].AuthorID < out[j].AuthorID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q queries) SumMessageTotals(ctx context.Context, f aggregate.Filter) (aggregate.MessageTotals, error) {
	unlock, err := q.lock("SumMessageTotals")
	defer unlock()
	if err != nil {
		return aggregate.MessageTotals{}, err
	}
	var t aggregate.MessageTotals
	for _, r := range q.f.authorDays {
		if matchAuthor(f, r) {
			t.TotalLength += r.MsgTotalLen
			t.ShortCount += r.MsgShortCount
			t.Commits += r.Commits
		}
	}
	return t, nil
}

func (q queries) SumSizeBuckets(ctx context.Context, f aggregate.Filter) (map[model.SizeBucket]int64, error) {
	unlock, err := q.lock("SumSizeBuckets")
	defer unlock()
	if err != nil {
		return nil, err
	}
	out := map[model.SizeBucket]int64{}
	for _, r := range q.f.sizeDays {
		if match(f, r.Day, r.ProjectID, r.RepositoryID) {
			out[r.Bucket] += r.Count
		}
	}
	return out, nil
}

func (q queries) TopHotFiles(ctx context.Context, f aggregate.Filter, limit int) ([]aggregate.HotFile, error) {
	unlock, err := q.lock("TopHotFiles")
	defer unlock()
	if err != nil {
		return nil, err
	}
	byPath := map[string]*aggregate.HotFile{}
	for _, r := range q.f.fileDays {
		if !match(f, r.Day, r.ProjectID, r.RepositoryID) {
			continue
		}
		h, ok := byPath[r.Path]
		if !ok {
			h = &aggregate.HotFile{Path: r.Path}
			byPath[r.Path] = h
		}
		h.CommitsTouch += r.CommitsTouch
		h.LinesAdded += r.LinesAdded
		h.LinesDeleted += r.LinesDeleted
		h.Churn += r.Churn
	}
	out := []aggregate.HotFile{}
	for _, h := range byPath {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Churn != out[j].Churn {
			return out[i].Churn > out[j].Churn
		}
		if out[i].CommitsTouch != out[j].CommitsTouch {
			return out[i].CommitsTouch > out[j].CommitsTouch
		}
		return out[i].Path < out[j].Path
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
