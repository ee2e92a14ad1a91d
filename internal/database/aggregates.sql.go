// internal/database/aggregates.sql.go
package database

import (
	"context"
	"time"

	"repo-pulse/internal/aggregate"
	"repo-pulse/internal/model"
)

// Rollup upserts expect rows pre-merged by key: Postgres rejects an
// ON CONFLICT DO UPDATE statement that touches the same row twice.

const upsertAuthorRepoDays = `
INSERT INTO agg_author_repo_day (
    day, project_id, repository_id, author_id, commits, lines_added,
    lines_deleted, files_changed, msg_total_len, msg_short_count
)
SELECT * FROM unnest(
    $1::date[], $2::bigint[], $3::bigint[], $4::bigint[], $5::bigint[],
    $6::bigint[], $7::bigint[], $8::bigint[], $9::bigint[], $10::bigint[]
)
ON CONFLICT (day, repository_id, author_id) DO UPDATE SET
    commits = agg_author_repo_day.commits + EXCLUDED.commits,
    lines_added = agg_author_repo_day.lines_added + EXCLUDED.lines_added,
    lines_deleted = agg_author_repo_day.lines_deleted + EXCLUDED.lines_deleted,
    files_changed = agg_author_repo_day.files_changed + EXCLUDED.files_changed,
    msg_total_len = agg_author_repo_day.msg_total_len + EXCLUDED.msg_total_len,
    msg_short_count = agg_author_repo_day.msg_short_count + EXCLUDED.msg_short_count`

func (q *Queries) UpsertAuthorRepoDays(ctx context.Context, rows []model.AuthorRepoDay) error {
	n := len(rows)
	days := make([]time.Time, n)
	projects, repos, authors := make([]int64, n), make([]int64, n), make([]int64, n)
	commits, added, deleted, files := make([]int64, n), make([]int64, n), make([]int64, n), make([]int64, n)
	msgLen, msgShort := make([]int64, n), make([]int64, n)
	for i, r := range rows {
		days[i] = r.Day
		projects[i] = r.ProjectID
		repos[i] = r.RepositoryID
		authors[i] = r.AuthorID
		commits[i] = r.Commits
		added[i] = r.LinesAdded
		deleted[i] = r.LinesDeleted
		files[i] = r.FilesChanged
		msgLen[i] = r.MsgTotalLen
		msgShort[i] = r.MsgShortCount
	}
	_, err := q.db.Exec(ctx, upsertAuthorRepoDays, days, projects, repos, authors, commits, added, deleted, files, msgLen, msgShort)
	return err
}

const upsertHourRepoDays = `
INSERT INTO agg_hour_repo_day (day, project_id, repository_id, hour, commits, lines_added, lines_deleted)
SELECT * FROM unnest($1::date[], $2::bigint[], $3::bigint[], $4::smallint[], $5::bigint[], $6::bigint[], $7::bigint[])
ON CONFLICT (day, repository_id, hour) DO UPDATE SET
    commits = agg_hour_repo_day.commits + EXCLUDED.commits,
    lines_added = agg_hour_repo_day.lines_added + EXCLUDED.lines_added,
    lines_deleted = agg_hour_repo_day.lines_deleted + EXCLUDED.lines_deleted`

func (q *Queries) UpsertHourRepoDays(ctx context.Context, rows []model.HourRepoDay) error {
	n := len(rows)
	days := make([]time.Time, n)
	projects, repos := make([]int64, n), make([]int64, n)
	hours := make([]int16, n)
	commits, added, deleted := make([]int64, n), make([]int64, n), make([]int64, n)
	for i, r := range rows {
		days[i] = r.Day
		projects[i] = r.ProjectID
		repos[i] = r.RepositoryID
		hours[i] = int16(r.Hour)
		commits[i] = r.Commits
		added[i] = r.LinesAdded
		deleted[i] = r.LinesDeleted
	}
	_, err := q.db.Exec(ctx, upsertHourRepoDays, days, projects, repos, hours, commits, added, deleted)
	return err
}

const upsertSizeBucketRepoDays = `
INSERT INTO agg_size_bucket_repo_day (day, project_id, repository_id, bucket, cnt)
SELECT * FROM unnest($1::date[], $2::bigint[], $3::bigint[], $4::text[], $5::bigint[])
ON CONFLICT (day, repository_id, bucket) DO UPDATE SET
    cnt = agg_size_bucket_repo_day.cnt + EXCLUDED.cnt`

func (q *Queries) UpsertSizeBucketRepoDays(ctx context.Context, rows []model.SizeBucketRepoDay) error {
	n := len(rows)
	days := make([]time.Time, n)
	projects, repos, counts := make([]int64, n), make([]int64, n), make([]int64, n)
	buckets := make([]string, n)
	for i, r := range rows {
		days[i] = r.Day
		projects[i] = r.ProjectID
		repos[i] = r.RepositoryID
		buckets[i] = string(r.Bucket)
		counts[i] = r.Count
	}
	_, err := q.db.Exec(ctx, upsertSizeBucketRepoDays, days, projects, repos, buckets, counts)
	return err
}

const upsertFileRepoDays = `
INSERT INTO agg_file_repo_day (day, project_id, repository_id, path, commits_touch, lines_added, lines_deleted, churn)
SELECT * FROM unnest($1::date[], $2::bigint[], $3::bigint[], $4::text[], $5::bigint[], $6::bigint[], $7::bigint[], $8::bigint[])
ON CONFLICT (day, repository_id, path) DO UPDATE SET
    commits_touch = agg_file_repo_day.commits_touch + EXCLUDED.commits_touch,
    lines_added = agg_file_repo_day.lines_added + EXCLUDED.lines_added,
    lines_deleted = agg_file_repo_day.lines_deleted + EXCLUDED.lines_deleted,
    churn = agg_file_repo_day.churn + EXCLUDED.churn`

func (q *Queries) UpsertFileRepoDays(ctx context.Context, rows []model.FileRepoDay) error {
	n := len(rows)
	days := make([]time.Time, n)
	projects, repos := make([]int64, n), make([]int64, n)
	paths := make([]string, n)
	touches, added, deleted, churn := make([]int64, n), make([]int64, n), make([]int64, n), make([]int64, n)
	for i, r := range rows {
		days[i] = r.Day
		projects[i] = r.ProjectID
		repos[i] = r.RepositoryID
		paths[i] = r.Path
		touches[i] = r.CommitsTouch
		added[i] = r.LinesAdded
		deleted[i] = r.LinesDeleted
		churn[i] = r.Churn
	}
	_, err := q.db.Exec(ctx, upsertFileRepoDays, days, projects, repos, paths, touches, added, deleted, churn)
	return err
}

func (q *Queries) SumKPIs(ctx context.Context, f aggregate.Filter) (aggregate.KPIs, error) {
	w := rollupFilter(f, true)
	query := `SELECT COALESCE(SUM(commits), 0)::bigint, COUNT(DISTINCT author_id), COUNT(DISTINCT repository_id)
FROM agg_author_repo_day` + w.String()
	var k aggregate.KPIs
	err := q.db.QueryRow(ctx, query, w.args...).Scan(&k.Commits, &k.ActiveAuthors, &k.ActiveRepos)
	return k, err
}

func (q *Queries) SumDailyCommits(ctx context.Context, f aggregate.Filter) ([]aggregate.DailyPoint, error) {
	w := rollupFilter(f, true)
	query := `SELECT day, SUM(commits)::bigint FROM agg_author_repo_day` + w.String() + ` GROUP BY day ORDER BY day`
	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []aggregate.DailyPoint{}
	for rows.Next() {
		var p aggregate.DailyPoint
		if err := rows.Scan(&p.Day, &p.Commits); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (q *Queries) SumHourly(ctx context.Context, f aggregate.Filter) ([]aggregate.HourPoint, error) {
	w := rollupFilter(f, false)
	query := `SELECT hour::int, SUM(commits)::bigint, SUM(lines_added)::bigint, SUM(lines_deleted)::bigint
FROM agg_hour_repo_day` + w.String() + ` GROUP BY hour ORDER BY hour`
	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []aggregate.HourPoint{}
	for rows.Next() {
		var (
			p    aggregate.HourPoint
			hour int32
		)
		if err := rows.Scan(&hour, &p.Commits, &p.LinesAdded, &p.LinesDeleted); err != nil {
			return nil, err
		}
		p.Hour = int(hour)
		points = append(points, p)
	}
	return points, rows.Err()
}

// SumWeekday groups by Postgres day of week, 0 being Sunday.
func (q *Queries) SumWeekday(ctx context.Context, f aggregate.Filter) ([]aggregate.WeekdayPoint, error) {
	w := rollupFilter(f, false)
	query := `SELECT EXTRACT(DOW FROM day)::int AS weekday, SUM(commits)::bigint
FROM agg_hour_repo_day` + w.String() + ` GROUP BY weekday ORDER BY weekday`
	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []aggregate.WeekdayPoint{}
	for rows.Next() {
		var (
			p       aggregate.WeekdayPoint
			weekday int32
		)
		if err := rows.Scan(&weekday, &p.Commits); err != nil {
			return nil, err
		}
		p.Weekday = int(weekday)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (q *Queries) TopAuthors(ctx context.Context, f aggregate.Filter, limit int) ([]aggregate.AuthorRow, error) {
	w := rollupFilter(f, true)
	query := `SELECT d.author_id, SUM(d.commits)::bigint AS commits,
       SUM(d.lines_added + d.lines_deleted)::bigint AS lines,
       COALESCE(a.git_name, ''), COALESCE(a.git_email, '')
FROM (SELECT * FROM agg_author_repo_day` + w.String() + `) d
LEFT JOIN authors a ON a.id = d.author_id
GROUP BY d.author_id, a.git_name, a.git_email
ORDER BY commits DESC, lines DESC
LIMIT ` + w.arg(limit)
	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []aggregate.AuthorRow{}
	for rows.Next() {
		var r aggregate.AuthorRow
		if err := rows.Scan(&r.AuthorID, &r.Commits, &r.Lines, &r.GitName, &r.GitEmail); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Queries) SumMessageTotals(ctx context.Context, f aggregate.Filter) (aggregate.MessageTotals, error) {
	w := rollupFilter(f, true)
	query := `SELECT COALESCE(SUM(msg_total_len), 0)::bigint, COALESCE(SUM(msg_short_count), 0)::bigint,
       COALESCE(SUM(commits), 0)::bigint
FROM agg_author_repo_day` + w.String()
	var t aggregate.MessageTotals
	err := q.db.QueryRow(ctx, query, w.args...).Scan(&t.TotalLength, &t.ShortCount, &t.Commits)
	return t, err
}

func (q *Queries) SumSizeBuckets(ctx context.Context, f aggregate.Filter) (map[model.SizeBucket]int64, error) {
	w := rollupFilter(f, false)
	query := `SELECT bucket, SUM(cnt)::bigint FROM agg_size_bucket_repo_day` + w.String() + ` GROUP BY bucket`
	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.SizeBucket]int64, len(model.SizeBuckets))
	for rows.Next() {
		var (
			bucket string
			count  int64
		)
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, err
		}
		counts[model.SizeBucket(bucket)] = count
	}
	return counts, rows.Err()
}

func (q *Queries) TopHotFiles(ctx context.Context, f aggregate.Filter, limit int) ([]aggregate.HotFile, error) {
	w := rollupFilter(f, false)
	query := `SELECT path, SUM(commits_touch)::bigint AS commits_touch, SUM(lines_added)::bigint,
       SUM(lines_deleted)::bigint, SUM(churn)::bigint AS churn
FROM agg_file_repo_day` + w.String() + `
GROUP BY path
ORDER BY churn DESC, commits_touch DESC
LIMIT ` + w.arg(limit)
	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []aggregate.HotFile{}
	for rows.Next() {
		var h aggregate.HotFile
		if err := rows.Scan(&h.Path, &h.CommitsTouch, &h.LinesAdded, &h.LinesDeleted, &h.Churn); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
