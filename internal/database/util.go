// internal/database/util.go
package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"repo-pulse/internal/aggregate"
)

func nullTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

// whereBuilder accumulates positional predicates.
type whereBuilder struct {
	conds []string
	args  []interface{}
}

func (w *whereBuilder) add(format string, v interface{}) {
	w.args = append(w.args, v)
	w.conds = append(w.conds, fmt.Sprintf(format, len(w.args)))
}

func (w *whereBuilder) arg(v interface{}) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// rollupFilter applies the common filter to a rollup table. withAuthors adds
// the author restriction, only meaningful for the author dimension.
func rollupFilter(f aggregate.Filter, withAuthors bool) *whereBuilder {
	w := &whereBuilder{}
	if f.Since != nil {
		w.add("day >= $%d::date", *f.Since)
	}
	if f.Until != nil {
		w.add("day <= $%d::date", *f.Until)
	}
	if f.ProjectID != nil {
		w.add("project_id = $%d", *f.ProjectID)
	}
	if len(f.RepoIDs) > 0 {
		w.add("repository_id = ANY($%d::bigint[])", f.RepoIDs)
	}
	if withAuthors && len(f.AuthorIDs) > 0 {
		w.add("author_id = ANY($%d::bigint[])", f.AuthorIDs)
	}
	return w
}
