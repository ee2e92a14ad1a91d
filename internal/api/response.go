// internal/api/response.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"repo-pulse/internal/aggregate"
)

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// parseLimit reads an integer query parameter between 1 and maxPageSize.
func parseLimit(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxPageSize {
		return 0, fmt.Errorf("invalid '%s' parameter: must be an integer between 1 and %d", name, maxPageSize)
	}
	return n, nil
}

// parseFilter builds a rollup filter from the query string. A present but
// empty repo_ids selects no repositories at all.
func parseFilter(r *http.Request) (aggregate.Filter, error) {
	q := r.URL.Query()
	var f aggregate.Filter

	var err error
	if f.Since, err = parseTimeParam(q, "since", false); err != nil {
		return f, err
	}
	if f.Until, err = parseTimeParam(q, "until", true); err != nil {
		return f, err
	}

	if raw := q.Get("project_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, errors.New("invalid 'project_id' parameter")
		}
		f.ProjectID = &id
	}

	if f.RepoIDs, err = parseIDList(q, "repo_ids"); err != nil {
		return f, err
	}
	if f.AuthorIDs, err = parseIDList(q, "author_ids"); err != nil {
		return f, err
	}
	return f, nil
}

// parseTimeParam accepts RFC 3339 or a bare YYYY-MM-DD date in UTC. With
// endOfDay a bare date covers that whole day.
func parseTimeParam(q map[string][]string, name string, endOfDay bool) (*time.Time, error) {
	values := q[name]
	if len(values) == 0 || values[0] == "" {
		return nil, nil
	}
	raw := values[0]
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid '%s' parameter: use RFC 3339 or YYYY-MM-DD", name)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// parseIDList returns nil when the parameter is absent and a non-nil slice
// otherwise. Values may be repeated or comma separated.
func parseIDList(q map[string][]string, name string) ([]int64, error) {
	values, ok := q[name]
	if !ok {
		return nil, nil
	}
	ids := []int64{}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid '%s' parameter", name)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
