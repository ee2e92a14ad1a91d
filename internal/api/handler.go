// internal/api/handler.go
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"repo-pulse/internal/aggregate"
	"repo-pulse/internal/cursor"
	"repo-pulse/internal/database"
	custom_errors "repo-pulse/internal/errors"
	"repo-pulse/internal/model"
	"repo-pulse/internal/syncer"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	defaultTopN     = 10
)

// SyncTrigger starts a background sync of one connection.
type SyncTrigger interface {
	Enqueue(ctx context.Context, id uuid.UUID) (model.SyncStatus, error)
}

// Deps are the collaborators of the HTTP API.
type Deps struct {
	DB       database.Querier
	Sync     SyncTrigger
	State    *syncer.State
	Gatherer prometheus.Gatherer
	// SyncContext bounds syncs started through the API. It outlives requests.
	SyncContext context.Context
	Logger      *slog.Logger
}

// Handler is the container for API dependencies.
type Handler struct {
	db      database.Querier
	reader  *aggregate.Reader
	sync    SyncTrigger
	state   *syncer.State
	syncCtx context.Context
	logger  *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(deps Deps) http.Handler {
	h := &Handler{
		db:      deps.DB,
		reader:  aggregate.NewReader(deps.DB),
		sync:    deps.Sync,
		state:   deps.State,
		syncCtx: deps.SyncContext,
		logger:  deps.Logger,
	}
	if h.syncCtx == nil {
		h.syncCtx = context.Background()
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/sync/status", h.getSyncStatus)
		r.Post("/connections/{id}/sync", h.triggerSync)
		r.Get("/commits", h.getCommits)
		r.Get("/metrics/summary", h.getMetricsSummary)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getSyncStatus reports the Source API sync tracker.
// GET /v1/sync/status
func (h *Handler) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.state == nil {
		respondWithJSON(w, http.StatusOK, syncer.Snapshot{})
		return
	}
	respondWithJSON(w, http.StatusOK, h.state.Snapshot())
}

// triggerSync queues a sync of one connection.
// POST /v1/connections/{id}/sync
func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid connection id")
		return
	}
	if h.sync == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Sync is not enabled")
		return
	}

	status, err := h.sync.Enqueue(h.syncCtx, id)
	if err != nil {
		if errors.Is(err, custom_errors.ErrConnectionNotFound) {
			respondWithError(w, http.StatusNotFound, "Connection not found")
			return
		}
		h.logger.Error("Failed to enqueue sync", "connection_id", id, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	code := http.StatusAccepted
	if status == model.StatusAlreadyRunning {
		code = http.StatusConflict
	}
	respondWithJSON(w, code, map[string]string{"status": string(status)})
}

type commitResponse struct {
	SHA            string    `json:"sha"`
	RepositoryID   int64     `json:"repository_id"`
	AuthorName     string    `json:"author_name"`
	AuthorEmail    string    `json:"author_email"`
	CommitterName  string    `json:"committer_name"`
	CommitterEmail string    `json:"committer_email"`
	Message        string    `json:"message"`
	Parents        []string  `json:"parents"`
	IsMerge        bool      `json:"is_merge"`
	AddedLines     int       `json:"added_lines"`
	DeletedLines   int       `json:"deleted_lines"`
	FilesChanged   int       `json:"files_changed"`
	CommittedAt    time.Time `json:"committed_at"`
}

type commitPage struct {
	Items      []commitResponse `json:"items"`
	NextCursor *string          `json:"next_cursor"`
}

// getCommits serves the commit feed newest first with keyset pagination.
// GET /v1/commits?limit=N&cursor=C&since=&until=&project_id=&repo_ids=&author_ids=
func (h *Handler) getCommits(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, "limit", defaultPageSize)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	var pos *cursor.Position
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		p, err := cursor.Decode(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		pos = &p
	}

	page := commitPage{Items: []commitResponse{}}
	if filter.RepoIDs != nil && len(filter.RepoIDs) == 0 {
		respondWithJSON(w, http.StatusOK, page)
		return
	}

	rows, err := h.db.ListRecentCommits(r.Context(), database.ListRecentCommitsParams{
		Filter: filter,
		Limit:  limit,
		Cursor: pos,
	})
	if err != nil {
		h.logger.Error("Failed to list commits", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	rows, next := cursor.Trim(rows, limit, func(c model.Commit) cursor.Position {
		return cursor.Position{Time: c.CommittedAt, Key: c.SHA}
	})
	for _, c := range rows {
		page.Items = append(page.Items, commitResponse{
			SHA:            c.SHA,
			RepositoryID:   c.RepositoryID,
			AuthorName:     c.AuthorName,
			AuthorEmail:    c.AuthorEmail,
			CommitterName:  c.CommitterName,
			CommitterEmail: c.CommitterEmail,
			Message:        c.Message,
			Parents:        c.Parents,
			IsMerge:        c.IsMerge,
			AddedLines:     c.AddedLines,
			DeletedLines:   c.DeletedLines,
			FilesChanged:   c.FilesChanged,
			CommittedAt:    c.CommittedAt,
		})
	}
	if next != "" {
		page.NextCursor = &next
	}
	respondWithJSON(w, http.StatusOK, page)
}

type metricsSummary struct {
	KPIs           aggregate.KPIs           `json:"kpis"`
	Daily          []aggregate.DailyPoint   `json:"daily"`
	Hourly         []aggregate.HourPoint    `json:"hourly"`
	Weekday        []aggregate.WeekdayPoint `json:"weekday"`
	TopAuthors     []aggregate.AuthorRow    `json:"top_authors"`
	MessageQuality aggregate.MessageQuality `json:"message_quality"`
	SizeHistogram  aggregate.SizeHistogram  `json:"size_histogram"`
	HotFiles       []aggregate.HotFile      `json:"hot_files"`
}

// getMetricsSummary runs every rollup read for one filter.
// GET /v1/metrics/summary?since=&until=&project_id=&repo_ids=&author_ids=&top=N
func (h *Handler) getMetricsSummary(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	top, err := parseLimit(r, "top", defaultTopN)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	var out metricsSummary
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		out.KPIs, err = h.reader.KPIs(ctx, filter)
		return err
	})
	g.Go(func() (err error) {
		out.Daily, err = h.reader.DailyCommits(ctx, filter)
		return err
	})
	g.Go(func() (err error) {
		out.Hourly, err = h.reader.HourlyHeatmap(ctx, filter)
		return err
	})
	g.Go(func() (err error) {
		out.Weekday, err = h.reader.WeekdayHeatmap(ctx, filter)
		return err
	})
	g.Go(func() (err error) {
		out.TopAuthors, err = h.reader.TopAuthors(ctx, filter, top)
		return err
	})
	g.Go(func() (err error) {
		out.MessageQuality, err = h.reader.MessageQuality(ctx, filter)
		return err
	})
	g.Go(func() (err error) {
		out.SizeHistogram, err = h.reader.SizeHistogram(ctx, filter)
		return err
	})
	g.Go(func() (err error) {
		out.HotFiles, err = h.reader.HotFiles(ctx, filter, top)
		return err
	})
	if err := g.Wait(); err != nil {
		h.logger.Error("Failed to read metrics", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, out)
}
