// internal/source/client.go
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"repo-pulse/internal/diffparse"
	custom_errors "repo-pulse/internal/errors"
	"repo-pulse/internal/scm"
)

const (
	providerName = "source"

	DefaultPageSize = 50
	DefaultTimeout  = 15 * time.Second
)

// Config holds the connection settings for the Source API.
type Config struct {
	BaseURL  string
	Username string
	Password string
	PageSize int
	Timeout  time.Duration
}

// Client is a scm.Provider for the Source API. Every list endpoint answers
// with a {data, status, page} envelope and pages through page.next_cursor.
type Client struct {
	baseURL    string
	username   string
	password   string
	pageSize   int
	httpClient *http.Client
	logger     *slog.Logger
}

var _ scm.Provider = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("source API base URL must be provided")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		pageSize:   cfg.PageSize,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("provider", providerName),
	}, nil
}

func (c *Client) Name() string { return providerName }

type pageMeta struct {
	NextCursor string `json:"next_cursor"`
}

type listEnvelope[T any] struct {
	Data   []T       `json:"data"`
	Status string    `json:"status"`
	Page   *pageMeta `json:"page"`
}

type itemEnvelope[T any] struct {
	Data   *T     `json:"data"`
	Status string `json:"status"`
}

type projectDTO struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	FullName    string `json:"full_name"`
	Description string `json:"description"`
}

type repositoryDTO struct {
	Name          string    `json:"name"`
	OwnerName     string    `json:"owner_name"`
	Description   string    `json:"description"`
	DefaultBranch string    `json:"default_branch"`
	IsFork        bool      `json:"is_fork"`
	Topics        []string  `json:"topics"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type gitUserDTO struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type commitDTO struct {
	Hash      string      `json:"hash"`
	Author    *gitUserDTO `json:"author"`
	Committer *gitUserDTO `json:"committer"`
	CreatedAt time.Time   `json:"created_at"`
	Message   string      `json:"message"`
	Parents   []string    `json:"parents"`
}

type branchDTO struct {
	Name        string     `json:"name"`
	IsProtected bool       `json:"is_protected"`
	LastCommit  *commitDTO `json:"last_commit"`
}

type diffDTO struct {
	Content string `json:"content"`
}

func (c *Client) ListProjects(ctx context.Context) ([]scm.Project, error) {
	var env listEnvelope[projectDTO]
	if err := c.getJSON(ctx, "list projects", "/projects", nil, &env); err != nil {
		return nil, err
	}
	projects := make([]scm.Project, 0, len(env.Data))
	for _, p := range env.Data {
		name := p.FullName
		if name == "" {
			name = p.Name
		}
		projects = append(projects, scm.Project{
			ExternalID:  strconv.FormatInt(p.ID, 10),
			Key:         p.Name,
			Name:        name,
			Description: p.Description,
		})
	}
	return projects, nil
}

func (c *Client) ListRepositories(ctx context.Context, project scm.Project) ([]scm.Repository, error) {
	var env listEnvelope[repositoryDTO]
	path := "/projects/" + url.PathEscape(project.Key) + "/repos"
	if err := c.getJSON(ctx, "list repositories", path, nil, &env); err != nil {
		return nil, err
	}
	repos := make([]scm.Repository, 0, len(env.Data))
	for _, r := range env.Data {
		repos = append(repos, scm.Repository{
			Project:       project,
			Name:          r.Name,
			Description:   r.Description,
			DefaultBranch: r.DefaultBranch,
			IsFork:        r.IsFork,
			Topics:        r.Topics,
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
		})
	}
	return repos, nil
}

func (c *Client) ListBranches(ctx context.Context, repo scm.Repository) ([]scm.Branch, error) {
	var env listEnvelope[branchDTO]
	if err := c.getJSON(ctx, "list branches", repoPath(repo)+"/branches", nil, &env); err != nil {
		return nil, err
	}
	branches := make([]scm.Branch, 0, len(env.Data))
	for _, b := range env.Data {
		branch := scm.Branch{Name: b.Name, IsProtected: b.IsProtected}
		if b.LastCommit != nil {
			branch.HeadCommitSHA = b.LastCommit.Hash
		}
		branches = append(branches, branch)
	}
	return branches, nil
}

// ListCommits follows next_cursor until it is empty, a page comes back empty,
// or a commit older than opts.Since is seen. Listing is newest first, so the
// remainder of that page and all later pages are dropped.
func (c *Client) ListCommits(ctx context.Context, repo scm.Repository, opts scm.ListCommitsOptions, fn scm.PageFunc) error {
	limit := opts.PageSize
	if limit <= 0 {
		limit = c.pageSize
	}

	var cursor string
	for pages := 1; ; pages++ {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(limit))
		query.Set("fullHistory", "false")
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		if !opts.Since.IsZero() {
			query.Set("after", opts.Since.UTC().Format(time.RFC3339))
		}

		c.logger.Debug("Fetching commits page", "project", repo.Project.Key, "repo", repo.Name, "cursor", cursor)

		var env listEnvelope[commitDTO]
		if err := c.getJSON(ctx, "list commits", repoPath(repo)+"/commits", query, &env); err != nil {
			return err
		}
		if len(env.Data) == 0 {
			return nil
		}

		page := make([]scm.Commit, 0, len(env.Data))
		reachedSince := false
		for _, dto := range env.Data {
			if !opts.Since.IsZero() && dto.CreatedAt.Before(opts.Since) {
				reachedSince = true
				break
			}
			page = append(page, toCommit(dto))
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}

		if reachedSince || env.Page == nil || env.Page.NextCursor == "" {
			return nil
		}
		if opts.MaxPages > 0 && pages >= opts.MaxPages {
			c.logger.Info("Commit page cap reached", "project", repo.Project.Key, "repo", repo.Name, "max_pages", opts.MaxPages)
			return nil
		}
		cursor = env.Page.NextCursor
	}
}

// GetDiff returns the decoded diff text, or "" when the API has no diff for sha.
func (c *Client) GetDiff(ctx context.Context, repo scm.Repository, sha string) (string, error) {
	query := url.Values{}
	query.Set("binary", "false")

	var env itemEnvelope[diffDTO]
	path := repoPath(repo) + "/commits/" + url.PathEscape(sha) + "/diff"
	if err := c.getJSON(ctx, "get commit diff", path, query, &env); err != nil {
		return "", err
	}
	if env.Data == nil {
		return "", nil
	}
	return diffparse.DecodeBase64(env.Data.Content), nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return c.apiError(op, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.apiError(op, 0, fmt.Errorf("GET %s failed: %w", u, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return c.apiError(op, resp.StatusCode, fmt.Errorf("GET %s returned %d: %s", u, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return c.apiError(op, resp.StatusCode, fmt.Errorf("expected JSON response from %s, got %q", u, resp.Header.Get("Content-Type")))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.apiError(op, resp.StatusCode, fmt.Errorf("failed to decode JSON from %s: %w", u, err))
	}
	return nil
}

func (c *Client) apiError(op string, status int, err error) error {
	return &custom_errors.ExternalAPIError{Provider: providerName, Op: op, StatusCode: status, Err: err}
}

func repoPath(repo scm.Repository) string {
	return "/projects/" + url.PathEscape(repo.Project.Key) + "/repos/" + url.PathEscape(repo.Name)
}

func toCommit(dto commitDTO) scm.Commit {
	commit := scm.Commit{
		SHA:         dto.Hash,
		Message:     dto.Message,
		Parents:     dto.Parents,
		CommittedAt: dto.CreatedAt,
	}
	if dto.Author != nil {
		commit.Author = scm.Signature{Name: dto.Author.Name, Email: dto.Author.Email}
	}
	if dto.Committer != nil {
		commit.Committer = scm.Signature{Name: dto.Committer.Name, Email: dto.Committer.Email}
	}
	return commit
}
