// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	custom_errors "repo-pulse/internal/errors"
	"repo-pulse/internal/scm"
)

const (
	providerName = "github"

	maxRetries       = 3
	maxRateLimitWait = 2 * time.Minute
	defaultPageSize  = 100
)

// Options controls repository discovery.
type Options struct {
	IncludeForks     bool
	MaxReposPerOwner int
	// Affiliation is passed to the authenticated user's repository listing,
	// e.g. "owner,collaborator,organization_member".
	Affiliation string
	// BaseURL points the client at a GitHub Enterprise or test server.
	BaseURL string
}

// Client is a scm.Provider backed by the GitHub REST API.
type Client struct {
	gh           *github.Client
	logger       *slog.Logger
	opts         Options
	backoff      time.Duration
	rateLimitPad time.Duration

	mu         sync.Mutex
	discovered []scm.Repository
	projects   []scm.Project
}

var _ scm.Provider = (*Client)(nil)

// NewClient creates a Client authenticated with the given access token.
func NewClient(token string, logger *slog.Logger, opts Options) (*Client, error) {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = 30 * time.Second

	gh := github.NewClient(tc)
	if opts.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
	}

	return &Client{
		gh:           gh,
		logger:       logger.With("provider", providerName),
		opts:         opts,
		backoff:      500 * time.Millisecond,
		rateLimitPad: time.Second,
	}, nil
}

func (c *Client) Name() string { return providerName }

// AuthenticatedLogin returns the login of the token's owner.
func (c *Client) AuthenticatedLogin(ctx context.Context) (string, error) {
	var user *github.User
	err := c.withRetry(ctx, "get user", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		user, resp, err = c.gh.Users.Get(ctx, "")
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return user.GetLogin(), nil
}

// ListProjects discovers repositories visible to the token and returns their
// owners, user first, then organizations.
func (c *Client) ListProjects(ctx context.Context) ([]scm.Project, error) {
	if err := c.discover(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scm.Project(nil), c.projects...), nil
}

// ListRepositories returns the discovered repositories owned by project.
func (c *Client) ListRepositories(ctx context.Context, project scm.Project) ([]scm.Repository, error) {
	if err := c.discover(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []scm.Repository
	for _, r := range c.discovered {
		if strings.EqualFold(r.Project.Key, project.Key) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Client) discover(ctx context.Context) error {
	c.mu.Lock()
	done := c.discovered != nil
	c.mu.Unlock()
	if done {
		return nil
	}

	d := newDiscovery(c.opts)

	userOpts := &github.RepositoryListByAuthenticatedUserOptions{
		Affiliation: c.opts.Affiliation,
		Sort:        "pushed",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: defaultPageSize},
	}
	for {
		var (
			repos []*github.Repository
			resp  *github.Response
		)
		err := c.withRetry(ctx, "list user repos", func() (*github.Response, error) {
			var err error
			repos, resp, err = c.gh.Repositories.ListByAuthenticatedUser(ctx, userOpts)
			return resp, err
		})
		if err != nil {
			return err
		}
		for _, r := range repos {
			d.add(r, "")
		}
		if resp.NextPage == 0 {
			break
		}
		userOpts.Page = resp.NextPage
	}

	orgOpts := &github.ListOptions{PerPage: defaultPageSize}
	var orgs []*github.Organization
	for {
		var (
			page []*github.Organization
			resp *github.Response
		)
		err := c.withRetry(ctx, "list orgs", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Organizations.List(ctx, "", orgOpts)
			return resp, err
		})
		if err != nil {
			return err
		}
		orgs = append(orgs, page...)
		if resp.NextPage == 0 {
			break
		}
		orgOpts.Page = resp.NextPage
	}

	for _, org := range orgs {
		if err := c.discoverOrg(ctx, d, org); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Failed to list organization repositories", "org", org.GetLogin(), "error", err)
		}
	}

	c.mu.Lock()
	c.discovered = d.repos
	if c.discovered == nil {
		c.discovered = []scm.Repository{}
	}
	c.projects = d.projects
	c.mu.Unlock()
	c.logger.Info("Discovered repositories", "repositories", len(d.repos), "owners", len(d.projects))
	return nil
}

func (c *Client) discoverOrg(ctx context.Context, d *discovery, org *github.Organization) error {
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		Sort:        "pushed",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: defaultPageSize},
	}
	for {
		var (
			repos []*github.Repository
			resp  *github.Response
		)
		err := c.withRetry(ctx, "list org repos", func() (*github.Response, error) {
			var err error
			repos, resp, err = c.gh.Repositories.ListByOrg(ctx, org.GetLogin(), opts)
			return resp, err
		})
		if err != nil {
			return err
		}
		for _, r := range repos {
			d.add(r, org.GetDescription())
		}
		if resp.NextPage == 0 {
			return nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) ListBranches(ctx context.Context, repo scm.Repository) ([]scm.Branch, error) {
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: defaultPageSize}}
	var out []scm.Branch
	for {
		var (
			branches []*github.Branch
			resp     *github.Response
		)
		err := c.withRetry(ctx, "list branches", func() (*github.Response, error) {
			var err error
			branches, resp, err = c.gh.Repositories.ListBranches(ctx, repo.Project.Key, repo.Name, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, b := range branches {
			out = append(out, scm.Branch{
				Name:          b.GetName(),
				IsProtected:   b.GetProtected(),
				HeadCommitSHA: b.GetCommit().GetSHA(),
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListCommits streams commits newer than opts.Since, following the Link
// header until it is exhausted or opts.MaxPages pages were read.
func (c *Client) ListCommits(ctx context.Context, repo scm.Repository, opts scm.ListCommitsOptions, fn scm.PageFunc) error {
	perPage := opts.PageSize
	if perPage <= 0 || perPage > defaultPageSize {
		perPage = defaultPageSize
	}
	listOpts := &github.CommitsListOptions{
		Since:       opts.Since,
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for pages := 1; ; pages++ {
		c.logger.Debug("Fetching commits page", "owner", repo.Project.Key, "repo", repo.Name, "page", listOpts.Page)

		var (
			commits []*github.RepositoryCommit
			resp    *github.Response
		)
		err := c.withRetry(ctx, "list commits", func() (*github.Response, error) {
			var err error
			commits, resp, err = c.gh.Repositories.ListCommits(ctx, repo.Project.Key, repo.Name, listOpts)
			return resp, err
		})
		if err != nil {
			return err
		}

		page := make([]scm.Commit, 0, len(commits))
		for _, rc := range commits {
			page = append(page, toCommit(rc))
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}

		if resp.NextPage == 0 {
			return nil
		}
		if opts.MaxPages > 0 && pages >= opts.MaxPages {
			c.logger.Info("Commit page cap reached", "owner", repo.Project.Key, "repo", repo.Name, "max_pages", opts.MaxPages)
			return nil
		}
		listOpts.Page = resp.NextPage
	}
}

func (c *Client) GetDiff(ctx context.Context, repo scm.Repository, sha string) (string, error) {
	var diff string
	err := c.withRetry(ctx, "get commit diff", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		diff, resp, err = c.gh.Repositories.GetCommitRaw(ctx, repo.Project.Key, repo.Name, sha, github.RawOptions{Type: github.Diff})
		return resp, err
	})
	return diff, err
}

// withRetry runs call up to maxRetries times. Server errors and transport
// failures back off exponentially; primary rate limits wait for the reset.
func (c *Client) withRetry(ctx context.Context, op string, call func() (*github.Response, error)) error {
	var (
		resp *github.Response
		err  error
	)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err = call()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait, retry := c.retryDelay(resp, err, attempt)
		if !retry || attempt == maxRetries {
			break
		}
		c.logger.Warn("GitHub request failed, retrying", "op", op, "attempt", attempt, "wait", wait.String(), "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return &custom_errors.ExternalAPIError{Provider: providerName, Op: op, StatusCode: status, Err: err}
}

func (c *Client) retryDelay(resp *github.Response, err error, attempt int) (time.Duration, bool) {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		// A reset that has just passed still waits the pad.
		wait := max(time.Until(rateErr.Rate.Reset.Time), 0) + c.rateLimitPad
		if wait > maxRateLimitWait {
			return 0, false
		}
		return wait, true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := abuseErr.GetRetryAfter()
		if wait <= 0 {
			wait = c.backoff << (attempt - 1)
		}
		return wait, wait <= maxRateLimitWait
	}
	if resp == nil || resp.StatusCode >= http.StatusInternalServerError {
		return c.backoff << (attempt - 1), true
	}
	return 0, false
}

// discovery deduplicates repositories by owner/name and applies the fork and
// per-owner limits.
type discovery struct {
	opts     Options
	seen     map[string]bool
	perOwner map[string]int
	owners   map[string]bool
	repos    []scm.Repository
	projects []scm.Project
}

func newDiscovery(opts Options) *discovery {
	return &discovery{
		opts:     opts,
		seen:     map[string]bool{},
		perOwner: map[string]int{},
		owners:   map[string]bool{},
	}
}

func (d *discovery) add(r *github.Repository, ownerDescription string) {
	if r.GetFork() && !d.opts.IncludeForks {
		return
	}
	owner := r.GetOwner().GetLogin()
	ownerKey := strings.ToLower(owner)
	key := ownerKey + "/" + strings.ToLower(r.GetName())
	if d.seen[key] {
		return
	}
	if d.opts.MaxReposPerOwner > 0 && d.perOwner[ownerKey] >= d.opts.MaxReposPerOwner {
		return
	}
	d.seen[key] = true
	d.perOwner[ownerKey]++

	project := scm.Project{
		ExternalID:  strconv.FormatInt(r.GetOwner().GetID(), 10),
		Key:         owner,
		Name:        owner,
		Description: ownerDescription,
	}
	if !d.owners[ownerKey] {
		d.owners[ownerKey] = true
		d.projects = append(d.projects, project)
	}
	d.repos = append(d.repos, toRepository(r, project))
}

func toRepository(r *github.Repository, project scm.Project) scm.Repository {
	updated := r.GetPushedAt().Time
	if updated.IsZero() {
		updated = r.GetUpdatedAt().Time
	}
	return scm.Repository{
		Project:       project,
		Name:          r.GetName(),
		Description:   r.GetDescription(),
		DefaultBranch: r.GetDefaultBranch(),
		IsFork:        r.GetFork(),
		Topics:        r.Topics,
		CreatedAt:     r.GetCreatedAt().Time,
		UpdatedAt:     updated,
	}
}

// toCommit uses the committer date, falling back to the author date.
func toCommit(rc *github.RepositoryCommit) scm.Commit {
	commit := rc.GetCommit()
	at := commit.GetCommitter().GetDate().Time
	if at.IsZero() {
		at = commit.GetAuthor().GetDate().Time
	}
	parents := make([]string, 0, len(rc.Parents))
	for _, p := range rc.Parents {
		if sha := p.GetSHA(); sha != "" {
			parents = append(parents, sha)
		}
	}
	return scm.Commit{
		SHA:         rc.GetSHA(),
		Author:      scm.Signature{Name: commit.GetAuthor().GetName(), Email: commit.GetAuthor().GetEmail()},
		Committer:   scm.Signature{Name: commit.GetCommitter().GetName(), Email: commit.GetCommitter().GetEmail()},
		Message:     commit.GetMessage(),
		Parents:     parents,
		CommittedAt: at,
	}
}
