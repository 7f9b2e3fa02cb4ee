package activity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

// githubSearch is the subset of the GitHub search API the summarizer uses.
type githubSearch interface {
	Issues(ctx context.Context, query string, opts *github.SearchOptions) (*github.IssuesSearchResult, *github.Response, error)
	Commits(ctx context.Context, query string, opts *github.SearchOptions) (*github.CommitsSearchResult, *github.Response, error)
}

// GitHub summarizes pull requests, reviews, commits and open issues.
type GitHub struct {
	search   githubSearch
	maxItems int
	now      func() time.Time
	log      *zap.Logger
}

// GitHubOpts configures a GitHub summarizer.
type GitHubOpts struct {
	Token    string
	MaxItems int // per sub-source page size; defaults to 20
	Logger   *zap.Logger
	Now      func() time.Time
	// Search replaces the API client in tests.
	Search githubSearch
}

// NewGitHub creates a GitHub summarizer authenticated with an OAuth token.
func NewGitHub(opts GitHubOpts) (*GitHub, error) {
	if opts.Search == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("activity: github token is required")
		}
		httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
		opts.Search = github.NewClient(httpClient).Search
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &GitHub{
		search:   opts.Search,
		maxItems: opts.MaxItems,
		now:      opts.Now,
		log:      opts.Logger.Named("github"),
	}, nil
}

// Name implements Summarizer.
func (g *GitHub) Name() string { return "github" }

// FetchSummary queries the four sub-sources concurrently. A failing
// sub-source is reported in Errors; the rest still contribute. Users without
// a GitHub login get an empty summary.
func (g *GitHub) FetchSummary(ctx context.Context, id Identity, lookback time.Duration) (Summary, error) {
	if id.GitHubLogin == "" {
		return Summary{}, nil
	}
	since := g.now().Add(-lookback).UTC().Format("2006-01-02")
	login := id.GitHubLogin

	subs := []struct {
		name string
		run  func(context.Context) (Summary, error)
	}{
		{"pull requests", func(ctx context.Context) (Summary, error) { return g.pullRequests(ctx, login, since) }},
		{"reviews", func(ctx context.Context) (Summary, error) { return g.reviews(ctx, login, since) }},
		{"commits", func(ctx context.Context) (Summary, error) { return g.commits(ctx, login, since) }},
		{"issues", func(ctx context.Context) (Summary, error) { return g.issues(ctx, login, since) }},
	}
	results := make([]Summary, len(subs))

	var eg errgroup.Group
	for i, sub := range subs {
		eg.Go(func() error {
			sum, err := sub.run(ctx)
			if err != nil {
				g.log.Warn("sub-source failed", zap.String("source", sub.name), zap.String("owner", id.Handle), zap.Error(err))
				sum = Summary{Errors: []string{fmt.Sprintf("github %s: %v", sub.name, err)}}
			}
			results[i] = sum
			return nil
		})
	}
	_ = eg.Wait()

	var out Summary
	for _, r := range results {
		out.Merge(r)
	}
	return out, nil
}

func (g *GitHub) searchIssues(ctx context.Context, query string) ([]*github.Issue, error) {
	res, _, err := g.search.Issues(ctx, query, &github.SearchOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: g.maxItems},
	})
	if err != nil {
		return nil, err
	}
	return res.Issues, nil
}

// pullRequests sorts authored PRs: open ones are in progress, closed ones completed.
func (g *GitHub) pullRequests(ctx context.Context, login, since string) (Summary, error) {
	prs, err := g.searchIssues(ctx, fmt.Sprintf("is:pr author:%s updated:>=%s", login, since))
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, pr := range prs {
		if pr.GetState() == "open" {
			s.InProgress = append(s.InProgress, "Working on PR: "+issueLabel(pr))
		} else {
			s.Completed = append(s.Completed, "Closed PR: "+issueLabel(pr))
		}
	}
	return s, nil
}

func (g *GitHub) reviews(ctx context.Context, login, since string) (Summary, error) {
	prs, err := g.searchIssues(ctx, fmt.Sprintf("is:pr reviewed-by:%s -author:%s updated:>=%s", login, login, since))
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, pr := range prs {
		s.Completed = append(s.Completed, "Reviewed PR: "+issueLabel(pr))
	}
	return s, nil
}

// commits reports one line for the whole window rather than one per commit.
func (g *GitHub) commits(ctx context.Context, login, since string) (Summary, error) {
	res, _, err := g.search.Commits(ctx, fmt.Sprintf("author:%s committer-date:>=%s", login, since), &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return Summary{}, err
	}
	if len(res.Commits) == 0 {
		return Summary{}, nil
	}
	repos := make(map[string]bool)
	for _, c := range res.Commits {
		if name := c.GetRepository().GetFullName(); name != "" {
			repos[name] = true
		}
	}
	var line string
	switch len(repos) {
	case 0:
		line = fmt.Sprintf("Made %d commits", len(res.Commits))
	case 1:
		for name := range repos {
			line = fmt.Sprintf("Made %d commits in %s", len(res.Commits), name)
		}
	default:
		names := make([]string, 0, len(repos))
		for name := range repos {
			names = append(names, name)
		}
		sort.Strings(names)
		line = fmt.Sprintf("Made %d commits across %d repositories (%s)", len(res.Commits), len(repos), strings.Join(names, ", "))
	}
	return Summary{Completed: []string{line}}, nil
}

// issues lists open authored issues as potential blockers.
func (g *GitHub) issues(ctx context.Context, login, since string) (Summary, error) {
	open, err := g.searchIssues(ctx, fmt.Sprintf("is:issue is:open author:%s updated:>=%s", login, since))
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, is := range open {
		s.Blockers = append(s.Blockers, "Open issue: "+issueLabel(is))
	}
	return s, nil
}

// issueLabel renders "title (owner/repo#123)".
func issueLabel(is *github.Issue) string {
	repo := is.GetRepositoryURL()
	if i := strings.Index(repo, "/repos/"); i >= 0 {
		repo = repo[i+len("/repos/"):]
	}
	if repo == "" {
		return fmt.Sprintf("%s (#%d)", is.GetTitle(), is.GetNumber())
	}
	return fmt.Sprintf("%s (%s#%d)", is.GetTitle(), repo, is.GetNumber())
}
