// Package activity gathers a user's recent work from external trackers.
//
// Summarizers are independent: one failing source is recorded in
// Summary.Errors and never stops the others.
package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Identity is who to look up in each tracker.
type Identity struct {
	Handle      string `json:"handle"`
	GitHubLogin string `json:"github_login,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Summary is the merged result of one or more summarizers.
type Summary struct {
	Completed  []string `json:"completed,omitempty"`
	InProgress []string `json:"in_progress,omitempty"`
	Blockers   []string `json:"blockers,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// Empty reports whether the summary holds no activity items.
func (s Summary) Empty() bool {
	return len(s.Completed) == 0 && len(s.InProgress) == 0 && len(s.Blockers) == 0
}

// Merge appends other's items and errors to s.
func (s *Summary) Merge(other Summary) {
	s.Completed = append(s.Completed, other.Completed...)
	s.InProgress = append(s.InProgress, other.InProgress...)
	s.Blockers = append(s.Blockers, other.Blockers...)
	s.Errors = append(s.Errors, other.Errors...)
}

// Render formats the summary as plain text sections.
func (s Summary) Render() string {
	var b strings.Builder
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title + ":\n")
		for _, it := range items {
			b.WriteString("- " + it + "\n")
		}
	}
	section("Completed", s.Completed)
	section("In progress", s.InProgress)
	section("Blockers", s.Blockers)
	if b.Len() == 0 {
		return "No recent activity found.\n"
	}
	return b.String()
}

// Summarizer fetches activity for one tracker.
type Summarizer interface {
	Name() string
	FetchSummary(ctx context.Context, id Identity, lookback time.Duration) (Summary, error)
}

// Collect runs every summarizer concurrently and merges their results in the
// order given. A summarizer error becomes a "name: error" entry in Errors.
func Collect(ctx context.Context, log *zap.Logger, sources []Summarizer, id Identity, lookback time.Duration) Summary {
	if log == nil {
		log = zap.NewNop()
	}
	results := make([]Summary, len(sources))

	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			sum, err := src.FetchSummary(ctx, id, lookback)
			if err != nil {
				log.Warn("activity source failed",
					zap.String("source", src.Name()),
					zap.String("owner", id.Handle),
					zap.Error(err))
				sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", src.Name(), err))
			}
			results[i] = sum
			return nil
		})
	}
	_ = g.Wait()

	var out Summary
	for _, r := range results {
		out.Merge(r)
	}
	return out
}

// Static returns canned activity. It backs console runs and tests.
type Static struct {
	Label   string
	Summary Summary
	Err     error
}

// Name implements Summarizer.
func (s Static) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

// FetchSummary implements Summarizer.
func (s Static) FetchSummary(ctx context.Context, id Identity, lookback time.Duration) (Summary, error) {
	if s.Err != nil {
		return Summary{}, s.Err
	}
	return Summary{
		Completed:  append([]string(nil), s.Summary.Completed...),
		InProgress: append([]string(nil), s.Summary.InProgress...),
		Blockers:   append([]string(nil), s.Summary.Blockers...),
	}, nil
}
