package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultLinearEndpoint is Linear's GraphQL API.
const DefaultLinearEndpoint = "https://api.linear.app/graphql"

const linearAssignedQuery = `query Assigned($since: DateTimeOrDuration!, $first: Int!) {
  viewer {
    assignedIssues(first: $first, filter: {updatedAt: {gte: $since}}) {
      nodes { identifier title completedAt state { name type } }
    }
  }
}`

// Linear summarizes the viewer's assigned issues updated inside the window.
type Linear struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
	log      *zap.Logger
}

// LinearOpts configures a Linear summarizer.
type LinearOpts struct {
	Token      string
	Endpoint   string       // defaults to DefaultLinearEndpoint
	HTTPClient *http.Client // base transport; wrapped with the token source
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewLinear creates a Linear summarizer. Requests carry the token as an
// OAuth bearer credential.
func NewLinear(opts LinearOpts) (*Linear, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("activity: linear token is required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultLinearEndpoint
	}
	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Linear{
		endpoint: opts.Endpoint,
		client:   oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})),
		now:      opts.Now,
		log:      opts.Logger.Named("linear"),
	}, nil
}

// Name implements Summarizer.
func (l *Linear) Name() string { return "linear" }

type linearIssue struct {
	Identifier  string  `json:"identifier"`
	Title       string  `json:"title"`
	CompletedAt *string `json:"completedAt"`
	State       struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"state"`
}

type linearResponse struct {
	Data struct {
		Viewer struct {
			AssignedIssues struct {
				Nodes []linearIssue `json:"nodes"`
			} `json:"assignedIssues"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchSummary classifies issues: completedAt set is completed, a
// "blocked" or "on hold" state is a blocker, anything else is in progress.
func (l *Linear) FetchSummary(ctx context.Context, id Identity, lookback time.Duration) (Summary, error) {
	issues, err := l.assigned(ctx, l.now().Add(-lookback))
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, is := range issues {
		line := fmt.Sprintf("%s: %s", is.Identifier, is.Title)
		state := strings.ToLower(is.State.Name)
		switch {
		case is.CompletedAt != nil && *is.CompletedAt != "":
			s.Completed = append(s.Completed, line)
		case state == "blocked" || state == "on hold":
			s.Blockers = append(s.Blockers, line)
		default:
			s.InProgress = append(s.InProgress, line)
		}
	}
	l.log.Debug("fetched issues", zap.String("owner", id.Handle), zap.Int("count", len(issues)))
	return s, nil
}

func (l *Linear) assigned(ctx context.Context, since time.Time) ([]linearIssue, error) {
	body, err := json.Marshal(map[string]any{
		"query": linearAssignedQuery,
		"variables": map[string]any{
			"since": since.UTC().Format(time.RFC3339),
			"first": 50,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("activity: linear: encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("activity: linear: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("activity: linear: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("activity: linear: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out linearResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("activity: linear: decode: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("activity: linear: %s", out.Errors[0].Message)
	}
	return out.Data.Viewer.AssignedIssues.Nodes, nil
}
