package standup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zulandar/rhythms/internal/activity"
	"github.com/zulandar/rhythms/internal/models"
	"github.com/zulandar/rhythms/internal/pipeline"
	"github.com/zulandar/rhythms/internal/session"
	"github.com/zulandar/rhythms/internal/telegraph"
	"go.uber.org/zap"
)

// Stage names, in pipeline order.
const (
	StageFetch   = "fetch"
	StageDraft   = "draft"
	StageCollect = "collect"
)

// recentDays is how far back the draft stage looks for earlier standups.
const recentDays = 5

const draftHelp = "Reply \"looks good\" to submit, or tell me what to change " +
	"(`done: ...`, `plan: ...`, `blocker: ...`, `drop: ...`)."

// stages builds the fetch, draft and collect pipeline for one run.
func (s *Service) stages(user models.User, run *Run) []pipeline.Stage {
	return []pipeline.Stage{
		{
			Name: StageFetch,
			Exec: func(ctx context.Context, _ pipeline.Inputs) (session.Output, error) {
				return s.fetch(ctx, user)
			},
		},
		{
			Name:     StageDraft,
			Upstream: []string{StageFetch},
			Exec: func(ctx context.Context, in pipeline.Inputs) (session.Output, error) {
				return s.draft(ctx, user, in[StageFetch])
			},
		},
		{
			Name:               StageCollect,
			Upstream:           []string{StageDraft},
			RequiresHumanInput: true,
			Exec: func(ctx context.Context, in pipeline.Inputs) (session.Output, error) {
				return s.collect(ctx, user, run, in[StageDraft])
			},
		},
	}
}

func (s *Service) fetch(ctx context.Context, user models.User) (session.Output, error) {
	id := activity.Identity{Handle: user.Handle, GitHubLogin: user.GitHubLogin, Email: user.Email}
	sum := activity.Collect(ctx, s.log, s.sources, id, s.lookback)
	data, err := json.Marshal(sum)
	if err != nil {
		return session.Output{}, fmt.Errorf("encode activity: %w", err)
	}
	return session.Output{
		Raw: sum.Render(),
		Summary: fmt.Sprintf("%d completed, %d in progress, %d blockers",
			len(sum.Completed), len(sum.InProgress), len(sum.Blockers)),
		Data: data,
	}, nil
}

func (s *Service) draft(ctx context.Context, user models.User, fetched session.Output) (session.Output, error) {
	var sum activity.Summary
	if len(fetched.Data) > 0 {
		if err := json.Unmarshal(fetched.Data, &sum); err != nil {
			return session.Output{}, fmt.Errorf("decode activity: %w", err)
		}
	}
	req := DraftRequest{Owner: user.Handle, Activity: sum}

	log := s.log.With(zap.String("owner", user.Handle))
	recent, err := s.final.RecentStandups(ctx, user.Handle, recentDays)
	if err != nil {
		log.Warn("recent standups unavailable", zap.Error(err))
	}
	req.Recent = recent
	carried, err := s.final.UnresolvedBlockers(ctx, user.Handle)
	if err != nil {
		log.Warn("unresolved blockers unavailable", zap.Error(err))
	}
	req.Carried = carried

	d, err := s.drafter.Draft(ctx, req)
	if err != nil {
		return session.Output{}, fmt.Errorf("draft: %w", err)
	}
	return draftOutput(d, "", fmt.Sprintf("%d items", len(d.Items)))
}

// collect shows the draft and revises it from the owner's replies until
// they approve or the revision limit is reached.
func (s *Service) collect(ctx context.Context, user models.User, run *Run, drafted session.Output) (session.Output, error) {
	var d Draft
	if err := json.Unmarshal(drafted.Data, &d); err != nil {
		return session.Output{}, fmt.Errorf("decode draft: %w", err)
	}

	thread := run.Thread()
	key := telegraph.ReplyKey{
		ChannelID:     thread.ChannelID,
		ParticipantID: user.ChatUserID,
		ThreadID:      thread.ThreadID,
	}
	var pause <-chan struct{}
	if exec := run.Executor(); exec != nil {
		pause = exec.PauseRequested()
	}

	prompt := "Here's your draft standup:\n\n" + d.Render() + "\n" + draftHelp
	for round := 1; ; round++ {
		reply, err := s.awaitReply(ctx, key, prompt, pause)
		if err != nil {
			return session.Output{}, err
		}
		if IsAffirmative(reply) {
			return draftOutput(d, prompt, "approved")
		}

		d, err = s.drafter.Revise(ctx, d, reply)
		if err != nil {
			return session.Output{}, fmt.Errorf("revise: %w", err)
		}
		if round >= s.maxRounds {
			s.log.Info("revision limit reached", zap.String("owner", user.Handle), zap.Int("rounds", round))
			return draftOutput(d, prompt, "revision limit reached")
		}
		prompt = "Updated draft:\n\n" + d.Render() + "\n" + draftHelp
	}
}

// awaitReply waits on the bridge, abandoning the wait when a pause is
// requested.
func (s *Service) awaitReply(ctx context.Context, key telegraph.ReplyKey, prompt string, pause <-chan struct{}) (string, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-pause:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	reply, err := s.bridge.AwaitReply(waitCtx, key, prompt, s.replyTimeout)
	if err == nil {
		return reply, nil
	}
	select {
	case <-pause:
		return "", fmt.Errorf("collect: %w", pipeline.ErrInterrupted)
	default:
	}
	if errors.Is(err, telegraph.ErrReplyTimeout) {
		return "", err
	}
	return "", fmt.Errorf("await reply: %w", err)
}

func draftOutput(d Draft, prompt, summary string) (session.Output, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return session.Output{}, fmt.Errorf("encode draft: %w", err)
	}
	return session.Output{Raw: d.Render(), Summary: summary, Prompt: prompt, Data: data}, nil
}
