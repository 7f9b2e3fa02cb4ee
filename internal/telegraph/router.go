package telegraph

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// commandPrefix triggers command handling without a mention.
const commandPrefix = "!standup"

// Trigger carries the context of a command or scheduled tick to the Handler.
type Trigger struct {
	Platform  string
	ChannelID string
	ThreadID  string
	MessageID string
	UserID    string // chat user id; empty for scheduled triggers
	UserName  string
	Handle    string // owner handle; set for scheduled triggers
	Arg       string // command argument, e.g. the session id for resume
	Scheduled bool
}

// Handler receives routed commands. Implementations must not block the
// caller for the duration of a standup run.
type Handler interface {
	Start(ctx context.Context, t Trigger)
	Pause(ctx context.Context, t Trigger)
	Resume(ctx context.Context, t Trigger)
	ListSessions(ctx context.Context, t Trigger)
}

// HelpText is the reply to the help command.
const HelpText = "Commands (mention me or prefix with `!standup`):\n" +
	"• `standup` or `start`: begin today's standup\n" +
	"• `pause`: pause your running standup and save progress\n" +
	"• `resume [session-id]`: continue a saved standup\n" +
	"• `sessions`: list your saved standups\n" +
	"• `help`: show this message"

// Router classifies inbound chat messages: commands go to the Handler,
// thread replies resolve pending waits, everything else is dropped.
type Router struct {
	handler   Handler
	adapter   Adapter
	pending   *PendingReplies
	dedup     *Deduper
	botUserID string
	log       *zap.Logger
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Handler   Handler
	Adapter   Adapter
	Pending   *PendingReplies
	Dedup     *Deduper // defaults to DefaultDedupWindow
	BotUserID string   // bot's user ID for self-message filtering
	Logger    *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("telegraph: router: handler is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: router: adapter is required")
	}
	if opts.Pending == nil {
		return nil, fmt.Errorf("telegraph: router: pending replies is required")
	}
	dedup := opts.Dedup
	if dedup == nil {
		dedup = NewDeduper(DefaultDedupWindow, nil)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		handler:   opts.Handler,
		adapter:   opts.Adapter,
		pending:   opts.Pending,
		dedup:     dedup,
		botUserID: opts.BotUserID,
		log:       log,
	}, nil
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Bot self-message or edit → drop
//  2. Mention or "!standup" prefix with a command → Handler (deduplicated)
//  3. Thread message → resolve a pending reply, else drop
//  4. Bare mention outside a thread → help hint
//  5. Everything else → ignore
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) || msg.IsEdit {
		return
	}

	text := strings.TrimSpace(msg.Text)
	log := r.log.With(
		zap.String("channel", msg.ChannelID),
		zap.String("thread", msg.ThreadID),
		zap.String("participant", msg.UserID),
	)
	log.Debug("router: recv", zap.String("text", truncate(text, 80)))

	cmd, arg, body, addressed := r.parse(msg, text)
	if cmd != "" {
		key := cmd + ":" + msg.UserID + ":" + msg.ChannelID + ":" + msg.ThreadID
		if r.dedup.Seen(key) {
			log.Info("router: duplicate command dropped", zap.String("command", cmd))
			return
		}
		log.Info("router: command", zap.String("command", cmd))
		r.dispatch(ctx, msg, cmd, arg)
		return
	}

	if msg.ThreadID != "" {
		key := ReplyKey{ChannelID: msg.ChannelID, ParticipantID: msg.UserID, ThreadID: msg.ThreadID}
		if r.pending.Deliver(key, body, msg.Timestamp) {
			log.Debug("router: reply delivered")
			return
		}
		log.Debug("router: no pending reply, dropped")
		return
	}

	if addressed {
		r.reply(ctx, msg, "I didn't catch that. "+HelpText)
	}
}

func (r *Router) dispatch(ctx context.Context, msg InboundMessage, cmd, arg string) {
	t := Trigger{
		Platform:  msg.Platform,
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		MessageID: msg.MessageID,
		UserID:    msg.UserID,
		UserName:  msg.UserName,
		Arg:       arg,
	}
	switch cmd {
	case "start":
		r.handler.Start(ctx, t)
	case "pause":
		r.handler.Pause(ctx, t)
	case "resume":
		r.handler.Resume(ctx, t)
	case "sessions":
		r.handler.ListSessions(ctx, t)
	case "help":
		r.reply(ctx, msg, HelpText)
	}
}

func (r *Router) reply(ctx context.Context, msg InboundMessage, text string) {
	if err := r.adapter.Send(ctx, OutboundMessage{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      text,
	}); err != nil {
		r.log.Warn("router: send reply", zap.Error(err))
	}
}

// mentionRe matches platform mention tokens: Slack <@U123>, Discord <@123> or <@!123>.
var mentionRe = regexp.MustCompile(`<@!?[A-Za-z0-9]+>`)

// parse extracts a command from text. body is the text with mentions
// stripped; addressed reports whether the bot was mentioned or prefixed.
func (r *Router) parse(msg InboundMessage, text string) (cmd, arg, body string, addressed bool) {
	body = strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
	mentioned := msg.IsMention || r.mentionsBot(text)

	rest := body
	prefixed := false
	if lower := strings.ToLower(body); strings.HasPrefix(lower, commandPrefix) {
		after := body[len(commandPrefix):]
		if after == "" || after[0] == ' ' {
			prefixed = true
			rest = strings.TrimSpace(after)
		}
	}
	addressed = mentioned || prefixed
	if !addressed {
		return "", "", body, false
	}

	fields := strings.Fields(strings.ToLower(rest))
	if len(fields) == 0 {
		if prefixed {
			return "start", "", body, true
		}
		return "help", "", body, true
	}

	switch fields[0] {
	case "standup", "start":
		return "start", "", body, true
	case "pause":
		return "pause", "", body, true
	case "resume":
		if orig := strings.Fields(rest); len(orig) > 1 {
			arg = orig[1]
		}
		return "resume", arg, body, true
	case "sessions", "list":
		return "sessions", "", body, true
	case "help":
		return "help", "", body, true
	}
	if mentioned && strings.Contains(strings.ToLower(rest), "standup") {
		return "start", "", body, true
	}
	return "", "", body, addressed
}

func (r *Router) mentionsBot(text string) bool {
	if r.botUserID == "" {
		return false
	}
	return strings.Contains(text, "<@"+r.botUserID+">") || strings.Contains(text, "<@!"+r.botUserID+">")
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return msg.FromSelf || (r.botUserID != "" && msg.UserID == r.botUserID)
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
