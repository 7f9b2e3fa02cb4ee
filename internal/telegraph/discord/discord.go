// Package discord implements the telegraph Adapter for Discord over the
// Gateway WebSocket. Discord threads are channels, so a ThreadID here is the
// thread channel's id and ChannelID is its parent.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/rhythms/internal/telegraph"
	"go.uber.org/zap"
)

const (
	maxRetries      = 3
	baseBackoff     = 2 * time.Second
	maxBackoff      = 2 * time.Minute
	defaultPageSize = 100
	// threadNameLimit is Discord's maximum thread name length.
	threadNameLimit = 100
	// autoArchiveMinutes keeps standup threads open for a day.
	autoArchiveMinutes = 1440
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session. Channel lookups go through the state
// cache first.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := r.s.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return r.s.Channel(channelID)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.MessageThreadStartComplex(channelID, messageID, data)
}
func (r *realSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() { return r.s.AddHandler(handler) }

// Adapter implements telegraph.Adapter and telegraph.ThreadStarter for Discord.
type Adapter struct {
	sess        session
	log         *zap.Logger
	botToken    string
	channelID   string
	botUserID   string
	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan telegraph.InboundMessage
	removers    []func()
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string
	ChannelID string // default channel to post to
	Logger    *zap.Logger
	// Session replaces the real gateway session in tests.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		sess:        opts.Session,
		log:         log.Named("discord"),
		botToken:    opts.BotToken,
		channelID:   opts.ChannelID,
		inbound:     make(chan telegraph.InboundMessage, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect opens the gateway. The bot user id is captured from the Ready event.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.SetBotUserID(r.User.ID)
			a.log.Info("connected", zap.String("user", r.User.Username), zap.String("id", r.User.ID))
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			a.log.Warn("gateway disconnected, waiting for auto-reconnect")
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
			a.log.Info("gateway session resumed")
		}),
	)

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen registers create and update handlers and returns the inbound channel.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m.Message, false)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
			a.handleMessage(m.Message, true)
		}),
	)
	return a.inbound, nil
}

// Send posts a message. A ThreadID wins over ChannelID since threads are channels.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	target := msg.ThreadID
	if target == "" {
		target = msg.ChannelID
	}
	channelID, err := a.target(target)
	if err != nil {
		return err
	}

	data := buildMessageSend(msg)
	err = a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSendComplex(channelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// StartThread posts text to channelID and opens a public thread on it. The
// returned id is the thread channel.
func (a *Adapter) StartThread(ctx context.Context, channelID, text string) (string, error) {
	channelID, err := a.target(channelID)
	if err != nil {
		return "", err
	}

	var root *discordgo.Message
	err = a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		root, sendErr = a.sess.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{Content: text})
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: start thread: %w", err)
	}

	var thread *discordgo.Channel
	err = a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		thread, apiErr = a.sess.MessageThreadStartComplex(channelID, root.ID, &discordgo.ThreadStart{
			Name:                threadName(text),
			AutoArchiveDuration: autoArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: start thread: %w", err)
	}
	return thread.ID, nil
}

func (a *Adapter) target(channelID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", fmt.Errorf("discord: not connected")
	}
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return "", fmt.Errorf("discord: no channel specified")
	}
	return channelID, nil
}

// ThreadHistory pages backwards through a thread channel, newest first.
func (a *Adapter) ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]telegraph.ThreadMessage, error) {
	target := threadID
	if target == "" {
		target = channelID
	}
	if _, err := a.target(target); err != nil {
		return nil, err
	}

	pageSize := defaultPageSize
	if limit > 0 && limit < pageSize {
		pageSize = limit
	}

	var all []telegraph.ThreadMessage
	beforeID := ""
	for {
		var msgs []*discordgo.Message
		err := a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			msgs, apiErr = a.sess.ChannelMessages(target, pageSize, beforeID, "", "")
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("discord: channel messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			tm := telegraph.ThreadMessage{Text: m.Content, Timestamp: m.Timestamp}
			if m.Author != nil {
				tm.UserID = m.Author.ID
				tm.UserName = m.Author.Username
			}
			all = append(all, tm)
		}
		if limit > 0 && len(all) >= limit {
			all = all[:limit]
			break
		}
		if len(msgs) < pageSize {
			break
		}
		beforeID = msgs[len(msgs)-1].ID
	}
	return all, nil
}

// Close removes handlers, closes the inbound channel and the gateway.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	a.removers = nil
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's user id once the Ready event has arrived.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID overrides the bot user id.
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// handleMessage converts a gateway message into an InboundMessage. Partial
// updates without an author (embed unfurls) are ignored.
func (a *Adapter) handleMessage(m *discordgo.Message, isEdit bool) {
	if m == nil || m.Author == nil {
		return
	}
	botID := a.BotUserID()

	channelID, threadID := m.ChannelID, ""
	if ch, err := a.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		channelID, threadID = ch.ParentID, m.ChannelID
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts, _ = discordgo.SnowflakeTimestamp(m.ID)
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			mentioned = true
			break
		}
	}

	a.emit(telegraph.InboundMessage{
		Platform:  "discord",
		ChannelID: channelID,
		ThreadID:  threadID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: ts,
		IsEdit:    isEdit,
		FromSelf:  m.Author.Bot || (botID != "" && m.Author.ID == botID),
		IsMention: mentioned,
	})
}

func (a *Adapter) emit(msg telegraph.InboundMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		a.log.Warn("inbound buffer full, dropping message", zap.String("channel", msg.ChannelID))
	}
}

// buildMessageSend translates an OutboundMessage into a Discord MessageSend.
func buildMessageSend(msg telegraph.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Content: msg.Text}
	for _, evt := range msg.Events {
		data.Embeds = append(data.Embeds, eventToEmbed(evt))
	}
	return data
}

func eventToEmbed(evt telegraph.FormattedEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       evt.Title,
		Description: evt.Body,
		Color:       parseHexColor(evt.Color),
	}
	for _, f := range evt.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts "#36a64f" to an int; invalid input yields 0.
func parseHexColor(hex string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

// threadName derives a thread title from the opening message.
func threadName(text string) string {
	name := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	if name == "" {
		name = "standup"
	}
	if r := []rune(name); len(r) > threadNameLimit {
		name = string(r[:threadNameLimit-1]) + "…"
	}
	return name
}

// retryOnRateLimit retries fn with exponential backoff on HTTP 429 responses.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		a.log.Warn("rate limited, retrying", zap.Int("attempt", attempt+1), zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
