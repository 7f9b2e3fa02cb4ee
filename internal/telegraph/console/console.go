// Package console implements the telegraph Adapter over a line-oriented
// terminal, for running standups locally without a chat workspace.
//
// Lines typed while no thread is open are addressed to the bot. Once the bot
// opens a thread, every line is a reply in that thread; commands inside a
// thread use the "!standup" prefix.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/zulandar/rhythms/internal/telegraph"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const (
	// ChannelID is the single channel a console session talks on.
	ChannelID = "console"
	botUserID = "rhythms"
	prompt    = "> "
)

// Adapter implements telegraph.Adapter, telegraph.BotUserIDer and
// telegraph.ThreadStarter for a terminal.
type Adapter struct {
	in          io.Reader
	out         io.Writer
	userID      string
	userName    string
	interactive bool
	log         *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	connected bool
	listening bool
	closed    bool
	inbound   chan telegraph.InboundMessage
	thread    string
	threads   int
	lines     int
	history   map[string][]telegraph.ThreadMessage
}

// AdapterOpts configures a console Adapter.
type AdapterOpts struct {
	In       io.Reader // defaults to os.Stdin
	Out      io.Writer // defaults to os.Stdout
	UserID   string    // chat user id reported for typed lines; defaults to "console-user"
	UserName string
	Logger   *zap.Logger
	Now      func() time.Time
}

// New creates a console Adapter. The input prompt is only drawn when In is
// a terminal.
func New(opts AdapterOpts) *Adapter {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.UserID == "" {
		opts.UserID = "console-user"
	}
	if opts.UserName == "" {
		opts.UserName = opts.UserID
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Adapter{
		in:          opts.In,
		out:         opts.Out,
		userID:      opts.UserID,
		userName:    opts.UserName,
		interactive: isTerminal(opts.In),
		log:         opts.Logger.Named("console"),
		now:         opts.Now,
		inbound:     make(chan telegraph.InboundMessage, 16),
		history:     make(map[string][]telegraph.ThreadMessage),
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Connect marks the adapter ready.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("console: adapter already closed")
	}
	a.connected = true
	return nil
}

// Listen starts reading lines. The channel closes at end of input or on Close.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("console: not connected")
	}
	if !a.listening {
		a.listening = true
		go a.readLoop()
		a.drawPrompt()
	}
	return a.inbound, nil
}

func (a *Adapter) readLoop() {
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		a.lines++
		msg := telegraph.InboundMessage{
			Platform:  "console",
			ChannelID: ChannelID,
			ThreadID:  a.thread,
			MessageID: strconv.Itoa(a.lines),
			UserID:    a.userID,
			UserName:  a.userName,
			Text:      scanner.Text(),
			Timestamp: a.now(),
			IsMention: a.thread == "",
		}
		a.recordLocked(msg.ThreadID, msg.UserID, msg.UserName, msg.Text)
		select {
		case a.inbound <- msg:
		default:
			a.log.Warn("inbound buffer full, dropping line")
		}
		a.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		a.log.Warn("read input", zap.Error(err))
	}
	a.Close()
}

// Send prints a message and its formatted events.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("console: not connected")
	}
	text := telegraph.PlainText(msg)
	a.recordLocked(msg.ThreadID, botUserID, botUserID, text)
	return a.printLocked(text)
}

// StartThread prints text as the opening message and makes the new thread
// current, so subsequent lines are replies in it.
func (a *Adapter) StartThread(ctx context.Context, channelID, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", fmt.Errorf("console: not connected")
	}
	a.threads++
	a.thread = "thread-" + strconv.Itoa(a.threads)
	a.recordLocked(a.thread, botUserID, botUserID, text)
	if err := a.printLocked(text); err != nil {
		return "", err
	}
	return a.thread, nil
}

func (a *Adapter) printLocked(text string) error {
	if a.interactive {
		text = "\r" + text
	}
	if _, err := fmt.Fprintln(a.out, text); err != nil {
		return fmt.Errorf("console: write: %w", err)
	}
	a.drawPrompt()
	return nil
}

func (a *Adapter) drawPrompt() {
	if a.interactive {
		fmt.Fprint(a.out, prompt)
	}
}

func (a *Adapter) recordLocked(threadID, userID, userName, text string) {
	if threadID == "" {
		return
	}
	a.history[threadID] = append(a.history[threadID], telegraph.ThreadMessage{
		UserID:    userID,
		UserName:  userName,
		Text:      text,
		Timestamp: a.now(),
	})
}

// ThreadHistory returns up to limit messages of a thread, oldest first.
func (a *Adapter) ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]telegraph.ThreadMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.history[threadID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]telegraph.ThreadMessage(nil), msgs...), nil
}

// Close stops delivering lines and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	close(a.inbound)
	return nil
}

// BotUserID returns the fixed id used for the bot's own console output.
func (a *Adapter) BotUserID() string { return botUserID }

// UserID returns the chat user id typed lines are attributed to.
func (a *Adapter) UserID() string { return a.userID }
