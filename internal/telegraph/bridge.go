package telegraph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultReplyTimeout is used when AwaitReply is given a non-positive timeout.
const DefaultReplyTimeout = 5 * time.Minute

// Bridge lets a pipeline stage ask a question and block for the answer while
// the transport delivers replies asynchronously through PendingReplies.
type Bridge struct {
	adapter Adapter
	pending *PendingReplies
	log     *zap.Logger
}

// BridgeOpts holds parameters for creating a Bridge.
type BridgeOpts struct {
	Adapter Adapter
	Pending *PendingReplies
	Logger  *zap.Logger
}

// NewBridge creates a Bridge.
func NewBridge(opts BridgeOpts) (*Bridge, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: bridge: adapter is required")
	}
	if opts.Pending == nil {
		return nil, fmt.Errorf("telegraph: bridge: pending replies is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{adapter: opts.Adapter, pending: opts.Pending, log: log}, nil
}

// Pending returns the registry the bridge waits on.
func (b *Bridge) Pending() *PendingReplies {
	return b.pending
}

// AwaitReply posts prompt to the key's thread and blocks until the key's
// participant replies there, the timeout elapses (ErrReplyTimeout), or ctx
// ends. A failed send is logged and the wait continues.
func (b *Bridge) AwaitReply(ctx context.Context, key ReplyKey, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	log := b.log.With(
		zap.String("channel", key.ChannelID),
		zap.String("thread", key.ThreadID),
		zap.String("participant", key.ParticipantID),
	)

	// Install before sending so a fast reply cannot arrive unobserved.
	entry := b.pending.install(key, prompt)

	if prompt != "" {
		if err := b.adapter.Send(ctx, OutboundMessage{
			ChannelID: key.ChannelID,
			ThreadID:  key.ThreadID,
			Text:      prompt,
		}); err != nil {
			log.Warn("send prompt failed", zap.Error(err))
		}
	}

	log.Debug("awaiting reply", zap.Duration("timeout", timeout))
	text, err := b.pending.wait(ctx, key, entry, timeout)
	if err != nil {
		log.Info("reply wait ended", zap.Error(err))
		return "", err
	}
	return text, nil
}
