// Package notify delivers operator-facing notifications over the chat
// transport. Send failures are logged and remembered, never propagated;
// there is no further channel to report them on.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"wappsender/internal/kit"
)

type Service struct {
	adapter kit.Adapter
	log     *slog.Logger

	mu      sync.Mutex
	history []kit.Notification
}

func New(adapter kit.Adapter, log *slog.Logger) *Service {
	return &Service{adapter: adapter, log: log}
}

func (n *Service) Notify(ctx context.Context, noti kit.Notification) error {
	if noti.Options == nil {
		noti.Options = &kit.SendOptions{DisablePreview: true}
	}

	_, err := n.adapter.SendText(ctx, noti.Target, noti.Text, noti.Options)
	if err != nil {
		n.log.Warn("notification send failed",
			slog.Int64("chat_id", noti.Target.ChatID),
			slog.Int("thread_id", noti.Target.ThreadID),
			slog.Any("err", err))
	} else {
		n.log.Debug("notification sent",
			slog.Int64("chat_id", noti.Target.ChatID),
			slog.Int("thread_id", noti.Target.ThreadID))
	}
	n.appendHistory(noti)
	return err
}

func (n *Service) appendHistory(x kit.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, x)
	if len(n.history) > 300 {
		n.history = n.history[len(n.history)-300:]
	}
}

func (n *Service) Stop(ctx context.Context) {
	// no background workers currently
}
