package messaging

import (
	"context"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// Delayed holds each delivery until it is at least delay old before passing
// it on. A delivery still waiting when ctx ends is handed back for retry.
func Delayed(delay time.Duration, next port.MessageHandler) port.MessageHandler {
	return delayed(delay, time.Now, next)
}

func delayed(delay time.Duration, now func() time.Time, next port.MessageHandler) port.MessageHandler {
	return func(ctx context.Context, msg port.Message) domain.ReleaseOutcome {
		if delay > 0 && !msg.PublishedAt.IsZero() {
			if wait := msg.PublishedAt.Add(delay).Sub(now()); wait > 0 && !sleep(ctx, wait) {
				return domain.RetryLater
			}
		}
		return next(ctx, msg)
	}
}
