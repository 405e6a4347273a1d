package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// Message is one delivery from a channel. Attempt starts at 1 and grows each
// time the message is requeued.
type Message struct {
	ID      string
	Key     string
	Payload []byte
	Attempt int
	// PublishedAt is when this delivery was put on the channel.
	PublishedAt time.Time
}

func (m Message) Redelivered() bool {
	return m.Attempt > 1
}

// MessageHandler decides what happens to a delivery. The subscriber acks on
// Resolved and PermanentSkip and requeues on RetryLater.
type MessageHandler func(ctx context.Context, msg Message) domain.ReleaseOutcome

type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
	Close() error
}

type Subscriber interface {
	// Subscribe blocks, dispatching deliveries to handler until ctx is done
	Subscribe(ctx context.Context, handler MessageHandler) error
	Close() error
}
