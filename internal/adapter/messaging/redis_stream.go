package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"
	fieldAttempt = "attempt"
)

// requeueScript moves a pending entry to KEYS[2] (the same stream or its
// dead-letter stream) and acks it on KEYS[1] in one step, so a delivery is
// never lost or duplicated between the two calls.
var requeueScript = redis.NewScript(`
redis.call('XADD', KEYS[2], '*', 'key', ARGV[3], 'payload', ARGV[4], 'attempt', ARGV[5])
return redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
`)

type RedisStreamPublisher struct {
	client *redis.Client
	stream string
}

func NewRedisStreamPublisher(client *redis.Client, stream string) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			fieldKey:     key,
			fieldPayload: string(payload),
			fieldAttempt: 1,
		},
	}).Err()
}

// Close is a no-op; the client is owned by the caller.
func (p *RedisStreamPublisher) Close() error {
	return nil
}

type RedisStreamConfig struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterSuffix string
	Workers          int
	BatchSize        int64
	Block            time.Duration
	ClaimMinIdle     time.Duration
	RetryBackoff     time.Duration
	// MaxAttempts of 0 requeues forever
	MaxAttempts int
}

// RedisStreamSubscriber consumes a stream through a consumer group.
// Entries stay pending until the handler resolves them, and entries left
// pending by a crashed consumer are claimed again after ClaimMinIdle.
type RedisStreamSubscriber struct {
	client *redis.Client
	cfg    RedisStreamConfig
	logger *zap.Logger
}

func NewRedisStreamSubscriber(client *redis.Client, cfg RedisStreamConfig, logger *zap.Logger) *RedisStreamSubscriber {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.DeadLetterSuffix == "" {
		cfg.DeadLetterSuffix = ".dead"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStreamSubscriber{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("stream", cfg.Stream), zap.String("group", cfg.Group)),
	}
}

func (s *RedisStreamSubscriber) DeadLetterStream() string {
	return s.cfg.Stream + s.cfg.DeadLetterSuffix
}

func (s *RedisStreamSubscriber) Subscribe(ctx context.Context, handler port.MessageHandler) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	jobs := make(chan redis.XMessage)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for xm := range jobs {
				s.dispatch(gctx, xm, handler)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		return s.poll(gctx, jobs)
	})

	return g.Wait()
}

func (s *RedisStreamSubscriber) Close() error {
	return nil
}

func (s *RedisStreamSubscriber) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", s.cfg.Group, s.cfg.Stream, err)
	}
	return nil
}

func (s *RedisStreamSubscriber) poll(ctx context.Context, jobs chan<- redis.XMessage) error {
	var lastClaim time.Time
	for ctx.Err() == nil {
		if s.cfg.ClaimMinIdle > 0 && time.Since(lastClaim) >= s.cfg.ClaimMinIdle {
			lastClaim = time.Now()
			if err := s.reclaim(ctx, jobs); err != nil && ctx.Err() == nil {
				s.logger.Warn("reclaim pending entries failed", zap.Error(err))
			}
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, ">"},
			Count:    s.cfg.BatchSize,
			Block:    s.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("read group failed", zap.Error(err))
			if !sleep(ctx, s.cfg.Block) {
				return nil
			}
			continue
		}

		for _, stream := range streams {
			for _, xm := range stream.Messages {
				select {
				case jobs <- xm:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
	return nil
}

func (s *RedisStreamSubscriber) reclaim(ctx context.Context, jobs chan<- redis.XMessage) error {
	start := "0-0"
	for {
		msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.cfg.Stream,
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			MinIdle:  s.cfg.ClaimMinIdle,
			Start:    start,
			Count:    s.cfg.BatchSize,
		}).Result()
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			s.logger.Info("reclaimed pending entries", zap.Int("count", len(msgs)))
		}
		for _, xm := range msgs {
			select {
			case jobs <- xm:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if next == "0-0" || next == "" {
			return nil
		}
		start = next
	}
}

func (s *RedisStreamSubscriber) dispatch(ctx context.Context, xm redis.XMessage, handler port.MessageHandler) {
	msg, err := decodeStreamMessage(xm)
	if err != nil {
		s.logger.Warn("dropping malformed entry", zap.String("id", xm.ID), zap.Error(err))
		s.ack(ctx, xm.ID)
		return
	}

	outcome := handler(ctx, msg)
	if outcome.Ack() {
		s.ack(ctx, xm.ID)
		return
	}

	// A delivery that cannot be requeued now stays pending and is reclaimed.
	if !sleep(ctx, s.cfg.RetryBackoff) {
		return
	}
	dst := s.cfg.Stream
	if s.cfg.MaxAttempts > 0 && msg.Attempt >= s.cfg.MaxAttempts {
		dst = s.DeadLetterStream()
		s.logger.Warn("moving entry to dead letter stream",
			zap.String("id", msg.ID),
			zap.String("key", msg.Key),
			zap.Int("attempt", msg.Attempt),
		)
	}
	err = requeueScript.Run(ctx, s.client,
		[]string{s.cfg.Stream, dst},
		s.cfg.Group, xm.ID, msg.Key, string(msg.Payload), msg.Attempt+1,
	).Err()
	if err != nil && ctx.Err() == nil {
		s.logger.Error("requeue failed", zap.String("id", xm.ID), zap.Error(err))
	}
}

func (s *RedisStreamSubscriber) ack(ctx context.Context, id string) {
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil && ctx.Err() == nil {
		s.logger.Error("ack failed", zap.String("id", id), zap.Error(err))
	}
}

func decodeStreamMessage(xm redis.XMessage) (port.Message, error) {
	payload, ok := xm.Values[fieldPayload]
	if !ok {
		return port.Message{}, errors.New("missing payload field")
	}
	msg := port.Message{
		ID:          xm.ID,
		Payload:     []byte(fmt.Sprint(payload)),
		Attempt:     1,
		PublishedAt: entryTime(xm.ID),
	}
	if key, ok := xm.Values[fieldKey]; ok {
		msg.Key = fmt.Sprint(key)
	}
	if raw, ok := xm.Values[fieldAttempt]; ok {
		attempt, err := strconv.Atoi(fmt.Sprint(raw))
		if err != nil {
			return port.Message{}, fmt.Errorf("bad attempt %v: %w", raw, err)
		}
		if attempt > 0 {
			msg.Attempt = attempt
		}
	}
	return msg, nil
}

// entryTime reads the millisecond timestamp Redis puts in auto-generated
// entry IDs.
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
