package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/port"
)

const attemptHeader = "x-attempt"

type KafkaWriter interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a traced writer without a fixed topic; every
// message names its own.
func NewKafkaWriter(brokers []string, batchTimeout time.Duration, tp trace.TracerProvider, clientID string) (KafkaWriter, error) {
	base := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingSystemKafka,
				attribute.String("messaging.kafka.client_id", clientID),
			},
		),
	)
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

type KafkaPublisher struct {
	writer KafkaWriter
	topic  string
}

func NewKafkaPublisher(writer KafkaWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	return p.writer.WriteMessage(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: []kafka.Header{{Key: attemptHeader, Value: []byte("1")}},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type KafkaSubscriberConfig struct {
	Topic            string
	DeadLetterSuffix string
	RetryBackoff     time.Duration
	MaxAttempts      int
}

// KafkaSubscriber has no per-message nack, so a retry is a republish of the
// record with a bumped attempt header followed by a commit of the original.
type KafkaSubscriber struct {
	reader KafkaReader
	writer KafkaWriter
	cfg    KafkaSubscriberConfig
	logger *zap.Logger
}

func NewKafkaSubscriber(reader KafkaReader, writer KafkaWriter, cfg KafkaSubscriberConfig, logger *zap.Logger) *KafkaSubscriber {
	if cfg.DeadLetterSuffix == "" {
		cfg.DeadLetterSuffix = ".dead"
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSubscriber{
		reader: reader,
		writer: writer,
		cfg:    cfg,
		logger: logger.With(zap.String("topic", cfg.Topic)),
	}
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, handler port.MessageHandler) error {
	propagator := otel.GetTextMapPropagator()
	for {
		km, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("fetch failed", zap.Error(err))
			if !sleep(ctx, s.cfg.RetryBackoff) {
				return nil
			}
			continue
		}

		carrier := propagation.MapCarrier{}
		for _, h := range km.Headers {
			carrier[h.Key] = string(h.Value)
		}
		msgCtx := propagator.Extract(ctx, carrier)

		msg := port.Message{
			ID:          fmt.Sprintf("%d/%d", km.Partition, km.Offset),
			Key:         string(km.Key),
			Payload:     km.Value,
			Attempt:     attemptOf(km.Headers),
			PublishedAt: km.Time,
		}
		if outcome := handler(msgCtx, msg); !outcome.Ack() {
			if !s.requeue(ctx, km, msg.Attempt) {
				return nil
			}
		}

		if err := s.reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			s.logger.Error("commit failed",
				zap.String("id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

// requeue reports false only when ctx ended before the record was
// republished; the offset is then left uncommitted.
func (s *KafkaSubscriber) requeue(ctx context.Context, km kafka.Message, attempt int) bool {
	topic := s.cfg.Topic
	if s.cfg.MaxAttempts > 0 && attempt >= s.cfg.MaxAttempts {
		topic = s.cfg.Topic + s.cfg.DeadLetterSuffix
		s.logger.Warn("moving record to dead letter topic",
			zap.ByteString("key", km.Key),
			zap.Int("attempt", attempt),
		)
	}
	retry := kafka.Message{
		Topic:   topic,
		Key:     km.Key,
		Value:   km.Value,
		Headers: withAttempt(km.Headers, attempt+1),
	}

	for {
		if !sleep(ctx, s.cfg.RetryBackoff) {
			return false
		}
		err := s.writer.WriteMessage(ctx, retry)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.logger.Error("republish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (s *KafkaSubscriber) Close() error {
	return s.reader.Close()
}

func attemptOf(headers []kafka.Header) int {
	for _, h := range headers {
		if h.Key != attemptHeader {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

func withAttempt(headers []kafka.Header, attempt int) []kafka.Header {
	drop := map[string]bool{attemptHeader: true}
	// the writer injects a fresh span context
	for _, f := range (propagation.TraceContext{}).Fields() {
		drop[f] = true
	}
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if !drop[h.Key] {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: attemptHeader, Value: []byte(strconv.Itoa(attempt))})
}
