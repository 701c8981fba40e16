package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus publishes mutation events to a topic and dispatches every event
// read back from it. Each replica joins its own consumer group so that all
// replicas see all events.
type KafkaBus struct {
	writer messageWriter
	reader messageReader
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// NewKafkaBus connects to brokers (comma separated). groupPrefix is
// suffixed with a random instance id.
func NewKafkaBus(brokers, topic, groupPrefix string, logger zerolog.Logger) (*KafkaBus, error) {
	if strings.TrimSpace(brokers) == "" {
		return nil, errors.New("kafka brokers not configured")
	}
	if topic == "" {
		return nil, errors.New("kafka topic not configured")
	}
	if groupPrefix == "" {
		groupPrefix = "healthalert"
	}
	addrs := strings.Split(brokers, ",")
	groupID := groupPrefix + "-" + uuid.NewString()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     addrs,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
	})

	logger.Info().Str("topic", topic).Str("group_id", groupID).Msg("kafka event bus configured")
	return newKafkaBus(writer, reader, logger), nil
}

func newKafkaBus(w messageWriter, r messageReader, logger zerolog.Logger) *KafkaBus {
	return &KafkaBus{
		writer: w,
		reader: r,
		logger: logger.With().Str("component", "eventbus").Logger(),
	}
}

func (b *KafkaBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish writes ev keyed by subject so events for one subject stay ordered.
func (b *KafkaBus) Publish(ctx context.Context, ev MutationEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode mutation event: %w", err)
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.SubjectID), Value: value}); err != nil {
		return fmt.Errorf("publish mutation event: %w", err)
	}
	return nil
}

// Run consumes until ctx is cancelled or the reader fails. Undecodable
// messages are committed and skipped.
func (b *KafkaBus) Run(ctx context.Context) error {
	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch mutation event: %w", err)
		}

		var ev MutationEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			b.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping malformed mutation event")
		} else {
			b.dispatch(ctx, ev)
		}

		if err := b.reader.CommitMessages(ctx, msg); err != nil {
			b.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}
}

func (b *KafkaBus) dispatch(ctx context.Context, ev MutationEvent) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
}

func (b *KafkaBus) Close() error {
	return errors.Join(b.writer.Close(), b.reader.Close())
}
