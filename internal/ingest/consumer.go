// Package ingest moves captain location updates through Kafka: the API
// process produces them and a consumer group feeds them to the tracker.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/tracker"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type LocationHandler interface {
	HandleLocation(ctx context.Context, msg models.LocationUpdate) (models.CaptainLocation, error)
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	if topic == "" {
		topic = DefaultTopic
	}
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
}

type Consumer struct {
	reader  MessageReader
	handler LocationHandler
	logger  *slog.Logger

	Attempts       int
	RetryDelay     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewConsumer(r MessageReader, h LocationHandler, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:         r,
		handler:        h,
		logger:         logger,
		Attempts:       3,
		RetryDelay:     200 * time.Millisecond,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Run reads until ctx is cancelled. Read errors back off exponentially;
// bad messages are counted and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.InitialBackoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("shutting down consumer")
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > c.MaxBackoff {
				backoff = c.MaxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = c.InitialBackoff
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var msg models.LocationUpdate
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		observability.ConsumerMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid message", "offset", m.Offset, "error", err)
		return
	}
	if err := handleWithRetry(ctx, c.handler, msg, c.Attempts, c.RetryDelay); err != nil {
		result := "failed"
		if permanent(err) {
			result = "rejected"
		}
		observability.ConsumerMessages.WithLabelValues(result).Inc()
		c.logger.Warn("location update not applied", "captain_id", msg.CaptainID, "error", err)
		return
	}
	observability.ConsumerMessages.WithLabelValues("ok").Inc()
}

func permanent(err error) bool {
	return errors.Is(err, tracker.ErrInvalidLocation) || errors.Is(err, tracker.ErrUnknownCaptain)
}

// handleWithRetry retries transient failures with a doubling delay.
func handleWithRetry(ctx context.Context, h LocationHandler, msg models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = h.HandleLocation(ctx, msg); err == nil || permanent(err) {
			return err
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
