package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/funneld-io/funneld/internal/config"
	"github.com/funneld-io/funneld/internal/event"
)

// Consumer environment variables and defaults.
const (
	defaultKafkaBrokers = "localhost:9092"
	defaultKafkaTopic   = "analytics.events"
	defaultKafkaGroupID = "funneld-realtime"

	consumerMinBytes     = 1
	consumerMaxBytes     = 10 << 20 // 10 MiB, kafka-go's recommended ceiling
	consumerMaxWait      = 500 * time.Millisecond
	consumerRetryBackoff = time.Second
)

// ErrConsumerClosed is returned when Run is called on a closed consumer.
var ErrConsumerClosed = errors.New("consumer closed")

// ConsumerConfig holds Kafka consumer settings.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// LoadConsumerConfig reads consumer settings from the environment.
func LoadConsumerConfig() ConsumerConfig {
	brokers := strings.Split(config.GetEnvStr("KAFKA_BROKERS", defaultKafkaBrokers), ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}

	return ConsumerConfig{
		Brokers: brokers,
		Topic:   config.GetEnvStr("KAFKA_TOPIC", defaultKafkaTopic),
		GroupID: config.GetEnvStr("KAFKA_GROUP_ID", defaultKafkaGroupID),
	}
}

// Consumer reads events from Kafka and dispatches them to the worker pool.
//
// Offsets are committed after dispatch, so a crash between dispatch and commit
// redelivers events. That is safe: state application is idempotent, duplicates
// collapse to transitionNone.
type Consumer struct {
	reader  *kafka.Reader
	pool    *Pool
	metrics *Metrics
	logger  *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewConsumer creates a Kafka consumer bound to a worker pool.
func NewConsumer(cfg ConsumerConfig, pool *Pool, metrics *Metrics, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: consumerMinBytes,
		MaxBytes: consumerMaxBytes,
		MaxWait:  consumerMaxWait,
	})

	return &Consumer{
		reader:  reader,
		pool:    pool,
		metrics: metrics,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run consumes until ctx is canceled or Close is called. It blocks; callers
// run it in a goroutine.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.done)

	select {
	case <-c.stop:
		return ErrConsumerClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.logger.InfoContext(ctx, "Kafka consumer started",
		slog.String("topic", c.reader.Config().Topic),
		slog.String("group_id", c.reader.Config().GroupID),
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}

			c.logger.ErrorContext(ctx, "Fetch failed", slog.String("error", err.Error()))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(consumerRetryBackoff):
			}

			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.ErrorContext(ctx, "Commit failed",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handle decodes one message and hands it to the pool. Malformed payloads are
// dropped and counted; they would never decode on redelivery either.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var ev event.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		if c.metrics != nil {
			c.metrics.EventsDropped.WithLabelValues("decode").Inc()
		}

		c.logger.ErrorContext(ctx, "Dropped undecodable message",
			slog.Int64("offset", msg.Offset),
			slog.Int("partition", msg.Partition),
			slog.String("error", err.Error()),
		)

		return
	}

	c.pool.Dispatch(&ev)
}

// Close stops the consumer, waits for Run to return, and closes the reader.
func (c *Consumer) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done

		if cerr := c.reader.Close(); cerr != nil {
			err = fmt.Errorf("closing kafka reader: %w", cerr)
		}

		c.logger.Info("Kafka consumer stopped")
	})

	return err
}
