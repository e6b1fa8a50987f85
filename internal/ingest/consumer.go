package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"airsense/internal/config"
)

// Consumer reads measurement messages from Kafka and drives the Writer,
// flushing when the batch fills or the flush interval elapses. Offsets are
// committed only after a successful flush so a failed write is re-consumed
// rather than lost; the idempotent upsert makes the re-delivery harmless.
type Consumer struct {
	reader  *kafka.Reader
	writer  *Writer
	cfg     config.IngestConfig
	metrics *Metrics
	logger  *slog.Logger
}

// NewConsumer creates a Consumer reading from the configured measurement
// topic as part of the ingestor consumer group.
func NewConsumer(kafkaCfg config.KafkaConfig, ingestCfg config.IngestConfig, writer *Writer, metrics *Metrics, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkaCfg.Brokers,
		GroupID:  kafkaCfg.GroupID,
		Topic:    kafkaCfg.MeasurementTopic,
		MinBytes: 1,
		MaxBytes: 10 << 20,
		MaxWait:  time.Second,
	})

	return &Consumer{
		reader:  reader,
		writer:  writer,
		cfg:     ingestCfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Run consumes until the context is cancelled, flushing any buffered batch
// before returning. The returned error is nil on clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	if c.metrics != nil {
		c.metrics.IngestRunning.Set(1)
		defer c.metrics.IngestRunning.Set(0)
	}

	var batch []*MeasurementMessage
	var pending []kafka.Message
	deadline := time.Now().Add(c.cfg.FlushInterval)

	for {
		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()

		switch {
		case err == nil:
			if c.metrics != nil {
				c.metrics.MessagesConsumed.Inc()
			}
			decoded, decErr := DecodeMeasurementMessage(msg.Value)
			if decErr != nil {
				// Malformed payloads are dropped, not retried; they would
				// fail identically forever.
				if c.metrics != nil {
					c.metrics.DecodeErrors.Inc()
				}
				c.logger.Warn("dropping undecodable measurement message",
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", decErr,
				)
				pending = append(pending, msg)
				break
			}
			batch = append(batch, decoded)
			pending = append(pending, msg)

		case errors.Is(err, context.DeadlineExceeded):
			// Flush interval elapsed with a quiet topic.

		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			flushErr := c.flush(context.Background(), batch, pending)
			closeErr := c.reader.Close()
			if flushErr != nil {
				return flushErr
			}
			return closeErr

		default:
			c.logger.Error("kafka fetch failed", "error", err)
			continue
		}

		if len(batch) >= c.cfg.BatchSize || time.Now().After(deadline) {
			if err := c.flush(ctx, batch, pending); err != nil {
				// Leave offsets uncommitted; the batch is re-consumed after
				// the error clears.
				c.logger.Error("flush failed, batch will be re-consumed", "error", err)
			} else {
				batch = nil
				pending = nil
			}
			deadline = time.Now().Add(c.cfg.FlushInterval)
		}
	}
}

// flush writes the batch and commits its offsets.
func (c *Consumer) flush(ctx context.Context, batch []*MeasurementMessage, pending []kafka.Message) error {
	if err := c.writer.Flush(ctx, batch); err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	return c.reader.CommitMessages(ctx, pending...)
}
