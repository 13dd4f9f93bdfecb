package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"catalog-imager/internal/logger"
	"catalog-imager/internal/models"
)

const readRetryDelay = time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Announcer publishes new jobs, keyed by job id, for workers that consume
// the jobs topic instead of polling.
type Announcer struct {
	writer messageWriter
	log    *logger.Logger
}

func NewAnnouncer(broker, topic string) *Announcer {
	return &Announcer{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  []string{broker},
			Topic:    topic,
			Balancer: &kafka.Hash{},
		}),
		log: logger.New("Announcer"),
	}
}

func (a *Announcer) Announce(ctx context.Context, jobs []models.JobDescriptor) error {
	const op = "broker.Announce"

	if len(jobs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(jobs))
	for _, j := range jobs {
		value, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(j.JobID), Value: value})
	}
	if err := a.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	a.log.LogDebugf("announced %d jobs", len(jobs))
	return nil
}

func (a *Announcer) Close() error {
	return a.writer.Close()
}

// ReportHandler applies a worker's result.
type ReportHandler interface {
	Report(ctx context.Context, r models.JobReport) (models.JobOutcome, error)
}

// ResultConsumer reads worker results from the results topic, the push path
// for workers that cannot reach the webhook.
type ResultConsumer struct {
	reader     messageReader
	handler    ReportHandler
	retryDelay time.Duration
	log        *logger.Logger
}

func NewResultConsumer(broker, topic, groupID string, handler ReportHandler) *ResultConsumer {
	return &ResultConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{broker},
			Topic:   topic,
			GroupID: groupID,
		}),
		handler:    handler,
		retryDelay: readRetryDelay,
		log:        logger.New("ResultConsumer"),
	}
}

// Run blocks until ctx is cancelled or the reader is closed. An offset is
// committed once its result is settled; while storage is unavailable the same
// message is retried.
func (c *ResultConsumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.log.LogError("error reading message", err)
			if !c.wait(ctx) {
				return
			}
			continue
		}

		for c.handle(ctx, msg) != nil {
			if !c.wait(ctx) {
				return
			}
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.LogError("committing offset", err)
		}
	}
}

func (c *ResultConsumer) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}

// handle returns an error only when the message has to be retried.
func (c *ResultConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var r models.JobReport
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		c.log.LogWarnf("skipping malformed result at offset %d: %v", msg.Offset, err)
		return nil
	}
	if r.JobID == "" {
		r.JobID = string(msg.Key)
	}

	out, err := c.handler.Report(ctx, r)
	switch {
	case err == nil && out.Duplicate:
		c.log.LogDebugf("duplicate result for job %s", r.JobID)
	case err == nil:
		c.log.LogDebugf("job %s is %s", out.JobID, out.State)
	case models.IsBusiness(err):
		c.log.LogWarnf("rejected result for job %s: %v", r.JobID, err)
	case errors.Is(err, models.ErrStorageUnavailable):
		c.log.LogWarnf("storage unavailable, retrying result for job %s: %v", r.JobID, err)
		return err
	default:
		c.log.LogError("applying job result", err)
	}
	return nil
}
