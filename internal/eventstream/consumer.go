package eventstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carelink/fhirbridge/internal/hms"
	"github.com/carelink/fhirbridge/internal/observability/metrics"
	"github.com/carelink/fhirbridge/internal/queue"
)

// ChangeHandler receives decoded record changes. capture.Registry is the
// production implementation.
type ChangeHandler interface {
	OnCreate(ctx context.Context, rec hms.Record) (*queue.Item, error)
	OnUpdate(ctx context.Context, rec hms.Record) (*queue.Item, error)
	OnDelete(ctx context.Context, model, recordID, fhirID string) error
}

// ConsumerConfig holds configuration for the record-event consumer.
type ConsumerConfig struct {
	Brokers             []string
	GroupID             string
	Topic               string
	SessionTimeoutMS    int64
	HeartbeatIntervalMS int64
	FetchMaxBytes       int32
	StartOffset         string
}

// DefaultConsumerConfig returns defaults for the record-event stream.
// Commits are manual: an event is only committed once its queue item exists,
// so a crash mid-dispatch replays rather than drops.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "fhir-sync-engine",
		Topic:               TopicRecordEvents,
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		FetchMaxBytes:       16 * 1024 * 1024,
		StartOffset:         "earliest",
	}
}

// Consumer reads record-change events and feeds them to change capture.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	handler ChangeHandler
	dead    *Producer
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	eventsRead int64
	errorCount int64
}

// NewConsumer creates a consumer. dead may be nil; undecodable events are
// then dropped after logging instead of being parked on the dead-letter
// topic.
func NewConsumer(cfg ConsumerConfig, handler ChangeHandler, dead *Producer, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("change handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
	}

	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	opts = append(opts,
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		dead:    dead,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("record-event-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming in the background.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop drains the loop and commits whatever finished.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
				c.countError()
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(record)
		})
	}
}

func (c *Consumer) processRecord(record *kgo.Record) {
	ctx, span := c.tracer.Start(c.ctx, "consume_record_event",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	err := Dispatch(ctx, c.handler, record.Value)
	switch {
	case err == nil:
	case isPermanent(err):
		// A malformed event never becomes dispatchable; park it and move on.
		c.logger.Warn("undeliverable record event",
			zap.Int64("offset", record.Offset), zap.Error(err))
		span.RecordError(err)
		c.countError()
		if c.dead != nil {
			if perr := c.dead.produce(ctx, TopicDeadLetter, string(record.Key), record.Value); perr != nil {
				c.logger.Error("dead-letter produce failed", zap.Error(perr))
				return
			}
		}
	default:
		// Transient (queue store down, etc): leave uncommitted for replay.
		c.logger.Error("record event dispatch failed, will replay",
			zap.Int64("offset", record.Offset), zap.Error(err))
		span.RecordError(err)
		c.countError()
		return
	}

	c.mu.Lock()
	c.eventsRead++
	c.mu.Unlock()
	c.metricsConsumed()

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Error("failed to commit offset",
			zap.Int64("offset", record.Offset), zap.Error(err))
		span.RecordError(err)
	}
}

// Dispatch decodes one event payload and routes it to the change handler.
// A standalone function so the decode/dispatch path is testable without a
// broker.
func Dispatch(ctx context.Context, handler ChangeHandler, value []byte) error {
	ev, err := DecodeRecordEvent(value)
	if err != nil {
		return permanentError{err}
	}

	switch ev.Action {
	case ActionCreated:
		rec := &eventRecord{model: ev.Model, id: ev.RecordID, fields: ev.Fields}
		_, err = handler.OnCreate(ctx, rec)
	case ActionUpdated:
		rec := &eventRecord{model: ev.Model, id: ev.RecordID, fields: ev.Fields}
		_, err = handler.OnUpdate(ctx, rec)
	case ActionDeleted:
		err = handler.OnDelete(ctx, ev.Model, ev.RecordID, ev.FHIRID)
	}
	if err != nil {
		return fmt.Errorf("dispatch %s %s/%s: %w", ev.Action, ev.Model, ev.RecordID, err)
	}
	return nil
}

// ConsumerStats reports consumption counters.
type ConsumerStats struct {
	EventsRead int64
	ErrorCount int64
}

// Stats returns current counters.
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsumerStats{EventsRead: c.eventsRead, ErrorCount: c.errorCount}
}

func (c *Consumer) countError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

func (c *Consumer) metricsConsumed() {
	if c.metrics != nil {
		c.metrics.EventsConsumed.Inc()
	}
}

// permanentError marks failures that replaying cannot fix.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

func isPermanent(err error) bool {
	_, ok := err.(permanentError)
	return ok
}
