package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokengate/internal/config"
	"github.com/smallbiznis/tokengate/internal/idempotency"
	"github.com/smallbiznis/tokengate/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/tokengate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Consumer drains the usage stream and drives the authoritative recorder.
// Delivery is at least once; the idempotency ledger and the recorder's
// is_processed check absorb duplicates. Failed messages are logged and
// acked without retry or dead-lettering.
type Consumer struct {
	client *redis.Client
	log    *zap.Logger

	stream string
	group  string
	name   string
	block  time.Duration
	batch  int

	ledger  *idempotency.Ledger
	usage   usagedomain.Service
	metrics *metrics.Metrics
}

type ConsumerParam struct {
	fx.In

	Client  *redis.Client
	Config  config.Config
	Log     *zap.Logger
	Ledger  *idempotency.Ledger
	Usage   usagedomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

func NewConsumer(p ConsumerParam) *Consumer {
	return &Consumer{
		client: p.Client,
		log:    p.Log.Named("relay.consumer"),

		stream: p.Config.RelayStream,
		group:  p.Config.RelayConsumerGroup,
		name:   "recorder-" + uuid.NewString(),
		block:  p.Config.RelayBlockInterval,
		batch:  p.Config.RelayBatchSize,

		ledger:  p.Ledger,
		usage:   p.Usage,
		metrics: p.Metrics,
	}
}

// EnsureGroup creates the consumer group, tolerating a concurrent creator.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Run polls until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	if err := c.EnsureGroup(ctx); err != nil {
		c.log.Error("consumer group create failed", zap.Error(err))
		return
	}

	c.log.Info("relay consumer started",
		zap.String("stream", c.stream),
		zap.String("group", c.group),
		zap.String("consumer", c.name),
	)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := c.Poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.log.Warn("relay poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.block):
			}
		}
	}
}

// Poll reads one batch and processes it. Every message is acked, handled
// or not, so a poison payload cannot wedge the group.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    int64(c.batch),
		Block:    c.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}

	handled := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			c.handle(ctx, message)
			if err := c.client.XAck(ctx, c.stream, c.group, message.ID).Err(); err != nil {
				c.log.Warn("relay ack failed",
					zap.String("message_id", message.ID),
					zap.Error(err),
				)
			}
			handled++
		}
	}
	return handled, nil
}

func (c *Consumer) handle(ctx context.Context, message redis.XMessage) {
	event, err := decodeEvent(message.Values)
	if err != nil {
		c.log.Error("relay message not decodable",
			zap.String("message_id", message.ID),
			zap.Error(err),
		)
		c.metrics.RecordRelayFailed(ctx, c.stream, "decode")
		return
	}

	acquired, err := c.ledger.TryAcquire(ctx, event.RequestID)
	if err != nil {
		c.log.Error("idempotency acquire failed",
			zap.String("request_id", event.RequestID),
			zap.Error(err),
		)
		c.metrics.RecordRelayFailed(ctx, c.stream, "ledger")
		return
	}
	if !acquired {
		state, err := c.ledger.Peek(ctx, event.RequestID)
		if err != nil {
			c.log.Warn("idempotency peek failed",
				zap.String("request_id", event.RequestID),
				zap.Error(err),
			)
		}
		c.log.Debug("duplicate delivery suppressed",
			zap.String("request_id", event.RequestID),
			zap.String("state", string(state)),
		)
		c.metrics.RecordUsageDuplicate(ctx, "relay")
		return
	}

	exists, err := c.usage.EventExists(ctx, event.RequestID)
	if err != nil {
		_ = c.ledger.Release(ctx, event.RequestID)
		c.log.Error("usage event lookup failed",
			zap.String("request_id", event.RequestID),
			zap.Error(err),
		)
		c.metrics.RecordRelayFailed(ctx, c.stream, "lookup")
		return
	}
	if !exists {
		// Delayed or lost hot-path write. Not fatal, the recorder persists
		// the row itself.
		c.log.Warn("usage event row missing at delivery",
			zap.String("request_id", event.RequestID),
		)
	}

	if err := c.usage.RecordUsage(ctx, event); err != nil {
		_ = c.ledger.Release(ctx, event.RequestID)
		c.log.Error("usage recording failed",
			zap.String("request_id", event.RequestID),
			zap.Error(err),
		)
		c.metrics.RecordRelayFailed(ctx, c.stream, "record")
		return
	}

	if _, err := c.ledger.MarkProcessed(ctx, event.RequestID); err != nil {
		c.log.Warn("idempotency mark processed failed",
			zap.String("request_id", event.RequestID),
			zap.Error(err),
		)
	}
	c.metrics.RecordRelayDelivered(ctx, c.stream)
}

func decodeEvent(values map[string]any) (usagedomain.RecordUsageRequest, error) {
	event := usagedomain.RecordUsageRequest{
		RequestID: stringValue(values, "request_id"),
		TenantID:  stringValue(values, "tenant_id"),
		UserID:    stringValue(values, "user_id"),
		ThreadID:  stringValue(values, "thread_id"),
		Model:     stringValue(values, "model"),
	}

	var err error
	if event.PromptTokens, err = intValue(values, "prompt_tokens"); err != nil {
		return event, err
	}
	if event.CompletionTokens, err = intValue(values, "completion_tokens"); err != nil {
		return event, err
	}
	if event.TotalTokens, err = intValue(values, "total_tokens"); err != nil {
		return event, err
	}
	if event.LatencyMS, err = intValue(values, "latency_ms"); err != nil {
		return event, err
	}

	if raw := stringValue(values, "metadata"); raw != "" {
		metadata := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return event, err
		}
		event.Metadata = metadata
	}

	event.Normalize()
	return event, event.Validate()
}

func stringValue(values map[string]any, key string) string {
	if raw, ok := values[key].(string); ok {
		return raw
	}
	return ""
}

func intValue(values map[string]any, key string) (int64, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	switch v := raw.(type) {
	case string:
		if v == "" {
			return 0, nil
		}
		return strconv.ParseInt(v, 10, 64)
	case int64:
		return v, nil
	default:
		return 0, errors.New("unexpected stream field type for " + key)
	}
}
