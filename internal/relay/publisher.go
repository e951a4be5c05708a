// Package relay moves usage events from the hot path to the asynchronous
// recorder over a Redis stream with a consumer group.
package relay

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokengate/internal/config"
	usagedomain "github.com/smallbiznis/tokengate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Publisher struct {
	client *redis.Client
	log    *zap.Logger
	stream string
}

type PublisherParam struct {
	fx.In

	Client *redis.Client
	Config config.Config
	Log    *zap.Logger
}

func NewPublisher(p PublisherParam) *Publisher {
	return &Publisher{
		client: p.Client,
		log:    p.Log.Named("relay.publisher"),
		stream: p.Config.RelayStream,
	}
}

// Publish appends the event to the stream. Callers treat this as fire and
// forget; the durable usage_events row covers a lost append.
func (p *Publisher) Publish(ctx context.Context, event usagedomain.RecordUsageRequest) error {
	values := map[string]any{
		"request_id":        event.RequestID,
		"tenant_id":         event.TenantID,
		"user_id":           event.UserID,
		"thread_id":         event.ThreadID,
		"model":             event.Model,
		"prompt_tokens":     event.PromptTokens,
		"completion_tokens": event.CompletionTokens,
		"total_tokens":      event.TotalTokens,
		"latency_ms":        event.LatencyMS,
	}
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			p.log.Warn("usage event metadata not serializable",
				zap.String("request_id", event.RequestID),
				zap.Error(err),
			)
		} else {
			values["metadata"] = string(raw)
		}
	}

	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}).Err()
}
