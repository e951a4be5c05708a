// Package idempotency tracks the none/processing/processed state machine
// per external request id, deduplicating at-least-once deliveries.
package idempotency

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokengate/internal/config"
	"go.uber.org/fx"
)

type State string

const (
	StateNone       State = ""
	StateProcessing State = "processing"
	StateProcessed  State = "processed"
)

// Key builds the ledger key for an external request id.
func Key(requestID string) string { return "usage:request:" + requestID }

// The transition only fires while the key still reads "processing", so a
// stale duplicate delivery cannot clobber state set by a newer attempt.
const markProcessedScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
return 0
`

type Ledger struct {
	client *redis.Client
	script *redis.Script

	processingTTL time.Duration
	processedTTL  time.Duration
}

type LedgerParam struct {
	fx.In

	Client *redis.Client
	Config config.Config
}

func NewLedger(p LedgerParam) *Ledger {
	return &Ledger{
		client:        p.Client,
		script:        redis.NewScript(markProcessedScript),
		processingTTL: p.Config.IdempotencyProcessingTTL,
		processedTTL:  p.Config.IdempotencyProcessedTTL,
	}
}

// TryAcquire claims the request id for processing. The short TTL bounds
// orphaned claims from crashed workers.
func (l *Ledger) TryAcquire(ctx context.Context, requestID string) (bool, error) {
	if l == nil || l.client == nil {
		return false, errors.New("idempotency ledger not configured")
	}
	if requestID == "" {
		return false, errors.New("request id is empty")
	}
	return l.client.SetNX(ctx, Key(requestID), string(StateProcessing), l.processingTTL).Result()
}

// Peek reports the current state without touching it.
func (l *Ledger) Peek(ctx context.Context, requestID string) (State, error) {
	if l == nil || l.client == nil {
		return StateNone, errors.New("idempotency ledger not configured")
	}

	value, err := l.client.Get(ctx, Key(requestID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StateNone, nil
		}
		return StateNone, err
	}

	switch State(value) {
	case StateProcessing, StateProcessed:
		return State(value), nil
	default:
		return StateNone, nil
	}
}

// MarkProcessed transitions processing -> processed. False means the claim
// expired or was never held, and the caller's write should be treated as a
// possible duplicate by the next delivery.
func (l *Ledger) MarkProcessed(ctx context.Context, requestID string) (bool, error) {
	if l == nil || l.client == nil {
		return false, errors.New("idempotency ledger not configured")
	}
	if requestID == "" {
		return false, errors.New("request id is empty")
	}

	res, err := l.script.Run(
		ctx,
		l.client,
		[]string{Key(requestID)},
		string(StateProcessing),
		string(StateProcessed),
		l.processedTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release drops the claim so a failed attempt can retry immediately
// instead of waiting out the processing TTL.
func (l *Ledger) Release(ctx context.Context, requestID string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if requestID == "" {
		return nil
	}
	return l.client.Del(ctx, Key(requestID)).Err()
}

var Module = fx.Module("idempotency",
	fx.Provide(NewLedger),
)
