package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokengate/internal/config"
	"github.com/smallbiznis/tokengate/internal/idempotency"
	usagedomain "github.com/smallbiznis/tokengate/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubRecorder struct {
	mu        sync.Mutex
	recorded  []usagedomain.RecordUsageRequest
	recordErr error
	exists    bool
}

func (s *stubRecorder) Submit(_ context.Context, _ usagedomain.RecordUsageRequest) error {
	return nil
}

func (s *stubRecorder) RecordUsage(_ context.Context, req usagedomain.RecordUsageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	s.recorded = append(s.recorded, req)
	return nil
}

func (s *stubRecorder) EventExists(_ context.Context, _ string) (bool, error) {
	return s.exists, nil
}

func (s *stubRecorder) calls() []usagedomain.RecordUsageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]usagedomain.RecordUsageRequest(nil), s.recorded...)
}

type testEnv struct {
	client    *redis.Client
	ledger    *idempotency.Ledger
	recorder  *stubRecorder
	publisher *Publisher
	consumer  *Consumer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		RelayStream:              "usage:events",
		RelayConsumerGroup:       "usage-recorder",
		RelayBlockInterval:       50 * time.Millisecond,
		RelayBatchSize:           16,
		IdempotencyProcessingTTL: 8 * time.Minute,
		IdempotencyProcessedTTL:  24 * time.Hour,
	}

	ledger := idempotency.NewLedger(idempotency.LedgerParam{Client: client, Config: cfg})
	recorder := &stubRecorder{exists: true}

	publisher := NewPublisher(PublisherParam{
		Client: client,
		Config: cfg,
		Log:    zap.NewNop(),
	})
	consumer := NewConsumer(ConsumerParam{
		Client: client,
		Config: cfg,
		Log:    zap.NewNop(),
		Ledger: ledger,
		Usage:  recorder,
	})
	require.NoError(t, consumer.EnsureGroup(context.Background()))

	return &testEnv{
		client:    client,
		ledger:    ledger,
		recorder:  recorder,
		publisher: publisher,
		consumer:  consumer,
	}
}

func TestPublishAndPollRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.publisher.Publish(ctx, usagedomain.RecordUsageRequest{
		RequestID:        "r1",
		TenantID:         "t1",
		UserID:           "u1",
		ThreadID:         "th1",
		Model:            "gpt-4o",
		PromptTokens:     30,
		CompletionTokens: 20,
		LatencyMS:        120,
		Metadata:         map[string]any{"source": "api"},
	}))

	handled, err := env.consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	calls := env.recorder.calls()
	require.Len(t, calls, 1)
	got := calls[0]
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "th1", got.ThreadID)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, int64(30), got.PromptTokens)
	assert.Equal(t, int64(20), got.CompletionTokens)
	assert.Equal(t, int64(50), got.TotalTokens)
	assert.Equal(t, int64(120), got.LatencyMS)
	assert.Equal(t, "api", got.Metadata["source"])

	// Handled messages are acked, nothing stays pending.
	pending, err := env.client.XPending(ctx, "usage:events", "usage-recorder").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	state, err := env.ledger.Peek(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateProcessed, state)
}

func TestPollSuppressesDuplicateDeliveries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	event := usagedomain.RecordUsageRequest{
		RequestID:   "r1",
		TenantID:    "t1",
		TotalTokens: 10,
	}
	require.NoError(t, env.publisher.Publish(ctx, event))
	require.NoError(t, env.publisher.Publish(ctx, event))

	handled, err := env.consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, handled)

	// Both deliveries are consumed but the recorder only ran once.
	assert.Len(t, env.recorder.calls(), 1)
}

func TestPollAcksUndecodableMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "usage:events",
		Values: map[string]any{"tenant_id": "t1"},
	}).Err())

	handled, err := env.consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Empty(t, env.recorder.calls())

	// A poison payload must not wedge the group.
	pending, err := env.client.XPending(ctx, "usage:events", "usage-recorder").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestPollReleasesClaimWhenRecordingFails(t *testing.T) {
	env := newTestEnv(t)
	env.recorder.recordErr = errors.New("db down")
	ctx := context.Background()

	require.NoError(t, env.publisher.Publish(ctx, usagedomain.RecordUsageRequest{
		RequestID:   "r1",
		TenantID:    "t1",
		TotalTokens: 10,
	}))

	handled, err := env.consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	// The claim is released so a redelivery can retry immediately.
	state, err := env.ledger.Peek(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateNone, state)
}

func TestDecodeEventRejectsBadNumbers(t *testing.T) {
	_, err := decodeEvent(map[string]any{
		"request_id":   "r1",
		"tenant_id":    "t1",
		"total_tokens": "not-a-number",
	})
	assert.Error(t, err)
}
