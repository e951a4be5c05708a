package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokengate/internal/clock"
	"github.com/smallbiznis/tokengate/internal/counter"
	"github.com/smallbiznis/tokengate/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/tokengate/internal/quota/domain"
	usagedomain "github.com/smallbiznis/tokengate/internal/usage/domain"
	"github.com/smallbiznis/tokengate/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errEventAlreadyProcessed aborts the recording transaction when another
// recorder won the is_processed transition, rolling our increments back.
var errEventAlreadyProcessed = errors.New("usage_event_already_processed")

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cache     *counter.Cache
	QuotaRepo quotadomain.Repository
	Publisher usagedomain.EventPublisher `optional:"true"`
	Metrics   *metrics.Metrics           `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	cache     *counter.Cache
	quotarepo quotadomain.Repository
	publisher usagedomain.EventPublisher
	metrics   *metrics.Metrics
	eventrepo repository.Repository[usagedomain.UsageEvent]
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		cache:     p.Cache,
		quotarepo: p.QuotaRepo,
		publisher: p.Publisher,
		metrics:   p.Metrics,
		eventrepo: repository.ProvideStore[usagedomain.UsageEvent](p.DB),
	}
}

// Submit persists the raw event once and hands it to the relay. Publishing
// is fire and forget, the durable row is what the consumer reconciles.
func (s *Service) Submit(ctx context.Context, req usagedomain.RecordUsageRequest) error {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}

	if err := s.insertEvent(ctx, s.db, req); err != nil {
		return err
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, req); err != nil {
			s.log.Warn("usage event publish failed",
				zap.String("request_id", req.RequestID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (s *Service) EventExists(ctx context.Context, requestID string) (bool, error) {
	count, err := s.eventrepo.Count(ctx, &usagedomain.UsageEvent{RequestID: requestID})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordUsage is the authoritative idempotent ledger write. Every mutation
// between period resolution and overage recompute runs inside one
// transaction keyed on the is_processed transition, so a crashed or
// duplicate attempt never double-increments.
func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordUsageRequest) error {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}

	existing, err := s.eventrepo.FindOne(ctx, &usagedomain.UsageEvent{RequestID: req.RequestID})
	if err != nil {
		return err
	}
	if existing != nil && existing.IsProcessed {
		s.metrics.RecordUsageDuplicate(ctx, "recorder")
		return nil
	}
	if existing == nil {
		if err := s.insertEvent(ctx, s.db, req); err != nil {
			return err
		}
	}

	now := s.clock.Now()
	var tenantQuota *quotadomain.TenantQuota

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		quota, err := s.applyTenantIncrement(ctx, tx, req, now)
		if err != nil {
			return err
		}
		tenantQuota = quota

		if err := s.applyUserIncrement(ctx, tx, req, now); err != nil {
			return err
		}

		result := tx.WithContext(ctx).Exec(
			`UPDATE usage_events
			 SET is_processed = ?, processed_at = ?, updated_at = ?
			 WHERE request_id = ? AND is_processed = ?`,
			true, now, now, req.RequestID, false,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errEventAlreadyProcessed
		}

		if err := s.mergeAggregate(ctx, tx, req, quota, now); err != nil {
			return err
		}

		if err := s.markThresholds(ctx, tx, req, quota, now); err != nil {
			return err
		}

		return s.quotarepo.RecomputeOverage(ctx, tx, quota.ID, now)
	})
	if errors.Is(err, errEventAlreadyProcessed) {
		s.metrics.RecordUsageDuplicate(ctx, "recorder")
		return nil
	}
	if err != nil {
		return err
	}

	s.bumpCounters(ctx, req, now)
	s.metrics.RecordUsageRecorded(ctx, "recorder")

	s.log.Debug("usage recorded",
		zap.String("request_id", req.RequestID),
		zap.String("tenant_id", req.TenantID),
		zap.Int64("total_tokens", req.TotalTokens),
		zap.Int64("used_total_tokens", tenantQuota.UsedTotalTokens+req.TotalTokens),
	)
	return nil
}

func (s *Service) insertEvent(ctx context.Context, db *gorm.DB, req usagedomain.RecordUsageRequest) error {
	now := s.clock.Now()
	event := usagedomain.UsageEvent{
		ID:               s.genID.Generate(),
		RequestID:        req.RequestID,
		TenantID:         req.TenantID,
		UserID:           req.UserID,
		ThreadID:         req.ThreadID,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      req.TotalTokens,
		LatencyMS:        req.LatencyMS,
		Metadata:         datatypes.JSONMap(req.Metadata),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoNothing: true,
	}).Create(&event).Error
}

// applyTenantIncrement resolves the active period and applies the single
// conditional increment. A cycle renewed between read and write gets one
// re-resolve before giving up.
func (s *Service) applyTenantIncrement(ctx context.Context, tx *gorm.DB, req usagedomain.RecordUsageRequest, now time.Time) (*quotadomain.TenantQuota, error) {
	delta := quotadomain.UsageDelta{
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      req.TotalTokens,
		Resources:        1,
	}

	for attempt := 0; attempt < 2; attempt++ {
		quota, err := s.quotarepo.FindActiveTenantQuota(ctx, tx, req.TenantID)
		if err != nil {
			return nil, err
		}
		if quota == nil {
			return nil, quotadomain.ErrTenantNotProvisioned
		}

		ok, err := s.quotarepo.IncrementTenantUsage(ctx, tx, quota.ID, quota.BillingCycleEnd, delta, now)
		if err != nil {
			return nil, err
		}
		if ok {
			return quota, nil
		}
	}

	return nil, usagedomain.ErrQuotaCycleMoved
}

func (s *Service) applyUserIncrement(ctx context.Context, tx *gorm.DB, req usagedomain.RecordUsageRequest, now time.Time) error {
	if req.UserID == "" {
		return nil
	}

	userQuota, err := s.quotarepo.FindActiveUserQuota(ctx, tx, req.TenantID, req.UserID)
	if err != nil {
		return err
	}
	// Absence of a user quota is not an error.
	if userQuota == nil {
		return nil
	}

	delta := quotadomain.UsageDelta{
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      req.TotalTokens,
	}
	ok, err := s.quotarepo.IncrementUserUsage(ctx, tx, userQuota.ID, userQuota.BillingCycleEnd, delta, now)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn("user quota cycle moved during recording",
			zap.String("tenant_id", req.TenantID),
			zap.String("user_id", req.UserID),
		)
	}
	return nil
}

func (s *Service) mergeAggregate(ctx context.Context, tx *gorm.DB, req usagedomain.RecordUsageRequest, quota *quotadomain.TenantQuota, now time.Time) error {
	cost := decimal.NewFromInt(req.TotalTokens).
		Mul(quota.OverageRate).
		Div(decimal.NewFromInt(1000))

	return s.quotarepo.MergeAggregatedUsage(ctx, tx, &quotadomain.AggregatedUsage{
		ID:               s.genID.Generate(),
		TenantID:         req.TenantID,
		PeriodStart:      quota.BillingCycleStart,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      req.TotalTokens,
		RequestCount:     1,
		EstimatedCost:    cost,
		Currency:         quota.Currency,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
}

// markThresholds flips the 80% and 100% flags at most once per cycle and
// writes the matching audit entries.
func (s *Service) markThresholds(ctx context.Context, tx *gorm.DB, req usagedomain.RecordUsageRequest, quota *quotadomain.TenantQuota, now time.Time) error {
	won, err := s.quotarepo.MarkThresholdReached(ctx, tx, quota.ID, 80, now)
	if err != nil {
		return err
	}
	if won {
		if err := s.appendAction(ctx, tx, req, quotadomain.ActionThresholdReached, 80, now); err != nil {
			return err
		}
	}

	won, err = s.quotarepo.MarkThresholdReached(ctx, tx, quota.ID, 100, now)
	if err != nil {
		return err
	}
	if won {
		action := quotadomain.ActionLimitReached
		if quota.Enforcement.AllowsOverage() {
			action = quotadomain.ActionOverageCharged
		}
		if err := s.appendAction(ctx, tx, req, action, 100, now); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) appendAction(ctx context.Context, tx *gorm.DB, req usagedomain.RecordUsageRequest, action quotadomain.QuotaAction, threshold int, now time.Time) error {
	return s.quotarepo.AppendActionLog(ctx, tx, &quotadomain.QuotaActionLog{
		ID:       s.genID.Generate(),
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Action:   action,
		Metadata: datatypes.JSONMap{
			"threshold":  threshold,
			"request_id": req.RequestID,
		},
		CreatedAt: now,
	})
}

// bumpCounters keeps the fast-path counters warm after a durable write.
// Best effort, the ledger stays authoritative on failure.
func (s *Service) bumpCounters(ctx context.Context, req usagedomain.RecordUsageRequest, now time.Time) {
	if _, err := s.cache.Increment(ctx, counter.TenantKey(req.TenantID, now), req.TotalTokens); err != nil {
		s.log.Warn("tenant counter increment failed",
			zap.String("tenant_id", req.TenantID),
			zap.Error(err),
		)
	}
	if req.UserID == "" {
		return
	}
	if _, err := s.cache.Increment(ctx, counter.UserKey(req.TenantID, req.UserID, now), req.TotalTokens); err != nil {
		s.log.Warn("user counter increment failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
	}
}
