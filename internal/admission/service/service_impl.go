package service

import (
	"context"
	"strings"

	admissiondomain "github.com/smallbiznis/tokengate/internal/admission/domain"
	"github.com/smallbiznis/tokengate/internal/clock"
	"github.com/smallbiznis/tokengate/internal/counter"
	"github.com/smallbiznis/tokengate/internal/observability/logger"
	"github.com/smallbiznis/tokengate/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/tokengate/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Cache     *counter.Cache
	QuotaRepo quotadomain.Repository
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock     clock.Clock
	cache     *counter.Cache
	quotarepo quotadomain.Repository
	metrics   *metrics.Metrics
}

func NewService(p ServiceParam) admissiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("admission.service"),

		clock:     p.Clock,
		cache:     p.Cache,
		quotarepo: p.QuotaRepo,
		metrics:   p.Metrics,
	}
}

// CanConsume applies the enforcement decision table. A missing active
// tenant quota fails closed with ErrTenantNotProvisioned so callers can
// tell misconfiguration apart from an ordinary denial.
func (s *Service) CanConsume(ctx context.Context, tenantID, userID string, estimatedUnits int64) (bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	now := s.clock.Now()

	quota, err := s.quotarepo.FindActiveTenantQuota(ctx, s.db, tenantID)
	if err != nil {
		return false, err
	}
	if quota == nil {
		return false, quotadomain.ErrTenantNotProvisioned
	}

	mode := quota.Enforcement

	if quota.MaxTotalTokens > 0 {
		used := s.currentUsage(ctx, counter.TenantKey(tenantID, now), quota.UsedTotalTokens)
		if used+estimatedUnits > quota.MaxTotalTokens && !mode.AllowsOverage() {
			logger.WithTenant(s.log, tenantID).Debug("admission denied",
				zap.Int64("used", used),
				zap.Int64("estimated", estimatedUnits),
				zap.Int64("max", quota.MaxTotalTokens),
			)
			s.metrics.RecordAdmissionDenied(ctx, string(mode), "tenant_limit")
			return false, nil
		}
	}

	if userID != "" {
		userQuota, err := s.quotarepo.FindActiveUserQuota(ctx, s.db, tenantID, userID)
		if err != nil {
			return false, err
		}
		// No user quota means no user-level ceiling.
		if userQuota != nil && userQuota.MaxTotalTokens > 0 {
			used := s.currentUsage(ctx, counter.UserKey(tenantID, userID, now), userQuota.UsedTotalTokens)
			if used+estimatedUnits > userQuota.MaxTotalTokens && !mode.AllowsOverage() {
				logger.WithTenant(s.log, tenantID).Debug("admission denied",
					zap.String("user_id", userID),
					zap.Int64("used", used),
					zap.Int64("estimated", estimatedUnits),
					zap.Int64("max", userQuota.MaxTotalTokens),
				)
				s.metrics.RecordAdmissionDenied(ctx, string(mode), "user_limit")
				return false, nil
			}
		}
	}

	s.metrics.RecordAdmissionAllowed(ctx, string(mode))
	return true, nil
}

// currentUsage prefers the counter cache and falls back to the ledger
// value already in hand on a miss or cache outage.
func (s *Service) currentUsage(ctx context.Context, key string, ledgerUsed int64) int64 {
	used, found, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("counter cache read failed, using ledger value",
			zap.String("key", key),
			zap.Error(err),
		)
		return ledgerUsed
	}
	if !found {
		return ledgerUsed
	}
	return used
}
