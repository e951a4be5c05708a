package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokengate/internal/clock"
	"github.com/smallbiznis/tokengate/internal/config"
	plandomain "github.com/smallbiznis/tokengate/internal/plan/domain"
	"github.com/smallbiznis/tokengate/pkg/db"
	"github.com/smallbiznis/tokengate/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Catalog *config.PlanCatalogHolder
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	catalog  *config.PlanCatalogHolder
	planrepo repository.Repository[plandomain.Plan]
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("plan.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		catalog:  p.Catalog,
		planrepo: repository.ProvideStore[plandomain.Plan](p.DB),
	}
}

func (s *Service) GetByCode(ctx context.Context, code string) (*plandomain.Plan, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, plandomain.ErrPlanNotFound
	}

	plan, err := s.planrepo.FindOne(ctx, &plandomain.Plan{Code: code})
	if err != nil {
		return nil, err
	}
	if plan == nil || !plan.Active {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) List(ctx context.Context) ([]*plandomain.Plan, error) {
	return s.planrepo.Find(ctx, &plandomain.Plan{Active: true})
}

// EnsurePlans reconciles the plans table with the configured catalog.
// Existing rows are refreshed in place, new codes are inserted. Plans
// removed from the catalog stay active until retired explicitly.
func (s *Service) EnsurePlans(ctx context.Context) error {
	catalog := s.catalog.Current()
	now := s.clock.Now()

	for _, spec := range catalog.Plans {
		code := strings.TrimSpace(spec.Code)
		if code == "" {
			s.log.Warn("plan catalog entry missing code", zap.String("name", spec.Name))
			continue
		}

		existing, err := s.planrepo.FindOne(ctx, &plandomain.Plan{Code: code})
		if err != nil {
			return err
		}

		price := s.parseAmount(code, "price", spec.Price)
		overageRate := s.parseAmount(code, "overageRate", spec.OverageRate)
		enforcement := normalizeEnforcement(spec.Enforcement)

		if existing == nil {
			plan := plandomain.Plan{
				ID:                       s.genID.Generate(),
				Code:                     code,
				Name:                     spec.Name,
				IncludedPromptTokens:     spec.IncludedPromptTokens,
				IncludedCompletionTokens: spec.IncludedCompletionTokens,
				IncludedTotalTokens:      spec.IncludedTotalTokens,
				MaxResources:             spec.MaxResources,
				MaxUsers:                 spec.MaxUsers,
				Price:                    price,
				OverageRate:              overageRate,
				Currency:                 normalizeCurrency(spec.Currency),
				Enforcement:              enforcement,
				Models:                   datatypes.NewJSONSlice(spec.Models),
				Active:                   true,
				CreatedAt:                now,
				UpdatedAt:                now,
			}
			if err := s.planrepo.Create(ctx, &plan); err != nil {
				// Another instance seeding the same catalog won the insert.
				if db.IsDuplicateKeyErr(err) {
					s.log.Debug("plan already created elsewhere", zap.String("code", code))
					continue
				}
				return err
			}
			s.log.Info("plan created", zap.String("code", code))
			continue
		}

		err = s.planrepo.Update(ctx, existing.ID.String(), map[string]any{
			"name":                       spec.Name,
			"included_prompt_tokens":     spec.IncludedPromptTokens,
			"included_completion_tokens": spec.IncludedCompletionTokens,
			"included_total_tokens":      spec.IncludedTotalTokens,
			"max_resources":              spec.MaxResources,
			"max_users":                  spec.MaxUsers,
			"price":                      price,
			"overage_rate":               overageRate,
			"currency":                   normalizeCurrency(spec.Currency),
			"enforcement":                enforcement,
			"models":                     datatypes.NewJSONSlice(spec.Models),
			"active":                     true,
			"updated_at":                 now,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) parseAmount(code, field, raw string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		s.log.Warn("invalid plan catalog amount",
			zap.String("code", code),
			zap.String("field", field),
			zap.String("value", raw),
		)
		return decimal.Zero
	}
	return amount
}

func normalizeEnforcement(raw string) plandomain.EnforcementMode {
	switch plandomain.EnforcementMode(strings.ToUpper(strings.TrimSpace(raw))) {
	case plandomain.EnforcementSoft:
		return plandomain.EnforcementSoft
	case plandomain.EnforcementHybrid:
		return plandomain.EnforcementHybrid
	default:
		return plandomain.EnforcementHard
	}
}

func normalizeCurrency(raw string) string {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if currency == "" {
		return "USD"
	}
	return currency
}
