package config

import (
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PlanSpec describes one catalog entry as declared in plans.yml.
type PlanSpec struct {
	Code                     string   `mapstructure:"code"`
	Name                     string   `mapstructure:"name"`
	IncludedPromptTokens     int64    `mapstructure:"includedPromptTokens"`
	IncludedCompletionTokens int64    `mapstructure:"includedCompletionTokens"`
	IncludedTotalTokens      int64    `mapstructure:"includedTotalTokens"`
	MaxResources             int64    `mapstructure:"maxResources"`
	MaxUsers                 int64    `mapstructure:"maxUsers"`
	Price                    string   `mapstructure:"price"`
	OverageRate              string   `mapstructure:"overageRate"` // per 1k tokens
	Currency                 string   `mapstructure:"currency"`
	Enforcement              string   `mapstructure:"enforcement"`
	Models                   []string `mapstructure:"models"`
}

type PlanCatalog struct {
	Plans []PlanSpec `mapstructure:"plans"`
}

func DefaultPlanCatalog() PlanCatalog {
	return PlanCatalog{
		Plans: []PlanSpec{
			{
				Code:                "free",
				Name:                "Free",
				IncludedTotalTokens: 100_000,
				MaxResources:        3,
				MaxUsers:            1,
				Price:               "0",
				OverageRate:         "0",
				Currency:            "USD",
				Enforcement:         "HARD",
			},
			{
				Code:                "pro",
				Name:                "Pro",
				IncludedTotalTokens: 5_000_000,
				MaxResources:        50,
				MaxUsers:            25,
				Price:               "49",
				OverageRate:         "0.002",
				Currency:            "USD",
				Enforcement:         "SOFT",
			},
		},
	}
}

// PlanCatalogHolder keeps the current catalog and swaps it on file change.
type PlanCatalogHolder struct {
	current atomic.Value // holds PlanCatalog
}

func NewPlanCatalogHolder(cfg Config, log *zap.Logger) (*PlanCatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	if path := strings.TrimSpace(cfg.PlanCatalogPath); path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("/etc/tokengate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TOKENGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PlanCatalogHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultPlanCatalog())
		return holder, nil
	}

	catalog, err := unmarshalCatalog(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(catalog)

	v.OnConfigChange(func(e fsnotify.Event) {
		reloaded, err := unmarshalCatalog(v)
		if err != nil {
			log.Warn("plan catalog reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(reloaded)
		log.Info("plan catalog reloaded", zap.String("file", e.Name), zap.Int("plans", len(reloaded.Plans)))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *PlanCatalogHolder) Current() PlanCatalog {
	if h == nil {
		return DefaultPlanCatalog()
	}
	if catalog, ok := h.current.Load().(PlanCatalog); ok {
		return catalog
	}
	return DefaultPlanCatalog()
}

func unmarshalCatalog(v *viper.Viper) (PlanCatalog, error) {
	var catalog PlanCatalog
	if err := v.Unmarshal(&catalog); err != nil {
		return PlanCatalog{}, err
	}
	if len(catalog.Plans) == 0 {
		return DefaultPlanCatalog(), nil
	}
	return catalog, nil
}
