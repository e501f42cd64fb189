package plan

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Interval is the billing cadence of a paid plan.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Policy describes how one purchasable plan converts into credit grants.
type Policy struct {
	PriceID        string   `mapstructure:"priceId" json:"price_id"`
	CreditAmount   int64    `mapstructure:"creditAmount" json:"credit_amount"`
	Interval       Interval `mapstructure:"interval" json:"interval"`
	ExpirationDays int      `mapstructure:"expirationDays" json:"expiration_days"`
	IsLifetime     bool     `mapstructure:"isLifetime" json:"is_lifetime"`
}

// Catalog holds the plan policies keyed by price id. The backing file is
// watched and swapped atomically, so readers never see a partial reload.
type Catalog struct {
	current atomic.Value // holds map[string]Policy
	log     *zap.Logger
}

func DefaultPolicies() []Policy {
	return []Policy{
		{PriceID: "price_pro_monthly", CreditAmount: 500, Interval: IntervalMonth, ExpirationDays: 30},
		{PriceID: "price_pro_yearly", CreditAmount: 500, Interval: IntervalYear, ExpirationDays: 30},
		{PriceID: "price_lifetime", CreditAmount: 1000, Interval: IntervalMonth, IsLifetime: true},
	}
}

// NewCatalog reads plans.yml from the usual config locations, falling back to
// defaults when no file exists, and keeps watching the file for changes.
func NewCatalog(log *zap.Logger) (*Catalog, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditledger/config")
	v.AddConfigPath("/etc/creditledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("plans.policies", DefaultPolicies())
	}

	var policies []Policy
	if err := v.UnmarshalKey("plans.policies", &policies); err != nil {
		return nil, err
	}
	if err := validatePolicies(policies); err != nil {
		return nil, err
	}

	catalog := &Catalog{log: log.Named("plan.catalog")}
	catalog.current.Store(index(policies))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated []Policy
		if err := v.UnmarshalKey("plans.policies", &updated); err != nil {
			catalog.log.Warn("plan catalog reload failed", zap.Error(err))
			return
		}
		if err := validatePolicies(updated); err != nil {
			catalog.log.Warn("invalid plan catalog ignored", zap.Error(err))
			return
		}
		catalog.current.Store(index(updated))
		catalog.log.Info("plan catalog reloaded", zap.String("file", e.Name))
	})

	return catalog, nil
}

// NewStaticCatalog builds a catalog from fixed policies, for tests and for
// deployments that never reload.
func NewStaticCatalog(log *zap.Logger, policies []Policy) (*Catalog, error) {
	if err := validatePolicies(policies); err != nil {
		return nil, err
	}
	catalog := &Catalog{log: log.Named("plan.catalog")}
	catalog.current.Store(index(policies))
	return catalog, nil
}

// Lookup returns the policy for a price id; ok is false for unknown prices.
func (c *Catalog) Lookup(priceID string) (Policy, bool) {
	policies := c.current.Load().(map[string]Policy)
	policy, ok := policies[priceID]
	return policy, ok
}

func index(policies []Policy) map[string]Policy {
	out := make(map[string]Policy, len(policies))
	for _, p := range policies {
		out[p.PriceID] = p
	}
	return out
}

func validatePolicies(policies []Policy) error {
	if len(policies) == 0 {
		return errors.New("plans.policies cannot be empty")
	}
	seen := make(map[string]struct{}, len(policies))
	for _, p := range policies {
		if p.PriceID == "" {
			return errors.New("plan policy missing priceId")
		}
		if _, dup := seen[p.PriceID]; dup {
			return errors.New("duplicate plan policy for " + p.PriceID)
		}
		seen[p.PriceID] = struct{}{}
		if p.CreditAmount <= 0 {
			return errors.New("plan policy " + p.PriceID + " must grant a positive credit amount")
		}
		if p.Interval != IntervalMonth && p.Interval != IntervalYear {
			return errors.New("plan policy " + p.PriceID + " has an unknown interval")
		}
		if !p.IsLifetime && p.ExpirationDays < 0 {
			return errors.New("plan policy " + p.PriceID + " has a negative expiration")
		}
	}
	return nil
}
