package services

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/money"
	"orderflow_billing/internal/repository"
)

const taxRateCacheTTL = time.Hour

// TaxService resolves jurisdiction tax rates, caching lookups when a cache is configured.
type TaxService struct {
	store          repository.TaxRepository
	cache          Cache
	defaultRate    decimal.Decimal
	defaultCountry string
	log            *zap.Logger
}

func NewTaxService(store repository.TaxRepository, cache Cache, defaultRate decimal.Decimal, defaultCountry string, log *zap.Logger) *TaxService {
	return &TaxService{
		store:          store,
		cache:          cache,
		defaultRate:    defaultRate,
		defaultCountry: strings.ToUpper(defaultCountry),
		log:            log,
	}
}

// DefaultCountry is the jurisdiction used when an order names none.
func (s *TaxService) DefaultCountry() string {
	return s.defaultCountry
}

// Rate returns the tax rate of country, falling back to the configured default rate.
func (s *TaxService) Rate(ctx context.Context, country string) (decimal.Decimal, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		country = s.defaultCountry
	}
	load := func() (decimal.Decimal, error) {
		rate, err := s.store.GetTaxRate(ctx, country)
		if repository.IsNotFound(err) {
			return s.defaultRate, nil
		}
		if err != nil {
			return decimal.Zero, err
		}
		return rate.Rate, nil
	}
	if s.cache == nil {
		return load()
	}
	return GetOrSet(s.cache, ctx, taxCacheKey(country), taxRateCacheTTL, load)
}

// SetRate stores a jurisdiction rate and drops the cached value.
func (s *TaxService) SetRate(ctx context.Context, country string, rate decimal.Decimal) error {
	country = strings.ToUpper(strings.TrimSpace(country))
	if len(country) != 2 {
		return apperr.Newf(apperr.KindValidation, "invalid country code %q", country)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return apperr.Newf(apperr.KindValidation, "tax rate must be in [0, 1), got %s", rate)
	}
	if err := s.store.SaveTaxRate(ctx, &models.TaxRate{Country: country, Rate: rate}); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, taxCacheKey(country)); err != nil {
			s.log.Warn("failed to invalidate tax rate cache", zap.String("country", country), zap.Error(err))
		}
	}
	return nil
}

// Compute returns the tax on subtotal, rounded to what currency can settle.
func (s *TaxService) Compute(subtotal, rate decimal.Decimal, currency string) decimal.Decimal {
	return money.Round(subtotal.Mul(rate), currency)
}

func taxCacheKey(country string) string {
	return "tax_rate:" + country
}
