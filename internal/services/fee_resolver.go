package services

import (
	"context"

	"github.com/meridianpay/api/internal/domain"
	"github.com/meridianpay/api/internal/repositories"
)

// hardDefaultFeeBps is the last-resort fee applied when neither a brand
// override nor an environment default is available: 50 bps == 0.5%.
const hardDefaultFeeBps = 50

// PlatformFeeConfig is the immutable environment-derived configuration
// injected into the resolver at construction time. Values are expected to be
// sanitised (clamped to [0, 10000]) by the configuration layer.
type PlatformFeeConfig struct {
	TreasuryWallet        string
	DefaultPlatformFeeBps int
	DefaultPartnerFeeBps  int
}

// FeeScheduleResolverDeps bundles collaborators for the resolver.
type FeeScheduleResolverDeps struct {
	Brands repositories.BrandRepository
	Config PlatformFeeConfig
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type feeScheduleResolver struct {
	brands repositories.BrandRepository
	cfg    PlatformFeeConfig
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewFeeScheduleResolver constructs a resolver applying the precedence chain
// brand override > environment default > hard default. Brands may be nil, in
// which case only the latter two sources apply.
func NewFeeScheduleResolver(deps FeeScheduleResolverDeps) FeeScheduleResolver {
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &feeScheduleResolver{
		brands: deps.Brands,
		cfg:    deps.Config,
		logger: logger,
	}
}

// feeSource yields a candidate fee value, reporting whether it applies.
type feeSource func() (int, bool)

// Resolve returns the effective fee schedule for the brand. It never fails:
// an unreachable brand store falls through to the configured defaults.
func (r *feeScheduleResolver) Resolve(ctx context.Context, brandKey string) domain.FeeSchedule {
	brand := domain.NormalizeBrandKey(brandKey)

	overrides := r.loadOverrides(ctx, brand)

	platform := resolveFee(
		overrideSource(overrides.PlatformFeeBps),
		configSource(r.cfg.DefaultPlatformFeeBps),
	)

	schedule := domain.FeeSchedule{PlatformFeeBps: platform}

	// The operator's own brand never carries a partner share.
	if domain.IsOperatorBrand(brand) {
		return schedule
	}

	schedule.PartnerFeeBps = resolveFee(
		overrideSource(overrides.PartnerFeeBps),
		configSource(r.cfg.DefaultPartnerFeeBps),
	)
	schedule.PartnerWallet = domain.NormalizeWallet(overrides.PartnerWallet)
	return schedule
}

func (r *feeScheduleResolver) loadOverrides(ctx context.Context, brand string) repositories.BrandOverrides {
	if r.brands == nil || brand == "" {
		return repositories.BrandOverrides{}
	}
	overrides, err := r.brands.GetOverrides(ctx, brand)
	if err != nil {
		if !repositories.IsNotFound(err) {
			r.logger(ctx, "fees.brand_overrides_unavailable", map[string]any{
				"brandKey": brand,
				"error":    err.Error(),
			})
		}
		return repositories.BrandOverrides{}
	}
	return overrides
}

// resolveFee tries each source in order, falling back to the hard default.
// The winning value is clamped to the valid basis-point range.
func resolveFee(sources ...feeSource) int {
	for _, source := range sources {
		if value, ok := source(); ok {
			return domain.ClampBps(value)
		}
	}
	return hardDefaultFeeBps
}

func overrideSource(value *int) feeSource {
	return func() (int, bool) {
		if value == nil {
			return 0, false
		}
		return *value, true
	}
}

func configSource(value int) feeSource {
	return func() (int, bool) {
		if value <= 0 {
			return 0, false
		}
		return value, true
	}
}
