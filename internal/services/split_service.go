package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meridianpay/api/internal/domain"
	"github.com/meridianpay/api/internal/repositories"
)

var (
	// ErrSplitInvalidInput indicates the caller supplied invalid deployment parameters.
	ErrSplitInvalidInput = errors.New("split: invalid input")
	// ErrForbidden indicates the caller may not write a split for this merchant.
	ErrForbidden = errors.New("split: forbidden, partner or owner only")
	// ErrSplitUnavailable indicates the split store could not serve a write.
	ErrSplitUnavailable = errors.New("split: store unavailable")
)

// SplitServiceDeps bundles collaborators required to construct the split service.
type SplitServiceDeps struct {
	Splits     repositories.SplitConfigRepository
	Resolver   FeeScheduleResolver
	Calculator SplitCalculator
	// TreasuryWallet is the platform payout address, used to locate the
	// platform entry in stored recipient lists.
	TreasuryWallet string
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type splitService struct {
	splits         repositories.SplitConfigRepository
	resolver       FeeScheduleResolver
	calculator     SplitCalculator
	treasuryWallet string
	clock          func() time.Time
	logger         func(ctx context.Context, event string, fields map[string]any)
}

// NewSplitService constructs the deployment reconciler.
func NewSplitService(deps SplitServiceDeps) (SplitService, error) {
	if deps.Splits == nil {
		return nil, errors.New("split service: split repository is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("split service: fee resolver is required")
	}
	if deps.Calculator == nil {
		return nil, errors.New("split service: calculator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &splitService{
		splits:         deps.Splits,
		resolver:       deps.Resolver,
		calculator:     deps.Calculator,
		treasuryWallet: domain.NormalizeWallet(deps.TreasuryWallet),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Deploy reconciles a deployment request against the stored configuration.
// Bound configurations are never rewritten without an explicit new address.
func (s *splitService) Deploy(ctx context.Context, caller CallerIdentity, cmd DeploySplitCommand) (DeployResult, error) {
	if strings.TrimSpace(cmd.MerchantWallet) == "" {
		return DeployResult{}, fmt.Errorf("%w: merchant wallet is required", ErrSplitInvalidInput)
	}
	if !domain.ValidWallet(cmd.MerchantWallet) {
		return DeployResult{}, fmt.Errorf("%w: merchant wallet %q", ErrInvalidWallet, cmd.MerchantWallet)
	}
	if cmd.SplitAddress != "" && !domain.ValidWallet(cmd.SplitAddress) {
		return DeployResult{}, fmt.Errorf("%w: split address %q", ErrInvalidWallet, cmd.SplitAddress)
	}

	merchant := domain.NormalizeWallet(cmd.MerchantWallet)
	brand := domain.NormalizeBrandKey(cmd.BrandKey)
	if !validBrandKey(brand) {
		return DeployResult{}, fmt.Errorf("%w: brand key %q", ErrSplitInvalidInput, cmd.BrandKey)
	}
	provided := domain.NormalizeWallet(cmd.SplitAddress)
	isPartnerBrand := !domain.IsOperatorBrand(brand)

	schedule := s.resolver.Resolve(ctx, brand)

	if err := s.authorize(caller, merchant, schedule); err != nil {
		return DeployResult{}, err
	}

	existing, err := s.splits.Get(ctx, merchant, brand)
	switch {
	case err == nil:
		return s.reconcileExisting(ctx, existing, provided, schedule, isPartnerBrand)
	case repositories.IsNotFound(err):
		return s.createNew(ctx, merchant, brand, provided, schedule, isPartnerBrand)
	default:
		return DeployResult{}, fmt.Errorf("%w: %v", ErrSplitUnavailable, err)
	}
}

func (s *splitService) createNew(ctx context.Context, merchant, brand, provided string, schedule domain.FeeSchedule, isPartnerBrand bool) (DeployResult, error) {
	recipients, err := s.calculator.Compute(merchant, schedule, isPartnerBrand)
	if err != nil {
		return DeployResult{}, err
	}

	cfg := domain.SplitConfig{
		MerchantWallet: merchant,
		BrandKey:       brand,
		SplitAddress:   provided,
		Recipients:     recipients,
		UpdatedAt:      s.clock(),
	}

	result, err := s.splits.Put(ctx, cfg)
	if err != nil {
		return DeployResult{}, fmt.Errorf("%w: %v", ErrSplitUnavailable, err)
	}

	degraded := provided == ""
	s.logger(ctx, "split.deploy_created", map[string]any{
		"merchantWallet": merchant,
		"brandKey":       brand,
		"degraded":       degraded,
		"mirrorStatus":   string(result.MirrorStatus),
	})

	return DeployResult{
		Status:       DeployStatusCreated,
		Degraded:     degraded,
		Config:       result.Config,
		MirrorStatus: result.MirrorStatus,
	}, nil
}

func (s *splitService) reconcileExisting(ctx context.Context, existing domain.SplitConfig, provided string, schedule domain.FeeSchedule, isPartnerBrand bool) (DeployResult, error) {
	// An explicit, different address is an intentional redeploy: fees may have
	// changed since the last deployment, so recipients are recomputed.
	if provided != "" && !domain.SameWallet(provided, existing.SplitAddress) {
		recipients, err := s.calculator.Compute(existing.MerchantWallet, schedule, isPartnerBrand)
		if err != nil {
			return DeployResult{}, err
		}

		cfg := existing
		cfg.SplitAddress = provided
		cfg.Recipients = recipients
		cfg.UpdatedAt = s.clock()

		result, err := s.splits.Put(ctx, cfg)
		if err != nil {
			return DeployResult{}, fmt.Errorf("%w: %v", ErrSplitUnavailable, err)
		}

		s.logger(ctx, "split.deploy_updated", map[string]any{
			"merchantWallet": cfg.MerchantWallet,
			"brandKey":       cfg.BrandKey,
			"mirrorStatus":   string(result.MirrorStatus),
		})

		return DeployResult{
			Status:       DeployStatusUpdated,
			Config:       result.Config,
			MirrorStatus: result.MirrorStatus,
		}, nil
	}

	// Without a new address, a stale or malformed recipient list is only
	// surfaced, never rewritten: mutating live payment routing demands an
	// explicit redeploy.
	if s.misconfigured(existing, schedule, isPartnerBrand) {
		s.logger(ctx, "split.deploy_requires_redeploy", map[string]any{
			"merchantWallet": existing.MerchantWallet,
			"brandKey":       existing.BrandKey,
			"recipientCount": len(existing.Recipients),
		})
		return DeployResult{
			Status:           DeployStatusRequiresRedeploy,
			RequiresRedeploy: true,
			Config:           existing,
		}, nil
	}

	return DeployResult{
		Status:   DeployStatusIdempotent,
		Degraded: !existing.Bound(),
		Config:   existing,
	}, nil
}

// misconfigured applies the conservative staleness check: the stored recipient
// count falls short of what the brand currently expects, or the stored
// platform share no longer matches the currently resolved fee. A partner entry
// is only expected while the partner actually earns a share, matching what the
// calculator emits.
func (s *splitService) misconfigured(existing domain.SplitConfig, schedule domain.FeeSchedule, isPartnerBrand bool) bool {
	expected := 2
	if isPartnerBrand && schedule.PartnerFeeBps > 0 && schedule.HasPartnerWallet() {
		expected = 3
	}
	if len(existing.Recipients) < expected {
		return true
	}

	if s.treasuryWallet == "" {
		return false
	}

	stored := 0
	for _, recipient := range existing.Recipients {
		if domain.SameWallet(recipient.Address, s.treasuryWallet) {
			stored = recipient.ShareBps
			break
		}
	}
	return stored != domain.ClampBps(schedule.PlatformFeeBps)
}

// validBrandKey rejects keys that cannot form a single document identifier.
func validBrandKey(brand string) bool {
	return !strings.ContainsRune(brand, '/')
}

func (s *splitService) authorize(caller CallerIdentity, merchant string, schedule domain.FeeSchedule) error {
	if caller.Admin {
		return nil
	}
	if domain.SameWallet(caller.Wallet, merchant) {
		return nil
	}
	if schedule.HasPartnerWallet() && domain.SameWallet(caller.Wallet, schedule.PartnerWallet) {
		return nil
	}
	return ErrForbidden
}

// Preview returns the stored configuration, or a synthesized recipient list
// when none exists. Preview never persists and never fails on store outages.
func (s *splitService) Preview(ctx context.Context, merchantWallet, brandKey string) (SplitPreview, error) {
	if !domain.ValidWallet(merchantWallet) {
		return SplitPreview{}, fmt.Errorf("%w: merchant wallet %q", ErrInvalidWallet, merchantWallet)
	}

	merchant := domain.NormalizeWallet(merchantWallet)
	brand := domain.NormalizeBrandKey(brandKey)
	if !validBrandKey(brand) {
		return SplitPreview{}, fmt.Errorf("%w: brand key %q", ErrSplitInvalidInput, brandKey)
	}

	existing, err := s.splits.Get(ctx, merchant, brand)
	if err == nil && len(existing.Recipients) > 0 {
		return SplitPreview{
			SplitAddress:   existing.SplitAddress,
			Recipients:     existing.Recipients,
			RequiresDeploy: !existing.Bound(),
			UpdatedAt:      existing.UpdatedAt,
		}, nil
	}

	degraded := false
	if err != nil && !repositories.IsNotFound(err) {
		degraded = true
		s.logger(ctx, "split.preview_store_unavailable", map[string]any{
			"merchantWallet": merchant,
			"brandKey":       brand,
			"error":          err.Error(),
		})
	}

	schedule := s.resolver.Resolve(ctx, brand)
	recipients, calcErr := s.calculator.Compute(merchant, schedule, !domain.IsOperatorBrand(brand))
	if calcErr != nil {
		if !errors.Is(calcErr, ErrPlatformRecipientNotConfigured) {
			return SplitPreview{}, calcErr
		}
		// Missing platform payout address degrades the preview to a
		// merchant-only split instead of failing the read.
		recipients = []domain.SplitRecipient{{Address: merchant, ShareBps: domain.TotalShareBps}}
		degraded = true
	}

	return SplitPreview{
		Recipients:     recipients,
		RequiresDeploy: true,
		Degraded:       degraded,
	}, nil
}

// ResolveFees exposes the effective fee schedule for a brand.
func (s *splitService) ResolveFees(ctx context.Context, brandKey string) domain.FeeSchedule {
	return s.resolver.Resolve(ctx, brandKey)
}
