package services

import (
	"context"
	"errors"
	"testing"

	"github.com/meridianpay/api/internal/domain"
	"github.com/meridianpay/api/internal/repositories"
)

type stubBrandRepo struct {
	overrides map[string]repositories.BrandOverrides
	err       error
	calls     int
}

func (s *stubBrandRepo) GetOverrides(_ context.Context, brandKey string) (repositories.BrandOverrides, error) {
	s.calls++
	if s.err != nil {
		return repositories.BrandOverrides{}, s.err
	}
	overrides, ok := s.overrides[brandKey]
	if !ok {
		return repositories.BrandOverrides{}, &stubRepoError{notFound: true}
	}
	return overrides, nil
}

type stubRepoError struct {
	notFound    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return "stub repository error" }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return false }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

func intPtr(v int) *int { return &v }

func TestResolvePrecedenceOverrideWins(t *testing.T) {
	brands := &stubBrandRepo{overrides: map[string]repositories.BrandOverrides{
		"acme": {
			PlatformFeeBps: intPtr(125),
			PartnerFeeBps:  intPtr(300),
			PartnerWallet:  calcPartner,
		},
	}}
	resolver := NewFeeScheduleResolver(FeeScheduleResolverDeps{
		Brands: brands,
		Config: PlatformFeeConfig{DefaultPlatformFeeBps: 80, DefaultPartnerFeeBps: 90},
	})

	schedule := resolver.Resolve(context.Background(), "acme")

	if schedule.PlatformFeeBps != 125 {
		t.Fatalf("expected override platform fee 125, got %d", schedule.PlatformFeeBps)
	}
	if schedule.PartnerFeeBps != 300 {
		t.Fatalf("expected override partner fee 300, got %d", schedule.PartnerFeeBps)
	}
	if schedule.PartnerWallet != domain.NormalizeWallet(calcPartner) {
		t.Fatalf("expected normalised partner wallet, got %s", schedule.PartnerWallet)
	}
}

func TestResolveFallsBackToConfigDefaults(t *testing.T) {
	resolver := NewFeeScheduleResolver(FeeScheduleResolverDeps{
		Brands: &stubBrandRepo{},
		Config: PlatformFeeConfig{DefaultPlatformFeeBps: 80, DefaultPartnerFeeBps: 90},
	})

	schedule := resolver.Resolve(context.Background(), "unknown-brand")

	if schedule.PlatformFeeBps != 80 {
		t.Fatalf("expected config default platform fee 80, got %d", schedule.PlatformFeeBps)
	}
	if schedule.PartnerFeeBps != 90 {
		t.Fatalf("expected config default partner fee 90, got %d", schedule.PartnerFeeBps)
	}
	if schedule.HasPartnerWallet() {
		t.Fatalf("expected no partner wallet, got %s", schedule.PartnerWallet)
	}
}

func TestResolveHardDefaultWhenNothingConfigured(t *testing.T) {
	resolver := NewFeeScheduleResolver(FeeScheduleResolverDeps{})

	schedule := resolver.Resolve(context.Background(), "acme")

	if schedule.PlatformFeeBps != hardDefaultFeeBps {
		t.Fatalf("expected hard default %d, got %d", hardDefaultFeeBps, schedule.PlatformFeeBps)
	}
	if schedule.PartnerFeeBps != hardDefaultFeeBps {
		t.Fatalf("expected hard default %d, got %d", hardDefaultFeeBps, schedule.PartnerFeeBps)
	}
}

func TestResolveOperatorBrandForcesZeroPartnerShare(t *testing.T) {
	brands := &stubBrandRepo{overrides: map[string]repositories.BrandOverrides{
		"direct": {
			PlatformFeeBps: intPtr(75),
			PartnerFeeBps:  intPtr(500),
			PartnerWallet:  calcPartner,
		},
	}}
	resolver := NewFeeScheduleResolver(FeeScheduleResolverDeps{Brands: brands})

	for _, brand := range []string{"direct", "main", "default", ""} {
		schedule := resolver.Resolve(context.Background(), brand)
		if schedule.PartnerFeeBps != 0 {
			t.Fatalf("brand %q: expected zero partner fee, got %d", brand, schedule.PartnerFeeBps)
		}
		if schedule.PartnerWallet != "" {
			t.Fatalf("brand %q: expected empty partner wallet, got %s", brand, schedule.PartnerWallet)
		}
	}
}

func TestResolveNeverFailsOnStoreError(t *testing.T) {
	resolver := NewFeeScheduleResolver(FeeScheduleResolverDeps{
		Brands: &stubBrandRepo{err: errors.New("firestore down")},
		Config: PlatformFeeConfig{DefaultPlatformFeeBps: 80, DefaultPartnerFeeBps: 90},
	})

	schedule := resolver.Resolve(context.Background(), "acme")

	if schedule.PlatformFeeBps != 80 || schedule.PartnerFeeBps != 90 {
		t.Fatalf("expected silent fallback to config defaults, got %+v", schedule)
	}
}

func TestResolveClampsOverrideValues(t *testing.T) {
	brands := &stubBrandRepo{overrides: map[string]repositories.BrandOverrides{
		"acme": {PlatformFeeBps: intPtr(20000), PartnerFeeBps: intPtr(-5)},
	}}
	resolver := NewFeeScheduleResolver(FeeScheduleResolverDeps{Brands: brands})

	schedule := resolver.Resolve(context.Background(), "acme")

	if schedule.PlatformFeeBps != 10000 {
		t.Fatalf("expected platform fee clamped to 10000, got %d", schedule.PlatformFeeBps)
	}
	if schedule.PartnerFeeBps != 0 {
		t.Fatalf("expected partner fee clamped to 0, got %d", schedule.PartnerFeeBps)
	}
}
