package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridianpay/api/internal/domain"
	"github.com/meridianpay/api/internal/repositories"
)

var (
	fixedNow     = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	merchantAddr = domain.NormalizeWallet(calcMerchant)
	partnerAddr  = domain.NormalizeWallet(calcPartner)
	treasuryAddr = domain.NormalizeWallet(calcTreasury)
	splitAddrOne = "0x1111111111111111111111111111111111111111"
	splitAddrTwo = "0x2222222222222222222222222222222222222222"
)

type stubSplitRepo struct {
	stored map[string]domain.SplitConfig
	getErr error
	putErr error
	puts   []domain.SplitConfig
}

func newStubSplitRepo() *stubSplitRepo {
	return &stubSplitRepo{stored: make(map[string]domain.SplitConfig)}
}

func splitKey(merchant, brand string) string {
	return domain.NormalizeBrandKey(brand) + "|" + domain.NormalizeWallet(merchant)
}

func (s *stubSplitRepo) Get(_ context.Context, merchantWallet, brandKey string) (domain.SplitConfig, error) {
	if s.getErr != nil {
		return domain.SplitConfig{}, s.getErr
	}
	cfg, ok := s.stored[splitKey(merchantWallet, brandKey)]
	if !ok {
		return domain.SplitConfig{}, &stubRepoError{notFound: true}
	}
	return cfg, nil
}

func (s *stubSplitRepo) Put(_ context.Context, cfg domain.SplitConfig) (repositories.PutSplitResult, error) {
	if s.putErr != nil {
		return repositories.PutSplitResult{}, s.putErr
	}
	s.puts = append(s.puts, cfg)
	s.stored[splitKey(cfg.MerchantWallet, cfg.BrandKey)] = cfg
	return repositories.PutSplitResult{
		Config:       cfg,
		MirrorStatus: repositories.MirrorReplicated,
	}, nil
}

type stubResolver struct {
	schedule domain.FeeSchedule
}

func (s *stubResolver) Resolve(context.Context, string) domain.FeeSchedule {
	return s.schedule
}

func newTestSplitService(t *testing.T, repo *stubSplitRepo, schedule domain.FeeSchedule) SplitService {
	t.Helper()
	svc, err := NewSplitService(SplitServiceDeps{
		Splits:         repo,
		Resolver:       &stubResolver{schedule: schedule},
		Calculator:     NewSplitCalculator(calcTreasury),
		TreasuryWallet: calcTreasury,
		Clock:          func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewSplitService: %v", err)
	}
	return svc
}

func partnerSchedule() domain.FeeSchedule {
	return domain.FeeSchedule{PlatformFeeBps: 50, PartnerFeeBps: 50, PartnerWallet: partnerAddr}
}

func ownerCaller() CallerIdentity {
	return CallerIdentity{UID: "uid-merchant", Wallet: calcMerchant}
}

func TestDeployCreatesDegradedWithoutAddress(t *testing.T) {
	repo := newStubSplitRepo()
	svc := newTestSplitService(t, repo, partnerSchedule())

	result, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
	})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}

	if result.Status != DeployStatusCreated {
		t.Fatalf("expected created, got %s", result.Status)
	}
	if !result.Degraded {
		t.Fatalf("expected degraded result without split address")
	}
	if len(repo.puts) != 1 {
		t.Fatalf("expected one persisted write, got %d", len(repo.puts))
	}
	persisted := repo.puts[0]
	if persisted.SplitAddress != "" {
		t.Fatalf("expected empty split address, got %s", persisted.SplitAddress)
	}
	if domain.SumShareBps(persisted.Recipients) != domain.TotalShareBps {
		t.Fatalf("persisted shares must sum to %d", domain.TotalShareBps)
	}
	if !persisted.UpdatedAt.Equal(fixedNow) {
		t.Fatalf("expected clock timestamp, got %v", persisted.UpdatedAt)
	}
}

func TestDeployCreatesWithAddress(t *testing.T) {
	repo := newStubSplitRepo()
	svc := newTestSplitService(t, repo, partnerSchedule())

	result, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
	})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}

	if result.Status != DeployStatusCreated || result.Degraded {
		t.Fatalf("expected non-degraded created, got %+v", result)
	}
	if result.Config.SplitAddress != splitAddrOne {
		t.Fatalf("expected bound split address, got %s", result.Config.SplitAddress)
	}
	if len(result.Config.Recipients) != 3 {
		t.Fatalf("expected 3 recipients for partner brand, got %d", len(result.Config.Recipients))
	}
}

func TestDeploySameAddressIsIdempotent(t *testing.T) {
	repo := newStubSplitRepo()
	svc := newTestSplitService(t, repo, partnerSchedule())

	first, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
	})
	if err != nil {
		t.Fatalf("first Deploy returned error: %v", err)
	}

	second, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
	})
	if err != nil {
		t.Fatalf("second Deploy returned error: %v", err)
	}

	if second.Status != DeployStatusIdempotent {
		t.Fatalf("expected idempotent, got %s", second.Status)
	}
	if len(repo.puts) != 1 {
		t.Fatalf("expected no second write, got %d writes", len(repo.puts))
	}
	if second.Config.SplitAddress != first.Config.SplitAddress {
		t.Fatalf("stored state changed across idempotent deploys")
	}
}

func TestDeployNewAddressUpdatesAndRecomputes(t *testing.T) {
	repo := newStubSplitRepo()
	svc := newTestSplitService(t, repo, partnerSchedule())

	if _, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
	}); err != nil {
		t.Fatalf("initial Deploy returned error: %v", err)
	}

	// Fees changed between deployments.
	updated := newTestSplitService(t, repo, domain.FeeSchedule{
		PlatformFeeBps: 100,
		PartnerFeeBps:  200,
		PartnerWallet:  partnerAddr,
	})

	result, err := updated.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
		SplitAddress:   splitAddrTwo,
	})
	if err != nil {
		t.Fatalf("redeploy returned error: %v", err)
	}

	if result.Status != DeployStatusUpdated {
		t.Fatalf("expected updated, got %s", result.Status)
	}
	if result.Config.SplitAddress != splitAddrTwo {
		t.Fatalf("expected new split address, got %s", result.Config.SplitAddress)
	}
	if result.Config.Recipients[0].ShareBps != 9700 {
		t.Fatalf("expected recomputed merchant share 9700, got %d", result.Config.Recipients[0].ShareBps)
	}
	if len(repo.puts) != 2 {
		t.Fatalf("expected two writes, got %d", len(repo.puts))
	}
}

func TestDeployFlagsUndersizedRecipientListForRedeploy(t *testing.T) {
	repo := newStubSplitRepo()
	// Stored config predates the partner wallet: only 2 recipients.
	repo.stored[splitKey(calcMerchant, "acme")] = domain.SplitConfig{
		MerchantWallet: merchantAddr,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
		Recipients: []domain.SplitRecipient{
			{Address: merchantAddr, ShareBps: 9950},
			{Address: treasuryAddr, ShareBps: 50},
		},
		UpdatedAt: fixedNow.Add(-24 * time.Hour),
	}
	svc := newTestSplitService(t, repo, partnerSchedule())

	result, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
	})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}

	if result.Status != DeployStatusRequiresRedeploy || !result.RequiresRedeploy {
		t.Fatalf("expected requiresRedeploy, got %+v", result)
	}
	if len(repo.puts) != 0 {
		t.Fatalf("misconfigured state must never be rewritten, got %d writes", len(repo.puts))
	}
	if len(result.Config.Recipients) != 2 {
		t.Fatalf("expected stale recipients returned, got %d", len(result.Config.Recipients))
	}
}

func TestDeployFlagsPlatformShareDriftForRedeploy(t *testing.T) {
	repo := newStubSplitRepo()
	repo.stored[splitKey(calcMerchant, "acme")] = domain.SplitConfig{
		MerchantWallet: merchantAddr,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
		Recipients: []domain.SplitRecipient{
			{Address: merchantAddr, ShareBps: 9800},
			{Address: partnerAddr, ShareBps: 50},
			// Persisted before the platform fee was raised to 150.
			{Address: treasuryAddr, ShareBps: 150},
		},
		UpdatedAt: fixedNow.Add(-24 * time.Hour),
	}
	svc := newTestSplitService(t, repo, partnerSchedule())

	result, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
	})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}

	if result.Status != DeployStatusRequiresRedeploy {
		t.Fatalf("expected requiresRedeploy on platform share drift, got %s", result.Status)
	}
	if len(repo.puts) != 0 {
		t.Fatalf("expected no writes, got %d", len(repo.puts))
	}
}

func TestDeployZeroPartnerFeeStaysIdempotent(t *testing.T) {
	repo := newStubSplitRepo()
	// Brand override grants the partner a wallet but an explicit zero fee, so
	// the calculator emits only merchant and platform entries.
	svc := newTestSplitService(t, repo, domain.FeeSchedule{
		PlatformFeeBps: 50,
		PartnerFeeBps:  0,
		PartnerWallet:  partnerAddr,
	})

	first, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
	})
	if err != nil {
		t.Fatalf("first Deploy returned error: %v", err)
	}
	if first.Status != DeployStatusCreated {
		t.Fatalf("expected created, got %s", first.Status)
	}
	if len(first.Config.Recipients) != 2 {
		t.Fatalf("expected 2 recipients without a partner share, got %d", len(first.Config.Recipients))
	}

	second, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
	})
	if err != nil {
		t.Fatalf("second Deploy returned error: %v", err)
	}
	if second.Status != DeployStatusIdempotent {
		t.Fatalf("expected idempotent redeploy with zero partner fee, got %s", second.Status)
	}
	if second.RequiresRedeploy {
		t.Fatalf("valid 2-recipient config must not require redeploy")
	}
	if len(repo.puts) != 1 {
		t.Fatalf("expected no second write, got %d", len(repo.puts))
	}
}

func TestDeployNeverRewritesValidBoundConfig(t *testing.T) {
	repo := newStubSplitRepo()
	svc := newTestSplitService(t, repo, partnerSchedule())

	if _, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
	}); err != nil {
		t.Fatalf("initial Deploy returned error: %v", err)
	}
	before := repo.stored[splitKey(calcMerchant, "acme")]

	result, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
	})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}

	if result.Status != DeployStatusIdempotent {
		t.Fatalf("expected idempotent, got %s", result.Status)
	}
	after := repo.stored[splitKey(calcMerchant, "acme")]
	if after.SplitAddress != before.SplitAddress || len(after.Recipients) != len(before.Recipients) {
		t.Fatalf("bound configuration changed without an explicit redeploy")
	}
}

func TestDeployAuthorization(t *testing.T) {
	cases := []struct {
		name    string
		caller  CallerIdentity
		wantErr error
	}{
		{name: "merchant self-deploy", caller: CallerIdentity{UID: "u1", Wallet: calcMerchant}},
		{name: "partner administrator", caller: CallerIdentity{UID: "u2", Wallet: calcPartner}},
		{name: "platform admin", caller: CallerIdentity{UID: "u3", Admin: true}},
		{name: "stranger denied", caller: CallerIdentity{UID: "u4", Wallet: splitAddrOne}, wantErr: ErrForbidden},
		{name: "no wallet denied", caller: CallerIdentity{UID: "u5"}, wantErr: ErrForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newStubSplitRepo()
			svc := newTestSplitService(t, repo, partnerSchedule())

			_, err := svc.Deploy(context.Background(), tc.caller, DeploySplitCommand{
				MerchantWallet: calcMerchant,
				BrandKey:       "acme",
				SplitAddress:   splitAddrOne,
			})

			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("expected deploy to succeed, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if len(repo.puts) != 0 {
				t.Fatalf("denied request must have no side effects")
			}
		})
	}
}

func TestDeployRejectsInvalidInput(t *testing.T) {
	repo := newStubSplitRepo()
	svc := newTestSplitService(t, repo, partnerSchedule())

	if _, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: "bogus",
	}); !errors.Is(err, ErrInvalidWallet) {
		t.Fatalf("expected ErrInvalidWallet for merchant, got %v", err)
	}

	if _, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		SplitAddress:   "bogus",
	}); !errors.Is(err, ErrInvalidWallet) {
		t.Fatalf("expected ErrInvalidWallet for split address, got %v", err)
	}

	if _, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{}); !errors.Is(err, ErrSplitInvalidInput) {
		t.Fatalf("expected ErrSplitInvalidInput for missing merchant wallet, got %v", err)
	}

	if _, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme/evil",
	}); !errors.Is(err, ErrSplitInvalidInput) {
		t.Fatalf("expected ErrSplitInvalidInput for malformed brand key, got %v", err)
	}
	if len(repo.puts) != 0 {
		t.Fatalf("rejected input must have no side effects, got %d writes", len(repo.puts))
	}
}

func TestPreviewRejectsMalformedBrandKey(t *testing.T) {
	repo := newStubSplitRepo()
	svc := newTestSplitService(t, repo, partnerSchedule())

	if _, err := svc.Preview(context.Background(), calcMerchant, "acme/evil"); !errors.Is(err, ErrSplitInvalidInput) {
		t.Fatalf("expected ErrSplitInvalidInput, got %v", err)
	}
}

func TestDeployStoreUnavailableFailsWrite(t *testing.T) {
	repo := newStubSplitRepo()
	repo.getErr = &stubRepoError{unavailable: true}
	svc := newTestSplitService(t, repo, partnerSchedule())

	_, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
	})
	if !errors.Is(err, ErrSplitUnavailable) {
		t.Fatalf("expected ErrSplitUnavailable, got %v", err)
	}
}

func TestDeployMissingTreasuryFailsNewDeployment(t *testing.T) {
	repo := newStubSplitRepo()
	svc, err := NewSplitService(SplitServiceDeps{
		Splits:     repo,
		Resolver:   &stubResolver{schedule: partnerSchedule()},
		Calculator: NewSplitCalculator(""),
		Clock:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewSplitService: %v", err)
	}

	_, err = svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
	})
	if !errors.Is(err, ErrPlatformRecipientNotConfigured) {
		t.Fatalf("expected ErrPlatformRecipientNotConfigured, got %v", err)
	}
	if len(repo.puts) != 0 {
		t.Fatalf("expected no writes when platform recipient missing")
	}
}

func TestPreviewReturnsStoredConfiguration(t *testing.T) {
	repo := newStubSplitRepo()
	svc := newTestSplitService(t, repo, partnerSchedule())

	if _, err := svc.Deploy(context.Background(), ownerCaller(), DeploySplitCommand{
		MerchantWallet: calcMerchant,
		BrandKey:       "acme",
		SplitAddress:   splitAddrOne,
	}); err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}

	preview, err := svc.Preview(context.Background(), calcMerchant, "acme")
	if err != nil {
		t.Fatalf("Preview returned error: %v", err)
	}

	if preview.SplitAddress != splitAddrOne {
		t.Fatalf("expected stored split address, got %s", preview.SplitAddress)
	}
	if preview.RequiresDeploy {
		t.Fatalf("bound configuration must not require deploy")
	}
	if len(preview.Recipients) != 3 {
		t.Fatalf("expected stored recipients, got %d", len(preview.Recipients))
	}
}

func TestPreviewSynthesizesWhenMissing(t *testing.T) {
	repo := newStubSplitRepo()
	svc := newTestSplitService(t, repo, partnerSchedule())

	preview, err := svc.Preview(context.Background(), calcMerchant, "acme")
	if err != nil {
		t.Fatalf("Preview returned error: %v", err)
	}

	if !preview.RequiresDeploy {
		t.Fatalf("expected requiresDeploy for missing configuration")
	}
	if domain.SumShareBps(preview.Recipients) != domain.TotalShareBps {
		t.Fatalf("synthesized shares must sum to %d", domain.TotalShareBps)
	}
	if len(repo.puts) != 0 {
		t.Fatalf("preview must never persist")
	}
}

func TestPreviewDegradesOnStoreOutage(t *testing.T) {
	repo := newStubSplitRepo()
	repo.getErr = &stubRepoError{unavailable: true}
	svc := newTestSplitService(t, repo, partnerSchedule())

	preview, err := svc.Preview(context.Background(), calcMerchant, "acme")
	if err != nil {
		t.Fatalf("expected degraded preview, got error: %v", err)
	}

	if !preview.Degraded || !preview.RequiresDeploy {
		t.Fatalf("expected degraded synthesized preview, got %+v", preview)
	}
}

func TestPreviewDegradesToMerchantOnlyWithoutTreasury(t *testing.T) {
	repo := newStubSplitRepo()
	svc, err := NewSplitService(SplitServiceDeps{
		Splits:     repo,
		Resolver:   &stubResolver{schedule: partnerSchedule()},
		Calculator: NewSplitCalculator(""),
		Clock:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewSplitService: %v", err)
	}

	preview, err := svc.Preview(context.Background(), calcMerchant, "acme")
	if err != nil {
		t.Fatalf("Preview returned error: %v", err)
	}

	if !preview.Degraded {
		t.Fatalf("expected degraded preview")
	}
	if len(preview.Recipients) != 1 || preview.Recipients[0].ShareBps != domain.TotalShareBps {
		t.Fatalf("expected merchant-only recipients, got %+v", preview.Recipients)
	}
	if preview.Recipients[0].Address != merchantAddr {
		t.Fatalf("expected merchant address, got %s", preview.Recipients[0].Address)
	}
}
