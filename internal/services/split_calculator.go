package services

import (
	"errors"
	"fmt"

	"github.com/meridianpay/api/internal/domain"
)

var (
	// ErrInvalidWallet indicates a wallet address failed format validation.
	ErrInvalidWallet = errors.New("split: invalid wallet address")
	// ErrPlatformRecipientNotConfigured indicates the platform payout address
	// is missing from configuration while a platform share is due.
	ErrPlatformRecipientNotConfigured = errors.New("split: platform recipient not configured")
)

type splitCalculator struct {
	treasuryWallet string
}

// NewSplitCalculator constructs a calculator paying the platform share to the
// given treasury wallet.
func NewSplitCalculator(treasuryWallet string) SplitCalculator {
	return &splitCalculator{treasuryWallet: domain.NormalizeWallet(treasuryWallet)}
}

// Compute builds the ordered recipient list: merchant first, then partner
// (only when it earns a share), then platform. The shares always sum to
// exactly the full total. The merchant entry is the only one that may carry a
// zero share, which happens when fees consume the whole payment.
func (c *splitCalculator) Compute(merchantWallet string, schedule domain.FeeSchedule, isPartnerBrand bool) ([]domain.SplitRecipient, error) {
	if !domain.ValidWallet(merchantWallet) {
		return nil, fmt.Errorf("%w: merchant wallet %q", ErrInvalidWallet, merchantWallet)
	}
	merchant := domain.NormalizeWallet(merchantWallet)

	platformShares := domain.ClampBps(schedule.PlatformFeeBps)

	partnerShares := 0
	partnerWallet := domain.NormalizeWallet(schedule.PartnerWallet)
	if isPartnerBrand && schedule.PartnerFeeBps > 0 && domain.ValidWallet(partnerWallet) {
		partnerShares = schedule.PartnerFeeBps
		if remaining := domain.TotalShareBps - platformShares; partnerShares > remaining {
			partnerShares = remaining
		}
	}

	merchantShares := domain.TotalShareBps - platformShares - partnerShares
	if merchantShares < 0 {
		merchantShares = 0
	}

	if platformShares > 0 && !domain.ValidWallet(c.treasuryWallet) {
		return nil, ErrPlatformRecipientNotConfigured
	}

	recipients := []domain.SplitRecipient{
		{Address: merchant, ShareBps: merchantShares},
	}
	if partnerShares > 0 {
		recipients = append(recipients, domain.SplitRecipient{Address: partnerWallet, ShareBps: partnerShares})
	}
	if platformShares > 0 {
		recipients = append(recipients, domain.SplitRecipient{Address: c.treasuryWallet, ShareBps: platformShares})
	}
	return recipients, nil
}
