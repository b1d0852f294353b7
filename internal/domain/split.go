package domain

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TotalShareBps is the full payment expressed in basis points (100%).
const TotalShareBps = 10000

// OperatorBrandKey is the canonical key for merchants that sell directly under
// the platform operator rather than through a reselling partner. Two historical
// aliases survive in stored documents and older clients; they collapse onto the
// canonical key during normalisation.
const OperatorBrandKey = "direct"

var operatorBrandAliases = map[string]struct{}{
	OperatorBrandKey: {},
	"main":           {},
	"default":        {},
}

// NormalizeBrandKey lowercases and trims a brand key and collapses the
// historical operator aliases onto OperatorBrandKey. An empty key denotes the
// operator brand.
func NormalizeBrandKey(key string) string {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return OperatorBrandKey
	}
	if _, ok := operatorBrandAliases[normalized]; ok {
		return OperatorBrandKey
	}
	return normalized
}

// IsOperatorBrand reports whether the brand key (any alias form) denotes the
// platform operator itself. Operator brands never carry a partner share.
func IsOperatorBrand(key string) bool {
	return NormalizeBrandKey(key) == OperatorBrandKey
}

// ValidWallet reports whether the value is a well-formed hex wallet address.
func ValidWallet(addr string) bool {
	return common.IsHexAddress(strings.TrimSpace(addr))
}

// NormalizeWallet returns the canonical lowercase form used for document
// identity and comparisons. Returns "" for malformed input.
func NormalizeWallet(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if !common.IsHexAddress(trimmed) {
		return ""
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex())
}

// ChecksumWallet renders the EIP-55 checksum form for API responses.
// Returns "" for malformed input.
func ChecksumWallet(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if !common.IsHexAddress(trimmed) {
		return ""
	}
	return common.HexToAddress(trimmed).Hex()
}

// SameWallet compares two wallet addresses ignoring case and checksum form.
func SameWallet(a, b string) bool {
	na := NormalizeWallet(a)
	return na != "" && na == NormalizeWallet(b)
}

// FeeSchedule is the effective fee configuration resolved for one brand.
// Both fee fields are guaranteed to sit in [0, TotalShareBps].
type FeeSchedule struct {
	PlatformFeeBps int
	PartnerFeeBps  int
	PartnerWallet  string
}

// HasPartnerWallet reports whether the schedule carries a usable partner
// payout address.
func (s FeeSchedule) HasPartnerWallet() bool {
	return ValidWallet(s.PartnerWallet)
}

// SplitRecipient is one payee entry of a split configuration.
type SplitRecipient struct {
	Address  string
	ShareBps int
}

// SplitConfig is the aggregate describing how a merchant's payments divide
// among merchant, optional partner, and platform.
type SplitConfig struct {
	MerchantWallet string
	BrandKey       string
	SplitAddress   string
	Recipients     []SplitRecipient
	UpdatedAt      time.Time
}

// Bound reports whether an external payment-splitting contract address has
// been attached to the configuration.
func (c SplitConfig) Bound() bool {
	return strings.TrimSpace(c.SplitAddress) != ""
}

// SumShareBps totals the recipient shares. A finalized configuration must
// total exactly TotalShareBps.
func SumShareBps(recipients []SplitRecipient) int {
	total := 0
	for _, r := range recipients {
		total += r.ShareBps
	}
	return total
}

// ClampBps truncates a fee value into the valid basis-point range.
func ClampBps(v int) int {
	if v < 0 {
		return 0
	}
	if v > TotalShareBps {
		return TotalShareBps
	}
	return v
}
