package firestore

import (
	"context"
	"errors"

	"github.com/meridianpay/api/internal/domain"
	pfirestore "github.com/meridianpay/api/internal/platform/firestore"
	"github.com/meridianpay/api/internal/repositories"
)

const brandsCollection = "brands"

// BrandRepository resolves per-brand fee overrides from the brands collection.
// Brand documents are keyed by normalised brand key.
type BrandRepository struct {
	base *pfirestore.BaseRepository[map[string]any]
}

// NewBrandRepository constructs a Firestore-backed brand repository.
func NewBrandRepository(provider *pfirestore.Provider) (*BrandRepository, error) {
	if provider == nil {
		return nil, errors.New("brand repository: firestore provider is required")
	}
	return &BrandRepository{
		base: pfirestore.NewBaseRepository[map[string]any](provider, brandsCollection, pfirestore.MapEncoder[map[string]any](), pfirestore.MapDecoder()),
	}, nil
}

// GetOverrides returns the fee overrides configured for a brand. Absent fields
// come back as nil pointers so callers can distinguish "no override" from an
// explicit zero.
func (r *BrandRepository) GetOverrides(ctx context.Context, brandKey string) (repositories.BrandOverrides, error) {
	if r == nil || r.base == nil {
		return repositories.BrandOverrides{}, errors.New("brand repository not initialised")
	}
	brand := domain.NormalizeBrandKey(brandKey)
	if brand == "" {
		return repositories.BrandOverrides{}, errors.New("brand repository: brand key is required")
	}

	doc, err := r.base.Get(ctx, brand)
	if err != nil {
		return repositories.BrandOverrides{}, err
	}

	return DecodeBrandOverrides(doc.Data), nil
}

// DecodeBrandOverrides extracts fee overrides from a raw brand document.
func DecodeBrandOverrides(data map[string]any) repositories.BrandOverrides {
	overrides := repositories.BrandOverrides{
		PartnerWallet: stringField(data, "partnerWallet"),
	}
	if value, ok := optionalIntField(data, "platformFeeBps"); ok {
		overrides.PlatformFeeBps = &value
	}
	if value, ok := optionalIntField(data, "partnerFeeBps"); ok {
		overrides.PartnerFeeBps = &value
	}
	return overrides
}

func optionalIntField(data map[string]any, key string) (int, bool) {
	raw, ok := data[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch value := raw.(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	default:
		return 0, false
	}
}
