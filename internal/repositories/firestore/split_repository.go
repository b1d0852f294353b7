package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/meridianpay/api/internal/domain"
	pfirestore "github.com/meridianpay/api/internal/platform/firestore"
	"github.com/meridianpay/api/internal/repositories"
)

const (
	siteConfigsCollection = "siteConfigs"
	brandDocIDSeparator   = "--"
)

// splitDocStore is the slice of the typed repository the split store drives:
// the canonical read plus the canonical and mirror writes.
type splitDocStore interface {
	Get(ctx context.Context, id string) (pfirestore.Document[map[string]any], error)
	Set(ctx context.Context, id string, value map[string]any, opts ...firestore.SetOption) (pfirestore.MutationResult, error)
}

// SplitConfigRepository persists split configurations in the shared site
// configuration collection. Every write lands on the canonical per-brand
// document and is mirrored onto the legacy per-wallet document so older
// readers keep working. Reads consult only the canonical document.
type SplitConfigRepository struct {
	base      splitDocStore
	publisher repositories.ReplicationEventPublisher
	clock     func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// SplitRepositoryOption customises SplitConfigRepository behaviour.
type SplitRepositoryOption func(*SplitConfigRepository)

// WithReplicationPublisher wires the publisher notified after each write.
func WithReplicationPublisher(publisher repositories.ReplicationEventPublisher) SplitRepositoryOption {
	return func(r *SplitConfigRepository) {
		r.publisher = publisher
	}
}

// WithSplitClock overrides the time source, primarily for testing.
func WithSplitClock(clock func() time.Time) SplitRepositoryOption {
	return func(r *SplitConfigRepository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithSplitLogger injects a structured event logger.
func WithSplitLogger(logger func(ctx context.Context, event string, fields map[string]any)) SplitRepositoryOption {
	return func(r *SplitConfigRepository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewSplitConfigRepository constructs a Firestore-backed split configuration repository.
func NewSplitConfigRepository(provider *pfirestore.Provider, opts ...SplitRepositoryOption) (*SplitConfigRepository, error) {
	if provider == nil {
		return nil, errors.New("split repository: firestore provider is required")
	}

	repo := &SplitConfigRepository{
		base:   pfirestore.NewBaseRepository[map[string]any](provider, siteConfigsCollection, pfirestore.MapEncoder[map[string]any](), pfirestore.MapDecoder()),
		clock:  time.Now,
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Get loads the canonical split configuration for a merchant and brand.
func (r *SplitConfigRepository) Get(ctx context.Context, merchantWallet, brandKey string) (domain.SplitConfig, error) {
	if r == nil || r.base == nil {
		return domain.SplitConfig{}, errors.New("split repository not initialised")
	}
	wallet := domain.NormalizeWallet(merchantWallet)
	if wallet == "" {
		return domain.SplitConfig{}, errors.New("split repository: merchant wallet is required")
	}
	brand := domain.NormalizeBrandKey(brandKey)

	doc, err := r.base.Get(ctx, CanonicalSplitDocID(wallet, brand))
	if err != nil {
		return domain.SplitConfig{}, err
	}

	cfg := DecodeSplitDocument(doc.Data)
	cfg.MerchantWallet = wallet
	cfg.BrandKey = brand
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = doc.UpdateTime
	}
	return cfg, nil
}

// Put writes the split configuration to the canonical document, mirrors it to
// the legacy document, and reports where both writes landed. A mirror failure
// never rolls back the canonical write.
func (r *SplitConfigRepository) Put(ctx context.Context, cfg domain.SplitConfig) (repositories.PutSplitResult, error) {
	if r == nil || r.base == nil {
		return repositories.PutSplitResult{}, errors.New("split repository not initialised")
	}

	cfg.MerchantWallet = domain.NormalizeWallet(cfg.MerchantWallet)
	if cfg.MerchantWallet == "" {
		return repositories.PutSplitResult{}, errors.New("split repository: merchant wallet is required")
	}
	cfg.BrandKey = domain.NormalizeBrandKey(cfg.BrandKey)

	if len(cfg.Recipients) > 0 && domain.SumShareBps(cfg.Recipients) != domain.TotalShareBps {
		return repositories.PutSplitResult{}, fmt.Errorf("%w: recipient shares sum to %d", repositories.ErrInvariantViolated, domain.SumShareBps(cfg.Recipients))
	}

	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = r.clock().UTC()
	}

	canonicalID := CanonicalSplitDocID(cfg.MerchantWallet, cfg.BrandKey)
	mirrorID := MirrorSplitDocID(cfg.MerchantWallet)
	overlay := EncodeSplitOverlay(cfg)

	if _, err := r.base.Set(ctx, canonicalID, overlay, firestore.MergeAll); err != nil {
		return repositories.PutSplitResult{}, err
	}

	result := repositories.PutSplitResult{
		Config:         cfg,
		CanonicalDocID: canonicalID,
		MirrorDocID:    mirrorID,
	}

	if canonicalID == mirrorID {
		result.MirrorStatus = repositories.MirrorIdentical
		r.publishReplication(ctx, cfg, result, "")
		return result, nil
	}

	if _, err := r.base.Set(ctx, mirrorID, overlay, firestore.MergeAll); err != nil {
		result.MirrorStatus = repositories.MirrorFailed
		r.logger(ctx, "split.mirror_write_failed", map[string]any{
			"merchantWallet": cfg.MerchantWallet,
			"brandKey":       cfg.BrandKey,
			"mirrorDocId":    mirrorID,
			"error":          err.Error(),
		})
		r.publishReplication(ctx, cfg, result, err.Error())
		return result, nil
	}

	result.MirrorStatus = repositories.MirrorReplicated
	r.publishReplication(ctx, cfg, result, "")
	return result, nil
}

func (r *SplitConfigRepository) publishReplication(ctx context.Context, cfg domain.SplitConfig, result repositories.PutSplitResult, reason string) {
	if r.publisher == nil {
		return
	}
	event := repositories.SplitReplicationEvent{
		MerchantWallet: cfg.MerchantWallet,
		BrandKey:       cfg.BrandKey,
		CanonicalDocID: result.CanonicalDocID,
		MirrorDocID:    result.MirrorDocID,
		Status:         result.MirrorStatus,
		Reason:         reason,
		OccurredAt:     r.clock().UTC(),
	}
	if err := r.publisher.PublishReplication(ctx, event); err != nil {
		r.logger(ctx, "split.replication_publish_failed", map[string]any{
			"merchantWallet": cfg.MerchantWallet,
			"brandKey":       cfg.BrandKey,
			"status":         string(result.MirrorStatus),
			"error":          err.Error(),
		})
	}
}

// CanonicalSplitDocID returns the canonical document ID for a wallet/brand
// pair. Operator-brand configs live directly under the bare wallet ID, which
// is also the legacy location.
func CanonicalSplitDocID(merchantWallet, brandKey string) string {
	wallet := domain.NormalizeWallet(merchantWallet)
	brand := domain.NormalizeBrandKey(brandKey)
	if domain.IsOperatorBrand(brand) {
		return wallet
	}
	return brand + brandDocIDSeparator + wallet
}

// MirrorSplitDocID returns the legacy per-wallet document ID.
func MirrorSplitDocID(merchantWallet string) string {
	return domain.NormalizeWallet(merchantWallet)
}

// EncodeSplitOverlay builds the partial document written on every split
// update. Only split-owned keys appear so sibling site configuration fields
// such as theme or tax settings survive the merge untouched.
func EncodeSplitOverlay(cfg domain.SplitConfig) map[string]any {
	recipients := make([]map[string]any, 0, len(cfg.Recipients))
	for _, recipient := range cfg.Recipients {
		recipients = append(recipients, map[string]any{
			"address":   domain.NormalizeWallet(recipient.Address),
			"sharesBps": recipient.ShareBps,
		})
	}
	return map[string]any{
		"merchantWallet":  cfg.MerchantWallet,
		"brandKey":        cfg.BrandKey,
		"splitAddress":    domain.NormalizeWallet(cfg.SplitAddress),
		"splitRecipients": recipients,
		"updatedAt":       cfg.UpdatedAt.UTC(),
	}
}

// DecodeSplitDocument extracts the split-owned fields from a raw site
// configuration document, tolerating missing or foreign keys.
func DecodeSplitDocument(data map[string]any) domain.SplitConfig {
	cfg := domain.SplitConfig{
		MerchantWallet: stringField(data, "merchantWallet"),
		BrandKey:       stringField(data, "brandKey"),
		SplitAddress:   stringField(data, "splitAddress"),
	}

	if raw, ok := data["splitRecipients"]; ok {
		cfg.Recipients = decodeRecipients(raw)
	}
	if raw, ok := data["updatedAt"]; ok {
		if ts, ok := raw.(time.Time); ok {
			cfg.UpdatedAt = ts
		}
	}
	return cfg
}

func decodeRecipients(raw any) []domain.SplitRecipient {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	recipients := make([]domain.SplitRecipient, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		address := strings.TrimSpace(stringField(entry, "address"))
		if address == "" {
			continue
		}
		recipients = append(recipients, domain.SplitRecipient{
			Address:  address,
			ShareBps: intField(entry, "sharesBps"),
		})
	}
	if len(recipients) == 0 {
		return nil
	}
	return recipients
}

func stringField(data map[string]any, key string) string {
	if raw, ok := data[key]; ok {
		if value, ok := raw.(string); ok {
			return value
		}
	}
	return ""
}

func intField(data map[string]any, key string) int {
	switch value := data[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		return 0
	}
}
