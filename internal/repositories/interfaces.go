package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/meridianpay/api/internal/domain"
)

// RepositoryError allows services to branch on persistence failures without
// depending on the storage backend.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// IsNotFound reports whether err classifies as a missing document.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err classifies as a conflicting update.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err classifies as a transient backend outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// ErrInvariantViolated signals that a write was refused because the payload
// broke a persistence invariant, such as recipient shares not summing to the
// full total.
var ErrInvariantViolated = errors.New("repositories: split invariant violated")

// MirrorStatus describes the outcome of the legacy mirror write that follows
// every canonical split write.
type MirrorStatus string

const (
	// MirrorReplicated means the legacy mirror document was written.
	MirrorReplicated MirrorStatus = "replicated"
	// MirrorIdentical means canonical and mirror resolve to the same document,
	// so a single write covered both.
	MirrorIdentical MirrorStatus = "identical"
	// MirrorFailed means the canonical write succeeded but the mirror write
	// did not. The canonical document remains authoritative.
	MirrorFailed MirrorStatus = "failed"
)

// PutSplitResult reports where a split configuration landed.
type PutSplitResult struct {
	Config         domain.SplitConfig
	MirrorStatus   MirrorStatus
	CanonicalDocID string
	MirrorDocID    string
}

// SplitConfigRepository persists split configurations keyed by merchant wallet
// and brand. Get reads only the canonical document; legacy mirrors exist for
// older readers and are never consulted on the read path.
type SplitConfigRepository interface {
	Get(ctx context.Context, merchantWallet, brandKey string) (domain.SplitConfig, error)
	Put(ctx context.Context, cfg domain.SplitConfig) (PutSplitResult, error)
}

// BrandOverrides carries per-brand fee overrides. Nil pointers mean the brand
// does not override that value.
type BrandOverrides struct {
	PlatformFeeBps *int
	PartnerFeeBps  *int
	PartnerWallet  string
}

// BrandRepository resolves per-brand fee overrides.
type BrandRepository interface {
	GetOverrides(ctx context.Context, brandKey string) (BrandOverrides, error)
}

// SplitReplicationEvent is emitted after every split write describing the
// canonical/mirror pair outcome, so downstream consumers can audit divergence.
type SplitReplicationEvent struct {
	EventID        string       `json:"eventId"`
	MerchantWallet string       `json:"merchantWallet"`
	BrandKey       string       `json:"brandKey"`
	CanonicalDocID string       `json:"canonicalDocId"`
	MirrorDocID    string       `json:"mirrorDocId,omitempty"`
	Status         MirrorStatus `json:"status"`
	Reason         string       `json:"reason,omitempty"`
	OccurredAt     time.Time    `json:"occurredAt"`
}

// ReplicationEventPublisher publishes split replication events. Publish
// failures must never fail the originating write.
type ReplicationEventPublisher interface {
	PublishReplication(ctx context.Context, event SplitReplicationEvent) error
}
