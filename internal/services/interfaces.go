package services

import (
	"context"
	"time"

	"github.com/meridianpay/api/internal/domain"
	"github.com/meridianpay/api/internal/repositories"
)

// CallerIdentity describes the authenticated principal attempting an
// operation. Handlers construct it from the transport-level identity.
type CallerIdentity struct {
	UID    string
	Wallet string
	Admin  bool
}

// DeployStatus enumerates the reconciler outcomes for a deployment request.
type DeployStatus string

const (
	// DeployStatusCreated means no prior configuration existed and one was persisted.
	DeployStatusCreated DeployStatus = "created"
	// DeployStatusUpdated means an explicit new split address triggered a redeploy.
	DeployStatusUpdated DeployStatus = "updated"
	// DeployStatusIdempotent means the stored configuration already matches the request.
	DeployStatusIdempotent DeployStatus = "idempotent"
	// DeployStatusRequiresRedeploy means the stored configuration is stale or
	// malformed and only an explicit redeploy may rewrite it.
	DeployStatusRequiresRedeploy DeployStatus = "requiresRedeploy"
)

// DeploySplitCommand carries a deployment request.
type DeploySplitCommand struct {
	MerchantWallet string
	BrandKey       string
	// SplitAddress is the externally deployed payment-splitting contract
	// address. Optional; an address-less deployment creates a degraded record
	// awaiting a later binding step.
	SplitAddress string
}

// DeployResult reports the reconciler outcome together with the effective
// stored configuration.
type DeployResult struct {
	Status           DeployStatus
	Degraded         bool
	RequiresRedeploy bool
	Config           domain.SplitConfig
	MirrorStatus     repositories.MirrorStatus
}

// SplitPreview is the read-only projection returned by the preview path. When
// no configuration is stored the recipients are synthesized, never persisted.
type SplitPreview struct {
	SplitAddress   string
	Recipients     []domain.SplitRecipient
	RequiresDeploy bool
	Degraded       bool
	UpdatedAt      time.Time
}

// FeeScheduleResolver resolves the effective fee schedule for a brand. It
// never fails; unreachable sources fall back to configured defaults.
type FeeScheduleResolver interface {
	Resolve(ctx context.Context, brandKey string) domain.FeeSchedule
}

// SplitCalculator turns a fee schedule and wallet identities into an ordered
// recipient list whose shares sum to the full total.
type SplitCalculator interface {
	Compute(merchantWallet string, schedule domain.FeeSchedule, isPartnerBrand bool) ([]domain.SplitRecipient, error)
}

// SplitService is the deployment reconciler exposed to transport handlers.
type SplitService interface {
	Deploy(ctx context.Context, caller CallerIdentity, cmd DeploySplitCommand) (DeployResult, error)
	Preview(ctx context.Context, merchantWallet, brandKey string) (SplitPreview, error)
	ResolveFees(ctx context.Context, brandKey string) domain.FeeSchedule
}
