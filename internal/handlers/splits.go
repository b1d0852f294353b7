package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridianpay/api/internal/domain"
	"github.com/meridianpay/api/internal/platform/auth"
	"github.com/meridianpay/api/internal/platform/httpx"
	"github.com/meridianpay/api/internal/services"
)

const maxSplitBodySize = 16 * 1024

var (
	errEmptyBody    = errors.New("handlers: empty request body")
	errBodyTooLarge = errors.New("handlers: request body too large")
)

// SplitHandlers exposes the revenue split endpoints.
type SplitHandlers struct {
	authn   *auth.Authenticator
	splits  services.SplitService
	limiter rateLimiter
}

// SplitHandlersOption customises SplitHandlers.
type SplitHandlersOption func(*SplitHandlers)

// WithDeployRateLimit throttles deployment requests per caller.
func WithDeployRateLimit(limit int, window time.Duration) SplitHandlersOption {
	return func(h *SplitHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewSplitHandlers constructs a new SplitHandlers instance.
func NewSplitHandlers(authn *auth.Authenticator, splits services.SplitService, opts ...SplitHandlersOption) *SplitHandlers {
	h := &SplitHandlers{
		authn:  authn,
		splits: splits,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /splits endpoints.
func (h *SplitHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.previewSplit)
	r.Post("/", h.deploySplit)
	r.Get("/fees", h.previewFees)
}

func (h *SplitHandlers) previewSplit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.splits == nil {
		httpx.WriteError(ctx, w, httpx.NewError("split_service_unavailable", "split service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	merchant := strings.TrimSpace(r.URL.Query().Get("merchantWallet"))
	if merchant == "" {
		merchant = identity.Wallet
	}
	if merchant == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "merchantWallet is required", http.StatusBadRequest))
		return
	}
	brandKey := r.URL.Query().Get("brandKey")

	preview, err := h.splits.Preview(ctx, merchant, brandKey)
	if err != nil {
		writeSplitError(r, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPreviewPayload(preview))
}

func (h *SplitHandlers) deploySplit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.splits == nil {
		httpx.WriteError(ctx, w, httpx.NewError("split_service_unavailable", "split service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many deployment requests", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxSplitBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req deploySplitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	cmd := services.DeploySplitCommand{
		MerchantWallet: strings.TrimSpace(req.MerchantWallet),
		BrandKey:       strings.TrimSpace(req.BrandKey),
		SplitAddress:   strings.TrimSpace(req.SplitAddress),
	}
	if cmd.MerchantWallet == "" {
		cmd.MerchantWallet = identity.Wallet
	}
	if cmd.MerchantWallet == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "merchantWallet is required", http.StatusBadRequest))
		return
	}

	result, err := h.splits.Deploy(ctx, callerFromIdentity(identity), cmd)
	if err != nil {
		writeSplitError(r, w, err)
		return
	}

	status := http.StatusOK
	if result.Status == services.DeployStatusCreated {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, buildDeployPayload(result))
}

func (h *SplitHandlers) previewFees(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.splits == nil {
		httpx.WriteError(ctx, w, httpx.NewError("split_service_unavailable", "split service unavailable", http.StatusServiceUnavailable))
		return
	}

	if _, ok := requireIdentity(w, r); !ok {
		return
	}

	brandKey := domain.NormalizeBrandKey(r.URL.Query().Get("brandKey"))
	schedule := h.splits.ResolveFees(ctx, brandKey)

	payload := feeSchedulePayload{
		BrandKey:       brandKey,
		PlatformFeeBps: schedule.PlatformFeeBps,
		PartnerFeeBps:  schedule.PartnerFeeBps,
	}
	if schedule.HasPartnerWallet() {
		payload.PartnerWallet = domain.ChecksumWallet(schedule.PartnerWallet)
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

type deploySplitRequest struct {
	MerchantWallet string `json:"merchantWallet"`
	BrandKey       string `json:"brandKey"`
	SplitAddress   string `json:"splitAddress"`
}

type splitRecipientPayload struct {
	Address   string `json:"address"`
	SharesBps int    `json:"sharesBps"`
}

type previewSplitResponse struct {
	SplitAddress   string                  `json:"splitAddress,omitempty"`
	Recipients     []splitRecipientPayload `json:"recipients"`
	RequiresDeploy bool                    `json:"requiresDeploy"`
	Degraded       bool                    `json:"degraded,omitempty"`
	UpdatedAt      string                  `json:"updatedAt,omitempty"`
}

type deploySplitResponse struct {
	Status           string                  `json:"status"`
	Degraded         bool                    `json:"degraded,omitempty"`
	RequiresRedeploy bool                    `json:"requiresRedeploy,omitempty"`
	SplitAddress     string                  `json:"splitAddress,omitempty"`
	Recipients       []splitRecipientPayload `json:"recipients"`
	MirrorStatus     string                  `json:"mirrorStatus,omitempty"`
	UpdatedAt        string                  `json:"updatedAt,omitempty"`
}

type feeSchedulePayload struct {
	BrandKey       string `json:"brandKey"`
	PlatformFeeBps int    `json:"platformFeeBps"`
	PartnerFeeBps  int    `json:"partnerFeeBps"`
	PartnerWallet  string `json:"partnerWallet,omitempty"`
}

func buildPreviewPayload(preview services.SplitPreview) previewSplitResponse {
	resp := previewSplitResponse{
		Recipients:     buildRecipientPayloads(preview.Recipients),
		RequiresDeploy: preview.RequiresDeploy,
		Degraded:       preview.Degraded,
	}
	if preview.SplitAddress != "" {
		resp.SplitAddress = domain.ChecksumWallet(preview.SplitAddress)
	}
	if !preview.UpdatedAt.IsZero() {
		resp.UpdatedAt = preview.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func buildDeployPayload(result services.DeployResult) deploySplitResponse {
	resp := deploySplitResponse{
		Status:           string(result.Status),
		Degraded:         result.Degraded,
		RequiresRedeploy: result.RequiresRedeploy,
		Recipients:       buildRecipientPayloads(result.Config.Recipients),
		MirrorStatus:     string(result.MirrorStatus),
	}
	if result.Config.SplitAddress != "" {
		resp.SplitAddress = domain.ChecksumWallet(result.Config.SplitAddress)
	}
	if !result.Config.UpdatedAt.IsZero() {
		resp.UpdatedAt = result.Config.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func buildRecipientPayloads(recipients []domain.SplitRecipient) []splitRecipientPayload {
	payloads := make([]splitRecipientPayload, 0, len(recipients))
	for _, recipient := range recipients {
		payloads = append(payloads, splitRecipientPayload{
			Address:   domain.ChecksumWallet(recipient.Address),
			SharesBps: recipient.ShareBps,
		})
	}
	return payloads
}

func callerFromIdentity(identity *auth.Identity) services.CallerIdentity {
	return services.CallerIdentity{
		UID:    strings.TrimSpace(identity.UID),
		Wallet: strings.TrimSpace(identity.Wallet),
		Admin:  identity.IsAdmin(),
	}
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeSplitError(r *http.Request, w http.ResponseWriter, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrInvalidWallet):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_wallet", "wallet address failed validation", http.StatusBadRequest))
	case errors.Is(err, services.ErrSplitInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden_partner_only", "only the merchant, the brand partner, or an administrator may deploy this split", http.StatusForbidden))
	case errors.Is(err, services.ErrPlatformRecipientNotConfigured):
		httpx.WriteError(ctx, w, httpx.NewError("platform_recipient_not_configured", "platform payout address is not configured", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrSplitUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("split_store_unavailable", "split store is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, errEmptyBody
	}
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
