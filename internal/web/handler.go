// Package web serves the relay's HTTP admin API: whitelist inspection and
// management plus the health report.
package web

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/domain"
	apperrors "github.com/Shugur-Network/gated-relay/internal/errors"
	"github.com/Shugur-Network/gated-relay/internal/logger"
	"github.com/Shugur-Network/gated-relay/internal/models"
	"github.com/Shugur-Network/gated-relay/internal/whitelist"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 64 << 10
)

var (
	pubkeyPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)
	cohortPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
)

// AddRequest is the body of POST /api/whitelist/add.
type AddRequest struct {
	PubKey      string   `json:"pubkey"      validate:"required,pubkey"`
	Cohorts     []string `json:"cohorts"     validate:"max=32,dive,cohort"`
	AdminPubKey string   `json:"adminPubkey" validate:"required,pubkey"`
}

// UpdateCohortsRequest is the body of POST /api/whitelist/update-cohorts.
type UpdateCohortsRequest struct {
	PubKey      string   `json:"pubkey"      validate:"required,pubkey"`
	Cohorts     []string `json:"cohorts"     validate:"max=32,dive,cohort"`
	AdminPubKey string   `json:"adminPubkey" validate:"required,pubkey"`
}

// ResetRequest is the body of POST /api/ratelimit/reset. Exactly one of
// Origin, PubKey and All selects the windows to clear.
type ResetRequest struct {
	Origin      string `json:"origin"      validate:"omitempty,ip,excluded_with=PubKey All"`
	PubKey      string `json:"pubkey"      validate:"omitempty,pubkey,excluded_with=All"`
	All         bool   `json:"all"         validate:"required_without_all=Origin PubKey"`
	AdminPubKey string `json:"adminPubkey" validate:"required,pubkey"`
}

// RateResetter clears event rate windows.
type RateResetter interface {
	ResetOrigin(origin string)
	ResetPubkey(pubkey string)
	ResetAll()
}

// CheckResponse answers GET /api/check-whitelist.
type CheckResponse struct {
	PubKey      string                 `json:"pubkey"`
	Whitelisted bool                   `json:"whitelisted"`
	Source      string                 `json:"source,omitempty"`
	Entry       *models.WhitelistEntry `json:"entry,omitempty"`
}

// ListResponse answers GET /api/whitelist/list.
type ListResponse struct {
	Entries []models.WhitelistEntry `json:"entries"`
	Total   int                     `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

// Options configures the admin API.
type Options struct {
	AdminPubKeys      []string
	RequestsPerSecond float64
	Burst             int
	TrustProxy        bool
	// Resets enables POST /api/ratelimit/reset when set.
	Resets RateResetter
}

// Handler provides the admin HTTP endpoints.
type Handler struct {
	provider   domain.WhitelistProvider
	authorizer *whitelist.Authorizer
	health     http.Handler
	resets     RateResetter
	admins     map[string]struct{}
	limiter    *RateLimiter
	errs       *apperrors.ErrorMiddleware
	validate   *validator.Validate
	now        func() time.Time
	logger     *zap.Logger
}

// NewHandler builds the admin API. health may be nil.
func NewHandler(opts Options, provider domain.WhitelistProvider, authorizer *whitelist.Authorizer, health http.Handler) *Handler {
	admins := make(map[string]struct{}, len(opts.AdminPubKeys))
	for _, pk := range opts.AdminPubKeys {
		admins[strings.ToLower(strings.TrimSpace(pk))] = struct{}{}
	}

	h := &Handler{
		provider:   provider,
		authorizer: authorizer,
		health:     health,
		resets:     opts.Resets,
		admins:     admins,
		limiter:    NewRateLimiter(opts.RequestsPerSecond, opts.Burst, opts.TrustProxy),
		errs:       apperrors.NewErrorMiddleware(),
		validate:   newValidator(),
		now:        time.Now,
		logger:     logger.New("web"),
	}
	if len(admins) == 0 {
		h.logger.Warn("No admin pubkeys configured: whitelist mutations are disabled")
	}
	return h
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("pubkey", func(fl validator.FieldLevel) bool {
		return pubkeyPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("cohort", func(fl validator.FieldLevel) bool {
		return cohortPattern.MatchString(fl.Field().String())
	})
	return v
}

// Routes returns the admin mux with its middleware stack applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	if h.health != nil {
		mux.Handle("GET /health", h.health)
	}
	mux.Handle("GET /api/check-whitelist", h.errs.Wrap(h.handleCheck))
	mux.Handle("GET /api/whitelist/list", h.errs.Wrap(h.handleList))
	mux.Handle("POST /api/whitelist/add", h.errs.Wrap(h.handleAdd))
	mux.Handle("POST /api/whitelist/update-cohorts", h.errs.Wrap(h.handleUpdateCohorts))
	if h.resets != nil {
		mux.Handle("POST /api/ratelimit/reset", h.errs.Wrap(h.handleResetRateLimits))
	}

	return Chain(mux,
		apperrors.RequestIDMiddleware,
		h.errs.RecoveryMiddleware,
		AccessLog,
		SecurityMiddleware(APISecurityHeaders()),
		h.limiter.Middleware(h.errs),
		ValidationMiddleware(APIInputValidation(), h.errs),
	)
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) error {
	pubkey := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("pubkey")))
	if err := h.validate.Var(pubkey, "required,pubkey"); err != nil {
		return apperrors.ValidationError("INVALID_PUBKEY", "pubkey must be 64 hex characters")
	}

	src, err := h.authorizer.Lookup(r.Context(), pubkey)
	if err != nil {
		return apperrors.DatabaseError("whitelist lookup", err)
	}
	resp := CheckResponse{PubKey: pubkey, Whitelisted: src != whitelist.SourceNone, Source: string(src)}
	if src == whitelist.SourceProvider {
		if entry, err := h.provider.Get(r.Context(), pubkey); err == nil {
			resp.Entry = &entry
		}
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		return apperrors.ValidationError("INVALID_LIMIT", "limit must be between 1 and 1000")
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		return apperrors.ValidationError("INVALID_OFFSET", "offset must not be negative")
	}
	cohort := strings.ToLower(strings.TrimSpace(q.Get("cohort")))
	if err := h.validate.Var(cohort, "omitempty,cohort"); err != nil {
		return apperrors.ValidationError("INVALID_COHORT", "invalid cohort name")
	}

	entries, total, err := h.provider.List(r.Context(), models.ListOptions{Limit: limit, Offset: offset, Cohort: cohort})
	if err != nil {
		return apperrors.DatabaseError("whitelist list", err)
	}
	return writeJSON(w, http.StatusOK, ListResponse{Entries: entries, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) error {
	var req AddRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	req.PubKey = strings.ToLower(req.PubKey)
	req.AdminPubKey = strings.ToLower(req.AdminPubKey)
	req.Cohorts = models.NormalizeCohorts(req.Cohorts)
	if err := h.check(&req, req.AdminPubKey, "modify the whitelist"); err != nil {
		return err
	}

	entry := models.WhitelistEntry{
		PubKey:  req.PubKey,
		Cohorts: req.Cohorts,
		AddedBy: req.AdminPubKey,
		AddedAt: h.now().UTC(),
	}
	switch err := h.provider.Add(r.Context(), entry); {
	case errors.Is(err, domain.ErrEntryExists):
		return apperrors.ConflictError("whitelist entry")
	case err != nil:
		return apperrors.DatabaseError("whitelist add", err)
	}

	h.logger.Info("Whitelist entry added",
		zap.String("pubkey", entry.PubKey),
		zap.Strings("cohorts", entry.Cohorts),
		zap.String("admin", entry.AddedBy))
	return writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleUpdateCohorts(w http.ResponseWriter, r *http.Request) error {
	var req UpdateCohortsRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	req.PubKey = strings.ToLower(req.PubKey)
	req.AdminPubKey = strings.ToLower(req.AdminPubKey)
	req.Cohorts = models.NormalizeCohorts(req.Cohorts)
	if err := h.check(&req, req.AdminPubKey, "modify the whitelist"); err != nil {
		return err
	}

	switch err := h.provider.UpdateCohorts(r.Context(), req.PubKey, req.Cohorts); {
	case errors.Is(err, domain.ErrEntryNotFound):
		return apperrors.NotFoundError("whitelist entry")
	case err != nil:
		return apperrors.DatabaseError("whitelist update", err)
	}

	h.logger.Info("Whitelist cohorts updated",
		zap.String("pubkey", req.PubKey),
		zap.Strings("cohorts", req.Cohorts),
		zap.String("admin", req.AdminPubKey))
	return writeJSON(w, http.StatusOK, map[string]any{"pubkey": req.PubKey, "cohorts": req.Cohorts})
}

func (h *Handler) handleResetRateLimits(w http.ResponseWriter, r *http.Request) error {
	var req ResetRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	req.Origin = strings.TrimSpace(req.Origin)
	req.PubKey = strings.ToLower(req.PubKey)
	req.AdminPubKey = strings.ToLower(req.AdminPubKey)
	if err := h.check(&req, req.AdminPubKey, "reset rate limits"); err != nil {
		return err
	}

	scope := "all"
	switch {
	case req.Origin != "":
		h.resets.ResetOrigin(req.Origin)
		scope = "origin"
	case req.PubKey != "":
		h.resets.ResetPubkey(req.PubKey)
		scope = "pubkey"
	default:
		h.resets.ResetAll()
	}

	h.logger.Info("Rate limits reset",
		zap.String("scope", scope),
		zap.String("origin", req.Origin),
		zap.String("pubkey", req.PubKey),
		zap.String("admin", req.AdminPubKey))
	return writeJSON(w, http.StatusOK, map[string]string{"reset": scope})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.ValidationError("INVALID_BODY", "request body must be a JSON object").WithDetails(err.Error())
	}
	return nil
}

// check validates a mutation body and then the admin claim, in that order.
func (h *Handler) check(req any, admin, action string) error {
	if err := h.validate.Struct(req); err != nil {
		return apperrors.ValidationError("INVALID_REQUEST", "request failed validation").WithDetails(describe(err))
	}
	if _, ok := h.admins[admin]; !ok {
		return apperrors.AuthorizationError(action, "adminPubkey is not an administrator")
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return apperrors.InternalError("failed to encode response", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
	return nil
}
