package web

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/Shugur-Network/gated-relay/internal/errors"
	"github.com/Shugur-Network/gated-relay/internal/logger"
	"github.com/Shugur-Network/gated-relay/internal/relay"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SecurityHeaders defines the security headers to be applied to responses
type SecurityHeaders struct {
	CSP                 string
	XContentTypeOptions string
	ReferrerPolicy      string
	CacheControl        string
}

// APISecurityHeaders returns security headers for JSON endpoints.
// Transport level headers such as HSTS are left to the fronting proxy.
func APISecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
		CacheControl:        "no-store",
	}
}

// Apply applies the security headers directly to a ResponseWriter
func (sh *SecurityHeaders) Apply(w http.ResponseWriter) {
	set := func(name, value string) {
		if value != "" {
			w.Header().Set(name, value)
		}
	}
	set("Content-Security-Policy", sh.CSP)
	set("X-Content-Type-Options", sh.XContentTypeOptions)
	set("Referrer-Policy", sh.ReferrerPolicy)
	set("Cache-Control", sh.CacheControl)
}

// SecurityMiddleware wraps an http.Handler with security headers
func SecurityMiddleware(headers *SecurityHeaders) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers.Apply(w)
			next.ServeHTTP(w, r)
		})
	}
}

// InputValidation bounds the size and shape of incoming requests before
// they reach a handler.
type InputValidation struct {
	MaxPathLength   int
	MaxQueryLength  int
	MaxHeaderLength int
	// AllowedQueryParams whitelist of allowed query parameter names
	AllowedQueryParams map[string]bool
}

// APIInputValidation returns the limits used by the admin API.
func APIInputValidation() *InputValidation {
	return &InputValidation{
		MaxPathLength:   256,
		MaxQueryLength:  1024,
		MaxHeaderLength: 4096,
		AllowedQueryParams: map[string]bool{
			"pubkey": true,
			"limit":  true,
			"offset": true,
			"cohort": true,
		},
	}
}

// ValidateRequest validates an HTTP request against the input validation rules
func (iv *InputValidation) ValidateRequest(r *http.Request) *apperrors.AppError {
	if len(r.URL.Path) > iv.MaxPathLength {
		return apperrors.ValidationError("PATH_TOO_LONG", "request path too long")
	}
	if len(r.URL.RawQuery) > iv.MaxQueryLength {
		return apperrors.ValidationError("QUERY_TOO_LONG", "query string too long")
	}
	for param := range r.URL.Query() {
		if !iv.AllowedQueryParams[param] {
			return apperrors.ValidationError("UNKNOWN_QUERY_PARAM", "unknown query parameter").WithDetails(param)
		}
	}
	for name, values := range r.Header {
		for _, value := range values {
			if len(value) > iv.MaxHeaderLength {
				return apperrors.ValidationError("HEADER_TOO_LONG", "header value too long").WithDetails(name)
			}
		}
	}
	for _, name := range []string{"Host", "X-Forwarded-For", "X-Real-IP", "User-Agent"} {
		if value := r.Header.Get(name); value != "" {
			if !utf8.ValidString(value) || strings.ContainsAny(value, "\x00\r\n") {
				return apperrors.ValidationError("INVALID_HEADER", "invalid header value").WithDetails(name)
			}
		}
	}
	return nil
}

// ValidationMiddleware wraps an http.Handler with input validation
func ValidationMiddleware(validation *InputValidation, em *apperrors.ErrorMiddleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := validation.ValidateRequest(r); err != nil {
				em.HandleError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// visitorTTL is how long an idle client keeps its token bucket.
const visitorTTL = 3 * time.Minute

// RateLimiter hands every client address its own token bucket.
type RateLimiter struct {
	limit      rate.Limit
	burst      int
	trustProxy bool
	visitors   *lru.LRU[string, *rate.Limiter]
}

// NewRateLimiter allows rps requests per second per client with the given burst.
func NewRateLimiter(rps float64, burst int, trustProxy bool) *RateLimiter {
	return &RateLimiter{
		limit:      rate.Limit(rps),
		burst:      burst,
		trustProxy: trustProxy,
		visitors:   lru.NewLRU[string, *rate.Limiter](10000, nil, visitorTTL),
	}
}

// Allow reports whether ip may make another request now.
func (rl *RateLimiter) Allow(ip string) bool {
	lim, ok := rl.visitors.Get(ip)
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.visitors.Add(ip, lim)
	}
	return lim.Allow()
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(em *apperrors.ErrorMiddleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(relay.ClientIP(r, rl.trustProxy)) {
				w.Header().Set("Retry-After", "1")
				em.HandleError(w, r, apperrors.RateLimitError("admin api"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// AccessLog logs every request at debug level.
func AccessLog(next http.Handler) http.Handler {
	log := logger.New("web")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", apperrors.RequestID(r.Context())))
	})
}

// Chain applies middlewares so the first one listed runs first.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
