// Package security implements the module's cross-cutting HTTP defenses:
// tiered rate limiting, security headers/CORS, the API-key gate, and the
// upload validation checks spec §5 describes. It is grounded on the
// teacher's ui/security package, generalized from a ui.Transport-wrapping
// shape (this module has no such abstraction) to plain net/http
// middleware mounted by internal/httpapi.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/apierr"
)

// TierConfig bounds one rate-limiting tier: requests per minute plus a
// burst allowance, translated into a golang.org/x/time/rate.Limiter per
// client key.
type TierConfig struct {
	RequestsPerMinute int
	Burst             int
}

// TierLimiter lazily creates one rate.Limiter per client key and reuses
// it for the life of the process, grounded on the teacher's
// InMemoryRateLimiter's per-key bucket shape but backed by
// golang.org/x/time/rate instead of a hand-rolled fixed window.
type TierLimiter struct {
	limiters sync.Map // key -> *rate.Limiter
	cfg      TierConfig
}

// NewTierLimiter constructs a TierLimiter for one rate-limiting tier.
func NewTierLimiter(cfg TierConfig) *TierLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	return &TierLimiter{cfg: cfg}
}

func (t *TierLimiter) limiterFor(key string) *rate.Limiter {
	if existing, ok := t.limiters.Load(key); ok {
		return existing.(*rate.Limiter)
	}
	limit := rate.Limit(float64(t.cfg.RequestsPerMinute) / 60.0)
	l := rate.NewLimiter(limit, t.cfg.Burst)
	actual, _ := t.limiters.LoadOrStore(key, l)
	return actual.(*rate.Limiter)
}

// Allow reports whether one request for key may proceed right now.
func (t *TierLimiter) Allow(key string) bool {
	return t.limiterFor(key).Allow()
}

// Limiters bundles the three rate-limiting tiers spec §5 names, plus the
// private-network skip list the health tier applies.
type Limiters struct {
	General *TierLimiter
	Upload  *TierLimiter
	Health  *TierLimiter

	privateNets []*net.IPNet
	logger      core.Logger
}

// NewLimiters constructs the general/upload/health tiers from cfg.
func NewLimiters(cfg core.Config, logger core.Logger) *Limiters {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	nets := make([]*net.IPNet, 0, len(cfg.PrivateNetworkSkipList))
	for _, cidr := range cfg.PrivateNetworkSkipList {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		} else {
			logger.Warn("security: ignoring malformed private network CIDR", map[string]interface{}{"cidr": cidr})
		}
	}
	return &Limiters{
		General:     NewTierLimiter(TierConfig{RequestsPerMinute: cfg.GeneralRateLimitPerMinute, Burst: cfg.GeneralRateLimitBurst}),
		Upload:      NewTierLimiter(TierConfig{RequestsPerMinute: cfg.UploadRateLimitPerMinute, Burst: cfg.UploadRateLimitBurst}),
		Health:      NewTierLimiter(TierConfig{RequestsPerMinute: cfg.HealthRateLimitPerMinute, Burst: cfg.HealthRateLimitBurst}),
		privateNets: nets,
		logger:      logger,
	}
}

func (l *Limiters) isPrivateNetwork(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range l.privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientKey extracts the client identity a rate limiter keys on,
// preferring the left-most X-Forwarded-For hop over RemoteAddr.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	return r.RemoteAddr
}

func rateLimitMiddleware(limiter *TierLimiter, errCode apierr.Code) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if !limiter.Allow(key) {
				writeErrorEnvelope(w, apierr.New(errCode, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GeneralMiddleware rate-limits the general API surface per client key.
func (l *Limiters) GeneralMiddleware(next http.Handler) http.Handler {
	return rateLimitMiddleware(l.General, apierr.CodeRateLimitExceeded)(next)
}

// UploadMiddleware rate-limits upload/file operations more strictly.
func (l *Limiters) UploadMiddleware(next http.Handler) http.Handler {
	return rateLimitMiddleware(l.Upload, apierr.CodeUploadRateLimitExceeded)(next)
}

// HealthMiddleware applies a lenient limit to health endpoints, skipping
// the check entirely for callers on a private network.
func (l *Limiters) HealthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.isPrivateNetwork(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		rateLimitMiddleware(l.Health, apierr.CodeRateLimitExceeded)(next).ServeHTTP(w, r)
	})
}

// ChannelIDFailureCounter is a fixed-window bucket counting only failed
// channel-id validations per client key, grounded on the teacher's
// InMemoryRateLimiter bucket shape (count + resetTime under a per-bucket
// mutex) but intentionally blind to successful validations, so ordinary
// traffic is never punished for the failure tally alone.
type ChannelIDFailureCounter struct {
	buckets   sync.Map // key -> *failureBucket
	threshold int
	window    time.Duration
}

type failureBucket struct {
	mu        sync.Mutex
	count     int
	resetTime time.Time
}

// NewChannelIDFailureCounter constructs a counter bounded by threshold
// failures per window.
func NewChannelIDFailureCounter(threshold int, window time.Duration) *ChannelIDFailureCounter {
	if threshold <= 0 {
		threshold = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	return &ChannelIDFailureCounter{threshold: threshold, window: window}
}

// RecordFailure registers one failed channel-id validation for key and
// reports whether key has now exceeded the threshold within the window.
func (c *ChannelIDFailureCounter) RecordFailure(key string) (blocked bool) {
	now := time.Now()
	bucketInterface, _ := c.buckets.LoadOrStore(key, &failureBucket{resetTime: now.Add(c.window)})
	bucket := bucketInterface.(*failureBucket)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	if now.After(bucket.resetTime) {
		bucket.count = 0
		bucket.resetTime = now.Add(c.window)
	}
	bucket.count++
	return bucket.count > c.threshold
}

// IsBlocked reports key's current state without recording a failure.
func (c *ChannelIDFailureCounter) IsBlocked(key string) bool {
	bucketInterface, ok := c.buckets.Load(key)
	if !ok {
		return false
	}
	bucket := bucketInterface.(*failureBucket)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	if time.Now().After(bucket.resetTime) {
		return false
	}
	return bucket.count > c.threshold
}

// HeadersConfig configures the security-header and CORS middleware.
type HeadersConfig struct {
	Headers map[string]string
	CORS    CORSConfig
}

// CORSConfig mirrors the teacher's CORSConfig shape.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// DefaultSecurityHeaders mirrors the teacher's OWASP-recommended default
// header set.
func DefaultSecurityHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}
}

// HeadersMiddleware applies the configured security headers to every
// response and handles CORS (including OPTIONS preflight), per the
// teacher's SecurityHeadersTransport generalized to plain middleware.
func HeadersMiddleware(cfg HeadersConfig) func(http.Handler) http.Handler {
	headers := cfg.Headers
	if headers == nil {
		headers = DefaultSecurityHeaders()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			if handled := handleCORS(w, r, cfg.CORS); handled {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleCORS(w http.ResponseWriter, r *http.Request, cfg CORSConfig) bool {
	if len(cfg.AllowedOrigins) == 0 {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if !originAllowed(cfg.AllowedOrigins, origin) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return true
		}
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	if cfg.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
		w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", cfg.MaxAgeSeconds))
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.HasPrefix(a, "*.") {
			suffix := a[1:] // keep the leading dot
			if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}

// APIKeyMiddleware rejects requests missing a valid API key whenever
// token is non-empty; an empty token disables the gate entirely (no
// SERVER_AUTH_TOKEN configured). Checked against both `X-API-Key` and a
// `Bearer` Authorization header, matching the two conventions spec §6's
// socket handshake (`apiKey`) and HTTP surface (`Authorization`) use.
func APIKeyMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-API-Key")
			if provided == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					provided = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if provided != token {
				writeErrorEnvelope(w, apierr.New(apierr.CodeMissingAPIKey, "missing or invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeErrorEnvelope(w http.ResponseWriter, err *apierr.Error) {
	status, envelope := apierr.ToEnvelope(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}

// UploadConfig bounds what upload-media accepts, per spec §5.
type UploadConfig struct {
	MaxFileSizeBytes int64
	AllowedMIMETypes []string
}

// ValidateUpload checks a candidate upload's filename, declared size,
// and MIME type against cfg, per spec §5: size cap, MIME allow-list,
// and filename sanitization (no path separators, no "..").
func ValidateUpload(ctx context.Context, cfg UploadConfig, filename string, size int64, mimeType string) error {
	if size > cfg.MaxFileSizeBytes {
		return apierr.New(apierr.CodeContentTooLarge, fmt.Sprintf("file exceeds the %d byte limit", cfg.MaxFileSizeBytes))
	}
	if strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") || filepath.Clean(filename) != filename {
		return apierr.New(apierr.CodeInvalidContentType, "filename must not contain path separators or '..'")
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = mimeType
	}
	for _, allowed := range cfg.AllowedMIMETypes {
		if strings.EqualFold(allowed, mediaType) {
			return nil
		}
	}
	return apierr.New(apierr.CodeInvalidContentType, fmt.Sprintf("mime type %q is not allowed", mediaType))
}
