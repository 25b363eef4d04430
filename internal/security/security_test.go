package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wiremesh/chatcore/core"
)

func testCfg() core.Config {
	return core.Config{
		GeneralRateLimitPerMinute: 120,
		GeneralRateLimitBurst:     2,
		UploadRateLimitPerMinute:  60,
		UploadRateLimitBurst:      1,
		HealthRateLimitPerMinute:  600,
		HealthRateLimitBurst:      2,
		PrivateNetworkSkipList:        []string{"127.0.0.0/8", "10.0.0.0/8"},
		ChannelIDFailureThreshold:     3,
		ChannelIDFailureWindowSeconds: 60,
		MaxFileSizeBytes:              1024,
		AllowedUploadMIMETypes:        []string{"image/png", "text/plain"},
	}
}

func TestTierLimiterAllowsUpToBurstThenBlocks(t *testing.T) {
	l := NewTierLimiter(TierConfig{RequestsPerMinute: 60, Burst: 2})
	require.True(t, l.Allow("client-a"))
	require.True(t, l.Allow("client-a"))
	require.False(t, l.Allow("client-a"))
}

func TestTierLimiterKeysAreIndependent(t *testing.T) {
	l := NewTierLimiter(TierConfig{RequestsPerMinute: 60, Burst: 1})
	require.True(t, l.Allow("client-a"))
	require.True(t, l.Allow("client-b"))
	require.False(t, l.Allow("client-a"))
}

func TestGeneralMiddlewareRejectsOverBurst(t *testing.T) {
	limiters := NewLimiters(testCfg(), &core.NoOpLogger{})
	handler := limiters.GeneralMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/messaging/test", nil)
	req.RemoteAddr = "203.0.113.5:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)

	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, req)
	require.Equal(t, http.StatusTooManyRequests, rec3.Code)
}

func TestHealthMiddlewareSkipsPrivateNetwork(t *testing.T) {
	limiters := NewLimiters(testCfg(), &core.NoOpLogger{})
	handler := limiters.HealthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "127.0.0.1:9999"

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestHealthMiddlewareLimitsPublicCaller(t *testing.T) {
	cfg := testCfg()
	cfg.HealthRateLimitBurst = 1
	limiters := NewLimiters(cfg, &core.NoOpLogger{})
	handler := limiters.HealthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.9:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestChannelIDFailureCounterBlocksAfterThreshold(t *testing.T) {
	c := NewChannelIDFailureCounter(3, time.Minute)
	require.False(t, c.RecordFailure("caller-a"))
	require.False(t, c.RecordFailure("caller-a"))
	require.False(t, c.RecordFailure("caller-a"))
	require.True(t, c.RecordFailure("caller-a"))
	require.True(t, c.IsBlocked("caller-a"))
}

func TestChannelIDFailureCounterIsolatesKeys(t *testing.T) {
	c := NewChannelIDFailureCounter(1, time.Minute)
	require.False(t, c.RecordFailure("caller-a"))
	require.False(t, c.IsBlocked("caller-b"))
}

func TestHeadersMiddlewareSetsDefaults(t *testing.T) {
	handler := HeadersMiddleware(HeadersConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	cfg := HeadersConfig{CORS: CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}}
	handler := HeadersMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSAllowsWildcardSubdomain(t *testing.T) {
	require.True(t, originAllowed([]string{"*.example.com"}, "https://sub.example.com"))
	require.False(t, originAllowed([]string{"*.example.com"}, "https://evil.com"))
}

func TestCORSPreflightRespondsOK(t *testing.T) {
	cfg := HeadersConfig{CORS: CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}}
	called := false
	handler := HeadersMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, called)
}

func TestAPIKeyMiddlewareDisabledWhenTokenEmpty(t *testing.T) {
	handler := APIKeyMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyMiddlewareRejectsMissingKey(t *testing.T) {
	handler := APIKeyMiddleware("secret-token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyMiddlewareAcceptsHeaderOrBearer(t *testing.T) {
	handler := APIKeyMiddleware("secret-token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodGet, "/", nil)
	req1.Header.Set("X-API-Key", "secret-token")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Header.Set("Authorization", "Bearer secret-token")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestValidateUploadRejectsOversizedFile(t *testing.T) {
	cfg := UploadConfig{MaxFileSizeBytes: 1024, AllowedMIMETypes: []string{"image/png"}}
	err := ValidateUpload(context.Background(), cfg, "photo.png", 2048, "image/png")
	require.Error(t, err)
}

func TestValidateUploadRejectsDisallowedMIME(t *testing.T) {
	cfg := UploadConfig{MaxFileSizeBytes: 1024, AllowedMIMETypes: []string{"image/png"}}
	err := ValidateUpload(context.Background(), cfg, "payload.exe", 10, "application/x-msdownload")
	require.Error(t, err)
}

func TestValidateUploadRejectsPathTraversal(t *testing.T) {
	cfg := UploadConfig{MaxFileSizeBytes: 1024, AllowedMIMETypes: []string{"image/png"}}
	err := ValidateUpload(context.Background(), cfg, "../../etc/passwd", 10, "image/png")
	require.Error(t, err)

	err = ValidateUpload(context.Background(), cfg, "sub/dir/file.png", 10, "image/png")
	require.Error(t, err)
}

func TestValidateUploadAcceptsWellFormedFile(t *testing.T) {
	cfg := UploadConfig{MaxFileSizeBytes: 1024, AllowedMIMETypes: []string{"image/png"}}
	err := ValidateUpload(context.Background(), cfg, "avatar.png", 512, "image/png; charset=binary")
	require.NoError(t, err)
}
