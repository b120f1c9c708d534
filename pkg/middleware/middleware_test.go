package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/wyfcoding/papertrading/pkg/metrics"
)

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/me", func(c *gin.Context) {
		id, _ := CurrentUserID(c)
		c.String(http.StatusOK, id)
	})
	return r
}

func get(r http.Handler, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	key := []byte("k1")
	r := newEngine(JWTAuth("k1"))

	good, err := SignToken("alice", key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if w := get(r, "Bearer "+good); w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Errorf("valid token: %d %q", w.Code, w.Body.String())
	}

	wrongKey, _ := SignToken("alice", []byte("other"))
	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"id": "alice"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	noID, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "x"}).SignedString(key)

	for name, header := range map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"empty":      "Bearer ",
		"wrong key":  "Bearer " + wrongKey,
		"alg none":   "Bearer " + unsigned,
		"no user id": "Bearer " + noID,
		"garbage":    "Bearer abc.def.ghi",
	} {
		if w := get(r, header); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, w.Code)
		}
	}
}

func TestParseUserID_Claims(t *testing.T) {
	key := []byte("k")
	numeric, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"id": 42}).SignedString(key)
	if id, err := ParseUserID(numeric, key); err != nil || id != "42" {
		t.Errorf("numeric id = %q, %v", id, err)
	}
	sub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "bob"}).SignedString(key)
	if id, err := ParseUserID(sub, key); err != nil || id != "bob" {
		t.Errorf("sub = %q, %v", id, err)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	r := newEngine(RateLimitMiddleware(NewIPRateLimiter(1, 2)))

	for i := range 2 {
		if w := get(r, ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	w := get(r, "")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Errorf("third request: %d retry-after=%q", w.Code, w.Header().Get("Retry-After"))
	}
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 1)
	if !l.Allow("1.1.1.1") || l.Allow("1.1.1.1") {
		t.Error("second immediate request from the same IP should be limited")
	}
	if !l.Allow("2.2.2.2") {
		t.Error("different IPs have separate buckets")
	}

	unlimited := NewIPRateLimiter(0, 0)
	for range 100 {
		if !unlimited.Allow("1.1.1.1") {
			t.Fatal("qps <= 0 should disable limiting")
		}
	}
}

func TestGinMiddlewares(t *testing.T) {
	m := metrics.New("test")
	r := newEngine(GinRecoveryMiddleware(), GinLoggingMiddleware(), GinCORSMiddleware(), GinMetricsMiddleware(m))
	r.GET("/panic", func(*gin.Context) { panic("boom") })

	w := get(r, "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("request id header not set")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	pw := httptest.NewRecorder()
	r.ServeHTTP(pw, req)
	if pw.Code != http.StatusInternalServerError {
		t.Errorf("panic status = %d", pw.Code)
	}

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/me", "200")); got != 1 {
		t.Errorf("requests counted = %v", got)
	}
}
