package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func do(h http.Handler, method, path string, mod ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	for _, m := range mod {
		m(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func withHeader(key, value string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "none", incoming: ""},
		{name: "trace id", incoming: "dash-7f3a.42_b", keep: true},
		{name: "log injection", incoming: "abc\nlevel=error"},
		{name: "too long", incoming: strings.Repeat("a", 65)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestID(r.Context())
			}))
			w := do(h, "GET", "/api/v1/results", withHeader("X-Request-ID", tc.incoming))

			got := w.Header().Get("X-Request-ID")
			if got != seen {
				t.Errorf("header %q and context %q differ", got, seen)
			}
			if tc.keep {
				if got != tc.incoming {
					t.Errorf("X-Request-ID = %q, want %q", got, tc.incoming)
				}
				return
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("X-Request-ID = %q, want a generated UUID: %v", got, err)
			}
		})
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/healthz":                     "/healthz",
		"/api/v1/results":              "/api/v1/results",
		"/api/v1/results/srv1":         "/api/v1/results/{host}",
		"/api/v1/results/db-02.lan":    "/api/v1/results/{host}",
		"/api/v1/inventory/srv1":       "/api/v1/inventory/{host}",
		"/api/v1/hosts/srv1/check":     "/api/v1/hosts/{host}/check",
		"/api/v1/ws":                   "/api/v1/ws",
		"/api/v1/results/srv1/extra":   "unmatched",
		"/api/v1/hosts/srv1":           "unmatched",
		"/api/v1/hosts//check":         "unmatched",
		"/wp-login.php":                "unmatched",
		"/api/v1/inventory/":           "unmatched",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := LoggingMiddleware(zap.New(core), []string{"/healthz"})(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/check") {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))

	counter := httpRequestsTotal.WithLabelValues("GET", "/api/v1/results/{host}", "200")
	before := promtest.ToFloat64(counter)

	do(h, "GET", "/api/v1/results/srv1")
	do(h, "GET", "/api/v1/results/srv2")
	do(h, "POST", "/api/v1/hosts/srv1/check")
	do(h, "GET", "/healthz")

	if got := promtest.ToFloat64(counter) - before; got != 2 {
		t.Errorf("per-host results requests counted %v times under one route, want 2", got)
	}

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 3 {
		t.Fatalf("logged %d requests, want 3 (healthz is quiet)", len(entries))
	}
	if route := entries[0].ContextMap()["route"]; route != "/api/v1/results/{host}" {
		t.Errorf("route field = %v", route)
	}
	if entries[2].Level != zapcore.WarnLevel {
		t.Errorf("502 logged at %v, want warn", entries[2].Level)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	h := SecurityHeadersMiddleware(okHandler)

	api := do(h, "GET", "/api/v1/results/srv1")
	for header, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	} {
		if got := api.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}

	if got := do(h, "GET", "/metrics").Header().Get("Cache-Control"); got != "" {
		t.Errorf("metrics Cache-Control = %q, want unset", got)
	}
}

func TestVersionHeaderMiddleware(t *testing.T) {
	w := do(VersionHeaderMiddleware(okHandler), "GET", "/api/v1/plugins")
	if w.Header().Get("X-Vigil-Version") == "" {
		t.Error("expected X-Vigil-Version header")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("evaluation exploded")
	}))

	w := do(h, "GET", "/api/v1/results/srv1")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/problem+json") {
		t.Errorf("Content-Type = %q, want problem JSON", ct)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("expected one panic log entry")
	}
}

func TestRecoveryMiddleware_AbortHandlerPropagates(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		rec := recover()
		err, ok := rec.(error)
		if !ok || !errors.Is(err, http.ErrAbortHandler) {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	do(h, "GET", "/api/v1/ws")
	t.Error("ErrAbortHandler was swallowed")
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(1, 2, false)(okHandler)

	for i := range 2 {
		if w := do(h, "GET", "/api/v1/results/srv1"); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
	w := do(h, "GET", "/api/v1/results/srv1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over burst status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}

	// Another client has its own bucket.
	other := do(h, "GET", "/api/v1/results", func(r *http.Request) { r.RemoteAddr = "10.0.0.9:4000" })
	if other.Code != http.StatusOK {
		t.Errorf("second client status = %d, want 200", other.Code)
	}

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/api/v1/ws"} {
		if w := do(h, "GET", path); w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want unlimited", path, w.Code)
		}
	}
}

func TestRateLimitMiddleware_ForwardedFor(t *testing.T) {
	spoof := func(i int) func(*http.Request) {
		return withHeader("X-Forwarded-For", "203.0.113."+string(rune('1'+i)))
	}

	// Without a trusted proxy, rotating the header does not buy new buckets.
	direct := RateLimitMiddleware(1, 1, false)(okHandler)
	do(direct, "GET", "/api/v1/results", spoof(0))
	if w := do(direct, "GET", "/api/v1/results", spoof(1)); w.Code != http.StatusTooManyRequests {
		t.Errorf("spoofed header status = %d, want 429", w.Code)
	}

	proxied := RateLimitMiddleware(1, 1, true)(okHandler)
	do(proxied, "GET", "/api/v1/results", spoof(0))
	if w := do(proxied, "GET", "/api/v1/results", spoof(1)); w.Code != http.StatusOK {
		t.Errorf("distinct forwarded client status = %d, want 200", w.Code)
	}
}

func TestClientLimiter_SweepsIdleClients(t *testing.T) {
	l := newClientLimiter(rate.Limit(1), 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.allow("10.0.0.1")
	l.allow("10.0.0.2")
	now = now.Add(idleAfter)
	l.allow("10.0.0.2")

	if _, ok := l.clients["10.0.0.1"]; ok {
		t.Error("idle client was not swept")
	}
	if len(l.clients) != 1 {
		t.Errorf("clients = %d, want 1", len(l.clients))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		trustProxy bool
		want       string
	}{
		{name: "peer", remote: "192.168.1.10:12345", want: "192.168.1.10"},
		{name: "header ignored", remote: "192.168.1.10:12345", xff: "10.0.0.1", want: "192.168.1.10"},
		{name: "proxy hop", remote: "127.0.0.1:8000", xff: "198.51.100.7, 10.0.0.1", trustProxy: true, want: "10.0.0.1"},
		{name: "empty last hop", remote: "127.0.0.1:8000", xff: "10.0.0.1, ", trustProxy: true, want: "127.0.0.1"},
		{name: "no port", remote: "unix", want: "unix"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/results", http.NoBody)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := clientIP(req, tc.trustProxy); got != tc.want {
				t.Errorf("clientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	do(Chain(okHandler, mark("recovery"), mark("request-id"), mark("auth")), "GET", "/api/v1/plugins")

	if got := strings.Join(order, ","); got != "recovery,request-id,auth" {
		t.Errorf("order = %s, want outermost first", got)
	}
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusInternalServerError)
	if sw.status != http.StatusAccepted {
		t.Errorf("status = %d, want first code %d", sw.status, http.StatusAccepted)
	}

	// The event stream upgrade reaches the underlying writer through Unwrap.
	if err := http.NewResponseController(sw).Flush(); err != nil {
		t.Errorf("Flush through statusWriter: %v", err)
	}
	if !rec.Flushed {
		t.Error("underlying recorder was not flushed")
	}
}
