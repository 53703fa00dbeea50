package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"keyreg/internal/clients"
	"keyreg/internal/config"
	"keyreg/internal/metrics"
	"keyreg/internal/registry"
)

func newTestGateway(t *testing.T, yaml string, initializer registry.Initializer) *Gateway {
	t.Helper()
	path := writeTempConfig(t, yaml)

	manager := config.NewManager()
	if err := manager.LoadFromFile(path); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if initializer == nil {
		initializer = &clients.Prober{Endpoints: manager}
	}
	return &Gateway{
		Registry:  registry.New(manager, initializer),
		Endpoints: manager,
		Logger:    zap.NewNop(),
	}
}

func TestGatewayProxiesWithQueryKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images:annotate" {
			t.Errorf("unexpected upstream path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("key"); got != "k1" {
			t.Errorf("expected group key in query, got %q", got)
		}
		if got := r.URL.Query().Get("alt"); got != "json" {
			t.Errorf("expected caller query preserved, got %q", got)
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected Authorization header stripped, got %s", auth)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	gateway := newTestGateway(t, fmt.Sprintf(`
groups:
  - name: G1
    key: k1
    services: [vision]
    priority: 1
  - name: G2
    key: ""
    services: [vision]
    priority: 0
endpoints:
  - service: vision
    baseUrl: %s/v1
`, upstream.URL), nil)

	req := httptest.NewRequest(http.MethodPost, "/svc/vision/images:annotate?alt=json&key=attacker", nil)
	req.Header.Set("Authorization", "Bearer client-token")
	rr := httptest.NewRecorder()

	gateway.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "ok" {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	a := gateway.Registry.GetOrAssign("vision")
	if a.Group != "G1" || a.Status != registry.StatusActive {
		t.Fatalf("unexpected assignment after proxy: %+v", a)
	}
}

func TestGatewayProxiesWithHeaderKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Goog-Api-Key"); got != "gem-key" {
			t.Errorf("unexpected key header: %q", got)
		}
		if r.URL.Query().Has("key") {
			t.Errorf("key must not be sent as query in header mode")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	gateway := newTestGateway(t, fmt.Sprintf(`
groups:
  - name: ai
    key: gem-key
    services: [gemini]
endpoints:
  - service: gemini
    baseUrl: %s
    auth:
      mode: header
      name: x-goog-api-key
`, upstream.URL), nil)

	req := httptest.NewRequest(http.MethodPost, "/svc/gemini/models/gemini-pro:generateContent", nil)
	rr := httptest.NewRecorder()
	gateway.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}

func TestGatewayFailedServiceReturnsUnavailable(t *testing.T) {
	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
	}))
	defer upstream.Close()

	var attempts atomic.Int32
	failing := registry.InitializerFunc(func(context.Context, string, config.KeyGroup) error {
		attempts.Add(1)
		return errors.New("API key not valid")
	})

	gateway := newTestGateway(t, fmt.Sprintf(`
groups:
  - name: G1
    key: bad
    services: [speech]
endpoints:
  - service: speech
    baseUrl: %s
  - service: maps
    baseUrl: %s
`, upstream.URL, upstream.URL), failing)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		gateway.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/svc/speech/recognize", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "API key not valid") {
			t.Fatalf("expected captured error in body, got %s", rr.Body.String())
		}
	}
	if attempts.Load() != 1 {
		t.Fatalf("expected a single initialization attempt, got %d", attempts.Load())
	}

	rr := httptest.NewRecorder()
	gateway.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/svc/maps/geocode", nil))
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "no key available") {
		t.Fatalf("expected 503 no key available, got %d %s", rr.Code, rr.Body.String())
	}
	if upstreamHits.Load() != 0 {
		t.Fatalf("upstream must not be contacted for failed services")
	}
}

func TestGatewayUnknownServiceReturnsNotFound(t *testing.T) {
	gateway := newTestGateway(t, `
groups:
  - name: G1
    key: k1
    services: [vision]
endpoints:
  - service: vision
    baseUrl: https://vision.example.com
`, nil)

	for _, path := range []string{"/svc/unknown/foo", "/svc/", "/other/vision"} {
		rr := httptest.NewRecorder()
		gateway.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rr.Code)
		}
	}
	if len(gateway.Registry.Assignments()) != 0 {
		t.Fatalf("unknown endpoints must not create assignments")
	}
}

func TestGatewayUnknownServiceNotUsedAsMetricLabel(t *testing.T) {
	gateway := newTestGateway(t, `
groups:
  - name: G1
    key: k1
    services: [vision]
endpoints:
  - service: vision
    baseUrl: https://vision.example.com
`, nil)

	rr := httptest.NewRecorder()
	gateway.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/svc/made-up-service-7f3a/x", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()
	if strings.Contains(body, "made-up-service-7f3a") {
		t.Fatalf("unconfigured service name leaked into metric labels")
	}
	if !strings.Contains(body, `keyreg_requests_total{service="unknown",status_class="4xx"}`) {
		t.Fatalf("expected request counted under unknown service")
	}
}

func TestGatewayRequiresToken(t *testing.T) {
	gateway := newTestGateway(t, `
groups:
  - name: G1
    key: k1
    services: [vision]
endpoints:
  - service: vision
    baseUrl: https://vision.example.com
`, nil)
	gateway.Token = "app-token"

	cases := map[string]string{
		"missing": "",
		"wrong":   "Bearer nope",
		"scheme":  "Basic abc",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/svc/vision/x", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			gateway.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
}

func TestRequestIDMiddlewareReusesInbound(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "trace-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "trace-123" || rr.Header().Get(RequestIDHeader) != "trace-123" {
		t.Fatalf("expected inbound id reused, got ctx=%q header=%q", seen, rr.Header().Get(RequestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "bad id with spaces")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen == "bad id with spaces" || seen == "" {
		t.Fatalf("expected a fresh id, got %q", seen)
	}
}

func TestGatewayHotReloadKeepsAssignment(t *testing.T) {
	hits := make(chan string, 4)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.URL.Path + "|" + r.URL.Query().Get("key")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	table := `
groups:
  - name: %s
    key: %s
    services: [%s]
endpoints:
  - service: vision
    baseUrl: %s
  - service: translate
    baseUrl: %s
`
	path := writeTempConfig(t, fmt.Sprintf(table, "first", "first-key", "vision, translate", upstream.URL, upstream.URL))

	manager := config.NewManager()
	if err := manager.LoadFromFile(path); err != nil {
		t.Fatalf("load initial config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := config.WatchFile(ctx, manager, path, nil); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	gw := &Gateway{
		Registry:  registry.New(manager, &clients.Prober{Endpoints: manager}),
		Endpoints: manager,
		Logger:    zap.NewNop(),
	}
	mux := http.NewServeMux()
	mux.Handle("/svc/", RequestIDMiddleware(gw))
	mux.Handle("/metrics", metrics.Handler())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("serve: %v", err)
		}
	}()
	defer srv.Shutdown(context.Background())

	client := &http.Client{Timeout: 2 * time.Second}
	baseURL := "http://" + ln.Addr().String()

	get := func(p string) int {
		res, err := client.Get(baseURL + p)
		if err != nil {
			t.Fatalf("request %s: %v", p, err)
		}
		res.Body.Close()
		return res.StatusCode
	}

	if code := get("/svc/vision/a"); code != http.StatusOK {
		t.Fatalf("unexpected status: %d", code)
	}
	if hit := <-hits; hit != "/a|first-key" {
		t.Fatalf("unexpected upstream hit %s", hit)
	}

	updated := fmt.Sprintf(table, "second", "second-key", "vision, translate", upstream.URL, upstream.URL)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if g, ok := manager.ResolveGroupForService("translate"); ok && g.Name == "second" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	// vision keeps the group it was first bound to; translate sees the new table.
	get("/svc/vision/b")
	if hit := <-hits; hit != "/b|first-key" {
		t.Fatalf("expected cached group key, got %s", hit)
	}
	get("/svc/translate/c")
	if hit := <-hits; hit != "/c|second-key" {
		t.Fatalf("expected reloaded group key, got %s", hit)
	}

	metricsRes, err := client.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("fetch metrics: %v", err)
	}
	body, _ := io.ReadAll(metricsRes.Body)
	metricsRes.Body.Close()
	if !strings.Contains(string(body), "keyreg_requests_total") {
		t.Fatalf("metrics missing requests_total")
	}
}

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}
