package handler

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ferrygo/ferry/internal/config"
	"github.com/ferrygo/ferry/internal/forward"
	"github.com/ferrygo/ferry/internal/router"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("parse url %q: %v", s, err)
	}
	return u
}

func newGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	return New(router.New(cfg), forward.NewDefaultRegistry(), zerolog.Nop(), cfg)
}

func TestGateway_ForwardBasics(t *testing.T) {
	var seenHost, seenConn, seenUpgrade, seenXFP, seenXFF string
	var seenBody []byte
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		seenConn = r.Header.Get("Connection")
		seenUpgrade = r.Header.Get("Upgrade")
		seenXFP = r.Header.Get("X-Forwarded-Proto")
		seenXFF = r.Header.Get("X-Forwarded-For")
		seenBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Up", "ok")
		w.WriteHeader(200)
		_, _ = w.Write(seenBody) // echo
	}))
	defer up.Close()
	upURL := mustURL(t, up.URL)

	cfg := &config.Config{
		Upstreams: []config.Upstream{{Host: "api.example.com", Target: upURL}},
	}
	gw := newGateway(t, cfg)

	req := httptest.NewRequest("POST", "http://gw.local/v1/echo?x=1", bytes.NewReader([]byte("payload")))
	req.Host = "api.example.com"
	req.RemoteAddr = "203.0.113.10:54321"
	// hop-by-hop on purpose; should be removed
	req.Header.Set("Connection", "keep-alive, FooHop")
	req.Header.Set("FooHop", "1")

	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)
	res := rr.Result()
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", res.StatusCode)
	}
	if res.Header.Get("X-Up") != "ok" {
		t.Fatalf("upstream response headers not relayed")
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "payload" {
		t.Fatalf("body round trip: got %q", body)
	}
	// default host policy: upstream sees its own canonical host
	if seenHost != upURL.Host {
		t.Fatalf("upstream Host: got %q, want %q", seenHost, upURL.Host)
	}
	if string(seenBody) != "payload" {
		t.Fatalf("upstream body: got %q", seenBody)
	}
	if seenConn != "" || seenUpgrade != "" {
		t.Fatalf("hop-by-hop leaked: Connection=%q Upgrade=%q", seenConn, seenUpgrade)
	}
	if seenXFP != "http" {
		t.Fatalf("X-Forwarded-Proto: got %q", seenXFP)
	}
	if seenXFF != "203.0.113.10" {
		t.Fatalf("X-Forwarded-For: got %q", seenXFF)
	}
}

func TestGateway_PreserveHost(t *testing.T) {
	var seenHost string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		w.WriteHeader(204)
	}))
	defer up.Close()

	cfg := &config.Config{
		Upstreams: []config.Upstream{{
			Host:         "app.example.com",
			Target:       mustURL(t, up.URL),
			PreserveHost: true,
		}},
	}
	gw := newGateway(t, cfg)

	req := httptest.NewRequest("GET", "http://gw.local/", nil)
	req.Host = "app.example.com"
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != 204 {
		t.Fatalf("status: got %d", rr.Code)
	}
	if seenHost != "app.example.com" {
		t.Fatalf("preserve_host: upstream saw %q", seenHost)
	}
}

func TestGateway_NoMatch404(t *testing.T) {
	cfg := &config.Config{
		Upstreams: []config.Upstream{{Host: "api.example.com", Target: mustURL(t, "http://127.0.0.1:1")}},
	}
	gw := newGateway(t, cfg)

	req := httptest.NewRequest("GET", "http://gw.local/", nil)
	req.Host = "unknown.example.com"
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != 404 {
		t.Fatalf("status: got %d, want 404", rr.Code)
	}
}

func TestGateway_UpstreamDown502(t *testing.T) {
	// grab a port and close it so the dial is refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := ln.Addr().String()
	_ = ln.Close()

	cfg := &config.Config{
		Upstreams: []config.Upstream{{Host: "api.example.com", Target: mustURL(t, "http://"+deadAddr)}},
	}
	gw := newGateway(t, cfg)

	req := httptest.NewRequest("GET", "http://gw.local/", nil)
	req.Host = "api.example.com"
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != 502 {
		t.Fatalf("status: got %d, want 502", rr.Code)
	}
}

func TestGateway_StaticBeforeUpstream(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("js"), 0o644); err != nil {
		t.Fatal(err)
	}
	upstreamHit := false
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
	}))
	defer up.Close()

	cfg := &config.Config{
		Statics:   []config.StaticMount{{PathPrefix: "/assets/", Dir: dir}},
		Upstreams: []config.Upstream{{Host: "api.example.com", Target: mustURL(t, up.URL)}},
	}
	gw := newGateway(t, cfg)

	req := httptest.NewRequest("GET", "http://gw.local/assets/app.js", nil)
	req.Host = "api.example.com"
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != 200 || rr.Body.String() != "js" {
		t.Fatalf("static not served: code=%d body=%q", rr.Code, rr.Body.String())
	}
	if upstreamHit {
		t.Fatal("upstream was contacted for a static path")
	}
}

func TestGateway_RateLimit429(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer up.Close()

	cfg := &config.Config{
		Upstreams: []config.Upstream{{
			Host:      "api.example.com",
			Target:    mustURL(t, up.URL),
			RateLimit: &config.RateLimit{RequestsPerSecond: 1, Burst: 2},
		}},
	}
	gw := newGateway(t, cfg)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "http://gw.local/", nil)
		req.Host = "api.example.com"
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Fatalf("codes: got %v, want [200 200 429]", codes)
	}
}

func TestGateway_OperationalEndpoints(t *testing.T) {
	cfg := &config.Config{
		MetricsPath: "/metrics",
		HealthPath:  "/healthz",
	}
	gw := newGateway(t, cfg)

	req := httptest.NewRequest("GET", "http://gw.local/healthz", nil)
	req.Host = "anything.local"
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)
	if rr.Code != 200 || rr.Body.String() != "ok" {
		t.Fatalf("healthz: code=%d body=%q", rr.Code, rr.Body.String())
	}

	// a counted request, then scrape
	nf := httptest.NewRequest("GET", "http://gw.local/nope", nil)
	nf.Host = "nowhere.local"
	gw.ServeHTTP(httptest.NewRecorder(), nf)

	req = httptest.NewRequest("GET", "http://gw.local/metrics", nil)
	rr = httptest.NewRecorder()
	gw.ServeHTTP(rr, req)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "requests_total") {
		t.Fatalf("metrics scrape: code=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestGateway_AccessLogEmitted(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{
		AccessLog: config.AccessLog{Enabled: true, Sampling: 1.0},
	}
	gw := New(router.New(cfg), forward.NewDefaultRegistry(), zerolog.New(&buf), cfg)

	req := httptest.NewRequest("GET", "http://gw.local/none", nil)
	req.Host = "nowhere.local"
	gw.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{`"status":404`, `"kind":"none"`, `"path":"/none"`} {
		if !strings.Contains(out, want) {
			t.Errorf("access log missing %s:\n%s", want, out)
		}
	}
}
