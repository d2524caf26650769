package handler

import (
	"bufio"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferrygo/ferry/internal/config"
	"github.com/ferrygo/ferry/internal/forward"
	"github.com/ferrygo/ferry/internal/metrics"
	"github.com/ferrygo/ferry/internal/ratelimit"
	"github.com/ferrygo/ferry/internal/router"
	"github.com/ferrygo/ferry/internal/static"
)

// Gateway dispatches each request to a static mount or an upstream based
// on the routing table. All fields are set once at startup; request
// handling shares them read-only.
type Gateway struct {
	Table      *router.Table
	Transports forward.Factory
	Limits     *ratelimit.Limiter
	Metrics    *metrics.Registry // nil disables
	Log        zerolog.Logger
	AccessLog  config.AccessLog

	MetricsPath string // empty disables
	HealthPath  string // empty disables
}

func New(tbl *router.Table, f forward.Factory, log zerolog.Logger, cfg *config.Config) *Gateway {
	return &Gateway{
		Table:       tbl,
		Transports:  f,
		Limits:      ratelimit.New(),
		Metrics:     metrics.NewRegistry(),
		Log:         log,
		AccessLog:   cfg.AccessLog,
		MetricsPath: cfg.MetricsPath,
		HealthPath:  cfg.HealthPath,
	}
}

var _ http.Handler = (*Gateway)(nil)

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// operational endpoints answer before any routing
	if g.HealthPath != "" && r.URL.Path == g.HealthPath {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	if g.MetricsPath != "" && r.URL.Path == g.MetricsPath {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		g.Metrics.WritePrometheus(w)
		return
	}

	start := time.Now()
	lw := &countingResponseWriter{ResponseWriter: w}
	kind, host, upstreamAddr := "none", "", ""
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		d := time.Since(start)
		g.logAccess(r, status, d, kind, upstreamAddr, lw.bytes)
		if g.Metrics != nil {
			g.Metrics.IncRequest(kind, host, r.Method, strconv.Itoa(status))
			g.Metrics.ObserveDuration(kind, host, d)
		}
	}()

	dec := g.Table.Decide(r.Host, r.URL.Path)
	switch dec.Kind {
	case router.Static:
		kind = "static"
		static.Serve(lw, r, dec.Mount.Dir, dec.Rel)

	case router.Upstream:
		kind, host = "upstream", dec.Route.Host
		if rl := dec.Route.RateLimit; rl != nil && !g.Limits.Allow(dec.Route.Host, rl.RequestsPerSecond, rl.Burst) {
			http.Error(lw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		if isUpgrade(r) {
			g.tunnel(lw, r, dec.Route)
			return
		}
		upstreamAddr = g.forward(lw, r, dec.Route)

	default:
		http.NotFound(lw, r)
	}
}

// forward proxies one plain HTTP exchange and returns the upstream URL it
// targeted, for logging.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, route *config.Upstream) string {
	base := route.Target
	u := new(url.URL)
	*u = *base
	u.Path = joinSlash(base.Path, r.URL.Path)
	u.RawQuery = r.URL.RawQuery

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	hdr.Set("X-Forwarded-Host", r.Host)

	reqUp, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return u.String()
	}
	reqUp.Header = hdr
	if route.PreserveHost {
		reqUp.Host = r.Host
	} else {
		reqUp.Host = base.Host
	}

	tr := g.Transports.Get(forward.ProtoHTTP1)
	resUp, err := tr.RoundTrip(reqUp)
	if err != nil {
		g.Log.Warn().Err(err).Str("upstream", u.String()).Msg("upstream error")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return u.String()
	}
	defer func() {
		if err := resUp.Body.Close(); err != nil {
			g.Log.Debug().Err(err).Msg("close upstream body")
		}
	}()

	dropHopByHop(resUp.Header)
	copyHeaders(w.Header(), resUp.Header)

	if len(resUp.Trailer) > 0 {
		keys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			keys = append(keys, k)
		}
		w.Header().Set("Trailer", strings.Join(keys, ","))
	}

	w.WriteHeader(resUp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	// stream; bounded memory regardless of payload size
	_, _ = io.Copy(w, resUp.Body)

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	return u.String()
}

func (g *Gateway) logAccess(r *http.Request, status int, d time.Duration, kind, upstream string, bytes int64) {
	if !g.AccessLog.Enabled {
		return
	}
	if g.AccessLog.Sampling < 1.0 && rand.Float64() > g.AccessLog.Sampling {
		return
	}
	g.Log.Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("host", r.Host).
		Str("protocol", r.Proto).
		Int("status", status).
		Int64("duration_ms", d.Milliseconds()).
		Str("remote_ip", r.RemoteAddr).
		Str("kind", kind).
		Str("upstream", upstream).
		Int64("bytes_written", bytes).
		Msg("request")
}

// --- helpers ---

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

// countingResponseWriter records status and bytes for the access log.
type countingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *countingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *countingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so tunneled Upgrade requests work behind the
// counting wrapper.
func (w *countingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}
