package config

import (
	"net/url"
	"time"
)

// Config is the immutable post-load snapshot the whole process runs on.
// Nothing mutates it after Load returns; it is shared across connection
// goroutines without synchronization.
type Config struct {
	Listen            string // ":<port>"
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	TLS               *TLS          // nil => plain HTTP
	Statics           []StaticMount // longest prefix first
	Upstreams         []Upstream    // config order preserved
	LogLevel          int           // Debug:-4 Info:0 Warn:4 Error:8
	AccessLog         AccessLog
	MetricsPath       string // empty => disabled
	HealthPath        string // empty => disabled
}

// TLS holds the certificate pair for the listener. A single certificate
// serves all virtual hosts; no SNI-based selection.
type TLS struct {
	CertFile string
	KeyFile  string
}

// StaticMount maps a URL path prefix to a local directory.
type StaticMount struct {
	PathPrefix string // starts with "/", unique per config
	Dir        string // existing directory
}

// Upstream is one virtual-host routing rule. Host match is exact and
// case-insensitive; hostname is the sole upstream discriminator.
type Upstream struct {
	Host         string   // lowercased
	Target       *url.URL // http(s) scheme + host
	PreserveHost bool     // default false: rewrite Host to Target.Host
	RateLimit    *RateLimit
}

// RateLimit is an optional per-route token bucket.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

type AccessLog struct {
	Enabled  bool
	Sampling float64 // 0..1, fraction of requests logged
}
