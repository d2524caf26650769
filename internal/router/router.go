// Package router turns the immutable config into a per-request routing
// decision: serve a static mount, forward to an upstream, or nothing.
package router

import (
	"net"
	"strings"

	"github.com/ferrygo/ferry/internal/config"
)

type DecisionKind int

const (
	None DecisionKind = iota
	Static
	Upstream
)

// Decision is the outcome of matching one request. Exactly one of Mount
// or Route is set depending on Kind.
type Decision struct {
	Kind  DecisionKind
	Mount *config.StaticMount
	Rel   string // path below the mount prefix, only for Static
	Route *config.Upstream
}

// Table is built once at startup and read concurrently without locking.
type Table struct {
	mounts []config.StaticMount        // longest prefix first (loader order)
	byHost map[string]*config.Upstream // exact lowercased host -> first-registered route
}

func New(cfg *config.Config) *Table {
	t := &Table{
		mounts: cfg.Statics,
		byHost: make(map[string]*config.Upstream, len(cfg.Upstreams)),
	}
	for i := range cfg.Upstreams {
		u := &cfg.Upstreams[i]
		// duplicate host_name entries: first registered wins, deliberately.
		// Not load balancing, just a stable pick.
		if _, ok := t.byHost[u.Host]; !ok {
			t.byHost[u.Host] = u
		}
	}
	return t
}

// Decide matches static mounts by longest path prefix first, then the
// Host header exactly (case-insensitive, port ignored). Static wins over
// upstream so configured assets are never proxied.
func (t *Table) Decide(host, path string) Decision {
	for i := range t.mounts {
		m := &t.mounts[i]
		if strings.HasPrefix(path, m.PathPrefix) {
			return Decision{
				Kind:  Static,
				Mount: m,
				Rel:   path[len(m.PathPrefix):],
			}
		}
	}
	if r, ok := t.byHost[strings.ToLower(hostOnly(host))]; ok {
		return Decision{Kind: Upstream, Route: r}
	}
	return Decision{Kind: None}
}

func hostOnly(h string) string {
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	// bare name, or a bracketed IPv6 literal without a port
	return strings.Trim(h, "[]")
}
