package handler

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ferrygo/ferry/internal/config"
)

const upstreamDialTimeout = 5 * time.Second

func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, f := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(f, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

// tunnel handles Upgrade requests (WebSocket etc.): it replays the
// request to the upstream over a raw connection, then runs two copy loops
// until either peer closes. Byte order is preserved in both directions;
// closing one side tears down the other so neither connection leaks.
func (g *Gateway) tunnel(w http.ResponseWriter, r *http.Request, route *config.Upstream) {
	target := route.Target
	addr := target.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		if target.Scheme == "https" {
			addr = net.JoinHostPort(addr, "443")
		} else {
			addr = net.JoinHostPort(addr, "80")
		}
	}

	var upConn net.Conn
	var err error
	if target.Scheme == "https" {
		d := &net.Dialer{Timeout: upstreamDialTimeout}
		upConn, err = tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: target.Hostname()})
	} else {
		upConn, err = net.DialTimeout("tcp", addr, upstreamDialTimeout)
	}
	if err != nil {
		g.Log.Warn().Err(err).Str("upstream", addr).Msg("upgrade dial failed")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upConn.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	// Build the outbound request before hijacking so errors can still be
	// answered over the normal response path. Upgrade and Connection
	// headers must survive, so no hop-by-hop stripping here.
	outReq := r.Clone(r.Context())
	outReq.URL.Scheme = ""
	outReq.URL.Host = ""
	outReq.RequestURI = ""
	if !route.PreserveHost {
		outReq.Host = target.Host
	}
	addXFF(outReq.Header, r.RemoteAddr)
	setXFProto(outReq.Header, r)
	outReq.Header.Set("X-Forwarded-Host", r.Host)

	if err := outReq.Write(upConn); err != nil {
		_ = upConn.Close()
		g.Log.Warn().Err(err).Str("upstream", addr).Msg("upgrade request write failed")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	clientConn, brw, err := hj.Hijack()
	if err != nil {
		_ = upConn.Close()
		g.Log.Warn().Err(err).Msg("hijack failed")
		return
	}
	if err := brw.Flush(); err != nil {
		_ = upConn.Close()
		_ = clientConn.Close()
		return
	}

	g.Log.Debug().Str("upstream", addr).Str("host", r.Host).Msg("upgrade tunnel open")

	done := make(chan struct{}, 2)
	go func() {
		// brw keeps any client bytes buffered before the hijack
		_, _ = io.Copy(upConn, brw)
		_ = upConn.Close()
		_ = clientConn.Close()
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(clientConn, upConn)
		_ = upConn.Close()
		_ = clientConn.Close()
		done <- struct{}{}
	}()
	<-done
	<-done
}
