package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type rawConfig struct {
	Proxy struct {
		Port              int    `yaml:"port"`
		ReadHeaderTimeout int    `yaml:"read_header_timeout"` // millis
		ShutdownTimeout   int    `yaml:"shutdown_timeout"`    // millis
		TLSCertPath       string `yaml:"tls_cert_path"`
		TLSKeyPath        string `yaml:"tls_key_path"`
		StaticFiles       []struct {
			Path string `yaml:"path"`
			Dir  string `yaml:"dir"`
		} `yaml:"static_files"`
	} `yaml:"proxy"`
	Upstreams []struct {
		HostName     string `yaml:"host_name"`
		Target       string `yaml:"target"`
		PreserveHost bool   `yaml:"preserve_host"`
		RateLimit    *struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"upstreams"`
	LogLevel  int `yaml:"log_level"`
	AccessLog struct {
		Enabled  bool     `yaml:"enabled"`
		Sampling *float64 `yaml:"sampling"`
	} `yaml:"access_log"`
	Metrics struct {
		Path string `yaml:"path"`
	} `yaml:"metrics"`
	Health struct {
		Path string `yaml:"path"`
	} `yaml:"health"`
}

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

// Load reads and validates the YAML config at path. The returned Config is
// complete and immutable; any error is fatal to startup.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errNotFound("config file", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, errInvalid("yaml", err)
	}

	// listener
	if rc.Proxy.Port == 0 {
		return nil, errMissing("proxy.port")
	}
	if rc.Proxy.Port < 1 || rc.Proxy.Port > 65535 {
		return nil, errInvalid("proxy.port", fmt.Errorf("%d out of range 1-65535", rc.Proxy.Port))
	}

	c := &Config{
		Listen:            fmt.Sprintf(":%d", rc.Proxy.Port),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ShutdownTimeout:   defaultShutdownTimeout,
		LogLevel:          rc.LogLevel,
		MetricsPath:       strings.TrimSpace(rc.Metrics.Path),
		HealthPath:        strings.TrimSpace(rc.Health.Path),
	}
	if rc.Proxy.ReadHeaderTimeout < 0 {
		return nil, errInvalid("proxy.read_header_timeout", fmt.Errorf("must be >= 0"))
	}
	if rc.Proxy.ReadHeaderTimeout > 0 {
		c.ReadHeaderTimeout = time.Duration(rc.Proxy.ReadHeaderTimeout) * time.Millisecond
	}
	if rc.Proxy.ShutdownTimeout < 0 {
		return nil, errInvalid("proxy.shutdown_timeout", fmt.Errorf("must be >= 0"))
	}
	if rc.Proxy.ShutdownTimeout > 0 {
		c.ShutdownTimeout = time.Duration(rc.Proxy.ShutdownTimeout) * time.Millisecond
	}

	// TLS pair: both or neither, and both files must be readable
	cert := strings.TrimSpace(rc.Proxy.TLSCertPath)
	key := strings.TrimSpace(rc.Proxy.TLSKeyPath)
	switch {
	case cert != "" && key == "":
		return nil, errMissing("proxy.tls_key_path")
	case cert == "" && key != "":
		return nil, errMissing("proxy.tls_cert_path")
	case cert != "":
		if err := checkReadable(cert); err != nil {
			return nil, errNotFound("proxy.tls_cert_path", err)
		}
		if err := checkReadable(key); err != nil {
			return nil, errNotFound("proxy.tls_key_path", err)
		}
		c.TLS = &TLS{CertFile: cert, KeyFile: key}
	}

	// static mounts
	seen := make(map[string]struct{})
	for i, s := range rc.Proxy.StaticFiles {
		pfx := strings.TrimSpace(s.Path)
		if pfx == "" {
			return nil, errMissing(fmt.Sprintf("proxy.static_files[%d].path", i))
		}
		if !strings.HasPrefix(pfx, "/") {
			return nil, errInvalid(fmt.Sprintf("proxy.static_files[%d].path", i), fmt.Errorf("%q must start with '/'", pfx))
		}
		if _, dup := seen[pfx]; dup {
			return nil, errInvalid(fmt.Sprintf("proxy.static_files[%d].path", i), fmt.Errorf("duplicate prefix %q", pfx))
		}
		seen[pfx] = struct{}{}
		dir := strings.TrimSpace(s.Dir)
		if dir == "" {
			return nil, errMissing(fmt.Sprintf("proxy.static_files[%d].dir", i))
		}
		fi, err := os.Stat(dir)
		if err != nil {
			return nil, errNotFound(fmt.Sprintf("proxy.static_files[%d].dir", i), err)
		}
		if !fi.IsDir() {
			return nil, errInvalid(fmt.Sprintf("proxy.static_files[%d].dir", i), fmt.Errorf("%q is not a directory", dir))
		}
		c.Statics = append(c.Statics, StaticMount{PathPrefix: pfx, Dir: dir})
	}
	// longest prefix first so the router's first match is the best match
	sort.SliceStable(c.Statics, func(i, j int) bool {
		return len(c.Statics[i].PathPrefix) > len(c.Statics[j].PathPrefix)
	})

	// upstream routes
	for i, u := range rc.Upstreams {
		host := strings.ToLower(strings.TrimSpace(u.HostName))
		if host == "" {
			return nil, errMissing(fmt.Sprintf("upstreams[%d].host_name", i))
		}
		target, err := url.Parse(strings.TrimSpace(u.Target))
		if err != nil {
			return nil, errInvalid(fmt.Sprintf("upstreams[%d].target", i), err)
		}
		if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
			return nil, errInvalid(fmt.Sprintf("upstreams[%d].target", i), fmt.Errorf("%q must be an http(s) URL with a host", u.Target))
		}
		route := Upstream{
			Host:         host,
			Target:       target,
			PreserveHost: u.PreserveHost,
		}
		if rl := u.RateLimit; rl != nil {
			if rl.RequestsPerSecond <= 0 {
				return nil, errInvalid(fmt.Sprintf("upstreams[%d].rate_limit.requests_per_second", i), fmt.Errorf("must be > 0"))
			}
			// burst 0 would reject every request via rate.Limiter
			if rl.Burst < 1 {
				return nil, errInvalid(fmt.Sprintf("upstreams[%d].rate_limit.burst", i), fmt.Errorf("must be >= 1"))
			}
			route.RateLimit = &RateLimit{RequestsPerSecond: rl.RequestsPerSecond, Burst: rl.Burst}
		}
		c.Upstreams = append(c.Upstreams, route)
	}

	// access log
	c.AccessLog.Enabled = rc.AccessLog.Enabled
	c.AccessLog.Sampling = 1.0
	if s := rc.AccessLog.Sampling; s != nil {
		if *s < 0 || *s > 1 {
			return nil, errInvalid("access_log.sampling", fmt.Errorf("%g out of range 0-1", *s))
		}
		c.AccessLog.Sampling = *s
	}

	for name, p := range map[string]string{"metrics.path": c.MetricsPath, "health.path": c.HealthPath} {
		if p != "" && !strings.HasPrefix(p, "/") {
			return nil, errInvalid(name, fmt.Errorf("%q must start with '/'", p))
		}
	}

	return c, nil
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
