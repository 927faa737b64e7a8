package descriptor

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which worker entry point a descriptor belongs to.
type Kind string

const (
	KindProxy   Kind = "proxy"
	KindBrowser Kind = "browser"
)

func (k Kind) Valid() bool { return k == KindProxy || k == KindBrowser }

// ProxyParams is the immutable launch configuration for a forwarding proxy worker.
// Upstream is either the literal "DIRECT" or a parseable URL (http, https, socks5).
type ProxyParams struct {
	Upstream   string `json:"upstream"`
	ListenHost string `json:"listen_host,omitempty"` // default 127.0.0.1
	Port       int    `json:"port,omitempty"`        // 0 selects an ephemeral port
	Username   string `json:"username,omitempty"`    // upstream credentials
	Password   string `json:"password,omitempty"`
}

// UpstreamDirect disables downstream forwarding; the proxy dials origins itself.
const UpstreamDirect = "DIRECT"

// Direct reports whether the proxy should dial origins without an upstream.
func (p *ProxyParams) Direct() bool {
	return strings.EqualFold(strings.TrimSpace(p.Upstream), UpstreamDirect)
}

// UpstreamURL parses the upstream with credentials folded into the userinfo.
// It returns nil for DIRECT.
func (p *ProxyParams) UpstreamURL() (*url.URL, error) {
	if p.Direct() {
		return nil, nil
	}
	u, err := url.Parse(strings.TrimSpace(p.Upstream))
	if err != nil {
		return nil, fmt.Errorf("upstream %q: %w", p.Upstream, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("upstream %q: unsupported scheme %q", p.Upstream, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream %q: missing host", p.Upstream)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

func (p *ProxyParams) Validate() error {
	if strings.TrimSpace(p.Upstream) == "" {
		return errors.New("proxy upstream is required (use DIRECT for none)")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("proxy port %d out of range", p.Port)
	}
	_, err := p.UpstreamURL()
	return err
}

// BrowserParams is the immutable launch configuration for a browser automation worker.
type BrowserParams struct {
	ProfileDir string   `json:"profile_dir,omitempty"` // created under the data dir when empty
	ProxyID    string   `json:"proxy_id,omitempty"`    // route via a managed proxy worker
	ProxyAddr  string   `json:"proxy_addr,omitempty"`  // or via an explicit proxy address
	StartURL   string   `json:"start_url,omitempty"`
	Headless   bool     `json:"headless,omitempty"`
	UserAgent  string   `json:"user_agent,omitempty"`
	Flags      []string `json:"flags,omitempty"` // extra chromium flags, "name" or "name=value"
}

func (p *BrowserParams) Validate() error {
	if p.ProxyID != "" && p.ProxyAddr != "" {
		return errors.New("proxy_id and proxy_addr are mutually exclusive")
	}
	if p.StartURL != "" {
		if _, err := url.Parse(p.StartURL); err != nil {
			return fmt.Errorf("start_url %q: %w", p.StartURL, err)
		}
	}
	return nil
}

// RuntimeInfo holds mutable facts a worker reports after it has bound its resource.
type RuntimeInfo struct {
	Port        int    `json:"port,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	ProfileDir  string `json:"profile_dir,omitempty"`
	DevToolsURL string `json:"devtools_url,omitempty"`
}

// Descriptor is the persisted record for one managed worker process.
// ID doubles as the handshake correlation token and appears on the worker
// command line, which is what the pattern-fallback kill matches on.
// A descriptor with PID 0 is pending and never counts as running.
type Descriptor struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	PID       int            `json:"pid,omitempty"`
	StartUnix int64          `json:"start_unix,omitempty"` // process start time; PID-reuse guard
	CreatedAt time.Time      `json:"created_at"`
	Proxy     *ProxyParams   `json:"proxy,omitempty"`
	Browser   *BrowserParams `json:"browser,omitempty"`
	Runtime   RuntimeInfo    `json:"runtime"`
}

// NewProxy builds a pending proxy descriptor with a fresh id.
func NewProxy(p ProxyParams) *Descriptor {
	return &Descriptor{ID: uuid.NewString(), Kind: KindProxy, CreatedAt: time.Now().UTC(), Proxy: &p}
}

// NewBrowser builds a pending browser descriptor with a fresh id.
func NewBrowser(p BrowserParams) *Descriptor {
	return &Descriptor{ID: uuid.NewString(), Kind: KindBrowser, CreatedAt: time.Now().UTC(), Browser: &p}
}

// Validate checks structural consistency and the kind-specific parameters.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("descriptor id is empty")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown worker kind %q", d.Kind)
	}
	switch d.Kind {
	case KindProxy:
		if d.Proxy == nil {
			return errors.New("proxy descriptor without proxy parameters")
		}
		return d.Proxy.Validate()
	case KindBrowser:
		if d.Browser == nil {
			return errors.New("browser descriptor without browser parameters")
		}
		return d.Browser.Validate()
	}
	return nil
}
