package worker

import (
	"errors"
	"testing"

	"github.com/stealthdesk/stealthdesk/internal/descriptor"
)

func TestResolveProxyAddr(t *testing.T) {
	st, err := descriptor.OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	// Explicit address wins and needs no registry lookup.
	addr, err := resolveProxyAddr(st, &descriptor.BrowserParams{ProxyAddr: "127.0.0.1:9999"})
	if err != nil || addr != "127.0.0.1:9999" {
		t.Fatalf("explicit address: %q, %v", addr, err)
	}

	// No proxy at all.
	addr, err = resolveProxyAddr(st, &descriptor.BrowserParams{})
	if err != nil || addr != "" {
		t.Fatalf("no proxy: %q, %v", addr, err)
	}

	// Managed proxy that does not exist.
	_, err = resolveProxyAddr(st, &descriptor.BrowserParams{ProxyID: "missing"})
	if !errors.Is(err, descriptor.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Managed proxy still pending, no endpoint yet.
	pending := descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})
	if err := st.Save(pending); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := resolveProxyAddr(st, &descriptor.BrowserParams{ProxyID: pending.ID}); err == nil {
		t.Fatalf("pending proxy without endpoint should be rejected")
	}

	// Managed proxy that has reported.
	ready := descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})
	ready.PID = 1234
	ready.Runtime = descriptor.RuntimeInfo{Port: 6100, Endpoint: "http://127.0.0.1:6100"}
	if err := st.Save(ready); err != nil {
		t.Fatalf("Save: %v", err)
	}
	addr, err = resolveProxyAddr(st, &descriptor.BrowserParams{ProxyID: ready.ID})
	if err != nil || addr != "http://127.0.0.1:6100" {
		t.Fatalf("managed proxy: %q, %v", addr, err)
	}
}
