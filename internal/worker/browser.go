package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/logger"
)

// BrowserOptions is host-side configuration the browser worker needs beyond
// its descriptor: where generated profiles live and which Chromium to run.
type BrowserOptions struct {
	ExecPath    string // optional Chromium binary override
	ProfileBase string // base dir for profiles created on demand
}

// RunBrowser is the browser worker entry point: it owns one automated
// Chromium session bound to a profile directory. The automation itself is
// chromedp's; this function owns lifecycle, including treating "the user
// closed the last window" as a cooperative stop.
func RunBrowser(ctx context.Context, st *descriptor.Store, logCfg logger.Config, opts BrowserOptions, id string) error {
	rt := NewRuntime(id, st, logCfg)
	defer rt.Close()

	d, err := rt.Resolve()
	if err != nil {
		return err
	}
	params := d.Browser
	if params == nil {
		err := fmt.Errorf("descriptor %s has no browser parameters", id)
		rt.Fail("bad descriptor", err)
		return err
	}

	profileDir := params.ProfileDir
	if profileDir == "" {
		base := opts.ProfileBase
		if base == "" {
			base = filepath.Join(os.TempDir(), "stealthdesk-profiles")
		}
		profileDir = filepath.Join(base, "profile-"+id)
	}
	if err := os.MkdirAll(profileDir, 0o750); err != nil {
		rt.Fail("create profile dir", err)
		return err
	}

	proxyAddr, err := resolveProxyAddr(st, params)
	if err != nil {
		rt.Fail("resolve proxy", err)
		return err
	}

	allocOpts := allocatorOptions(params, opts, profileDir, proxyAddr)
	// Background context: the session must outlive the launch call.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	// An empty Run starts the browser without navigating anywhere.
	if err := chromedp.Run(browserCtx); err != nil {
		rt.Fail("start browser", err)
		return err
	}

	if err := rt.Report(d, descriptor.RuntimeInfo{ProfileDir: profileDir}); err != nil {
		browserCancel()
		return err
	}
	rt.Log.Info("browser session started", "profile_dir", profileDir, "proxy", proxyAddr, "headless", params.Headless)

	// Readiness was already reported; a failed start-page navigation is a
	// logged nuisance, not a startup failure.
	if params.StartURL != "" {
		go func() {
			if err := chromedp.Run(browserCtx, chromedp.Navigate(params.StartURL)); err != nil {
				rt.Log.Warn("start page navigation failed", "url", params.StartURL, "error", err)
			}
		}()
	}

	// browserCtx ends when the browser process goes away, e.g. the user
	// closed the last window. That is a disconnect, not a crash.
	disconnected := make(chan error, 1)
	go func() {
		<-browserCtx.Done()
		disconnected <- nil
	}()

	rt.Serve(ctx, disconnected, func() {
		// Graceful browser shutdown flushes the profile to disk.
		if err := chromedp.Cancel(browserCtx); err != nil {
			rt.Log.Warn("browser close failed", "error", err)
		}
	})
	return nil
}

// resolveProxyAddr turns the descriptor's proxy reference into an address
// Chromium accepts, consulting the registry for managed proxies.
func resolveProxyAddr(st *descriptor.Store, params *descriptor.BrowserParams) (string, error) {
	if params.ProxyAddr != "" {
		return params.ProxyAddr, nil
	}
	if params.ProxyID == "" {
		return "", nil
	}
	pd, err := st.Get(params.ProxyID)
	if err != nil {
		return "", fmt.Errorf("managed proxy %s: %w", params.ProxyID, err)
	}
	if pd.Runtime.Endpoint == "" {
		return "", fmt.Errorf("managed proxy %s has not reported an endpoint", params.ProxyID)
	}
	return pd.Runtime.Endpoint, nil
}

func allocatorOptions(params *descriptor.BrowserParams, opts BrowserOptions, profileDir, proxyAddr string) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out, chromedp.UserDataDir(profileDir))
	if !params.Headless {
		// DefaultExecAllocatorOptions assumes headless; undo it for the
		// interactive profile window.
		out = append(out, chromedp.Flag("headless", false))
	}
	if proxyAddr != "" {
		out = append(out, chromedp.ProxyServer(proxyAddr))
	}
	if params.UserAgent != "" {
		out = append(out, chromedp.UserAgent(params.UserAgent))
	}
	if opts.ExecPath != "" {
		out = append(out, chromedp.ExecPath(opts.ExecPath))
	}
	for _, f := range params.Flags {
		name, value, found := strings.Cut(strings.TrimPrefix(f, "--"), "=")
		if name == "" {
			continue
		}
		if found {
			out = append(out, chromedp.Flag(name, value))
		} else {
			out = append(out, chromedp.Flag(name, true))
		}
	}
	return out
}
