package worker

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/martian/v3"

	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/logger"
)

// RunProxy is the proxy worker entry point: a local forwarding HTTP(S) proxy
// that either dials origins directly or chains to the profile's upstream.
// The relay itself is martian's; this function only owns lifecycle.
func RunProxy(ctx context.Context, st *descriptor.Store, logCfg logger.Config, id string) error {
	rt := NewRuntime(id, st, logCfg)
	defer rt.Close()
	return runProxy(ctx, rt)
}

func runProxy(ctx context.Context, rt *Runtime) error {
	d, err := rt.Resolve()
	if err != nil {
		return err
	}
	params := d.Proxy
	if params == nil {
		err := fmt.Errorf("descriptor %s has no proxy parameters", rt.ID)
		rt.Fail("bad descriptor", err)
		return err
	}

	host := params.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(params.Port)))
	if err != nil {
		rt.Fail("bind listener", err)
		return err
	}

	proxy := martian.NewProxy()
	if u, err := params.UpstreamURL(); err != nil {
		_ = ln.Close()
		rt.Fail("bad upstream", err)
		return err
	} else if u != nil {
		proxy.SetDownstreamProxy(u)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- proxy.Serve(ln) }()

	port := ln.Addr().(*net.TCPAddr).Port
	info := descriptor.RuntimeInfo{
		Port:     port,
		Endpoint: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
	}
	if err := rt.Report(d, info); err != nil {
		proxy.Close()
		_ = ln.Close()
		return err
	}
	rt.Log.Info("proxy serving", "endpoint", info.Endpoint, "upstream", params.Upstream)

	rt.Serve(ctx, serveErr, func() {
		proxy.Close()
		_ = ln.Close()
	})
	return nil
}
