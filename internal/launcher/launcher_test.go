//go:build !windows

package launcher

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/osproc"
)

func newTestLauncher(t *testing.T) (*Launcher, *descriptor.Store) {
	t.Helper()
	st, err := descriptor.OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return &Launcher{Store: st, ProxyTimeout: 10 * time.Second, BrowserTimeout: 10 * time.Second}, st
}

// scripted returns a CommandFor that runs the same shell script for every
// launch, with %s expanded to the descriptor id.
func scripted(script string) func(descriptor.Kind, string) (*exec.Cmd, error) {
	return func(_ descriptor.Kind, id string) (*exec.Cmd, error) {
		return exec.Command("/bin/sh", "-c", fmt.Sprintf(script, id)), nil
	}
}

func awaitDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !osproc.Alive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("pid %d still alive", pid)
}

func TestLaunchSuccess(t *testing.T) {
	l, st := newTestLauncher(t)
	l.CommandFor = scripted(
		`echo '{"success":true,"id":"%s","processId":'"$$"',"port":4567,"endpoint":"http://127.0.0.1:4567"}'; exec sleep 60`)

	d, err := l.Launch(context.Background(), descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"}))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer func() {
		_ = osproc.Kill(d.PID)
		awaitDead(t, d.PID)
	}()

	if d.PID <= 0 {
		t.Fatalf("no pid reported: %+v", d)
	}
	if d.Runtime.Port != 4567 || d.Runtime.Endpoint != "http://127.0.0.1:4567" {
		t.Fatalf("runtime facts not merged: %+v", d.Runtime)
	}
	if !osproc.Alive(d.PID) {
		t.Fatalf("worker should survive a successful launch")
	}

	got, err := st.Get(d.ID)
	if err != nil {
		t.Fatalf("descriptor not persisted: %v", err)
	}
	if got.PID != d.PID || got.Runtime.Port != 4567 {
		t.Fatalf("persisted descriptor differs: %+v", got)
	}
}

func TestLaunchIgnoresForeignAndMalformedLines(t *testing.T) {
	l, _ := newTestLauncher(t)
	l.CommandFor = scripted(`
echo 'plain log line'
echo '{"success":true,"id":"someone-else","processId":1,"port":1}'
echo '{broken json'
echo '{"success":true,"id":"%s","processId":'"$$"',"port":7000}'
exec sleep 60`)

	d, err := l.Launch(context.Background(), descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"}))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer func() {
		_ = osproc.Kill(d.PID)
		awaitDead(t, d.PID)
	}()
	if d.Runtime.Port != 7000 {
		t.Fatalf("wrong record won: %+v", d.Runtime)
	}
}

func TestLaunchHandshakeFailure(t *testing.T) {
	l, st := newTestLauncher(t)
	l.CommandFor = scripted(
		`echo '{"error":"bind","id":"%s","message":"port taken"}' >&2; exit 1`)

	d := descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})
	_, err := l.Launch(context.Background(), d)
	if !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("expected ErrHandshakeFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "port taken") {
		t.Fatalf("worker message not surfaced verbatim: %v", err)
	}
	if _, err := st.Get(d.ID); !errors.Is(err, descriptor.ErrNotFound) {
		t.Fatalf("failed launch left a descriptor behind: %v", err)
	}
}

func TestLaunchExitedWithoutConfirmation(t *testing.T) {
	l, st := newTestLauncher(t)
	l.CommandFor = func(descriptor.Kind, string) (*exec.Cmd, error) {
		return exec.Command("/bin/sh", "-c", "echo 'just a log line'; exit 0"), nil
	}

	d := descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})
	_, err := l.Launch(context.Background(), d)
	if !errors.Is(err, ErrExitedEarly) {
		t.Fatalf("expected ErrExitedEarly, got %v", err)
	}
	if _, err := st.Get(d.ID); !errors.Is(err, descriptor.ErrNotFound) {
		t.Fatalf("failed launch left a descriptor behind: %v", err)
	}
}

func TestLaunchTimeoutKillsChild(t *testing.T) {
	l, st := newTestLauncher(t)
	l.ProxyTimeout = 500 * time.Millisecond

	var mu sync.Mutex
	var spawned *exec.Cmd
	l.CommandFor = func(_ descriptor.Kind, _ string) (*exec.Cmd, error) {
		cmd := exec.Command("/bin/sh", "-c", "exec sleep 60")
		mu.Lock()
		spawned = cmd
		mu.Unlock()
		return cmd, nil
	}

	d := descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})
	start := time.Now()
	_, err := l.Launch(context.Background(), d)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("launch took %s, well past timeout", elapsed)
	}
	mu.Lock()
	pid := spawned.Process.Pid
	mu.Unlock()
	awaitDead(t, pid)
	if _, err := st.Get(d.ID); !errors.Is(err, descriptor.ErrNotFound) {
		t.Fatalf("timed-out launch left a descriptor behind: %v", err)
	}
}

func TestLaunchContextCancelKillsChild(t *testing.T) {
	l, st := newTestLauncher(t)

	var mu sync.Mutex
	var spawned *exec.Cmd
	l.CommandFor = func(_ descriptor.Kind, _ string) (*exec.Cmd, error) {
		cmd := exec.Command("/bin/sh", "-c", "exec sleep 60")
		mu.Lock()
		spawned = cmd
		mu.Unlock()
		return cmd, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	d := descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})
	_, err := l.Launch(ctx, d)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error, got %v", err)
	}
	mu.Lock()
	pid := spawned.Process.Pid
	mu.Unlock()
	awaitDead(t, pid)
	if _, err := st.Get(d.ID); !errors.Is(err, descriptor.ErrNotFound) {
		t.Fatalf("cancelled launch left a descriptor behind: %v", err)
	}
}

func TestLaunchInvalidParams(t *testing.T) {
	l, st := newTestLauncher(t)
	l.CommandFor = func(descriptor.Kind, string) (*exec.Cmd, error) {
		t.Fatalf("spawn must not happen for invalid parameters")
		return nil, nil
	}

	_, err := l.Launch(context.Background(), descriptor.NewProxy(descriptor.ProxyParams{}))
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	all, err := st.List()
	if err != nil || len(all) != 0 {
		t.Fatalf("invalid launch touched the store: %v, %d entries", err, len(all))
	}
}

// Two interleaved launches, one succeeding and one failing, must each resolve
// to their own outcome.
func TestConcurrentLaunchesDoNotCrossContaminate(t *testing.T) {
	l, _ := newTestLauncher(t)
	l.CommandFor = func(kind descriptor.Kind, id string) (*exec.Cmd, error) {
		if kind == descriptor.KindBrowser {
			return exec.Command("/bin/sh", "-c", fmt.Sprintf(`
echo '{"success":true,"id":"not-%[1]s","processId":1}'
echo '{"error":"boom","id":"%[1]s","message":"browser broke"}' >&2
exit 1`, id)), nil
		}
		return exec.Command("/bin/sh", "-c", fmt.Sprintf(`
echo '{"error":"boom","id":"not-%[1]s","message":"someone else broke"}' >&2
echo '{"success":true,"id":"%[1]s","processId":'"$$"',"port":6100}'
exec sleep 60`, id)), nil
	}

	var wg sync.WaitGroup
	var proxyDesc *descriptor.Descriptor
	var proxyErr, browserErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		proxyDesc, proxyErr = l.Launch(context.Background(), descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"}))
	}()
	go func() {
		defer wg.Done()
		_, browserErr = l.Launch(context.Background(), descriptor.NewBrowser(descriptor.BrowserParams{}))
	}()
	wg.Wait()

	if proxyErr != nil {
		t.Fatalf("proxy launch should have succeeded: %v", proxyErr)
	}
	defer func() {
		_ = osproc.Kill(proxyDesc.PID)
		awaitDead(t, proxyDesc.PID)
	}()
	if proxyDesc.Runtime.Port != 6100 {
		t.Fatalf("proxy picked up a foreign record: %+v", proxyDesc.Runtime)
	}
	if !errors.Is(browserErr, ErrHandshakeFailure) || !strings.Contains(browserErr.Error(), "browser broke") {
		t.Fatalf("browser launch resolved to the wrong outcome: %v", browserErr)
	}
}

func TestFailureReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrConfiguration, "configuration"},
		{ErrHandshakeTimeout, "timeout"},
		{ErrHandshakeFailure, "handshake"},
		{ErrExitedEarly, "exited"},
		{fmt.Errorf("x: %w", ErrExitedEarly), "exited"},
		{errors.New("something else"), "other"},
	}
	for _, tc := range cases {
		if got := failureReason(tc.err); got != tc.want {
			t.Fatalf("failureReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
