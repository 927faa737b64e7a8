//go:build linux

package osproc

import (
	"os"

	"golang.org/x/sys/unix"
)

// RedirectStdioToNull repoints fds 1 and 2 at /dev/null. A worker calls this
// right after the handshake line: once the supervisor exits, writes to the
// inherited pipes would raise SIGPIPE and kill the detached worker.
func RedirectStdioToNull() {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return
	}
	// dup3 because linux/arm64 has no dup2 syscall
	_ = unix.Dup3(int(f.Fd()), 1, 0)
	_ = unix.Dup3(int(f.Fd()), 2, 0)
	_ = f.Close()
}
