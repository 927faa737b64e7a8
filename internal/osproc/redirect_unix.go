//go:build !windows && !linux

package osproc

import (
	"os"

	"golang.org/x/sys/unix"
)

// RedirectStdioToNull repoints fds 1 and 2 at /dev/null; see the linux variant.
func RedirectStdioToNull() {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return
	}
	_ = unix.Dup2(int(f.Fd()), 1)
	_ = unix.Dup2(int(f.Fd()), 2)
	_ = f.Close()
}
