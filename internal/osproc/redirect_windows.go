//go:build windows

package osproc

import "os"

// RedirectStdioToNull detaches the Go-level stdio from the handshake pipes.
// Windows pipe writes fail with an error instead of a signal, so swapping the
// os-level files is sufficient here.
func RedirectStdioToNull() {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return
	}
	os.Stdout = f
	os.Stderr = f
}
