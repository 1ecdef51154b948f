//go:build unix

package infra

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// MakeFIFO creates a named pipe at path, replacing whatever was there.
func MakeFIFO(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale %s: %w", path, err)
	}
	if err := syscall.Mkfifo(path, 0600); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// OpenFIFOWriter opens path for writing. The open blocks until a reader
// appears, so it is bounded by timeout.
func OpenFIFOWriter(path string, timeout time.Duration) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		ch <- result{f, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("open %s: %w", path, res.err)
		}
		return res.f, nil
	case <-time.After(timeout):
	}

	// Act as the missing reader so the blocked open returns, then discard it.
	if r, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0); err == nil {
		if res := <-ch; res.f != nil {
			res.f.Close()
		}
		r.Close()
	}
	return nil, fmt.Errorf("open %s: no reader after %s", path, timeout)
}
