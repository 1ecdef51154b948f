//go:build !unix

package infra

import (
	"errors"
	"os"
	"time"
)

var errNoFIFO = errors.New("named pipes are not supported on this platform")

// MakeFIFO is unsupported here.
func MakeFIFO(path string) error {
	return errNoFIFO
}

// OpenFIFOWriter is unsupported here.
func OpenFIFOWriter(path string, timeout time.Duration) (*os.File, error) {
	return nil, errNoFIFO
}
