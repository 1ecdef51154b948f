package infra

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// Transport states.
const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

// StreamTransport implements domain.Transport over OS pipes. The readable end
// always carries the child's merged stdout and stderr. The writable end is
// either the child's stdin (pipe) or a named pipe the child opens (fifo).
type StreamTransport struct {
	role     domain.Role
	artifact string

	r *os.File
	w atomic.Pointer[os.File]

	// wmu serialises whole-record writes.
	wmu   sync.Mutex
	state atomic.Int32

	childIn  *os.File
	childOut *os.File
}

// NewPipeTransport creates the stdin and stdout pipe pairs for a child.
func NewPipeTransport(role domain.Role) (*StreamTransport, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	t := &StreamTransport{role: role, r: outR, childIn: inR, childOut: outW}
	t.w.Store(inW)
	return t, nil
}

// NewFIFOTransport creates the stdout pipe and the named pipe at path. The
// writable end is attached later by Connect, once the child has started.
func NewFIFOTransport(role domain.Role, path string) (*StreamTransport, error) {
	if err := MakeFIFO(path); err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	return &StreamTransport{role: role, artifact: path, r: outR, childOut: outW}, nil
}

// Connect opens the named pipe for writing, waiting up to timeout for the
// child to open its end. It is a no-op for anonymous pipes.
func (t *StreamTransport) Connect(timeout time.Duration) error {
	if t.artifact == "" || t.w.Load() != nil {
		return nil
	}
	f, err := OpenFIFOWriter(t.artifact, timeout)
	if err != nil {
		return err
	}
	if t.state.Load() != stateOpen {
		f.Close()
		return domain.ErrTransportClosed
	}
	t.w.Store(f)
	return nil
}

// ChildStdin returns the child's end of the stdin pipe, or nil for fifo transports.
func (t *StreamTransport) ChildStdin() *os.File {
	return t.childIn
}

// ChildStdout returns the child's end of the output pipe. Pass it as both
// stdout and stderr.
func (t *StreamTransport) ChildStdout() *os.File {
	return t.childOut
}

// CloseChildEnds releases the parent's copies of the child-side descriptors.
// Without this the reader never sees end of stream.
func (t *StreamTransport) CloseChildEnds() {
	if t.childIn != nil {
		t.childIn.Close()
		t.childIn = nil
	}
	if t.childOut != nil {
		t.childOut.Close()
		t.childOut = nil
	}
}

// Write sends record followed by a newline as one unit.
func (t *StreamTransport) Write(record []byte) error {
	if t.state.Load() != stateOpen {
		return domain.ErrTransportClosed
	}

	buf := make([]byte, 0, len(record)+1)
	buf = append(buf, record...)
	buf = append(buf, '\n')

	t.wmu.Lock()
	defer t.wmu.Unlock()

	w := t.w.Load()
	if w == nil {
		return &domain.IOError{Role: t.role, Op: "write", Err: errors.New("named pipe not connected")}
	}
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			if t.state.Load() != stateOpen {
				return domain.ErrTransportClosed
			}
			return &domain.IOError{Role: t.role, Op: "write", Err: err}
		}
		buf = buf[n:]
	}
	return nil
}

// ReadChunk reads whatever the child has written, up to len(buf).
// After Close it returns io.EOF.
func (t *StreamTransport) ReadChunk(buf []byte) (int, error) {
	if t.state.Load() != stateOpen {
		return 0, io.EOF
	}
	n, err := t.r.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		if t.state.Load() != stateOpen {
			return n, io.EOF
		}
		return n, &domain.IOError{Role: t.role, Op: "read", Err: err}
	}
	return n, err
}

// Close closes both parent-side ends, unblocking a pending ReadChunk.
// Only the first call does any work.
func (t *StreamTransport) Close() error {
	if !t.state.CompareAndSwap(stateOpen, stateClosing) {
		return nil
	}
	var errs []error
	if w := t.w.Load(); w != nil {
		errs = append(errs, ignoreClosed(w.Close()))
	}
	errs = append(errs, ignoreClosed(t.r.Close()))
	t.CloseChildEnds()
	t.state.Store(stateClosed)
	return errors.Join(errs...)
}

// Closed reports whether Close has been called.
func (t *StreamTransport) Closed() bool {
	return t.state.Load() != stateOpen
}

// Artifact returns the named pipe path, or "" for anonymous pipes.
func (t *StreamTransport) Artifact() string {
	return t.artifact
}

func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// Ensure StreamTransport implements domain.Transport.
var _ domain.Transport = (*StreamTransport)(nil)
