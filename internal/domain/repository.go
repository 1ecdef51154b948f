package domain

// ProcessManager handles OS process operations outside the supervisor's own children.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByCmdline returns PIDs whose full command line matches the regexp pattern.
	FindByCmdline(pattern string) ([]int, error)

	// Cmdline returns the command line of a running process.
	Cmdline(pid int) (string, error)

	// CreateTime returns the process start time (ms since epoch).
	CreateTime(pid int) (int64, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// FileSystemManager handles filesystem operations.
type FileSystemManager interface {
	// DirExists reports whether path exists and is a directory.
	DirExists(path string) bool

	// Remove deletes a file, ignoring a missing path.
	Remove(path string) error

	// ExpandHome expands ~ to the user's home directory.
	ExpandHome(path string) string
}

// Transport is the bidirectional byte stream bound to one child.
type Transport interface {
	// Write sends one record, appending the newline terminator.
	Write(record []byte) error

	// ReadChunk blocks until data arrives, the stream ends, or the transport is closed.
	ReadChunk(buf []byte) (int, error)

	// Close moves the transport to Closed. Safe to call more than once.
	Close() error

	// Artifact returns the filesystem IPC path owned by the transport, if any.
	Artifact() string
}

// RecordWriter is the writable end a router forwards records into.
type RecordWriter interface {
	Write(record []byte) error
}

// Dispatcher delivers records to the UI. Deliver must not block and must
// preserve submission order.
type Dispatcher interface {
	Deliver(record string)
}

// LogSink consumes diagnostic records.
type LogSink interface {
	Log(source Role, record string)
}

// Router classifies records and forwards them.
type Router interface {
	// Route handles a record read from a child's output.
	Route(source Role, record []byte)

	// Invoke handles a record sent by the UI.
	Invoke(record string)
}

// Ledger persists spawned child PIDs so a later run can reap leftovers.
// Entries are keyed by owning buddy process and role.
type Ledger interface {
	// Record stores a child, replacing the owner's previous entry for the role.
	Record(entry LedgerEntry) error

	// Forget removes one owner's entry for a role.
	Forget(ownerPID int, role Role) error

	// Entries returns all stored entries.
	Entries() ([]LedgerEntry, error)

	// Close releases resources (e.g., database connection).
	Close() error
}
