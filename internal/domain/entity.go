// Package domain contains core entities and interfaces.
// This is the innermost layer - no external dependencies.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies a supervised child process.
type Role string

const (
	RoleBackend  Role = "backend"
	RoleAudio    Role = "audio"
	RoleFrontend Role = "frontend"

	// RoleUI is the source role for records arriving through the UI invoke callback.
	// It never names a child process.
	RoleUI Role = "ui"
)

// ChildState is the lifecycle state of a supervised child.
type ChildState string

const (
	StateSpawning    ChildState = "spawning"
	StateRunning     ChildState = "running"
	StateTerminating ChildState = "terminating"
	StateTerminated  ChildState = "terminated"
)

// TransportKind selects how records are written into a child.
type TransportKind string

const (
	// TransportPipe writes to the child's stdin through an anonymous pipe.
	TransportPipe TransportKind = "pipe"
	// TransportFIFO writes through a named pipe on the filesystem.
	TransportFIFO TransportKind = "fifo"
)

// Record discriminators recognised by the router.
const (
	TypeLog                  = "log"
	TypeAssistantMessage     = "assistant-message"
	TypeFrontendAudioService = "frontend-audio-service"
	TypeBackendAudioService  = "backend-audio-service"
	TypeAudioServiceResponse = "audio-service-response"
	TypeUserMessage          = "user-message"
)

// PayloadField is the text-bearing field tapped for speech synthesis.
const PayloadField = "payload"

// ChildSpec describes how to launch one child.
type ChildSpec struct {
	Role    Role
	Command []string // argv, Command[0] resolved via PATH
	Dir     string   // working directory, must exist
	Env     []string // extra KEY=VALUE pairs appended to the parent environment
	Setup   []string // shell commands run in Dir before spawn (environment bootstrap)

	Transport TransportKind
	FIFOPath  string // used when Transport == TransportFIFO

	// Relay routes the child's output through the router. When false the
	// output is only drained into the log sink.
	Relay bool

	ReadyMarker  string        // substring that marks the child ready; empty disables the handshake
	FailMarker   string        // substring that marks startup failure
	ReadyTimeout time.Duration // bound on the handshake and on FIFO connection

	SweepPattern string // regexp matched against command lines of stray processes
}

// LedgerEntry is a persisted record of a spawned child.
type LedgerEntry struct {
	RunID     string
	Role      Role
	PID       int
	Command   string
	StartedAt time.Time

	// OwnerPID and OwnerStarted identify the buddy process that spawned the
	// child; a live owner keeps its entries from being reaped.
	OwnerPID     int
	OwnerStarted int64 // ms since epoch
}

// ErrTransportClosed is returned by operations on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// ErrRoleRunning is returned when a second child is registered for a running role.
var ErrRoleRunning = errors.New("role already running")

// SpawnError reports a failure to bring a child up. It is fatal to startup.
type SpawnError struct {
	Role  Role
	Stage string // "workdir", "bootstrap", "transport", "start", "ready"
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Role, e.Stage, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IOError reports a failed read or write on a transport.
type IOError struct {
	Role Role
	Op   string // "read" or "write"
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Role, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
