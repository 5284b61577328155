// Package supervisor wraps the external process manager that runs
// hle-client relay processes. The lifecycle controller only ever sees the
// three raw states defined here; the manager's richer vocabulary stays
// behind this interface.
package supervisor

import (
	"context"

	"github.com/hle-world/hle-addon/internal/domain"
)

// RawState is the reduced process state vocabulary exposed to the
// controller.
type RawState string

const (
	// RawRunning means the process exists and has not exited.
	RawRunning RawState = "running"
	// RawExited means the process ran and terminated; ExitCode is valid.
	RawExited RawState = "exited"
	// RawAbsent means the manager has no record of the process.
	RawAbsent RawState = "absent"
)

// Handle identifies one spawned relay process.
type Handle struct {
	TunnelID  string
	ProcessID string // manager-native identifier (container ID)
}

// ProcessState is the observed state of a handle.
type ProcessState struct {
	State    RawState
	ExitCode int // valid only when State is RawExited
}

// Supervisor starts, stops, and observes relay-client processes.
// Implementations must make Terminate idempotent: terminating an
// already-dead or unknown process is not an error.
type Supervisor interface {
	// Spawn launches a relay process for the tunnel and returns its handle.
	Spawn(ctx context.Context, cfg domain.TunnelConfig, apiKey string) (Handle, error)

	// Terminate stops and deregisters the process. Idempotent.
	Terminate(ctx context.Context, h Handle) error

	// Observe reports the process's raw state.
	Observe(ctx context.Context, h Handle) (ProcessState, error)

	// TailLogs returns up to n most recent log lines, oldest first. An
	// absent process yields no lines, not an error.
	TailLogs(ctx context.Context, h Handle, n int) ([]string, error)

	// StreamLogs sends log lines to out until ctx is cancelled or the
	// process exits. It does not close out.
	StreamLogs(ctx context.Context, h Handle, out chan<- string) error

	// List returns handles for every process the manager knows about that
	// was spawned by this supervisor, regardless of state. Used for
	// startup reconciliation.
	List(ctx context.Context) ([]Handle, error)
}
