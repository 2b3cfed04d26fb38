package pool

import (
	"context"
	"fmt"
	"io"
	"time"

	perrors "github.com/turtacn/Portus/pkg/errors"
)

// Spawner starts worker processes. Spawn blocks until the worker announced
// its sockets or ctx expires; the pool always calls it outside its lock.
type Spawner interface {
	Spawn(ctx context.Context, opts Options) (*SpawnResult, error)
}

// ProcessHandle controls the OS side of a spawned worker.
type ProcessHandle interface {
	// Exited reports whether the worker is known to be gone.
	Exited() bool
	// Kill terminates the worker without waiting for a graceful exit.
	Kill() error
}

// SpawnResult describes a worker that finished starting.
type SpawnResult struct {
	PID     int
	Gupid   string
	Sockets []SocketSpec

	// AdminPipe is the write end of the worker's stdin. Closing it asks the
	// worker to exit.
	AdminPipe io.WriteCloser
	Handle    ProcessHandle
	// Dummy marks in-process test doubles.
	Dummy bool

	SpawnStartTime time.Time
	SpawnEndTime   time.Time
}

// SpawnError is a failed spawn with the details the friendly error page shows.
type SpawnError struct {
	Summary  string
	Problem  string
	Solution string
	// Output holds what the worker printed before failing.
	Output string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn failed: %s: %v", e.Summary, e.Err)
	}
	return "spawn failed: " + e.Summary
}

// Unwrap exposes a PortusError with ErrCodeSpawnFailed (or the cause's own
// code) so callers can classify it with perrors.Is.
func (e *SpawnError) Unwrap() error {
	if perrors.CodeOf(e.Err) != perrors.ErrCodeUnknown {
		return e.Err
	}
	return perrors.New(perrors.ErrCodeSpawnFailed, "spawner.spawn", e.Summary, e.Err)
}

// Personal.AI order the ending
