package client

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultTaskInterval is the fixed delay between task status reads.
const DefaultTaskInterval = 2 * time.Second

// ErrTaskTimeout is returned when a task does not finish before its deadline.
var ErrTaskTimeout = errors.New("timeout waiting for proxmox task")

var exitCodePattern = regexp.MustCompile(`exit code (\d+)`)

// TaskFailedError is returned when a task finished with a non-OK exit status.
type TaskFailedError struct {
	UPID       UPID
	ExitStatus string
	ExitCode   int
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("proxmox task %s failed (exit code %d): %s", e.UPID, e.ExitCode, e.ExitStatus)
}

// TaskStatusReader is the part of the Proxmox API the poller needs.
type TaskStatusReader interface {
	GetTaskStatus(ctx context.Context, node string, upid UPID) (*TaskStatus, error)
}

// TaskPoller blocks until an asynchronous Proxmox task finishes.
type TaskPoller struct {
	reader   TaskStatusReader
	clock    clockwork.Clock
	interval time.Duration
}

// NewTaskPoller creates a poller reading task state every interval.
func NewTaskPoller(reader TaskStatusReader, clock clockwork.Clock, interval time.Duration) *TaskPoller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultTaskInterval
	}
	return &TaskPoller{reader: reader, clock: clock, interval: interval}
}

// WaitForTask polls the task until it stops, the timeout elapses or ctx is
// cancelled. An empty UPID is a synchronous call and returns immediately.
func (p *TaskPoller) WaitForTask(ctx context.Context, node string, upid UPID, timeout time.Duration) error {
	if upid == "" {
		return nil
	}

	deadline := p.clock.Now().Add(timeout)
	for {
		status, err := p.reader.GetTaskStatus(ctx, node, upid)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("node", node).Str("upid", string(upid)).Msg("Failed to read task status")
		case status.Finished():
			if status.ExitStatus == "OK" {
				return nil
			}
			return &TaskFailedError{UPID: upid, ExitStatus: status.ExitStatus, ExitCode: exitCode(status.ExitStatus)}
		}

		if !p.clock.Now().Before(deadline) {
			return fmt.Errorf("%w %s after %s", ErrTaskTimeout, upid, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.interval):
		}
	}
}

// exitCode extracts the numeric code from PVE exit strings such as
// "command 'qm start 101' failed: exit code 2"; other failures map to 1.
func exitCode(exitStatus string) int {
	if m := exitCodePattern.FindStringSubmatch(exitStatus); m != nil {
		if code, err := strconv.Atoi(m[1]); err == nil {
			return code
		}
	}
	return 1
}
