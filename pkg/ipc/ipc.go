package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/siftwell/courier/pkg/log"
	"github.com/siftwell/courier/pkg/metrics"
	"github.com/siftwell/courier/pkg/types"
)

var (
	// ErrStopped is returned when a wait is cancelled by shutdown
	ErrStopped = errors.New("stopped while waiting on ipc channel")

	// ErrNotConnected is returned when the channel endpoints are not open
	ErrNotConnected = errors.New("ipc channel is not connected")

	// ErrBadMessage is returned when the done channel delivers a line that
	// does not parse as a completion message. The channel is invalidated;
	// this is a channel fault, not a task outcome.
	ErrBadMessage = errors.New("done channel received an invalid message")
)

// Completion is the inbound message ending one task: the path of the
// result/error descriptor written by the worker and the terminal status it
// reports.
type Completion struct {
	Path   string
	Status types.Status
}

// Channel is the strictly-ordered, one-task-at-a-time handoff between this
// process and the worker: a write-only task fifo carrying descriptor paths
// out, and a read-only done fifo carrying completion messages back.
type Channel struct {
	taskPath string
	donePath string

	pollInterval time.Duration

	mu      sync.Mutex
	task    *os.File
	done    *os.File
	lines   chan string
	readErr chan error

	logger zerolog.Logger
}

// NewChannel creates a channel over the two fifo paths. Nothing is opened
// until Connect.
func NewChannel(taskPath, donePath string) *Channel {
	return &Channel{
		taskPath:     taskPath,
		donePath:     donePath,
		pollInterval: time.Second,
		logger:       log.WithComponent("ipc"),
	}
}

// SetPollInterval overrides the endpoint existence poll interval (tests)
func (c *Channel) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

// Connect blocks until both fifo endpoints exist, then opens the task fifo
// for writing and the done fifo for reading. The worker may not have created
// the fifos yet; the existence wait polls and is cancelled by stop.
func (c *Channel) Connect(stop <-chan struct{}) error {
	c.logger.Info().Str("path", c.taskPath).Msg("waiting for receive task named pipe to be ready")
	if err := c.waitForPath(c.taskPath, stop); err != nil {
		return err
	}
	task, err := os.OpenFile(c.taskPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open task pipe: %w", err)
	}

	c.logger.Info().Str("path", c.donePath).Msg("waiting for complete task named pipe to be ready")
	if err := c.waitForPath(c.donePath, stop); err != nil {
		task.Close()
		return err
	}
	done, err := os.Open(c.donePath)
	if err != nil {
		task.Close()
		return fmt.Errorf("failed to open done pipe: %w", err)
	}

	lines := make(chan string, 1)
	readErr := make(chan error, 1)
	go readLoop(done, lines, readErr)

	c.mu.Lock()
	c.task = task
	c.done = done
	c.lines = lines
	c.readErr = readErr
	c.mu.Unlock()

	return nil
}

// readLoop delivers done-fifo lines until the fifo errors or closes
func readLoop(done *os.File, lines chan<- string, readErr chan<- error) {
	scanner := bufio.NewScanner(done)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	readErr <- err
}

// Connected reports whether both endpoints are open
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task != nil && c.done != nil
}

// Dispatch writes one task descriptor path to the worker. The write is
// unbuffered so the worker observes it immediately. A write failure
// invalidates the channel.
func (c *Channel) Dispatch(path string) error {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()

	if task == nil {
		return ErrNotConnected
	}

	if _, err := task.WriteString(path + "\n"); err != nil {
		c.Invalidate()
		metrics.ChannelFaults.Inc()
		return fmt.Errorf("task pipe write failed: %w", err)
	}
	return nil
}

// AwaitCompletion blocks until the worker reports completion. If stop fires
// first, the inbound channel is kept open for up to grace so a final
// completion message still coming can be received; after that ErrStopped is
// returned. A broken pipe or malformed message invalidates the channel.
func (c *Channel) AwaitCompletion(stop <-chan struct{}, grace time.Duration) (Completion, error) {
	c.mu.Lock()
	lines, readErr := c.lines, c.readErr
	connected := c.done != nil
	c.mu.Unlock()

	if !connected {
		return Completion{}, ErrNotConnected
	}

	select {
	case line := <-lines:
		return c.parse(line)
	case err := <-readErr:
		return Completion{}, c.fault(fmt.Errorf("done pipe read failed: %w", err))
	case <-stop:
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case line := <-lines:
		return c.parse(line)
	case err := <-readErr:
		return Completion{}, c.fault(fmt.Errorf("done pipe read failed: %w", err))
	case <-timer.C:
		return Completion{}, ErrStopped
	}
}

// parse decodes one done-fifo line: a two-element JSON array of descriptor
// path and status
func (c *Channel) parse(line string) (Completion, error) {
	var parts []string
	if err := json.Unmarshal([]byte(line), &parts); err != nil || len(parts) != 2 {
		c.logger.Error().Str("message", line).Msg("done pipe received an invalid message")
		return Completion{}, c.fault(ErrBadMessage)
	}

	status := types.Status(parts[1])
	if !status.Valid() {
		c.logger.Error().Str("message", line).Msg("done pipe reported an unknown status")
		return Completion{}, c.fault(ErrBadMessage)
	}

	return Completion{Path: parts[0], Status: status}, nil
}

// fault invalidates the channel and counts the fault
func (c *Channel) fault(err error) error {
	c.Invalidate()
	metrics.ChannelFaults.Inc()
	return err
}

// Invalidate closes both endpoints and marks the channel not connected. The
// channel must be reconnected before the next task.
func (c *Channel) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task != nil {
		c.task.Close()
		c.task = nil
	}
	if c.done != nil {
		c.done.Close()
		c.done = nil
	}
}

// CloseTask closes the outbound endpoint only. This forces the worker's
// blocking read to unblock while leaving the done fifo open so a final
// completion message can still arrive during shutdown.
func (c *Channel) CloseTask() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task != nil {
		c.task.Close()
		c.task = nil
	}
}

// waitForPath polls until path exists as a filesystem object or stop fires
func (c *Channel) waitForPath(path string, stop <-chan struct{}) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-stop:
			return ErrStopped
		case <-ticker.C:
		}
	}
}
