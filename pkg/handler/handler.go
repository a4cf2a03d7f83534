package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/siftwell/courier/pkg/config"
	"github.com/siftwell/courier/pkg/filestore"
	"github.com/siftwell/courier/pkg/gateway"
	"github.com/siftwell/courier/pkg/ipc"
	"github.com/siftwell/courier/pkg/log"
	"github.com/siftwell/courier/pkg/manifest"
	"github.com/siftwell/courier/pkg/metrics"
	"github.com/siftwell/courier/pkg/types"
)

const (
	manifestPollInterval = 100 * time.Millisecond

	// defaultShutdownGrace applies when no task request or task is in
	// flight at the time of the stop request
	defaultShutdownGrace = 10 * time.Second

	// taskRetryWait spaces out task acquisition attempts after a terminal
	// request failure so the loop does not spin hot
	taskRetryWait = time.Second
)

// Handler drives one task at a time from acquisition to completion: acquire
// task, ensure the file is present, dispatch to the worker over the IPC
// channel, await completion, classify the outcome, report it, clean up.
type Handler struct {
	cfg     *config.Config
	session *gateway.Session
	files   *filestore.Client
	channel *ipc.Channel

	manifest *manifest.Manifest

	// mu guards status and task; both are read from the crash signal path
	mu     sync.Mutex
	status types.Status
	task   *types.Task

	tasksProcessed int
	shutdownGrace  time.Duration

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	logger zerolog.Logger
}

// New creates a task handler from the environment configuration
func New(cfg *config.Config) *Handler {
	session := gateway.NewSession(cfg.APIHost, cfg.APIKey, cfg.ContainerID,
		cfg.DefaultRequestTimeout, cfg.RootCAPath)

	return &Handler{
		cfg:           cfg,
		session:       session,
		files:         filestore.NewClient(session, cfg.TaskingDir, cfg.FileRequestTimeout),
		channel:       ipc.NewChannel(cfg.TaskFifoPath(), cfg.DoneFifoPath()),
		shutdownGrace: defaultShutdownGrace,
		stopCh:        make(chan struct{}),
		logger:        log.WithComponent("handler"),
	}
}

// Run executes the task-handler run loop until Stop is called, the task
// limit is reached, or the server asks the service to stand down. Setup
// errors (registration rejections) are returned; per-task failures never
// abort the loop.
func (h *Handler) Run() error {
	h.running.Store(true)
	ctx := context.Background()

	if err := h.initialize(ctx); err != nil {
		return err
	}
	if !h.running.Load() {
		return nil
	}

	if err := os.MkdirAll(h.cfg.TaskingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create tasking directory: %w", err)
	}

	for h.running.Load() {
		if h.cfg.TaskLimit > 0 && h.tasksProcessed >= h.cfg.TaskLimit {
			h.logger.Info().Int("tasks_processed", h.tasksProcessed).
				Msg("task limit reached, stopping for container recycling")
			h.Stop()
			return nil
		}

		task, err := h.getTask(ctx)
		if err != nil {
			h.logger.Error().Err(err).Msg("task request failed")
			select {
			case <-h.stopCh:
			case <-time.After(taskRetryWait):
			}
			continue
		}
		if task == nil {
			continue
		}

		h.setTask(task)
		h.processTask(ctx, task)
		h.setTask(nil)

		// An IPC fault requires a fresh channel epoch before the next task
		if !h.channel.Connected() && h.running.Load() {
			if h.cfg.ContainerMode {
				h.Stop()
				return nil
			}
			if err := h.channel.Connect(h.stopCh); err != nil {
				if errors.Is(err, ipc.ErrStopped) {
					return nil
				}
				return fmt.Errorf("failed to reconnect ipc channel: %w", err)
			}
		}
	}

	return nil
}

// initialize loads the manifest, registers with the task server and
// connects the IPC channel. Explicit HTTP errors during registration are
// fatal; an unreachable server is retried indefinitely by the gateway.
func (h *Handler) initialize(ctx context.Context) error {
	h.setStatus(types.StatusInitializing)

	key := "**custom key**"
	if h.cfg.UsingDefaultKey() {
		key = "**default key** - you should consider setting SERVICE_API_KEY"
	}
	h.logger.Info().
		Str("api_host", h.cfg.APIHost).
		Str("api_key", key).
		Str("container_id", h.cfg.ContainerID).
		Msg("task handler starting")

	m, err := manifest.Load(h.cfg.ManifestPath(), h.stopCh, manifestPollInterval)
	if err != nil {
		if errors.Is(err, manifest.ErrStopped) {
			return nil
		}
		return err
	}
	h.mu.Lock()
	h.manifest = m
	h.mu.Unlock()

	h.session.SetHeader("Service-Name", m.Service.Name)
	h.session.SetHeader("Service-Version", m.Service.Version)
	h.session.SetHeader("Service-Tool-Version", m.Service.ToolVersion)

	payload, err := json.Marshal(m.Data())
	if err != nil {
		return fmt.Errorf("failed to serialize service manifest: %w", err)
	}
	raw, err := h.session.DoAPI(ctx, http.MethodPut, h.session.APIPath("service", "register"), gateway.Options{
		Body:        gateway.NewBytesBody(payload),
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("service registration failed: %w", err)
	}

	var reg types.RegisterResponse
	if err := json.Unmarshal(raw, &reg); err != nil {
		return fmt.Errorf("failed to parse registration response: %w", err)
	}

	if !reg.KeepAlive || h.cfg.RegisterOnly {
		h.logger.Info().Int("new_heuristics", len(reg.NewHeuristics)).
			Msg("service registered, now stopping")
		h.setStatus(types.StatusStopping)
		h.Stop()
		return nil
	}
	h.logger.Info().Int("new_heuristics", len(reg.NewHeuristics)).Msg("service registered")

	if err := h.manifest.Update(reg.ServiceConfig); err != nil {
		return err
	}

	if err := h.channel.Connect(h.stopCh); err != nil {
		if errors.Is(err, ipc.ErrStopped) {
			return nil
		}
		return err
	}
	return nil
}

// getTask asks the server for one task with a bounded wait. No task is not
// an error; a malformed task payload is logged and discarded.
func (h *Handler) getTask(ctx context.Context) (*types.Task, error) {
	h.setStatus(types.StatusWaitingForTask)

	timeoutSecs := int(h.cfg.TaskRequestTimeout.Seconds())
	h.logger.Info().Int("timeout", timeoutSecs).Msg("requesting a task")

	raw, err := h.session.DoAPI(ctx, http.MethodGet, h.session.APIPath("task"), gateway.Options{
		Headers: map[string]string{"Timeout": strconv.Itoa(timeoutSecs)},
		Timeout: h.cfg.TaskRequestTimeout * 2,
	})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Task json.RawMessage `json:"task"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse task response: %w", err)
	}
	if envelope.Task == nil || bytes.Equal(bytes.TrimSpace(envelope.Task), []byte("false")) {
		h.logger.Info().Msg("no task received")
		return nil, nil
	}

	var task types.Task
	if err := json.Unmarshal(envelope.Task, &task); err != nil {
		h.logger.Error().Err(err).Msg("invalid task received")
		return nil, nil
	}
	if task.Sid == "" {
		h.logger.Error().Msg("invalid task received: missing submission id")
		return nil, nil
	}

	// Fill defaults for submission parameters the submitter left unset
	merged := make(map[string]any, len(h.manifest.Service.SubmissionParams)+len(task.ServiceConfig))
	for _, p := range h.manifest.Service.SubmissionParams {
		merged[p.Name] = p.Default
	}
	for k, v := range task.ServiceConfig {
		merged[k] = v
	}
	task.ServiceConfig = merged

	slog := log.WithSID(task.Sid)
	slog.Info().Msg("new task received")
	return &task, nil
}

// processTask drives one acquired task through download, dispatch,
// completion and reporting. The terminal status decides the reporting path.
func (h *Handler) processTask(ctx context.Context, task *types.Task) {
	slog := log.WithSID(task.Sid)
	start := time.Now()

	proceed := true
	if h.manifest.Service.FileRequired {
		proceed = h.downloadTaskFile(ctx, task)
	} else {
		h.setStatus(types.StatusDownloadingFileCompleted)
	}

	var resultPath string
	if proceed {
		descriptor := task.DescriptorPath(h.cfg.TaskingDir)
		if err := writeDescriptor(task, descriptor); err != nil {
			slog.Error().Err(err).Msg("failed to write task descriptor")
			h.setStatus(types.StatusErrorFound)
		} else {
			slog.Info().Str("path", descriptor).Msg("saved task descriptor")
			h.setStatus(types.StatusProcessing)
			resultPath = h.dispatchAndWait(slog, descriptor)
		}
	}

	h.tasksProcessed++

	switch h.getStatus() {
	case types.StatusResultFound:
		slog.Info().Msg("task successfully completed")
		metrics.TasksProcessed.WithLabelValues("result").Inc()
		h.handleTaskResult(ctx, resultPath, task)
	case types.StatusErrorFound:
		slog.Info().Msg("task completed with errors")
		metrics.TasksProcessed.WithLabelValues("error").Inc()
		h.handleTaskError(ctx, task, errorReport{DescriptorPath: resultPath})
	case types.StatusFileNotFound:
		slog.Info().Msg("task completed with errors due to missing file from filestore")
		metrics.TasksProcessed.WithLabelValues("file_not_found").Inc()
		h.handleTaskError(ctx, task, errorReport{
			Status: types.ErrorStatusNonRecoverable,
			Type:   types.ErrorTypeException,
		})
	}

	metrics.TaskDuration.Observe(time.Since(start).Seconds())
	h.cleanupWorkingDirectory(h.cfg.TaskingDir)
}

// dispatchAndWait sends the descriptor to the worker and blocks until it
// reports completion. The returned path is the worker's result or error
// descriptor; IPC faults leave the channel invalidated and mark the task
// failed recoverable.
func (h *Handler) dispatchAndWait(slog zerolog.Logger, descriptor string) string {
	if err := h.channel.Dispatch(descriptor); err != nil {
		if h.running.Load() {
			slog.Error().Err(err).Msg("task pipe is broken, marking task as failed recoverable")
		}
		h.setStatus(types.StatusErrorFound)
		return ""
	}

	comp, err := h.channel.AwaitCompletion(h.stopCh, h.serviceTimeout())
	switch {
	case err == nil:
		h.setStatus(comp.Status)
		return comp.Path
	case errors.Is(err, ipc.ErrStopped):
		h.setStatus(types.StatusErrorFound)
	default:
		if h.running.Load() {
			slog.Error().Err(err).Msg("done pipe fault, marking task as failed recoverable")
		}
		h.setStatus(types.StatusErrorFound)
	}
	return ""
}

// downloadTaskFile maps filestore outcomes onto handler statuses: each
// distinct failure becomes a different terminal outcome for the task.
func (h *Handler) downloadTaskFile(ctx context.Context, task *types.Task) bool {
	h.setStatus(types.StatusDownloadingFile)

	_, err := h.files.Download(ctx, task.FileInfo.SHA256, task.Sid)
	switch {
	case err == nil:
		h.setStatus(types.StatusDownloadingFileCompleted)
		return true
	case errors.Is(err, filestore.ErrNotFound):
		h.setStatus(types.StatusFileNotFound)
	default:
		// invalid hash, hash mismatch, no response or generic failure
		h.setStatus(types.StatusErrorFound)
	}
	return false
}

// cleanupWorkingDirectory deletes everything in the tasking directory
// except the live fifo endpoints and the shared manifest. Per-entry removal
// failures are ignored.
func (h *Handler) cleanupWorkingDirectory(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	keep := map[string]struct{}{
		h.cfg.TaskFifoPath(): {},
		h.cfg.DoneFifoPath(): {},
		h.cfg.ManifestPath(): {},
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if _, ok := keep[path]; ok {
			continue
		}
		_ = os.RemoveAll(path)
	}
}

// Stop requests a graceful shutdown. The grace period depends on the
// current state: an in-flight task request may still yield a task that the
// worker then needs the full service timeout for; a running task gets the
// service timeout; otherwise a short default applies. Only the outbound
// fifo is closed so the worker can still deliver a final completion.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		status := h.getStatus()
		switch {
		case status == types.StatusWaitingForTask:
			h.shutdownGrace = h.cfg.TaskRequestTimeout + h.serviceTimeout()
		case status != types.StatusInitializing && status != "" && status != types.StatusStopping:
			h.shutdownGrace = h.serviceTimeout()
		default:
			h.shutdownGrace = defaultShutdownGrace
		}

		h.running.Store(false)
		close(h.stopCh)

		h.logger.Info().Dur("grace", h.shutdownGrace).Msg("closing task named pipe")
		h.channel.CloseTask()
	})
}

// HandleWorkerCrash reacts to the external crash signal: the worker is
// presumed dead, so any active task gets a synthesized error report instead
// of the normal completion wait, then shutdown begins.
func (h *Handler) HandleWorkerCrash() {
	h.logger.Error().Msg("worker crash signal received")

	h.mu.Lock()
	task := h.task
	h.mu.Unlock()

	if task != nil {
		h.handleTaskError(context.Background(), task, errorReport{})
	}
	h.Stop()
}

// ShutdownGrace returns the grace period computed by Stop
func (h *Handler) ShutdownGrace() time.Duration {
	return h.shutdownGrace
}

// Status returns the current state machine status
func (h *Handler) Status() types.Status {
	return h.getStatus()
}

// TasksProcessed returns the number of completed task cycles
func (h *Handler) TasksProcessed() int {
	return h.tasksProcessed
}

// serviceTimeout and serviceVersion read manifest fields under the handler
// mutex: the stop and crash paths run on the signal goroutine while the run
// loop may be updating the manifest.
func (h *Handler) serviceTimeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.manifest != nil {
		return h.manifest.Service.Timeout
	}
	return defaultShutdownGrace
}

func (h *Handler) serviceVersion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.manifest != nil {
		return h.manifest.Service.Version
	}
	return "0"
}

func (h *Handler) setStatus(s types.Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *Handler) getStatus() types.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handler) setTask(t *types.Task) {
	h.mu.Lock()
	h.task = t
	h.mu.Unlock()
}

// writeDescriptor serializes the task for the worker
func writeDescriptor(task *types.Task, path string) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
