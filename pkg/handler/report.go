package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/siftwell/courier/pkg/filestore"
	"github.com/siftwell/courier/pkg/gateway"
	"github.com/siftwell/courier/pkg/log"
	"github.com/siftwell/courier/pkg/types"
)

// resultFile is a produced file referenced by a result, tracked locally so
// the server can demand its content after the result is submitted
type resultFile struct {
	SHA256          string
	Classification  string
	Path            string
	IsSectionImage  bool
	IsSupplementary bool
}

// handleTaskResult submits the worker's result and satisfies every
// missing-file demand the server makes. The first submission freshens the
// file records; re-submissions after uploads do not, so the loop converges.
func (h *Handler) handleTaskResult(ctx context.Context, resultPath string, task *types.Task) {
	slog := log.WithSID(task.Sid)

	result, produced, err := loadResult(resultPath)
	if err != nil {
		slog.Error().Err(err).Msg("failed to load result descriptor")
		h.handleTaskError(ctx, task, errorReport{
			Message: fmt.Sprintf("failed to load result descriptor: %v", err),
			Status:  types.ErrorStatusNonRecoverable,
			Type:    types.ErrorTypeException,
		})
		return
	}

	// A worker may discover its tool version lazily; keep the identity
	// headers truthful for everything sent after this result. The worker
	// reports the version inside the result's response block.
	if response, ok := result["response"].(map[string]any); ok {
		if tv, ok := response["service_tool_version"].(string); ok && tv != "" {
			if tv != h.session.Header("Service-Tool-Version") {
				h.session.SetHeader("Service-Tool-Version", tv)
				h.mu.Lock()
				h.manifest.Service.ToolVersion = tv
				h.mu.Unlock()
			}
		}
	}

	payload := map[string]any{
		"task":    task,
		"result":  result,
		"freshen": true,
	}

	resp, err := h.submitTask(ctx, payload)
	if err != nil {
		h.reportSubmitFailure(ctx, task, err)
		return
	}

	for !resp.Success && len(resp.MissingFiles) > 0 {
		slog.Info().Int("count", len(resp.MissingFiles)).
			Msg("server is missing result files, uploading them")

		for _, sha := range resp.MissingFiles {
			file, ok := produced[sha]
			if !ok {
				h.handleTaskError(ctx, task, errorReport{
					Message: fmt.Sprintf("server requested unknown file %s", sha),
					Status:  types.ErrorStatusNonRecoverable,
					Type:    types.ErrorTypeException,
				})
				return
			}
			err := h.files.Upload(ctx, file.Path, filestore.UploadMeta{
				SHA256:          file.SHA256,
				Classification:  file.Classification,
				TTL:             task.TTL,
				IsSectionImage:  file.IsSectionImage,
				IsSupplementary: file.IsSupplementary,
			})
			if err != nil {
				h.reportSubmitFailure(ctx, task, err)
				return
			}
		}

		payload["freshen"] = false
		resp, err = h.submitTask(ctx, payload)
		if err != nil {
			h.reportSubmitFailure(ctx, task, err)
			return
		}
	}

	slog.Info().Msg("task result accepted by server")
}

// reportSubmitFailure converts a terminal submission failure into a
// non-recoverable error report so the submission is not left dangling
func (h *Handler) reportSubmitFailure(ctx context.Context, task *types.Task, err error) {
	slog := log.WithSID(task.Sid)
	slog.Error().Err(err).Msg("failed to submit task result")
	h.handleTaskError(ctx, task, errorReport{
		Message: err.Error(),
		Status:  types.ErrorStatusNonRecoverable,
		Type:    types.ErrorTypeException,
	})
}

// loadResult reads the worker's result descriptor and indexes the files it
// references by sha256. Local paths are stripped from the document before it
// goes to the server; they only matter for subsequent uploads.
func loadResult(path string) (map[string]any, map[string]resultFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, nil, fmt.Errorf("result descriptor is not valid JSON: %w", err)
	}

	produced := make(map[string]resultFile)
	response, _ := result["response"].(map[string]any)
	for _, key := range []string{"extracted", "supplementary"} {
		items, ok := response[key].([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			sha, _ := entry["sha256"].(string)
			if sha == "" {
				continue
			}
			f := resultFile{SHA256: sha, IsSupplementary: key == "supplementary"}
			f.Path, _ = entry["path"].(string)
			f.Classification, _ = entry["classification"].(string)
			f.IsSectionImage, _ = entry["is_section_image"].(bool)
			produced[sha] = f
			delete(entry, "path")
		}
	}

	return result, produced, nil
}

// errorReport describes how to build a task error record. Zero-value fields
// fall back to the defaults of a worker that died without explanation.
type errorReport struct {
	// DescriptorPath, when set, points at an error record the worker wrote;
	// it replaces the synthesized one.
	DescriptorPath string

	Message string
	Status  string
	Type    string
}

// handleTaskError reports a failed task to the server. Reporting failures
// are logged but never abort the run loop; the server will time the task
// out on its own.
func (h *Handler) handleTaskError(ctx context.Context, task *types.Task, report errorReport) {
	if task == nil {
		return
	}
	slog := log.WithSID(task.Sid)

	record := h.buildErrorRecord(task, report)
	if record.Response.Message == "" {
		record.Response.Message = types.DefaultErrorMessage
	}

	payload := map[string]any{
		"task":  task,
		"error": record,
	}
	if _, err := h.submitTask(ctx, payload); err != nil {
		slog.Error().Err(err).Msg("failed to submit task error report")
		return
	}
	slog.Info().Str("status", record.Response.Status).Msg("task error reported")
}

// buildErrorRecord synthesizes an error record from the report, preferring
// the worker's own error descriptor when one exists
func (h *Handler) buildErrorRecord(task *types.Task, report errorReport) types.ErrorRecord {
	version := h.serviceVersion()

	record := types.ErrorRecord{
		Response: types.ErrorResponse{
			Message:        report.Message,
			ServiceName:    task.ServiceName,
			ServiceVersion: version,
			Status:         report.Status,
		},
		SHA256: task.FileInfo.SHA256,
		Type:   report.Type,
	}
	if record.Response.Status == "" {
		record.Response.Status = types.ErrorStatusRecoverable
	}
	if record.Type == "" {
		record.Type = types.ErrorTypeUnknown
	}

	if report.DescriptorPath != "" {
		slog := log.WithSID(task.Sid)
		raw, err := os.ReadFile(report.DescriptorPath)
		if err != nil {
			slog.Error().Err(err).Msg("error occurred while loading service error file")
			return record
		}
		var loaded types.ErrorRecord
		if err := json.Unmarshal(raw, &loaded); err != nil {
			slog.Error().Err(err).Msg("error occurred while loading service error file")
			return record
		}
		if loaded.SHA256 == "" {
			loaded.SHA256 = task.FileInfo.SHA256
		}
		if loaded.Response.ServiceVersion == "" {
			loaded.Response.ServiceVersion = version
		}
		return loaded
	}

	return record
}

// submitTask posts a result or error payload for the current task and
// decodes the server's verdict. Connection-level failures are retried
// indefinitely by the session; only explicit server rejections surface here.
func (h *Handler) submitTask(ctx context.Context, payload map[string]any) (*types.SubmitResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize task report: %w", err)
	}

	raw, err := h.session.DoAPI(ctx, http.MethodPost, h.session.APIPath("task"), gateway.Options{
		Body:        gateway.NewBytesBody(body),
		ContentType: "application/json",
		Timeout:     h.cfg.TaskRequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	var resp types.SubmitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse task report response: %w", err)
	}
	return &resp, nil
}
