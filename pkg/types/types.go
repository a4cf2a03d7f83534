package types

import (
	"fmt"
	"path/filepath"
)

// Status represents the current state of the task handler state machine
type Status string

const (
	StatusInitializing             Status = "INITIALIZING"
	StatusWaitingForTask           Status = "WAITING_FOR_TASK"
	StatusDownloadingFile          Status = "DOWNLOADING_FILE"
	StatusDownloadingFileCompleted Status = "DOWNLOADING_FILE_COMPLETED"
	StatusProcessing               Status = "PROCESSING"
	StatusResultFound              Status = "RESULT_FOUND"
	StatusErrorFound               Status = "ERROR_FOUND"
	StatusStopping                 Status = "STOPPING"
	StatusFileNotFound             Status = "FILE_NOT_FOUND"
)

// Valid reports whether s is one of the known handler statuses
func (s Status) Valid() bool {
	switch s {
	case StatusInitializing, StatusWaitingForTask, StatusDownloadingFile,
		StatusDownloadingFileCompleted, StatusProcessing, StatusResultFound,
		StatusErrorFound, StatusStopping, StatusFileNotFound:
		return true
	}
	return false
}

// Error record constants for task error reports
const (
	ErrorStatusRecoverable    = "FAIL_RECOVERABLE"
	ErrorStatusNonRecoverable = "FAIL_NONRECOVERABLE"

	ErrorTypeUnknown   = "UNKNOWN"
	ErrorTypeException = "EXCEPTION"

	// DefaultErrorMessage is reported when the worker terminated without
	// producing an error record of its own.
	DefaultErrorMessage = "The service instance processing this task has terminated unexpectedly."
)

// FileInfo describes the file attached to a task
type FileInfo struct {
	Magic    string `json:"magic,omitempty"`
	MD5      string `json:"md5,omitempty"`
	MimeType string `json:"mime,omitempty"`
	SHA1     string `json:"sha1,omitempty"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Task is one unit of analysis work assigned by the task server.
// It exists only for the duration of a single processing cycle; the only
// local artifact is the serialized descriptor handed to the worker.
type Task struct {
	Sid               string            `json:"sid"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	MinClassification string            `json:"min_classification,omitempty"`
	FileInfo          FileInfo          `json:"fileinfo"`
	ServiceName       string            `json:"service_name"`
	ServiceConfig     map[string]any    `json:"service_config"`
	DepthLimit        int               `json:"depth_limit,omitempty"`
	MaxFiles          int               `json:"max_files,omitempty"`
	TTL               int               `json:"ttl"`
	DeepScan          bool              `json:"deep_scan,omitempty"`
	IgnoreCache       bool              `json:"ignore_cache,omitempty"`
	Priority          int               `json:"priority,omitempty"`
}

// DescriptorPath returns the path of the serialized task descriptor inside
// the tasking directory. The name is derived from (sid, sha256) so each task
// maps to exactly one descriptor file.
func (t *Task) DescriptorPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_task.json", t.Sid, t.FileInfo.SHA256))
}

// ErrorResponse is the inner body of a task error report
type ErrorResponse struct {
	Message        string `json:"message"`
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Status         string `json:"status"`
}

// ErrorRecord is the structured error reported to the task server when a
// task terminates without a result
type ErrorRecord struct {
	Response ErrorResponse `json:"response"`
	SHA256   string        `json:"sha256"`
	Type     string        `json:"type"`
}

// RegisterResponse is the server reply to a service registration
type RegisterResponse struct {
	KeepAlive     bool           `json:"keep_alive"`
	NewHeuristics []any          `json:"new_heuristics"`
	ServiceConfig map[string]any `json:"service_config"`
}

// SubmitResponse is the server reply to a task result or error report
type SubmitResponse struct {
	Success      bool     `json:"success"`
	MissingFiles []string `json:"missing_files"`
}
