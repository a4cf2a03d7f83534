package manifest

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siftwell/courier/pkg/log"
)

// ErrStopped is returned when the manifest wait is cancelled by shutdown
var ErrStopped = errors.New("stopped while waiting for service manifest")

// defaultServiceTimeout applies when the manifest does not declare one
const defaultServiceTimeout = 60 * time.Second

// SubmissionParam is a user-tunable parameter a service declares; its
// default fills any value the submission left unset.
type SubmissionParam struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type,omitempty"`
	Default any    `yaml:"default"`
	Value   any    `yaml:"value,omitempty"`
}

// Service is the identity and behavior the manifest declares for the
// service this sidecar fronts
type Service struct {
	Name             string
	Version          string
	ToolVersion      string
	FileRequired     bool
	Timeout          time.Duration
	Heuristics       []map[string]any
	SubmissionParams []SubmissionParam
	Config           map[string]any
}

// Manifest is the service manifest file shared between this process and the
// worker. The raw document is preserved so registration can send it
// unmodified and updates do not drop unknown keys.
type Manifest struct {
	path    string
	data    map[string]any
	Service Service
}

// Load blocks until the manifest file exists and parses as a non-empty
// document, polling at the given interval. The worker writes the manifest;
// this process may start first.
func Load(path string, stop <-chan struct{}, poll time.Duration) (*Manifest, error) {
	logger := log.WithComponent("manifest")
	logger.Info().Str("path", path).Msg("loading service manifest")

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		m, err := read(path)
		if err == nil {
			logger.Info().Str("service", m.Service.Name).
				Int("heuristics", len(m.Service.Heuristics)).
				Msg("service manifest loaded")
			return m, nil
		}

		select {
		case <-stop:
			return nil, ErrStopped
		case <-ticker.C:
		}
	}
}

// read parses the manifest once; any failure (missing file, empty or
// malformed document) tells Load to keep waiting
func read(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse service manifest: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("service manifest is empty")
	}

	m := &Manifest{path: path, data: data}
	m.extract()
	return m, nil
}

// extract pulls the typed service fields out of the raw document
func (m *Manifest) extract() {
	svc := Service{
		FileRequired: true,
		Timeout:      defaultServiceTimeout,
		Config:       map[string]any{},
	}

	if v, ok := m.data["name"].(string); ok {
		svc.Name = v
	}
	if v, ok := m.data["version"].(string); ok {
		svc.Version = v
	}
	if v, ok := m.data["tool_version"].(string); ok {
		svc.ToolVersion = v
	}
	if v, ok := m.data["file_required"].(bool); ok {
		svc.FileRequired = v
	}
	if v, ok := m.data["timeout"].(int); ok && v > 0 {
		svc.Timeout = time.Duration(v) * time.Second
	}
	if v, ok := m.data["config"].(map[string]any); ok {
		svc.Config = v
	}

	if items, ok := m.data["heuristics"].([]any); ok {
		for _, item := range items {
			if h, ok := item.(map[string]any); ok {
				svc.Heuristics = append(svc.Heuristics, h)
			}
		}
	}

	if items, ok := m.data["submission_params"].([]any); ok {
		for _, item := range items {
			p, ok := item.(map[string]any)
			if !ok {
				continue
			}
			param := SubmissionParam{}
			if v, ok := p["name"].(string); ok {
				param.Name = v
			}
			if v, ok := p["type"].(string); ok {
				param.Type = v
			}
			param.Default = p["default"]
			param.Value = p["value"]
			svc.SubmissionParams = append(svc.SubmissionParams, param)
		}
	}

	m.Service = svc
}

// Data returns the raw manifest document, used as the registration payload
func (m *Manifest) Data() map[string]any {
	return m.data
}

// Path returns the manifest file location
func (m *Manifest) Path() string {
	return m.path
}

// Update merges server-provided config overrides into the manifest file and
// rewrites it for the worker. The version key is never overridden by the
// server.
func (m *Manifest) Update(overrides map[string]any) error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("failed to re-read service manifest: %w", err)
	}
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse service manifest: %w", err)
	}

	for k, v := range overrides {
		if k == "version" {
			continue
		}
		data[k] = v
	}

	out, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize service manifest: %w", err)
	}
	if err := os.WriteFile(m.path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write service manifest: %w", err)
	}

	m.data = data
	m.extract()
	return nil
}
