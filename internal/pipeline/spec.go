package pipeline

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const pipelineSpecEnv = "VIDEO_PIPELINE_YAML"

//go:embed pipeline.yaml
var pipelineSpecFS embed.FS

const (
	defaultStageTimeout = 5 * time.Minute
	defaultMaxAttempts  = 4
)

type yamlPipelineSpec struct {
	Pipeline string          `yaml:"pipeline"`
	Version  int             `yaml:"version"`
	Stages   []yamlStageSpec `yaml:"stages"`
}

type yamlStageSpec struct {
	ID            string           `yaml:"id"`
	ResourceClass string           `yaml:"resource_class"`
	Timeout       string           `yaml:"timeout"`
	MaxAttempts   int              `yaml:"max_attempts"`
	Retryable     []string         `yaml:"retryable"`
	Skippable     bool             `yaml:"skippable"`
	Inputs        []string         `yaml:"inputs"`
	Outputs       []string         `yaml:"outputs"`
	Workers       []yamlWorkerSpec `yaml:"workers"`
}

type yamlWorkerSpec struct {
	Name    string `yaml:"name"`
	Timeout string `yaml:"timeout"`
}

// loadSpec prefers the file named by VIDEO_PIPELINE_YAML and falls back to
// the embedded declaration. The embedded copy is canonical; an override that
// fails to read is an error rather than a silent fallback, since a stale
// pipeline shape is worse than a crash at boot.
func loadSpec() (*yamlPipelineSpec, error) {
	data, source, err := readSpecBytes()
	if err != nil {
		return nil, err
	}
	var spec yamlPipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse pipeline spec (%s): %w", source, err)
	}
	if err := validateSpec(&spec); err != nil {
		return nil, fmt.Errorf("invalid pipeline spec (%s): %w", source, err)
	}
	return &spec, nil
}

func readSpecBytes() ([]byte, string, error) {
	if path := strings.TrimSpace(os.Getenv(pipelineSpecEnv)); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read %s=%s: %w", pipelineSpecEnv, path, err)
		}
		return b, path, nil
	}
	b, err := pipelineSpecFS.ReadFile("pipeline.yaml")
	if err != nil {
		return nil, "", fmt.Errorf("read embedded pipeline spec: %w", err)
	}
	return b, "embedded", nil
}

func validateSpec(spec *yamlPipelineSpec) error {
	if spec == nil {
		return errors.New("missing spec")
	}
	if strings.TrimSpace(spec.Pipeline) != "paper_video" {
		return fmt.Errorf("unexpected pipeline: %q", spec.Pipeline)
	}
	if len(spec.Stages) == 0 {
		return errors.New("no stages defined")
	}
	seen := map[string]bool{}
	for _, st := range spec.Stages {
		id := strings.TrimSpace(st.ID)
		if id == "" {
			return errors.New("stage id is required")
		}
		if seen[id] {
			return fmt.Errorf("duplicate stage id: %s", id)
		}
		seen[id] = true
		if strings.TrimSpace(st.ResourceClass) == "" {
			return fmt.Errorf("stage %s: resource_class is required", id)
		}
		if len(st.Workers) == 0 {
			return fmt.Errorf("stage %s: at least one worker is required", id)
		}
		workerSeen := map[string]bool{}
		for _, w := range st.Workers {
			name := strings.TrimSpace(w.Name)
			if name == "" {
				return fmt.Errorf("stage %s: worker name is required", id)
			}
			if workerSeen[name] {
				return fmt.Errorf("stage %s: duplicate worker %s", id, name)
			}
			workerSeen[name] = true
			if _, err := parseTimeout(w.Timeout, 0); err != nil {
				return fmt.Errorf("stage %s: worker %s: %w", id, name, err)
			}
		}
		if _, err := parseTimeout(st.Timeout, defaultStageTimeout); err != nil {
			return fmt.Errorf("stage %s: %w", id, err)
		}
		if st.MaxAttempts < 0 {
			return fmt.Errorf("stage %s: max_attempts must be >= 0", id)
		}
		for _, out := range st.Outputs {
			if strings.Count(out, "*") > 1 {
				return fmt.Errorf("stage %s: output pattern %q has multiple wildcards", id, out)
			}
		}
	}
	return nil
}

func parseTimeout(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad timeout %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout %q must be positive", s)
	}
	return d, nil
}
