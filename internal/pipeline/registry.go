package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yungbote/scholarcast-backend/internal/blob"
	"github.com/yungbote/scholarcast-backend/internal/domain/video"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

// StageConfig is one compiled registry entry. Workers is the ordered worker
// list: index 0 is the primary, the rest are fallbacks tried in order.
// WorkerTimeouts, when present, aligns with Workers and overrides Timeout for
// that worker (zero means inherit).
type StageConfig struct {
	ID             string
	ResourceClass  string
	Timeout        time.Duration
	MaxAttempts    int
	Retryable      []video.ErrorKind
	Skippable      bool
	Inputs         []string
	Outputs        []string
	Workers        []Worker
	WorkerTimeouts []time.Duration
}

type stageEntry struct {
	cfg       StageConfig
	retryable map[video.ErrorKind]bool
}

// Registry is the static, in-process table declaring the pipeline: stage
// order, workers and fallbacks, timeouts, resource classes, retryable kinds,
// and the artifact keys each stage consumes and produces. It is immutable
// after construction; everything the scheduler and executor decide about a
// stage comes from here.
type Registry struct {
	stages  []stageEntry
	index   map[string]int
	classes []string
}

// NewRegistry compiles and validates stage configs in pipeline order.
func NewRegistry(cfgs []StageConfig) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("pipeline has no stages")
	}
	r := &Registry{index: make(map[string]int, len(cfgs))}
	classSeen := map[string]bool{}
	for _, cfg := range cfgs {
		id := strings.TrimSpace(cfg.ID)
		if id == "" {
			return nil, fmt.Errorf("stage id is required")
		}
		if _, dup := r.index[id]; dup {
			return nil, fmt.Errorf("duplicate stage id %q", id)
		}
		if strings.TrimSpace(cfg.ResourceClass) == "" {
			return nil, fmt.Errorf("stage %s: resource class is required", id)
		}
		if len(cfg.Workers) == 0 {
			return nil, fmt.Errorf("stage %s: at least one worker is required", id)
		}
		for i, w := range cfg.Workers {
			if w == nil {
				return nil, fmt.Errorf("stage %s: worker %d is nil", id, i)
			}
		}
		if len(cfg.WorkerTimeouts) != 0 && len(cfg.WorkerTimeouts) != len(cfg.Workers) {
			return nil, fmt.Errorf("stage %s: worker timeouts misaligned with workers", id)
		}
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = defaultMaxAttempts
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = defaultStageTimeout
		}
		retryable := make(map[video.ErrorKind]bool, len(cfg.Retryable))
		for _, k := range cfg.Retryable {
			if !k.Valid() {
				return nil, fmt.Errorf("stage %s: unknown retryable kind %q", id, string(k))
			}
			retryable[k] = true
		}
		for _, out := range cfg.Outputs {
			if strings.Count(out, "*") > 1 {
				return nil, fmt.Errorf("stage %s: output pattern %q has multiple wildcards", id, out)
			}
		}
		r.index[id] = len(r.stages)
		r.stages = append(r.stages, stageEntry{cfg: cfg, retryable: retryable})
		if !classSeen[cfg.ResourceClass] {
			classSeen[cfg.ResourceClass] = true
			r.classes = append(r.classes, cfg.ResourceClass)
		}
	}
	return r, nil
}

// Load builds the registry from the YAML declaration (embedded, or the file
// named by VIDEO_PIPELINE_YAML), resolving worker names against catalog.
func Load(log *logger.Logger, catalog map[string]Worker) (*Registry, error) {
	spec, err := loadSpec()
	if err != nil {
		return nil, err
	}
	cfgs := make([]StageConfig, 0, len(spec.Stages))
	for _, st := range spec.Stages {
		timeout, err := parseTimeout(st.Timeout, defaultStageTimeout)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.ID, err)
		}
		cfg := StageConfig{
			ID:            strings.TrimSpace(st.ID),
			ResourceClass: strings.TrimSpace(st.ResourceClass),
			Timeout:       timeout,
			MaxAttempts:   st.MaxAttempts,
			Skippable:     st.Skippable,
			Inputs:        append([]string(nil), st.Inputs...),
			Outputs:       append([]string(nil), st.Outputs...),
		}
		for _, k := range st.Retryable {
			cfg.Retryable = append(cfg.Retryable, video.ErrorKind(strings.TrimSpace(k)))
		}
		for _, ws := range st.Workers {
			w, ok := catalog[ws.Name]
			if !ok {
				return nil, fmt.Errorf("stage %s: worker %q is not in the catalog", st.ID, ws.Name)
			}
			wt, err := parseTimeout(ws.Timeout, 0)
			if err != nil {
				return nil, fmt.Errorf("stage %s: worker %s: %w", st.ID, ws.Name, err)
			}
			cfg.Workers = append(cfg.Workers, w)
			cfg.WorkerTimeouts = append(cfg.WorkerTimeouts, wt)
		}
		cfgs = append(cfgs, cfg)
	}
	r, err := NewRegistry(cfgs)
	if err != nil {
		return nil, err
	}
	log.Info("Pipeline registry loaded", "pipeline", spec.Pipeline, "version", spec.Version, "stages", len(cfgs))
	return r, nil
}

func (r *Registry) entry(stageID string) (*stageEntry, error) {
	i, ok := r.index[stageID]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stageID)
	}
	return &r.stages[i], nil
}

func (r *Registry) Has(stageID string) bool {
	_, ok := r.index[stageID]
	return ok
}

// First returns the head of the pipeline.
func (r *Registry) First() string { return r.stages[0].cfg.ID }

// Next returns the stage after stageID, or "" when stageID is last.
func (r *Registry) Next(stageID string) (string, bool) {
	i, ok := r.index[stageID]
	if !ok || i+1 >= len(r.stages) {
		return "", false
	}
	return r.stages[i+1].cfg.ID, true
}

func (r *Registry) StageIDs() []string {
	out := make([]string, len(r.stages))
	for i := range r.stages {
		out[i] = r.stages[i].cfg.ID
	}
	return out
}

// ResourceClasses returns the distinct classes in first-appearance order.
func (r *Registry) ResourceClasses() []string {
	return append([]string(nil), r.classes...)
}

func (r *Registry) ClassOf(stageID string) (string, error) {
	e, err := r.entry(stageID)
	if err != nil {
		return "", err
	}
	return e.cfg.ResourceClass, nil
}

// Resolve returns the worker for (stage, fallback_index); index 0 is the
// primary.
func (r *Registry) Resolve(stageID string, fallbackIndex int) (Worker, error) {
	e, err := r.entry(stageID)
	if err != nil {
		return nil, err
	}
	if fallbackIndex < 0 || fallbackIndex >= len(e.cfg.Workers) {
		return nil, fmt.Errorf("stage %s: no worker at fallback index %d", stageID, fallbackIndex)
	}
	return e.cfg.Workers[fallbackIndex], nil
}

// WorkerCount returns the number of workers for the stage, primary included.
func (r *Registry) WorkerCount(stageID string) int {
	e, err := r.entry(stageID)
	if err != nil {
		return 0
	}
	return len(e.cfg.Workers)
}

func (r *Registry) DeclaredRetryable(stageID string, kind video.ErrorKind) bool {
	e, err := r.entry(stageID)
	if err != nil {
		return false
	}
	return e.retryable[kind]
}

func (r *Registry) MaxAttempts(stageID string) int {
	e, err := r.entry(stageID)
	if err != nil {
		return defaultMaxAttempts
	}
	return e.cfg.MaxAttempts
}

func (r *Registry) Skippable(stageID string) bool {
	e, err := r.entry(stageID)
	if err != nil {
		return false
	}
	return e.cfg.Skippable
}

// Timeout resolves the effective deadline for one invocation. Precedence:
// submission stage_timeouts, then the worker's own timeout, then the stage
// default.
func (r *Registry) Timeout(stageID string, fallbackIndex int, opts video.Options) time.Duration {
	e, err := r.entry(stageID)
	if err != nil {
		return defaultStageTimeout
	}
	if secs, ok := opts.StageTimeouts[stageID]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if fallbackIndex >= 0 && fallbackIndex < len(e.cfg.WorkerTimeouts) {
		if d := e.cfg.WorkerTimeouts[fallbackIndex]; d > 0 {
			return d
		}
	}
	return e.cfg.Timeout
}

// SelectInputs filters artifacts down to the keys the stage declares as
// inputs. Declarations route; they do not gate: a key absent because its
// producing stage was skipped simply doesn't flow.
func (r *Registry) SelectInputs(stageID string, artifacts map[string]blob.Ref) map[string]blob.Ref {
	e, err := r.entry(stageID)
	if err != nil || len(e.cfg.Inputs) == 0 {
		return map[string]blob.Ref{}
	}
	out := make(map[string]blob.Ref)
	for key, ref := range artifacts {
		for _, pattern := range e.cfg.Inputs {
			if matchKey(pattern, key) {
				out[key] = ref
				break
			}
		}
	}
	return out
}

// ValidateOutputs checks produced keys against the declaration: every
// concrete declared key must appear, every wildcard pattern must match at
// least one key, and no key may fall outside the declaration.
func (r *Registry) ValidateOutputs(stageID string, keys []string) error {
	e, err := r.entry(stageID)
	if err != nil {
		return err
	}
	var missing, unexpected []string
	for _, pattern := range e.cfg.Outputs {
		found := false
		for _, k := range keys {
			if matchKey(pattern, k) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, pattern)
		}
	}
	for _, k := range keys {
		declared := false
		for _, pattern := range e.cfg.Outputs {
			if matchKey(pattern, k) {
				declared = true
				break
			}
		}
		if !declared {
			unexpected = append(unexpected, k)
		}
	}
	if len(missing) == 0 && len(unexpected) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %s", strings.Join(missing, ", ")))
	}
	if len(unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected %s", strings.Join(unexpected, ", ")))
	}
	return fmt.Errorf("stage %s outputs: %s", stageID, strings.Join(parts, "; "))
}

// InitialStages builds the submission-time stage list: everything PENDING,
// skipped stages SKIPPED, and the first runnable stage READY. Option stage
// ids are validated here since only the registry knows them.
func (r *Registry) InitialStages(opts video.Options) ([]video.StageState, error) {
	for id := range opts.StageTimeouts {
		if !r.Has(id) {
			return nil, video.NewStageError(video.KindInputInvalid, "stage_timeouts: unknown stage %q", id)
		}
	}
	skip := map[string]bool{}
	for _, id := range opts.SkipStages {
		if !r.Has(id) {
			return nil, video.NewStageError(video.KindInputInvalid, "skip_stages: unknown stage %q", id)
		}
		if !r.Skippable(id) {
			return nil, video.NewStageError(video.KindInputInvalid, "skip_stages: stage %q is not skippable", id)
		}
		skip[id] = true
	}
	if !opts.ShouldPublish() && r.Has(StagePublish) {
		skip[StagePublish] = true
	}

	ss := make([]video.StageState, 0, len(r.stages))
	readySet := false
	for i := range r.stages {
		id := r.stages[i].cfg.ID
		st := video.StageState{StageID: id, Phase: video.StagePending}
		switch {
		case skip[id]:
			st.Phase = video.StageSkipped
		case !readySet:
			st.Phase = video.StageReady
			readySet = true
		}
		ss = append(ss, st)
	}
	if !readySet {
		return nil, video.NewStageError(video.KindInputInvalid, "every stage is skipped")
	}
	return ss, nil
}

// matchKey supports one '*' wildcard that must consume at least one
// character; everything else is an exact match.
func matchKey(pattern, key string) bool {
	i := strings.IndexByte(pattern, '*')
	if i < 0 {
		return pattern == key
	}
	pre, post := pattern[:i], pattern[i+1:]
	return len(key) > len(pre)+len(post) &&
		strings.HasPrefix(key, pre) && strings.HasSuffix(key, post)
}
