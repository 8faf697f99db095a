package video

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
)

type Quality string

const (
	QualityLow         Quality = "low"
	QualityMedium      Quality = "medium"
	QualityHigh        Quality = "high"
	QualityCinematic4K Quality = "cinematic_4k"
	QualityCinematic8K Quality = "cinematic_8k"
)

const DefaultAttemptBudget = 8

// ConcurrencyCaps bounds how much of the scheduler a single job may occupy.
// With the linear pipeline a job holds at most one running stage, so these
// are validated and persisted for the reserved branch support rather than
// consulted on every dispatch.
type ConcurrencyCaps struct {
	Global           int            `json:"global"`
	PerStage         map[string]int `json:"per_stage,omitempty"`
	PerResourceClass map[string]int `json:"per_resource_class,omitempty"`
}

// Options is the recognized submission configuration. Quality, Voice and
// TargetDuration are propagated opaquely to workers; the rest steer the
// engine itself. Persisted as canonical JSON: identical submissions encode
// byte-equal.
type Options struct {
	Quality        Quality          `json:"quality,omitempty"`
	Voice          string           `json:"voice,omitempty"`
	TargetDuration int              `json:"target_duration,omitempty"`
	AttemptBudget  int              `json:"attempt_budget"`
	StageTimeouts  map[string]int   `json:"stage_timeouts,omitempty"`
	Concurrency    *ConcurrencyCaps `json:"concurrency,omitempty"`
	SkipStages     []string         `json:"skip_stages,omitempty"`
	Publish        *bool            `json:"publish,omitempty"`
}

func DefaultOptions() Options {
	return Options{AttemptBudget: DefaultAttemptBudget}
}

// ShouldPublish defaults to true when the option is absent.
func (o Options) ShouldPublish() bool {
	return o.Publish == nil || *o.Publish
}

func (o Options) SkipsStage(stageID string) bool {
	for _, s := range o.SkipStages {
		if s == stageID {
			return true
		}
	}
	return false
}

// ParseOptions validates a raw option mapping. Only the recognized keys are
// honored; an unknown key rejects the whole submission. Stage ids inside
// stage_timeouts and skip_stages are checked against the registry by the
// service, not here.
func ParseOptions(raw map[string]any) (Options, error) {
	o := DefaultOptions()
	for key, val := range raw {
		switch key {
		case "quality":
			s, ok := stringValue(val)
			if !ok {
				return o, NewStageError(KindInputInvalid, "option quality: expected string")
			}
			switch Quality(s) {
			case QualityLow, QualityMedium, QualityHigh, QualityCinematic4K, QualityCinematic8K:
				o.Quality = Quality(s)
			default:
				return o, NewStageError(KindInputInvalid, "option quality: unknown value %q", s)
			}
		case "voice":
			s, ok := stringValue(val)
			if !ok || strings.TrimSpace(s) == "" {
				return o, NewStageError(KindInputInvalid, "option voice: expected non-empty string")
			}
			o.Voice = s
		case "target_duration":
			n, ok := intValue(val)
			if !ok || n < 1 {
				return o, NewStageError(KindInputInvalid, "option target_duration: expected integer >= 1")
			}
			o.TargetDuration = n
		case "attempt_budget":
			n, ok := intValue(val)
			if !ok || n < 0 {
				return o, NewStageError(KindInputInvalid, "option attempt_budget: expected integer >= 0")
			}
			o.AttemptBudget = n
		case "stage_timeouts":
			m, ok := val.(map[string]any)
			if !ok {
				return o, NewStageError(KindInputInvalid, "option stage_timeouts: expected mapping")
			}
			out := make(map[string]int, len(m))
			for stage, v := range m {
				n, ok := intValue(v)
				if !ok || n < 1 {
					return o, NewStageError(KindInputInvalid, "option stage_timeouts[%s]: expected seconds >= 1", stage)
				}
				out[stage] = n
			}
			if len(out) > 0 {
				o.StageTimeouts = out
			}
		case "concurrency":
			m, ok := val.(map[string]any)
			if !ok {
				return o, NewStageError(KindInputInvalid, "option concurrency: expected mapping")
			}
			caps, err := parseConcurrency(m)
			if err != nil {
				return o, err
			}
			o.Concurrency = caps
		case "skip_stages":
			list, err := parseStringSet(val)
			if err != nil {
				return o, NewStageError(KindInputInvalid, "option skip_stages: expected list of stage ids")
			}
			o.SkipStages = list
		case "publish":
			b, ok := val.(bool)
			if !ok {
				return o, NewStageError(KindInputInvalid, "option publish: expected boolean")
			}
			o.Publish = &b
		default:
			return o, NewStageError(KindInputInvalid, "unknown option %q", key)
		}
	}
	return o, nil
}

func parseConcurrency(m map[string]any) (*ConcurrencyCaps, error) {
	caps := &ConcurrencyCaps{}
	for key, val := range m {
		switch key {
		case "global":
			n, ok := intValue(val)
			if !ok || n < 1 {
				return nil, NewStageError(KindInputInvalid, "option concurrency.global: expected integer >= 1")
			}
			caps.Global = n
		case "per_stage", "per_resource_class":
			mm, ok := val.(map[string]any)
			if !ok {
				return nil, NewStageError(KindInputInvalid, "option concurrency.%s: expected mapping", key)
			}
			out := make(map[string]int, len(mm))
			for name, v := range mm {
				n, ok := intValue(v)
				if !ok || n < 1 {
					return nil, NewStageError(KindInputInvalid, "option concurrency.%s[%s]: expected integer >= 1", key, name)
				}
				out[name] = n
			}
			if key == "per_stage" {
				caps.PerStage = out
			} else {
				caps.PerResourceClass = out
			}
		default:
			return nil, NewStageError(KindInputInvalid, "unknown option concurrency.%s", key)
		}
	}
	if caps.Global < 1 {
		return nil, NewStageError(KindInputInvalid, "option concurrency: global cap is required")
	}
	return caps, nil
}

func parseStringSet(val any) ([]string, error) {
	var items []any
	switch v := val.(type) {
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	default:
		return nil, NewStageError(KindInputInvalid, "expected list")
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := stringValue(item)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, NewStageError(KindInputInvalid, "expected non-empty string")
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func stringValue(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
