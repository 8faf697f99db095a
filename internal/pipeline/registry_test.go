package pipeline

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/scholarcast-backend/internal/blob"
	"github.com/yungbote/scholarcast-backend/internal/domain/video"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

func TestLoad_EmbeddedDeclaration(t *testing.T) {
	reg := loadTestRegistry(t)

	wantOrder := []string{
		StageIngest, StageUnderstand, StageScript, StagePlan,
		StageAnimate, StageVoice, StageCompose, StageMetadata, StagePublish,
	}
	if got := reg.StageIDs(); !reflect.DeepEqual(got, wantOrder) {
		t.Fatalf("stage order = %v", got)
	}
	if reg.First() != StageIngest {
		t.Fatalf("first stage = %s", reg.First())
	}
	if next, ok := reg.Next(StageCompose); !ok || next != StageMetadata {
		t.Fatalf("next(compose) = %s, %v", next, ok)
	}
	if next, ok := reg.Next(StagePublish); ok || next != "" {
		t.Fatalf("next(publish) = %s, %v, want end of pipeline", next, ok)
	}
	if got := reg.ResourceClasses(); !reflect.DeepEqual(got, []string{ClassNet, ClassLLM, ClassGPU, ClassCPU}) {
		t.Fatalf("resource classes = %v", got)
	}
	if class, err := reg.ClassOf(StageAnimate); err != nil || class != ClassGPU {
		t.Fatalf("class of animate = %s, %v", class, err)
	}
	if n := reg.WorkerCount(StageAnimate); n != 2 {
		t.Fatalf("animate workers = %d", n)
	}
	if !reg.Skippable(StageMetadata) || !reg.Skippable(StagePublish) || reg.Skippable(StageIngest) {
		t.Fatalf("skippable flags are off")
	}
	if !reg.DeclaredRetryable(StageIngest, video.KindTransient) {
		t.Fatalf("transient not retryable on ingest")
	}
	if reg.DeclaredRetryable(StageIngest, video.KindContractViolation) {
		t.Fatalf("contract_violation retryable on ingest")
	}
}

func TestLoad_MissingWorkerIsRejected(t *testing.T) {
	catalog := testCatalog()
	delete(catalog, "compose.mux")
	_, err := Load(logger.NewNop(), catalog)
	if err == nil || !strings.Contains(err.Error(), "compose.mux") {
		t.Fatalf("err = %v, want missing catalog entry", err)
	}
}

func TestNewRegistry_RejectsBrokenConfigs(t *testing.T) {
	ok := StageConfig{
		ID:            "fetch",
		ResourceClass: "net",
		Outputs:       []string{"doc"},
		Workers:       []Worker{nopWorker{"fetch.a"}},
	}
	cases := []struct {
		name string
		cfgs []StageConfig
	}{
		{"no stages", nil},
		{"blank id", []StageConfig{{ResourceClass: "net", Workers: ok.Workers}}},
		{"duplicate id", []StageConfig{ok, ok}},
		{"missing class", []StageConfig{{ID: "fetch", Workers: ok.Workers}}},
		{"no workers", []StageConfig{{ID: "fetch", ResourceClass: "net"}}},
		{"nil worker", []StageConfig{{ID: "fetch", ResourceClass: "net", Workers: []Worker{nil}}}},
		{"misaligned worker timeouts", []StageConfig{{
			ID: "fetch", ResourceClass: "net",
			Workers:        ok.Workers,
			WorkerTimeouts: []time.Duration{time.Second, time.Second},
		}}},
		{"unknown retryable kind", []StageConfig{{
			ID: "fetch", ResourceClass: "net", Workers: ok.Workers,
			Retryable: []video.ErrorKind{"flaky"},
		}}},
		{"double wildcard output", []StageConfig{{
			ID: "fetch", ResourceClass: "net", Workers: ok.Workers,
			Outputs: []string{"scene.*.*"},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRegistry(tc.cfgs); err == nil {
				t.Fatalf("config accepted")
			}
		})
	}
}

func TestRegistry_TimeoutPrecedence(t *testing.T) {
	reg := loadTestRegistry(t)

	// Stage default for the primary.
	if d := reg.Timeout(StageIngest, 0, video.Options{}); d != 120*time.Second {
		t.Fatalf("primary timeout = %s", d)
	}
	// The declared per-worker override for the fallback.
	if d := reg.Timeout(StageIngest, 1, video.Options{}); d != 90*time.Second {
		t.Fatalf("fallback timeout = %s", d)
	}
	// Submission override beats both.
	opts := video.Options{StageTimeouts: map[string]int{StageIngest: 30}}
	if d := reg.Timeout(StageIngest, 0, opts); d != 30*time.Second {
		t.Fatalf("submission timeout = %s", d)
	}
	if d := reg.Timeout(StageIngest, 1, opts); d != 30*time.Second {
		t.Fatalf("submission timeout on fallback = %s", d)
	}
}

func TestRegistry_ValidateOutputs(t *testing.T) {
	reg := loadTestRegistry(t)

	if err := reg.ValidateOutputs(StageIngest, []string{KeyPaperParsed}); err != nil {
		t.Fatalf("exact key rejected: %v", err)
	}
	if err := reg.ValidateOutputs(StageIngest, nil); err == nil {
		t.Fatalf("missing declared key accepted")
	}
	if err := reg.ValidateOutputs(StageIngest, []string{KeyPaperParsed, "debug.dump"}); err == nil {
		t.Fatalf("undeclared key accepted")
	}

	// A wildcard needs at least one concrete match, any count is fine.
	if err := reg.ValidateOutputs(StageAnimate, []string{SceneAnimationKey(0)}); err != nil {
		t.Fatalf("single scene rejected: %v", err)
	}
	keys := []string{SceneAnimationKey(0), SceneAnimationKey(1), SceneAnimationKey(2)}
	if err := reg.ValidateOutputs(StageAnimate, keys); err != nil {
		t.Fatalf("multi scene rejected: %v", err)
	}
	if err := reg.ValidateOutputs(StageAnimate, nil); err == nil {
		t.Fatalf("empty scene set accepted")
	}
	if err := reg.ValidateOutputs(StageAnimate, []string{SceneAudioKey(0)}); err == nil {
		t.Fatalf("audio key accepted as animation")
	}

	// Publish declares nothing and must return nothing.
	if err := reg.ValidateOutputs(StagePublish, nil); err != nil {
		t.Fatalf("empty publish output rejected: %v", err)
	}
	if err := reg.ValidateOutputs(StagePublish, []string{"receipt"}); err == nil {
		t.Fatalf("undeclared publish output accepted")
	}
}

func TestRegistry_SelectInputs(t *testing.T) {
	reg := loadTestRegistry(t)
	artifacts := map[string]blob.Ref{
		KeyPaperParsed:        "sha256:aa",
		KeyPaperUnderstanding: "sha256:bb",
		KeyScript:             "sha256:cc",
		KeyVisualPlan:         "sha256:dd",
		SceneAnimationKey(0):  "sha256:ee",
		SceneAudioKey(0):      "sha256:ff",
	}

	got := reg.SelectInputs(StagePlan, artifacts)
	want := map[string]blob.Ref{KeyPaperUnderstanding: "sha256:bb", KeyScript: "sha256:cc"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("plan inputs = %v", got)
	}

	// Wildcard declarations pick up every scene.
	got = reg.SelectInputs(StageCompose, artifacts)
	want = map[string]blob.Ref{SceneAnimationKey(0): "sha256:ee", SceneAudioKey(0): "sha256:ff"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("compose inputs = %v", got)
	}

	// Ingest declares no inputs and receives none.
	if got := reg.SelectInputs(StageIngest, artifacts); len(got) != 0 {
		t.Fatalf("ingest inputs = %v", got)
	}
}

func TestRegistry_InitialStages(t *testing.T) {
	reg := loadTestRegistry(t)

	ss, err := reg.InitialStages(video.Options{})
	if err != nil {
		t.Fatalf("initial stages: %v", err)
	}
	if len(ss) != 9 || ss[0].Phase != video.StageReady {
		t.Fatalf("head of pipeline not ready: %+v", ss)
	}
	for _, st := range ss[1:] {
		if st.Phase != video.StagePending {
			t.Fatalf("stage %s phase = %s, want pending", st.StageID, st.Phase)
		}
	}

	pub := false
	ss, err = reg.InitialStages(video.Options{SkipStages: []string{StageMetadata}, Publish: &pub})
	if err != nil {
		t.Fatalf("initial stages with skips: %v", err)
	}
	if video.FindStage(ss, StageMetadata).Phase != video.StageSkipped {
		t.Fatalf("metadata not skipped")
	}
	if video.FindStage(ss, StagePublish).Phase != video.StageSkipped {
		t.Fatalf("publish:false did not skip publish")
	}

	if _, err := reg.InitialStages(video.Options{SkipStages: []string{"render"}}); err == nil {
		t.Fatalf("unknown skip stage accepted")
	}
	if _, err := reg.InitialStages(video.Options{SkipStages: []string{StageIngest}}); err == nil {
		t.Fatalf("non-skippable stage accepted")
	}
	if _, err := reg.InitialStages(video.Options{StageTimeouts: map[string]int{"render": 10}}); err == nil {
		t.Fatalf("timeout for unknown stage accepted")
	}
}

func TestRegistry_InitialStagesRejectsAllSkipped(t *testing.T) {
	reg, err := NewRegistry([]StageConfig{{
		ID:            "fetch",
		ResourceClass: "net",
		Skippable:     true,
		Workers:       []Worker{nopWorker{"fetch.a"}},
	}})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := reg.InitialStages(video.Options{SkipStages: []string{"fetch"}}); err == nil {
		t.Fatalf("fully skipped pipeline accepted")
	}
}

func TestMatchKey(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"video.final", "video.final", true},
		{"video.final", "video.final.tmp", false},
		{"scene.*.animation", "scene.0.animation", true},
		{"scene.*.animation", "scene.12.animation", true},
		{"scene.*.animation", "scene..animation", false}, // wildcard must consume
		{"scene.*.animation", "scene.0.audio", false},
		{"*", "anything", true},
		{"*", "", false},
	}
	for _, tc := range cases {
		if got := matchKey(tc.pattern, tc.key); got != tc.want {
			t.Fatalf("matchKey(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

// nopWorker satisfies Worker for registry construction tests.
type nopWorker struct{ name string }

func (w nopWorker) Name() string { return w.name }

func (w nopWorker) Execute(context.Context, Request) (*Result, error) {
	return &Result{OutputArtifacts: map[string]blob.Ref{}}, nil
}

func testCatalog() map[string]Worker {
	names := []string{
		"ingest.structured", "ingest.plaintext",
		"understand.default", "script.default", "plan.default",
		"animate.engine", "animate.slides",
		"voice.neural", "voice.standard",
		"compose.mux", "metadata.default", "publish.default",
	}
	out := make(map[string]Worker, len(names))
	for _, n := range names {
		out[n] = nopWorker{n}
	}
	return out
}

func loadTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Load(logger.NewNop(), testCatalog())
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}
