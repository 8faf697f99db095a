/*
Package stub ships a complete worker catalog with no external services behind
it: no paper sources, no language models, no renderer, no TTS, no upload APIs.
Every artifact derives from a hash of the job id, so runs are stable per job,
differ across jobs, and are idempotent under reinvocation. Downstream stubs
parse what upstream stubs wrote, so artifact flow through the blob store is
exercised for real.
*/
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yungbote/scholarcast-backend/internal/blob"
	"github.com/yungbote/scholarcast-backend/internal/domain/video"
	"github.com/yungbote/scholarcast-backend/internal/pipeline"
)

// Catalog builds a stub worker for every name the pipeline declaration
// references. Primary and fallback share an implementation; the payloads they
// write carry the worker name so a fallback run is distinguishable.
func Catalog(blobs blob.Store) map[string]pipeline.Worker {
	c := catalog{blobs: blobs}
	names := map[string]runFunc{
		"ingest.structured":  c.ingest,
		"ingest.plaintext":   c.ingest,
		"understand.default": c.understand,
		"script.default":     c.script,
		"plan.default":       c.plan,
		"animate.engine":     c.animate,
		"animate.slides":     c.animate,
		"voice.neural":       c.voice,
		"voice.standard":     c.voice,
		"compose.mux":        c.compose,
		"metadata.default":   c.metadata,
		"publish.default":    c.publish,
	}
	out := make(map[string]pipeline.Worker, len(names))
	for name, run := range names {
		out[name] = &worker{name: name, run: run}
	}
	return out
}

type runFunc func(ctx context.Context, w *worker, req pipeline.Request) (map[string]blob.Ref, error)

type worker struct {
	name string
	run  runFunc
}

func (w *worker) Name() string { return w.name }

func (w *worker) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	start := time.Now()
	out, err := w.run(ctx, w, req)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{
		OutputArtifacts: out,
		Cost:            pipeline.Cost{Duration: time.Since(start)},
	}, nil
}

type catalog struct {
	blobs blob.Store
}

// Placeholder artifact shapes. Small on purpose; the engine only moves refs.
type paperDoc struct {
	Title    string   `json:"title"`
	Abstract string   `json:"abstract"`
	Sections []string `json:"sections"`
}

type understandingDoc struct {
	Thesis        string   `json:"thesis"`
	Contributions []string `json:"contributions"`
}

type scriptDoc struct {
	Title  string        `json:"title"`
	Scenes []scriptScene `json:"scenes"`
}

type scriptScene struct {
	Index     int    `json:"index"`
	Narration string `json:"narration"`
}

type planDoc struct {
	Quality string      `json:"quality"`
	Scenes  []planScene `json:"scenes"`
}

type planScene struct {
	Index  int    `json:"index"`
	Layout string `json:"layout"`
}

type metadataDoc struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

func (c catalog) ingest(ctx context.Context, w *worker, req pipeline.Request) (map[string]blob.Ref, error) {
	doc := paperDoc{
		Title:    "Paper " + token(req, "title"),
		Abstract: fmt.Sprintf("abstract %s via %s", token(req, "abstract"), w.name),
	}
	n := 3 + pick(req, "sections", 3)
	for i := 0; i < n; i++ {
		doc.Sections = append(doc.Sections, fmt.Sprintf("section %d %s", i, token(req, fmt.Sprintf("section.%d", i))))
	}
	ref, err := c.putJSON(ctx, doc)
	if err != nil {
		return nil, err
	}
	return map[string]blob.Ref{pipeline.KeyPaperParsed: ref}, nil
}

func (c catalog) understand(ctx context.Context, w *worker, req pipeline.Request) (map[string]blob.Ref, error) {
	var paper paperDoc
	if err := c.getJSON(ctx, req, pipeline.KeyPaperParsed, &paper); err != nil {
		return nil, err
	}
	doc := understandingDoc{
		Thesis: fmt.Sprintf("%s argues %s", paper.Title, token(req, "thesis")),
	}
	for i, s := range paper.Sections {
		if i >= 3 {
			break
		}
		doc.Contributions = append(doc.Contributions, "insight from "+s)
	}
	ref, err := c.putJSON(ctx, doc)
	if err != nil {
		return nil, err
	}
	return map[string]blob.Ref{pipeline.KeyPaperUnderstanding: ref}, nil
}

func (c catalog) script(ctx context.Context, w *worker, req pipeline.Request) (map[string]blob.Ref, error) {
	var und understandingDoc
	if err := c.getJSON(ctx, req, pipeline.KeyPaperUnderstanding, &und); err != nil {
		return nil, err
	}
	// Scene count follows target_duration at roughly 90s a scene when the
	// option is set, otherwise a hash-derived 2..4.
	n := 2 + pick(req, "scenes", 3)
	if d := req.Options.TargetDuration; d > 0 {
		n = d/90 + 1
		if n > 6 {
			n = 6
		}
	}
	doc := scriptDoc{Title: "Explaining: " + und.Thesis}
	for i := 0; i < n; i++ {
		doc.Scenes = append(doc.Scenes, scriptScene{
			Index:     i,
			Narration: fmt.Sprintf("scene %d narration %s", i, token(req, fmt.Sprintf("narration.%d", i))),
		})
	}
	ref, err := c.putJSON(ctx, doc)
	if err != nil {
		return nil, err
	}
	return map[string]blob.Ref{pipeline.KeyScript: ref}, nil
}

func (c catalog) plan(ctx context.Context, w *worker, req pipeline.Request) (map[string]blob.Ref, error) {
	var script scriptDoc
	if err := c.getJSON(ctx, req, pipeline.KeyScript, &script); err != nil {
		return nil, err
	}
	quality := string(req.Options.Quality)
	if quality == "" {
		quality = string(video.QualityMedium)
	}
	doc := planDoc{Quality: quality}
	layouts := []string{"diagram", "equation", "timeline", "split"}
	for _, sc := range script.Scenes {
		doc.Scenes = append(doc.Scenes, planScene{
			Index:  sc.Index,
			Layout: layouts[(sc.Index+pick(req, "layout", 4))%len(layouts)],
		})
	}
	ref, err := c.putJSON(ctx, doc)
	if err != nil {
		return nil, err
	}
	return map[string]blob.Ref{pipeline.KeyVisualPlan: ref}, nil
}

func (c catalog) animate(ctx context.Context, w *worker, req pipeline.Request) (map[string]blob.Ref, error) {
	var plan planDoc
	if err := c.getJSON(ctx, req, pipeline.KeyVisualPlan, &plan); err != nil {
		return nil, err
	}
	out := make(map[string]blob.Ref, len(plan.Scenes))
	for _, sc := range plan.Scenes {
		payload := fmt.Sprintf("animation scene=%d layout=%s quality=%s by=%s %s",
			sc.Index, sc.Layout, plan.Quality, w.name, token(req, fmt.Sprintf("frames.%d", sc.Index)))
		ref, err := c.put(ctx, []byte(payload))
		if err != nil {
			return nil, err
		}
		out[pipeline.SceneAnimationKey(sc.Index)] = ref
	}
	return out, nil
}

func (c catalog) voice(ctx context.Context, w *worker, req pipeline.Request) (map[string]blob.Ref, error) {
	var script scriptDoc
	if err := c.getJSON(ctx, req, pipeline.KeyScript, &script); err != nil {
		return nil, err
	}
	voice := req.Options.Voice
	if voice == "" {
		voice = "narrator"
	}
	out := make(map[string]blob.Ref, len(script.Scenes))
	for _, sc := range script.Scenes {
		payload := fmt.Sprintf("audio scene=%d voice=%s by=%s | %s", sc.Index, voice, w.name, sc.Narration)
		ref, err := c.put(ctx, []byte(payload))
		if err != nil {
			return nil, err
		}
		out[pipeline.SceneAudioKey(sc.Index)] = ref
	}
	return out, nil
}

func (c catalog) compose(ctx context.Context, w *worker, req pipeline.Request) (map[string]blob.Ref, error) {
	anims := contiguousScenes(req.InputArtifacts, pipeline.SceneAnimationKey)
	audios := contiguousScenes(req.InputArtifacts, pipeline.SceneAudioKey)
	if anims == 0 || anims != audios {
		return nil, video.NewStageError(video.KindNonRetryable,
			"scene tracks misaligned: %d animations, %d audio", anims, audios)
	}
	mux := sha256.New()
	for i := 0; i < anims; i++ {
		for _, key := range []string{pipeline.SceneAnimationKey(i), pipeline.SceneAudioKey(i)} {
			raw, err := c.blobs.Get(ctx, req.InputArtifacts[key])
			if err != nil {
				return nil, readErr(key, err)
			}
			mux.Write(raw)
		}
	}
	payload := fmt.Sprintf("video scenes=%d mux=%s", anims, hex.EncodeToString(mux.Sum(nil)[:8]))
	ref, err := c.put(ctx, []byte(payload))
	if err != nil {
		return nil, err
	}
	return map[string]blob.Ref{pipeline.KeyVideoFinal: ref}, nil
}

func (c catalog) metadata(ctx context.Context, w *worker, req pipeline.Request) (map[string]blob.Ref, error) {
	var script scriptDoc
	if err := c.getJSON(ctx, req, pipeline.KeyScript, &script); err != nil {
		return nil, err
	}
	doc := metadataDoc{
		Title:       script.Title,
		Description: fmt.Sprintf("Narrated walkthrough in %d scenes.", len(script.Scenes)),
		Tags:        []string{"research", "paper", "explainer"},
	}
	ref, err := c.putJSON(ctx, doc)
	if err != nil {
		return nil, err
	}
	return map[string]blob.Ref{pipeline.KeyMetadata: ref}, nil
}

// publish declares no outputs; the stub only verifies the final video is
// still addressable where a real worker would push it to a platform.
func (c catalog) publish(ctx context.Context, w *worker, req pipeline.Request) (map[string]blob.Ref, error) {
	ref, ok := req.InputArtifacts[pipeline.KeyVideoFinal]
	if !ok {
		return nil, video.NewStageError(video.KindContractViolation, "missing input artifact %q", pipeline.KeyVideoFinal)
	}
	exists, err := c.blobs.Exists(ctx, ref)
	if err != nil {
		return nil, readErr(pipeline.KeyVideoFinal, err)
	}
	if !exists {
		return nil, video.NewStageError(video.KindNonRetryable, "final video %s is gone", ref)
	}
	return map[string]blob.Ref{}, nil
}

func (c catalog) put(ctx context.Context, data []byte) (blob.Ref, error) {
	ref, err := c.blobs.Put(ctx, data)
	if err != nil {
		se := video.NewStageError(video.KindTransient, "write artifact: %v", err)
		se.Retryable = true
		return "", se
	}
	return ref, nil
}

func (c catalog) putJSON(ctx context.Context, v any) (blob.Ref, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", video.NewStageError(video.KindInternal, "encode artifact: %v", err)
	}
	return c.put(ctx, raw)
}

func (c catalog) getJSON(ctx context.Context, req pipeline.Request, key string, v any) error {
	ref, ok := req.InputArtifacts[key]
	if !ok {
		return video.NewStageError(video.KindContractViolation, "missing input artifact %q", key)
	}
	raw, err := c.blobs.Get(ctx, ref)
	if err != nil {
		return readErr(key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return video.NewStageError(video.KindNonRetryable, "decode %s: %v", key, err)
	}
	return nil
}

func readErr(key string, err error) error {
	se := video.NewStageError(video.KindTransient, "read %s: %v", key, err)
	se.Retryable = true
	return se
}

// contiguousScenes counts scene-indexed keys from 0 until the first gap.
func contiguousScenes(artifacts map[string]blob.Ref, keyFn func(int) string) int {
	n := 0
	for {
		if _, ok := artifacts[keyFn(n)]; !ok {
			return n
		}
		n++
	}
}

// token folds the job id and a label into a short stable hex string, and
// pick folds them into a small stable integer. Both keep stub output
// deterministic per job without any shared state.
func token(req pipeline.Request, label string) string {
	h := sha256.Sum256([]byte(req.JobID.String() + "/" + label))
	return hex.EncodeToString(h[:6])
}

func pick(req pipeline.Request, label string, mod int) int {
	h := sha256.Sum256([]byte(req.JobID.String() + "/" + label))
	return int(h[0]) % mod
}
