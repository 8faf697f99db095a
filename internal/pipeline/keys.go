package pipeline

import "fmt"

// Stage ids of the paper→video pipeline, in order.
const (
	StageIngest     = "ingest"
	StageUnderstand = "understand"
	StageScript     = "script"
	StagePlan       = "plan"
	StageAnimate    = "animate"
	StageVoice      = "voice"
	StageCompose    = "compose"
	StageMetadata   = "metadata"
	StagePublish    = "publish"
)

// Resource classes partitioning workers for capacity accounting.
const (
	ClassNet = "net"
	ClassLLM = "llm"
	ClassGPU = "gpu"
	ClassCPU = "cpu"
)

// Artifact keys are stable and stage-scoped. Scene-indexed keys follow the
// scene.<n>.animation / scene.<n>.audio shape and are declared by wildcard.
const (
	KeyPaperParsed        = "paper.parsed"
	KeyPaperUnderstanding = "paper.understanding"
	KeyScript             = "script"
	KeyVisualPlan         = "visual_plan"
	KeyVideoFinal         = "video.final"
	KeyMetadata           = "metadata"

	PatternSceneAnimation = "scene.*.animation"
	PatternSceneAudio     = "scene.*.audio"
)

func SceneAnimationKey(n int) string { return fmt.Sprintf("scene.%d.animation", n) }
func SceneAudioKey(n int) string     { return fmt.Sprintf("scene.%d.audio", n) }
