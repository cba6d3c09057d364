package service

import (
	"fmt"
	"strings"

	"github.com/slidecast/api/internal/model"
)

// Stage describes one remote task in a pipeline: what to ask the agent for
// and what deliverable to expect back.
type Stage struct {
	Name string

	// Extension of the file deliverable this stage must produce, e.g. ".pptx".
	DeliverableExt string

	// Request URL-converted output when fetching the result. Needed for
	// stages whose deliverable is downloaded rather than passed along by id.
	Convert bool
}

var pipelineStages = map[model.PipelineKind][]Stage{
	model.PipelineDeck: {
		{Name: model.StepDeckGeneration, DeliverableExt: ".pptx", Convert: true},
	},
	model.PipelineVideo: {
		{Name: model.StepScriptGeneration, DeliverableExt: ".md", Convert: true},
		{Name: model.StepVideoGeneration, DeliverableExt: ".mp4", Convert: true},
	},
}

func firstStage(kind model.PipelineKind) (Stage, bool) {
	stages, ok := pipelineStages[kind]
	if !ok || len(stages) == 0 {
		return Stage{}, false
	}
	return stages[0], true
}

// stageByName resolves the stage and, when present, the stage after it.
func stageByName(kind model.PipelineKind, name string) (current Stage, next *Stage, ok bool) {
	stages := pipelineStages[kind]
	for i, s := range stages {
		if s.Name == name {
			if i+1 < len(stages) {
				return s, &stages[i+1], true
			}
			return s, nil, true
		}
	}
	return Stage{}, nil, false
}

// stagePrompt builds the instruction sent to the agent API for a stage.
func stagePrompt(stage Stage, meta model.TaskMetadata) string {
	switch stage.Name {
	case model.StepDeckGeneration:
		var b strings.Builder
		fmt.Fprintf(&b, "Create a professional presentation slide deck about: %s.\n", meta.Topic)
		if meta.SlideCount > 0 {
			fmt.Fprintf(&b, "The deck must contain exactly %d slides.\n", meta.SlideCount)
		}
		if meta.Style != "" {
			fmt.Fprintf(&b, "Visual style: %s.\n", meta.Style)
		}
		b.WriteString("Each slide needs a clear title, concise bullet points, and speaker notes. ")
		b.WriteString("Deliver the final deck as a single .pptx file.")
		return b.String()

	case model.StepScriptGeneration:
		var b strings.Builder
		fmt.Fprintf(&b, "Write a production plan for a short video about: %s.\n", meta.Topic)
		if meta.Duration > 0 {
			fmt.Fprintf(&b, "Target length: %d seconds.\n", meta.Duration)
		}
		if meta.TargetAudience != "" {
			fmt.Fprintf(&b, "Target audience: %s.\n", meta.TargetAudience)
		}
		if meta.Style != "" {
			fmt.Fprintf(&b, "Tone and style: %s.\n", meta.Style)
		}
		b.WriteString("The plan must include a scene-by-scene storyboard, full narration script ")
		b.WriteString("with timing, and visual directions for each scene. ")
		b.WriteString("Deliver the plan as a single Markdown (.md) file.")
		return b.String()

	case model.StepVideoGeneration:
		var b strings.Builder
		b.WriteString("Produce the short video described by the attached production plan. ")
		b.WriteString("Follow the storyboard, narration script, and visual directions exactly.\n")
		if meta.Duration > 0 {
			fmt.Fprintf(&b, "Target length: %d seconds.\n", meta.Duration)
		}
		b.WriteString("Deliver the final video as a single .mp4 file.")
		return b.String()
	}
	return meta.Topic
}

func contentTypeFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case ".mp4":
		return "video/mp4"
	case ".md":
		return "text/markdown"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
