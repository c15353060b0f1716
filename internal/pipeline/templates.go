package pipeline

import "time"

// DefaultTemplateID names the stock video production template.
const DefaultTemplateID = "video-production"

// DefaultTemplate returns the stock topic-to-video graph:
//
//	script -> {voiceover, visuals, music?} -> assemble -> qc -> publish -> report
//	visuals -> thumbnail?
func DefaultTemplate() Definition {
	def := Definition{
		ID:          DefaultTemplateID,
		Name:        "Video production",
		Description: "Draft a script, narrate it, generate visuals and music, assemble, review and publish.",
		Runtime:     Runtime{MaxParallel: 4, AllowDegraded: true},
		Stages: []StageSpec{
			{ID: "script", Executor: "script", Config: StageConfig{"kind": "script"}, Timeout: 2 * time.Minute, Description: "Draft the narration script"},
			{ID: "voiceover", Executor: "voiceover", Config: StageConfig{"kind": "audio"}, DependsOn: []string{"script"}, Timeout: 5 * time.Minute, Description: "Synthesize narration audio"},
			{ID: "visuals", Executor: "visuals", Config: StageConfig{"kind": "video"}, DependsOn: []string{"script"}, Timeout: 10 * time.Minute, Description: "Generate scene images and clips"},
			{ID: "music", Executor: "music", Config: StageConfig{"kind": "audio"}, DependsOn: []string{"script"}, Mode: ModeOptional, Timeout: 5 * time.Minute, Description: "Compose background music"},
			{ID: "thumbnail", Executor: "thumbnail", Config: StageConfig{"kind": "image"}, DependsOn: []string{"visuals"}, Mode: ModeOptional, Timeout: 2 * time.Minute, Description: "Render a thumbnail"},
			{ID: "assemble", Executor: "assemble", Config: StageConfig{"kind": "video"}, DependsOn: []string{"voiceover", "visuals", "music"}, Timeout: 15 * time.Minute, Description: "Mix audio and assemble the timeline"},
			{ID: "qc", Executor: "qc", Config: StageConfig{"kind": "report"}, DependsOn: []string{"assemble"}, Timeout: 5 * time.Minute, Description: "Quality and compliance review"},
			{ID: "publish", Executor: "publish", Config: StageConfig{"kind": "document"}, DependsOn: []string{"qc"}, Timeout: 5 * time.Minute, Description: "Upload the finished video"},
			{ID: "report", Executor: "report", Config: StageConfig{"kind": "report"}, DependsOn: []string{"publish"}, Timeout: time.Minute, Description: "Write the job report and notify"},
		},
	}
	normalized, err := def.Normalized()
	if err != nil {
		panic(err)
	}
	return normalized
}

// BuiltinTemplates lists templates compiled into the binary.
func BuiltinTemplates() []Definition {
	return []Definition{DefaultTemplate()}
}
