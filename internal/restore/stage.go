// Package restore runs the four-stage page restoration pipeline over batches of titles.
//
// A batch is executed as four waves, one per stage. Every live job runs the
// wave's stage in a bounded worker pool and the batch waits for the whole wave
// to drain before the next stage starts. Jobs fail independently; a failed job
// sits out the remaining waves while its siblings continue.
package restore

import (
	"fmt"
	"strings"
)

// Stage is one of the four ordered restoration steps.
type Stage int

const (
	// StagePrep converts the original scan into a clean restored raster.
	StagePrep Stage = iota + 1
	// StageRestore combines the restored raster with the upscaled scan. Memory hungry.
	StageRestore
	// StageVectorize traces the restored upscale into an SVG.
	StageVectorize
	// StageCompose renders the SVG over the restored upscale into the final page. Memory hungry.
	StageCompose
)

// Stages lists all stages in execution order.
var Stages = []Stage{StagePrep, StageRestore, StageVectorize, StageCompose}

var stageNames = map[Stage]string{
	StagePrep:      "prep",
	StageRestore:   "restore",
	StageVectorize: "vectorize",
	StageCompose:   "compose",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Valid reports whether s is one of the four stages.
func (s Stage) Valid() bool {
	return s >= StagePrep && s <= StageCompose
}

// MemoryHungry reports whether the stage holds large buffers per job and is
// subject to the low-memory concurrency cap.
func (s Stage) MemoryHungry() bool {
	return s == StageRestore || s == StageCompose
}

// ParseStage accepts a stage name or number.
func ParseStage(v string) (Stage, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for s, name := range stageNames {
		if v == name || v == fmt.Sprint(int(s)) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", v)
}

// Input roles, also used as command placeholders.
const (
	RoleOriginal         = "original"
	RoleUpscaled         = "upscaled"
	RoleRestored         = "restored"
	RoleRestoredUpscaled = "restored_upscaled"
	RoleSVG              = "svg"
	RoleFinal            = "final"
)

// StageInput is a file a stage reads.
type StageInput struct {
	Role string
	Path string
}

// Inputs returns the files the stage requires for a job.
func (s Stage) Inputs(j *RestoreJob) []StageInput {
	switch s {
	case StagePrep:
		return []StageInput{{RoleOriginal, j.Original.Path}}
	case StageRestore:
		return []StageInput{{RoleUpscaled, j.Upscaled.Path}, {RoleRestored, j.Outputs.Restored}}
	case StageVectorize:
		return []StageInput{{RoleRestoredUpscaled, j.Outputs.RestoredUpscaled}}
	case StageCompose:
		return []StageInput{{RoleRestoredUpscaled, j.Outputs.RestoredUpscaled}, {RoleSVG, j.Outputs.SVG}}
	}
	return nil
}

// Output returns the file the stage produces for a job.
func (s Stage) Output(j *RestoreJob) string {
	if !s.Valid() {
		return ""
	}
	return j.Outputs.Paths()[s-1]
}
