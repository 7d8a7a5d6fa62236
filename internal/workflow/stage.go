package workflow

import (
	"fmt"
	"slices"
	"strings"

	"shopfloor.dev/internal/auth"
)

// Stage is a position of a work item in the production workflow.
type Stage string

const (
	StageWIPEntry        Stage = "WIP_ENTRY"
	StageTemplateMapping Stage = "TEMPLATE_MAPPING"
	StageBundleCreation  Stage = "BUNDLE_CREATION"
	StageWorkMonitoring  Stage = "WORK_MONITORING"
	StageCompleted       Stage = "COMPLETED"
	StageFlagged         Stage = "FLAGGED"
)

// pipeline is the fixed forward order. FLAGGED is a detour off WORK_MONITORING.
var pipeline = []Stage{
	StageWIPEntry,
	StageTemplateMapping,
	StageBundleCreation,
	StageWorkMonitoring,
	StageCompleted,
}

// Stages lists every stage, pipeline order first.
var Stages = append(slices.Clone(pipeline), StageFlagged)

// ParseStage converts user input into a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, s)
	}
	return st, nil
}

func (s Stage) Valid() bool { return slices.Contains(Stages, s) }

// Successor returns the next pipeline stage. FLAGGED and COMPLETED have none.
func (s Stage) Successor() (Stage, bool) {
	i := slices.Index(pipeline, s)
	if i < 0 || i == len(pipeline)-1 {
		return "", false
	}
	return pipeline[i+1], true
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool { return s == StageCompleted }

// entryAction is the permission needed to move a work item into the stage.
func entryAction(s Stage) auth.Action {
	switch s {
	case StageWIPEntry:
		return auth.ActionWIPEntry
	case StageTemplateMapping:
		return auth.ActionTemplateMapping
	case StageBundleCreation:
		return auth.ActionBundleCreation
	default:
		return auth.ActionMonitoringWrite
	}
}
