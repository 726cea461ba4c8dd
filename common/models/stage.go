package models

// StageName identifies one of the fixed pipeline stages.
type StageName string

const (
	StageStandardize StageName = "standardize"
	StageValidate    StageName = "validate"
	StageTransform   StageName = "transform"
	StageSummarize   StageName = "summarize"
	StagePublish     StageName = "publish"
)

// PipelineStages lists the pipeline stages in execution order.
var PipelineStages = []StageName{
	StageStandardize,
	StageValidate,
	StageTransform,
	StageSummarize,
	StagePublish,
}

var stageNames = map[string]StageName{
	string(StageStandardize): StageStandardize,
	string(StageValidate):    StageValidate,
	string(StageTransform):   StageTransform,
	string(StageSummarize):   StageSummarize,
	string(StagePublish):     StagePublish,
}

func (s StageName) Valid() bool {
	_, ok := stageNames[string(s)]
	return ok
}

func (s StageName) String() string {
	return string(s)
}

const (
	// StepStatusPending indicates the step has been recorded but not started.
	StepStatusPending StepStatus = "pending"
	// StepStatusRunning indicates the step is being executed.
	StepStatusRunning StepStatus = "running"
	// StepStatusSuccess indicates the step completed successfully.
	StepStatusSuccess StepStatus = "success"
	// StepStatusFailed indicates the step failed during execution.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped indicates the step was not executed because an earlier
	// step failed, or its work was already complete from a prior run.
	StepStatusSkipped StepStatus = "skipped"
)

var stepStatuses = map[string]StepStatus{
	string(StepStatusPending): StepStatusPending,
	string(StepStatusRunning): StepStatusRunning,
	string(StepStatusSuccess): StepStatusSuccess,
	string(StepStatusFailed):  StepStatusFailed,
	string(StepStatusSkipped): StepStatusSkipped,
}

type StepStatus string

func (s StepStatus) Valid() bool {
	_, ok := stepStatuses[string(s)]
	return ok
}

// HasFinished returns true if the step has finished in a terminal state.
func (s StepStatus) HasFinished() bool {
	return s == StepStatusSuccess || s == StepStatusFailed || s == StepStatusSkipped
}

func (s StepStatus) String() string {
	return string(s)
}
