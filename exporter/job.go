package exporter

import "woreda-stats/earthengine"

// JobState is the lifecycle state of an export job.
//
//	SUBMITTED -> {READY, RUNNING} -> {COMPLETED, FAILED}
//
// UNKNOWN is a terminal catch-all for backend states outside that set.
type JobState string

const (
	StateSubmitted JobState = "SUBMITTED"
	StateReady     JobState = "READY"
	StateRunning   JobState = "RUNNING"
	StateCompleted JobState = "COMPLETED"
	StateFailed    JobState = "FAILED"
	StateUnknown   JobState = "UNKNOWN"
)

func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateUnknown:
		return true
	}
	return false
}

func (s JobState) rank() int {
	switch s {
	case StateSubmitted, "":
		return 0
	case StateReady:
		return 1
	case StateRunning:
		return 2
	}
	return 3
}

// ClassifyState maps a raw backend task state onto JobState. The second
// return is false when the raw state is not one the monitor recognizes.
func ClassifyState(raw string) (JobState, bool) {
	switch raw {
	case earthengine.TaskReady:
		return StateReady, true
	case earthengine.TaskRunning:
		return StateRunning, true
	case earthengine.TaskCompleted:
		return StateCompleted, true
	case earthengine.TaskFailed:
		return StateFailed, true
	}
	return StateUnknown, false
}

// ExportJob is one asynchronous table export, one per AdminFeature.
type ExportJob struct {
	// ID is the backend operation name.
	ID           string
	FeatureID    string
	FeatureName  string
	Description  string
	Bucket       string
	Path         string
	State        JobState
	RawState     string
	ErrorMessage string
}

// advance moves the cached state forward. Backward transitions are ignored
// and reported as false.
func (j *ExportJob) advance(next JobState, raw string) bool {
	if j.State.Terminal() || next.rank() < j.State.rank() {
		return false
	}
	j.State = next
	j.RawState = raw
	return true
}
