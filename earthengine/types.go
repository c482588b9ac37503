package earthengine

import "encoding/json"

// TableExportRequest is the body of projects.table.export.
type TableExportRequest struct {
	Expression        Expression        `json:"expression"`
	Description       string            `json:"description,omitempty"`
	FileExportOptions FileExportOptions `json:"fileExportOptions"`
	RequestID         string            `json:"requestId,omitempty"`
}

type FileExportOptions struct {
	FileFormat              string                  `json:"fileFormat"`
	CloudStorageDestination CloudStorageDestination `json:"cloudStorageDestination"`
}

type CloudStorageDestination struct {
	Bucket         string `json:"bucket"`
	FilenamePrefix string `json:"filenamePrefix"`
}

// Operation is a long-running export as reported by the backend.
type Operation struct {
	Name     string            `json:"name"`
	Done     bool              `json:"done"`
	Metadata OperationMetadata `json:"metadata"`
	Error    *OperationError   `json:"error,omitempty"`
}

type OperationMetadata struct {
	State       string `json:"state"`
	Description string `json:"description"`
	CreateTime  string `json:"createTime,omitempty"`
	UpdateTime  string `json:"updateTime,omitempty"`
}

type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Task states as exposed to callers. They follow the task vocabulary of the
// batch API rather than the operation vocabulary of the REST API.
const (
	TaskReady           = "READY"
	TaskRunning         = "RUNNING"
	TaskCompleted       = "COMPLETED"
	TaskFailed          = "FAILED"
	TaskCancelRequested = "CANCEL_REQUESTED"
	TaskCancelled       = "CANCELLED"
)

var operationToTask = map[string]string{
	"PENDING":    TaskReady,
	"RUNNING":    TaskRunning,
	"SUCCEEDED":  TaskCompleted,
	"FAILED":     TaskFailed,
	"CANCELLING": TaskCancelRequested,
	"CANCELLED":  TaskCancelled,
}

// Status is the result of a status query for one export.
type Status struct {
	State        string
	Description  string
	ErrorMessage string
}

// Status converts the operation into a task status. States without a task
// equivalent are passed through unchanged.
func (op Operation) Status() Status {
	state, ok := operationToTask[op.Metadata.State]
	if !ok {
		state = op.Metadata.State
	}
	st := Status{State: state, Description: op.Metadata.Description}
	if op.Error != nil {
		st.ErrorMessage = op.Error.Message
	}
	return st
}

// Feature is one GeoJSON feature of a table asset.
type Feature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type featurePageResponse struct {
	Type          string    `json:"type"`
	Features      []Feature `json:"features"`
	NextPageToken string    `json:"nextPageToken"`
}
