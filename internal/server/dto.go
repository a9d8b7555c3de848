package server

import "crowdloop/internal/domain"

type CreateProjectRequest struct {
	Slug        string `json:"slug" minLength:"1"`
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
}

type CreateAssetRequest struct {
	ProjectID  string         `json:"project_id" minLength:"1"`
	MediaType  string         `json:"media_type" enum:"image,video_frame"`
	StorageKey string         `json:"storage_key" minLength:"1"`
	SHA256     string         `json:"sha256,omitempty"`
	Width      *int           `json:"width,omitempty"`
	Height     *int           `json:"height,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type CreateTaskTypeRequest struct {
	Slug        string `json:"slug" minLength:"1"`
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
}

type CreateTaskDefinitionRequest struct {
	TaskTypeID string         `json:"task_type_id" minLength:"1"`
	Version    string         `json:"version" minLength:"1"`
	Definition map[string]any `json:"definition"`
}

type CreateTaskRequest struct {
	ProjectID        string         `json:"project_id" minLength:"1"`
	AssetID          string         `json:"asset_id" minLength:"1"`
	TaskDefinitionID string         `json:"task_definition_id" minLength:"1"`
	Priority         int            `json:"priority,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
}

type CreateAnnotationRequest struct {
	TaskID        string         `json:"task_id" minLength:"1"`
	Result        map[string]any `json:"result"`
	SchemaVersion string         `json:"schema_version,omitempty"`
	ToolVersion   string         `json:"tool_version,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	SubmissionID  string         `json:"submission_id,omitempty"`
	AssignmentID  string         `json:"assignment_id,omitempty"`
	RawPayload    map[string]any `json:"raw_payload,omitempty"`
}

type IssueHITRequest struct {
	TaskID          string `json:"task_id" minLength:"1"`
	Reward          string `json:"reward,omitempty"`
	MaxAssignments  int    `json:"max_assignments,omitempty"`
	LifetimeSeconds int    `json:"lifetime_seconds,omitempty"`
}

type IssueHITBatchRequest struct {
	TaskIDs         []string `json:"task_ids" minItems:"1"`
	Reward          string   `json:"reward,omitempty"`
	MaxAssignments  int      `json:"max_assignments,omitempty"`
	LifetimeSeconds int      `json:"lifetime_seconds,omitempty"`
	BatchSize       int      `json:"batch_size,omitempty"`
}

// TaskBundle is everything a worker UI needs to render one task.
type TaskBundle struct {
	Task       domain.Task           `json:"task"`
	Asset      domain.Asset          `json:"asset"`
	Definition domain.TaskDefinition `json:"definition"`
	TaskType   domain.TaskType       `json:"task_type"`
}
