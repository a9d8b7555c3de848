package domain

type Project struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Asset struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	MediaType  string         `json:"media_type" enum:"image,video_frame"`
	StorageKey string         `json:"storage_key"`
	SHA256     string         `json:"sha256,omitempty"`
	Width      *int           `json:"width,omitempty"`
	Height     *int           `json:"height,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type TaskType struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// TaskDefinition is a versioned label schema / UI config for a task type.
type TaskDefinition struct {
	ID         string         `json:"id"`
	TaskTypeID string         `json:"task_type_id"`
	Version    string         `json:"version"`
	Definition map[string]any `json:"definition"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type Task struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"project_id"`
	AssetID          string         `json:"asset_id"`
	TaskDefinitionID string         `json:"task_definition_id"`
	Status           string         `json:"status" enum:"pending,in_progress,complete,failed"`
	Priority         int            `json:"priority"`
	AssignedTo       string         `json:"assigned_to,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
}

const (
	AssignmentStatusCreated   = "created"
	AssignmentStatusSubmitted = "submitted"
	AssignmentStatusApproved  = "approved"
	AssignmentStatusRejected  = "rejected"
	AssignmentStatusReturned  = "returned"
	AssignmentStatusExpired   = "expired"
)

// Assignment is one remote work submission slot for a task. Publishing a HIT
// creates a shell row with an empty assignment_id; each remote submission
// observed later gets its own row keyed by (backend, assignment_id). Rows are
// never deleted; they remain as an audit trail.
type Assignment struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	Backend      string         `json:"backend"`
	HITID        string         `json:"hit_id,omitempty"`
	AssignmentID string         `json:"assignment_id,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Status       string         `json:"status" enum:"created,submitted,approved,rejected,returned,expired"`
	Sandbox      bool           `json:"sandbox"`
	Payload      map[string]any `json:"payload,omitempty"`
	LastPolledAt *string        `json:"last_polled_at,omitempty" format:"date-time"`
	IngestedAt   *string        `json:"ingested_at,omitempty" format:"date-time"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
}

// Annotation is a durable submitted result. (task_id, submission_id) is the
// idempotency key when submission_id is non-empty.
type Annotation struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	Result        map[string]any `json:"result"`
	SchemaVersion string         `json:"schema_version"`
	ToolVersion   string         `json:"tool_version,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	SubmissionID  string         `json:"submission_id,omitempty"`
	AssignmentID  *string        `json:"assignment_id,omitempty"`
	RawPayload    map[string]any `json:"raw_payload,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
