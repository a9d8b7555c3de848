package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"crowdloop/internal/domain"
	"crowdloop/internal/engine"
	"crowdloop/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the crowdloop API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("Crowdloop API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerAssets(group, cfg.Engine)
	registerTaskTypes(group, cfg.Engine)
	registerTaskDefinitions(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerAnnotations(group, cfg.Engine)
	registerMTurk(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr engine.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", verr.Error(), map[string]any{"field": verr.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if repo.IsUniqueViolation(err) {
		return newAPIError(http.StatusConflict, "conflict", "resource already exists", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p := domain.Project{
			ID:          uuid.NewString(),
			Slug:        input.Body.Slug,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			CreatedAt:   nowString(e),
		}
		if err := e.Repo.InsertProject(ctx, p); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerAssets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-asset",
		Method:        http.MethodPost,
		Path:          "/assets",
		Summary:       "Register asset",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAssetRequest `json:"body"`
	}) (*struct {
		Body domain.Asset `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.Body.ProjectID); err != nil {
			return nil, handleError(err)
		}
		a := domain.Asset{
			ID:         uuid.NewString(),
			ProjectID:  input.Body.ProjectID,
			MediaType:  input.Body.MediaType,
			StorageKey: input.Body.StorageKey,
			SHA256:     input.Body.SHA256,
			Width:      input.Body.Width,
			Height:     input.Body.Height,
			Metadata:   input.Body.Metadata,
			CreatedAt:  nowString(e),
		}
		if err := e.Repo.InsertAsset(ctx, a); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Asset `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assets",
		Method:      http.MethodGet,
		Path:        "/assets",
		Summary:     "List assets",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Limit     int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.Asset `json:"body"`
	}, error) {
		items, err := e.Repo.ListAssets(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Asset `json:"body"`
		}{Body: items}, nil
	})
}

func registerTaskTypes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task-type",
		Method:        http.MethodPost,
		Path:          "/task-types",
		Summary:       "Create task type",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskTypeRequest `json:"body"`
	}) (*struct {
		Body domain.TaskType `json:"body"`
	}, error) {
		t := domain.TaskType{
			ID:          uuid.NewString(),
			Slug:        input.Body.Slug,
			Name:        input.Body.Name,
			Description: input.Body.Description,
		}
		if err := e.Repo.InsertTaskType(ctx, t); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskType `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-types",
		Method:      http.MethodGet,
		Path:        "/task-types",
		Summary:     "List task types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TaskType `json:"body"`
	}, error) {
		items, err := e.Repo.ListTaskTypes(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskType `json:"body"`
		}{Body: items}, nil
	})
}

func registerTaskDefinitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task-definition",
		Method:        http.MethodPost,
		Path:          "/task-definitions",
		Summary:       "Create task definition version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskDefinitionRequest `json:"body"`
	}) (*struct {
		Body domain.TaskDefinition `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTaskType(ctx, input.Body.TaskTypeID); err != nil {
			return nil, handleError(err)
		}
		d := domain.TaskDefinition{
			ID:         uuid.NewString(),
			TaskTypeID: input.Body.TaskTypeID,
			Version:    input.Body.Version,
			Definition: input.Body.Definition,
			CreatedAt:  nowString(e),
		}
		if err := e.Repo.InsertTaskDefinition(ctx, d); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskDefinition `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-definitions",
		Method:      http.MethodGet,
		Path:        "/task-definitions",
		Summary:     "List task definitions",
	}, func(ctx context.Context, input *struct {
		TaskTypeID string `query:"task_type_id"`
	}) (*struct {
		Body []domain.TaskDefinition `json:"body"`
	}, error) {
		items, err := e.Repo.ListTaskDefinitions(ctx, input.TaskTypeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskDefinition `json:"body"`
		}{Body: items}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.Body.ProjectID); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetAsset(ctx, input.Body.AssetID); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetTaskDefinition(ctx, input.Body.TaskDefinitionID); err != nil {
			return nil, handleError(err)
		}
		t := domain.Task{
			ID:               uuid.NewString(),
			ProjectID:        input.Body.ProjectID,
			AssetID:          input.Body.AssetID,
			TaskDefinitionID: input.Body.TaskDefinitionID,
			Status:           "pending",
			Priority:         input.Body.Priority,
			Payload:          input.Body.Payload,
			CreatedAt:        nowString(e),
		}
		if err := e.Repo.InsertTask(ctx, t); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-bundle",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/bundle",
		Summary:     "Get task with asset and definition for rendering",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskBundle `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		asset, err := e.Repo.GetAsset(ctx, t.AssetID)
		if err != nil {
			return nil, handleError(err)
		}
		def, err := e.Repo.GetTaskDefinition(ctx, t.TaskDefinitionID)
		if err != nil {
			return nil, handleError(err)
		}
		taskType, err := e.Repo.GetTaskType(ctx, def.TaskTypeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskBundle `json:"body"`
		}{Body: TaskBundle{Task: t, Asset: asset, Definition: def, TaskType: taskType}}, nil
	})
}

func registerAnnotations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-annotation",
		Method:        http.MethodPost,
		Path:          "/annotations",
		Summary:       "Submit annotation",
		Description:   "Creates an annotation. Resubmitting a known (task_id, submission_id) pair returns the existing annotation with 200 instead of creating a duplicate.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAnnotationRequest `json:"body"`
	}) (*annotationOutput, error) {
		actor := input.Body.Actor
		if actor == "" {
			actor = actorFromContext(ctx)
		}
		row, duplicate, err := e.CreateAnnotation(ctx, engine.CreateAnnotationInput{
			TaskID:        input.Body.TaskID,
			Result:        input.Body.Result,
			SchemaVersion: input.Body.SchemaVersion,
			ToolVersion:   input.Body.ToolVersion,
			Actor:         actor,
			SubmissionID:  input.Body.SubmissionID,
			AssignmentID:  input.Body.AssignmentID,
			RawPayload:    input.Body.RawPayload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &annotationOutput{Status: http.StatusCreated, Body: row}
		if duplicate {
			out.Status = http.StatusOK
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-annotations",
		Method:      http.MethodGet,
		Path:        "/annotations",
		Summary:     "List annotations",
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		Actor  string `query:"actor"`
		Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.Annotation `json:"body"`
	}, error) {
		items, err := e.Repo.ListAnnotations(ctx, repo.AnnotationFilters{
			TaskID: input.TaskID,
			Actor:  input.Actor,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Annotation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-annotation",
		Method:      http.MethodGet,
		Path:        "/annotations/{annotation_id}",
		Summary:     "Get annotation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AnnotationID string `path:"annotation_id"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		a, err := e.Repo.GetAnnotation(ctx, input.AnnotationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})
}

type annotationOutput struct {
	Status int
	Body   domain.Annotation `json:"body"`
}

func registerMTurk(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-hit",
		Method:        http.MethodPost,
		Path:          "/mturk/hits",
		Summary:       "Publish a HIT for one task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body IssueHITRequest `json:"body"`
	}) (*struct {
		Body engine.CreatedHIT `json:"body"`
	}, error) {
		hitID, err := e.IssueForTask(ctx, input.Body.TaskID, engine.IssueOptions{
			Reward:          input.Body.Reward,
			MaxAssignments:  input.Body.MaxAssignments,
			LifetimeSeconds: input.Body.LifetimeSeconds,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CreatedHIT `json:"body"`
		}{Body: engine.CreatedHIT{TaskID: input.Body.TaskID, HITID: hitID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-hit-batch",
		Method:        http.MethodPost,
		Path:          "/mturk/hits/batch",
		Summary:       "Publish HITs for many tasks, skipping ones already in flight",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body IssueHITBatchRequest `json:"body"`
	}) (*struct {
		Body engine.IssueResult `json:"body"`
	}, error) {
		result, err := e.IssueForTasks(ctx, input.Body.TaskIDs, engine.IssueOptions{
			Reward:          input.Body.Reward,
			MaxAssignments:  input.Body.MaxAssignments,
			LifetimeSeconds: input.Body.LifetimeSeconds,
		}, input.Body.BatchSize)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IssueResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-hit",
		Method:      http.MethodPost,
		Path:        "/mturk/hits/{hit_id}/sync",
		Summary:     "Reconcile one HIT against remote submission state",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		HITID string `path:"hit_id"`
	}) (*struct {
		Body engine.SyncResult `json:"body"`
	}, error) {
		result, err := e.SyncAssignments(ctx, input.HITID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SyncResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-hits",
		Method:      http.MethodPost,
		Path:        "/mturk/sweeps/hits",
		Summary:     "Sync a batch of open HITs",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"25" minimum:"1" maximum:"500"`
	}) (*struct {
		Body engine.SweepResult `json:"body"`
	}, error) {
		result, err := e.SweepOpenHITs(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-ingest",
		Method:      http.MethodPost,
		Path:        "/mturk/sweeps/ingest",
		Summary:     "Promote submitted assignments to annotations",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"25" minimum:"1" maximum:"500"`
	}) (*struct {
		Body engine.IngestResult `json:"body"`
	}, error) {
		result, err := e.IngestSubmitted(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IngestResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/mturk/assignments",
		Summary:     "List assignments",
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		HITID  string `query:"hit_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		items, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
			TaskID: input.TaskID,
			HITID:  input.HITID,
			Status: input.Status,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func nowString(e engine.Engine) string {
	return e.Now().UTC().Format(time.RFC3339)
}
