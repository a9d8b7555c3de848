package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"crowdloop/internal/domain"
	"crowdloop/internal/events"
	"crowdloop/internal/repo"
)

type CreateAnnotationInput struct {
	TaskID        string
	Result        map[string]any
	SchemaVersion string
	ToolVersion   string
	Actor         string
	SubmissionID  string
	AssignmentID  string
	RawPayload    map[string]any
}

// CreateAnnotation records a submitted result for a task. The second return
// reports whether the submission was already known; callers treat duplicates
// as success without creating anything.
//
// When no assignment is named explicitly, the submission id is tried as a
// remote assignment id so marketplace submissions posted through the public
// API still link back to their assignment row.
func (e Engine) CreateAnnotation(ctx context.Context, in CreateAnnotationInput) (domain.Annotation, bool, error) {
	if in.TaskID == "" {
		return domain.Annotation{}, false, ValidationError{Field: "task_id", Reason: "required"}
	}
	if len(in.Result) == 0 {
		return domain.Annotation{}, false, ValidationError{Field: "result", Reason: "required"}
	}
	task, err := e.Repo.GetTask(ctx, in.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Annotation{}, false, ValidationError{Field: "task_id", Reason: "unknown task"}
		}
		return domain.Annotation{}, false, err
	}

	submissionID := in.SubmissionID
	if submissionID == "" {
		submissionID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	var assignment *domain.Assignment
	if in.AssignmentID != "" {
		a, err := e.Repo.GetAssignment(ctx, in.AssignmentID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Annotation{}, false, ValidationError{Field: "assignment_id", Reason: "unknown assignment"}
			}
			return domain.Annotation{}, false, err
		}
		assignment = &a
	} else if in.SubmissionID != "" {
		a, err := e.Repo.GetAssignmentByRemoteID(ctx, BackendMTurk, in.SubmissionID)
		if err == nil {
			assignment = &a
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Annotation{}, false, err
		}
	}
	if assignment != nil && assignment.TaskID != task.ID {
		return domain.Annotation{}, false, ValidationError{Field: "assignment_id", Reason: "assignment belongs to another task"}
	}

	if existing, err := e.Repo.FindAnnotationBySubmission(ctx, task.ID, submissionID); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Annotation{}, false, err
	}

	rawPayload := in.RawPayload
	if rawPayload == nil {
		rawPayload = map[string]any{}
	}
	schemaVersion := in.SchemaVersion
	if schemaVersion == "" {
		schemaVersion = "1.0"
	}

	row := domain.Annotation{
		ID:            uuid.NewString(),
		TaskID:        task.ID,
		Result:        in.Result,
		SchemaVersion: schemaVersion,
		ToolVersion:   in.ToolVersion,
		Actor:         in.Actor,
		SubmissionID:  submissionID,
		RawPayload:    rawPayload,
		CreatedAt:     e.nowRFC3339(),
	}
	if assignment != nil {
		row.AssignmentID = &assignment.ID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotation{}, false, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAnnotationTx(ctx, tx, row); err != nil {
		if repo.IsUniqueViolation(err) {
			// A racing writer landed the same submission first.
			tx.Rollback()
			existing, gerr := e.Repo.FindAnnotationBySubmission(ctx, task.ID, submissionID)
			if gerr != nil {
				return domain.Annotation{}, false, gerr
			}
			return existing, true, nil
		}
		return domain.Annotation{}, false, err
	}

	if assignment != nil {
		if err := e.markAssignmentAnnotated(ctx, tx, *assignment, row, rawPayload); err != nil {
			return domain.Annotation{}, false, err
		}
	}

	err = e.Events.Append(ctx, tx, events.TypeAnnotationCreated, in.Actor, events.EventPayload{
		"task_id":       task.ID,
		"annotation_id": row.ID,
		"submission_id": submissionID,
	})
	if err != nil {
		return domain.Annotation{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotation{}, false, err
	}
	return row, false, nil
}

// markAssignmentAnnotated stamps the linked assignment when an annotation
// arrives for it: ingested_at if unset, status forced to submitted, and the
// raw submission kept on the payload.
func (e Engine) markAssignmentAnnotated(ctx context.Context, tx *sql.Tx, a domain.Assignment, row domain.Annotation, rawPayload map[string]any) error {
	dirty := []string{}
	if a.IngestedAt == nil {
		a.IngestedAt = &row.CreatedAt
		dirty = append(dirty, "ingested_at")
	}
	if a.Status != domain.AssignmentStatusSubmitted {
		a.Status = domain.AssignmentStatusSubmitted
		dirty = append(dirty, "status")
	}
	payload := cloneDoc(a.Payload)
	payload["latest_annotation_submission"] = normalizeDoc(rawPayload)
	if !docsEqual(a.Payload, payload) {
		a.Payload = payload
		dirty = append(dirty, "payload")
	}
	if len(dirty) == 0 {
		return nil
	}
	a.UpdatedAt = e.nowRFC3339()
	dirty = append(dirty, "updated_at")
	return e.Repo.UpdateAssignmentFields(ctx, tx, a, dirty)
}
