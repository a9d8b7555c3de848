package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"crowdloop/internal/domain"
	"crowdloop/internal/events"
	"crowdloop/internal/repo"
)

type IngestResult struct {
	Ingested int `json:"ingested"`
	Skipped  int `json:"skipped"`
}

// Keys of the decoded annotation object that describe the submission rather
// than the labeled result. They are lifted onto the Annotation row; whatever
// remains becomes the result document.
var reservedAnnotationKeys = map[string]bool{
	"submission_id":  true,
	"schema_version": true,
	"tool_version":   true,
	"actor":          true,
	"task":           true,
	"task_id":        true,
	"assignment":     true,
	"raw_payload":    true,
}

// IngestSubmitted promotes polled assignments carrying an annotation payload
// into annotation rows, at most once per submission. A failed row is logged
// and left untouched so the next sweep retries it; only a created annotation
// or a detected duplicate stamps ingested_at.
func (e Engine) IngestSubmitted(ctx context.Context, limit int) (IngestResult, error) {
	if limit <= 0 {
		limit = e.Config.Sweep.IngestLimit
	}
	var result IngestResult

	rows, err := e.Repo.ListIngestible(ctx, BackendMTurk, limit)
	if err != nil {
		return result, err
	}

	for _, a := range rows {
		annotation, ok := a.Payload["annotation_json"].(map[string]any)
		if !ok || len(annotation) == 0 {
			result.Skipped++
			continue
		}

		submissionID := stringField(annotation, "submission_id")
		if submissionID == "" {
			submissionID = a.AssignmentID
		}
		if submissionID == "" {
			submissionID = strings.ReplaceAll(uuid.NewString(), "-", "")
		}

		_, err = e.Repo.FindAnnotationBySubmission(ctx, a.TaskID, submissionID)
		if err == nil {
			if err := e.stampIngested(ctx, a); err != nil {
				return result, err
			}
			result.Skipped++
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return result, err
		}

		if err := e.ingestOne(ctx, a, annotation, submissionID); err != nil {
			if repo.IsUniqueViolation(err) {
				if err := e.stampIngested(ctx, a); err != nil {
					return result, err
				}
				result.Skipped++
				continue
			}
			var verr ValidationError
			if errors.As(err, &verr) {
				// Neither ingested nor skipped: the row stays eligible and
				// the next sweep retries it.
				e.logger().Printf("ingest: assignment %s rejected: %v", a.AssignmentID, verr)
				continue
			}
			return result, err
		}
		result.Ingested++
	}
	return result, nil
}

func (e Engine) ingestOne(ctx context.Context, a domain.Assignment, annotation map[string]any, submissionID string) error {
	result := map[string]any{}
	for k, v := range annotation {
		if !reservedAnnotationKeys[k] {
			result[k] = v
		}
	}
	if len(result) == 0 {
		return ValidationError{Field: "result", Reason: "annotation payload has no result fields"}
	}

	rawPayload := cloneDoc(a.Payload)
	rawPayload["ingested_via"] = BackendMTurk

	now := e.nowRFC3339()
	actor := BackendMTurk
	if a.WorkerID != "" {
		actor = BackendMTurk + ":" + a.WorkerID
	}
	row := domain.Annotation{
		ID:            uuid.NewString(),
		TaskID:        a.TaskID,
		Result:        result,
		SchemaVersion: stringFieldOr(annotation, "schema_version", "1.0"),
		ToolVersion:   stringField(annotation, "tool_version"),
		Actor:         stringFieldOr(annotation, "actor", actor),
		SubmissionID:  submissionID,
		AssignmentID:  &a.ID,
		RawPayload:    rawPayload,
		CreatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAnnotationTx(ctx, tx, row); err != nil {
		return err
	}

	dirty := []string{"ingested_at", "updated_at"}
	a.IngestedAt = &row.CreatedAt
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = domain.AssignmentStatusSubmitted
		dirty = append(dirty, "status")
	}
	if err := e.Repo.UpdateAssignmentFields(ctx, tx, a, dirty); err != nil {
		return err
	}

	err = e.Events.Append(ctx, tx, events.TypeAssignmentIngested, "", events.EventPayload{
		"task_id":       a.TaskID,
		"assignment_id": a.AssignmentID,
		"annotation_id": row.ID,
		"submission_id": submissionID,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// stampIngested marks an assignment whose submission already has an
// annotation so later sweeps stop picking it up.
func (e Engine) stampIngested(ctx context.Context, a domain.Assignment) error {
	now := e.nowRFC3339()
	a.IngestedAt = &now
	a.UpdatedAt = now
	return e.Repo.UpdateAssignmentFields(ctx, nil, a, []string{"ingested_at", "updated_at"})
}

// ValidationError marks input rejected by an engine operation. Ingestion
// leaves the offending row untouched, so a later sweep sees it again.
type ValidationError struct {
	Field  string
	Reason string
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func stringFieldOr(doc map[string]any, key, fallback string) string {
	if s := stringField(doc, key); s != "" {
		return s
	}
	return fallback
}
