package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"crowdloop/internal/domain"
	"crowdloop/internal/events"
	"crowdloop/internal/mturk"
	"crowdloop/internal/repo"
)

type SyncResult struct {
	Seen    int `json:"seen"`
	Updated int `json:"updated"`
}

// SyncAssignments reconciles local assignment rows for one HIT against the
// remote submission state. Each observed submission is upserted by its remote
// id and merged field by field; rows are written at most once per poll. Every
// touched row gets last_polled_at stamped even when nothing else changed,
// so staleness stays observable.
func (e Engine) SyncAssignments(ctx context.Context, hitID string) (SyncResult, error) {
	base, err := e.Repo.FirstAssignmentForHIT(ctx, BackendMTurk, hitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.logger().Printf("sync: no local assignment for HIT %s, skipping", hitID)
			return SyncResult{}, nil
		}
		return SyncResult{}, err
	}

	statuses := []string{mturk.StatusSubmitted, mturk.StatusApproved, mturk.StatusRejected}
	var result SyncResult
	err = e.Client.ListAssignmentsForHIT(ctx, hitID, statuses, e.Config.MTurk.PollPageSize, func(page []mturk.AssignmentRecord) error {
		for _, record := range page {
			if record.AssignmentID == "" {
				continue
			}
			result.Seen++
			local, err := e.upsertAssignment(ctx, base, hitID, record.AssignmentID)
			if err != nil {
				return err
			}
			changed, err := e.mergeRecord(ctx, local, record)
			if err != nil {
				return err
			}
			if changed {
				result.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

// upsertAssignment finds the local row for a remote assignment id, creating
// one seeded from the HIT's first row when the submission has not been seen
// before. A concurrent insert losing the unique race on
// (backend, assignment_id) falls back to reading the winner's row.
func (e Engine) upsertAssignment(ctx context.Context, base domain.Assignment, hitID, assignmentID string) (domain.Assignment, error) {
	local, err := e.Repo.GetAssignmentByRemoteID(ctx, BackendMTurk, assignmentID)
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Assignment{}, err
	}

	now := e.nowRFC3339()
	fresh := domain.Assignment{
		ID:           uuid.NewString(),
		TaskID:       base.TaskID,
		Backend:      BackendMTurk,
		HITID:        hitID,
		AssignmentID: assignmentID,
		Status:       domain.AssignmentStatusCreated,
		Sandbox:      base.Sandbox,
		Payload:      map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertAssignment(ctx, fresh); err != nil {
		if repo.IsUniqueViolation(err) {
			return e.Repo.GetAssignmentByRemoteID(ctx, BackendMTurk, assignmentID)
		}
		return domain.Assignment{}, err
	}
	return fresh, nil
}

// mergeRecord applies one remote assignment record onto the local row,
// tracking dirty fields so the row is written exactly once. It reports
// whether anything beyond last_polled_at changed.
func (e Engine) mergeRecord(ctx context.Context, local domain.Assignment, record mturk.AssignmentRecord) (bool, error) {
	dirty := []string{}

	if record.WorkerID != "" && local.WorkerID != record.WorkerID {
		local.WorkerID = record.WorkerID
		dirty = append(dirty, "worker_id")
	}

	mapped := mturk.MapAssignmentStatus(record.AssignmentStatus)
	if local.Status != mapped {
		local.Status = mapped
		dirty = append(dirty, "status")
	}

	answers := mturk.ParseAnswers(record.Answer, e.logger())
	payload := cloneDoc(local.Payload)
	payload["mturk_record"] = normalizeDoc(record)
	fields := map[string]any{}
	for k, v := range answers.Fields {
		fields[k] = v
	}
	payload["answers"] = fields
	if annotation := answers.AnnotationObject(); annotation != nil {
		payload["annotation_json"] = annotation
	}
	if !docsEqual(local.Payload, payload) {
		local.Payload = payload
		dirty = append(dirty, "payload")
	}

	now := e.nowRFC3339()
	local.LastPolledAt = &now
	substantive := len(dirty) > 0
	dirty = append(dirty, "last_polled_at")

	if !substantive {
		return false, e.Repo.UpdateAssignmentFields(ctx, nil, local, dirty)
	}

	local.UpdatedAt = now
	dirty = append(dirty, "updated_at")

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateAssignmentFields(ctx, tx, local, dirty); err != nil {
		return false, err
	}
	err = e.Events.Append(ctx, tx, events.TypeAssignmentSynced, "", events.EventPayload{
		"task_id":       local.TaskID,
		"hit_id":        local.HITID,
		"assignment_id": local.AssignmentID,
		"status":        local.Status,
	})
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}
