package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"crowdloop/internal/domain"
	"crowdloop/internal/events"
	"crowdloop/internal/mturk"
	"crowdloop/internal/repo"
)

// IssueOptions override the configured HIT parameters for a single issue
// call. Zero values fall back to the config defaults.
type IssueOptions struct {
	Reward          string
	MaxAssignments  int
	LifetimeSeconds int
}

type CreatedHIT struct {
	TaskID string `json:"task_id"`
	HITID  string `json:"hit_id"`
}

type IssueResult struct {
	Created []CreatedHIT `json:"created"`
	Skipped []string     `json:"skipped"`
}

func (o IssueOptions) withDefaults(e Engine) IssueOptions {
	cfg := e.Config.MTurk
	if o.Reward == "" {
		o.Reward = cfg.DefaultReward
	}
	if o.MaxAssignments <= 0 {
		o.MaxAssignments = cfg.DefaultMaxAssign
	}
	if o.LifetimeSeconds <= 0 {
		o.LifetimeSeconds = cfg.DefaultLifetimeSec
	}
	return o
}

// IssueForTask publishes one HIT for the task and records a shell assignment
// row for it. The remote call happens before the local transaction: if the
// HIT is created but the insert fails, the next sweep will not find the HIT
// locally, which is visible in the event log rather than silently lost.
func (e Engine) IssueForTask(ctx context.Context, taskID string, opts IssueOptions) (string, error) {
	opts = opts.withDefaults(e)
	cfg := e.Config.MTurk

	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	def, err := e.Repo.GetTaskDefinition(ctx, task.TaskDefinitionID)
	if err != nil {
		return "", fmt.Errorf("load task definition: %w", err)
	}
	taskType, err := e.Repo.GetTaskType(ctx, def.TaskTypeID)
	if err != nil {
		return "", fmt.Errorf("load task type: %w", err)
	}

	workerURL := mturk.WorkerURL(e.Config.PublicBaseURL, task.ID, cfg.Sandbox)
	question := mturk.ExternalQuestionXML(workerURL, cfg.FrameHeight)

	input := mturk.CreateHITInput{
		Title:                       fmt.Sprintf("%s %s", taskType.Name, cfg.HITTitleSuffix),
		Description:                 cfg.HITDescription,
		Keywords:                    cfg.HITKeywords,
		Reward:                      opts.Reward,
		AssignmentDurationInSeconds: cfg.AssignmentDuration,
		LifetimeInSeconds:           opts.LifetimeSeconds,
		MaxAssignments:              opts.MaxAssignments,
		Question:                    question,
	}
	hitID, err := e.Client.CreateHIT(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create HIT for task %s: %w", taskID, err)
	}

	now := e.nowRFC3339()
	shell := domain.Assignment{
		ID:      uuid.NewString(),
		TaskID:  task.ID,
		Backend: BackendMTurk,
		HITID:   hitID,
		Status:  domain.AssignmentStatusCreated,
		Sandbox: cfg.Sandbox,
		Payload: map[string]any{
			"creation": map[string]any{
				"reward":           opts.Reward,
				"max_assignments":  opts.MaxAssignments,
				"lifetime_seconds": opts.LifetimeSeconds,
				"worker_url":       workerURL,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAssignmentTx(ctx, tx, shell); err != nil {
		return "", err
	}
	err = e.Events.Append(ctx, tx, events.TypeHITCreated, "", events.EventPayload{
		"task_id":          task.ID,
		"hit_id":           hitID,
		"reward":           opts.Reward,
		"max_assignments":  opts.MaxAssignments,
		"lifetime_seconds": opts.LifetimeSeconds,
	})
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	e.logger().Printf("issued HIT %s for task %s (sandbox=%v)", hitID, task.ID, cfg.Sandbox)
	return hitID, nil
}

// IssueForTasks publishes HITs for a set of tasks in stable id order,
// chunked so one oversized request cannot blow past marketplace rate
// limits. Tasks that already carry an active assignment are skipped, not
// re-issued.
func (e Engine) IssueForTasks(ctx context.Context, taskIDs []string, opts IssueOptions, batchSize int) (IssueResult, error) {
	if batchSize <= 0 {
		batchSize = 25
	}
	result := IssueResult{Created: []CreatedHIT{}, Skipped: []string{}}

	tasks, err := e.Repo.ListTasksByIDs(ctx, taskIDs)
	if err != nil {
		return result, err
	}

	for start := 0; start < len(tasks); start += batchSize {
		end := start + batchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		for _, task := range tasks[start:end] {
			active, err := e.Repo.HasActiveAssignment(ctx, task.ID, BackendMTurk)
			if err != nil {
				return result, err
			}
			if active {
				result.Skipped = append(result.Skipped, task.ID)
				continue
			}
			hitID, err := e.IssueForTask(ctx, task.ID, opts)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					result.Skipped = append(result.Skipped, task.ID)
					continue
				}
				return result, err
			}
			result.Created = append(result.Created, CreatedHIT{TaskID: task.ID, HITID: hitID})
		}
	}
	return result, nil
}
