package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"crowdloop/internal/config"
	"crowdloop/internal/db"
	"crowdloop/internal/domain"
	"crowdloop/internal/events"
	"crowdloop/internal/migrate"
	"crowdloop/internal/mturk"
	"crowdloop/internal/mturk/mturktest"
	"crowdloop/internal/repo"
)

// testClock hands out strictly increasing timestamps so single-second test
// runs still produce distinguishable RFC3339 values.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

type testEnv struct {
	engine Engine
	fake   *mturktest.Fake
	db     *sql.DB
	clock  *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	fake := mturktest.New()
	eng := New(conn, config.Default(), fake)
	clock := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	eng.Now = clock.now
	return &testEnv{engine: eng, fake: fake, db: conn, clock: clock}
}

// seedTask creates the project/asset/type/definition chain plus one task and
// returns the task id.
func (env *testEnv) seedTask(t *testing.T, suffix string) string {
	t.Helper()
	ctx := context.Background()
	r := env.engine.Repo
	now := env.engine.nowRFC3339()

	project := domain.Project{ID: "P" + suffix, Slug: "proj-" + suffix, Name: "Project " + suffix, CreatedAt: now}
	if err := r.InsertProject(ctx, project); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	asset := domain.Asset{ID: "AS" + suffix, ProjectID: project.ID, MediaType: "image", StorageKey: "imgs/" + suffix + ".jpg", CreatedAt: now}
	if err := r.InsertAsset(ctx, asset); err != nil {
		t.Fatalf("insert asset: %v", err)
	}
	taskType := domain.TaskType{ID: "TT" + suffix, Slug: "bbox-" + suffix, Name: "Bounding Box"}
	if err := r.InsertTaskType(ctx, taskType); err != nil {
		t.Fatalf("insert task type: %v", err)
	}
	def := domain.TaskDefinition{ID: "TD" + suffix, TaskTypeID: taskType.ID, Version: "1", Definition: map[string]any{"labels": []any{"car"}}, CreatedAt: now}
	if err := r.InsertTaskDefinition(ctx, def); err != nil {
		t.Fatalf("insert task definition: %v", err)
	}
	task := domain.Task{ID: "T" + suffix, ProjectID: project.ID, AssetID: asset.ID, TaskDefinitionID: def.ID, Status: "pending", CreatedAt: now}
	if err := r.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task.ID
}

func answerXML(annotationJSON string) string {
	return fmt.Sprintf(`<QuestionFormAnswers xmlns="http://mechanicalturk.amazonaws.com/AWSMechanicalTurkDataSchemas/2005-10-01/QuestionFormAnswers.xsd">
  <Answer><QuestionIdentifier>annotation</QuestionIdentifier><FreeText>%s</FreeText></Answer>
  <Answer><QuestionIdentifier>feedback</QuestionIdentifier><FreeText>looks fine</FreeText></Answer>
</QuestionFormAnswers>`, annotationJSON)
}

func TestIssueForTaskCreatesShellAssignment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, "1")

	hitID, err := env.engine.IssueForTask(ctx, taskID, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if hitID != "HIT1" {
		t.Fatalf("hit id = %q, want HIT1", hitID)
	}

	created := env.fake.CreatedHITs()
	if len(created) != 1 {
		t.Fatalf("created %d HITs, want 1", len(created))
	}
	if created[0].Title != "Bounding Box annotation" {
		t.Errorf("title = %q", created[0].Title)
	}
	if !strings.Contains(created[0].Question, "/tasks/"+taskID+"/annotate/mturk/") {
		t.Errorf("question does not embed worker URL: %s", created[0].Question)
	}

	shell, err := env.engine.Repo.FirstAssignmentForHIT(ctx, BackendMTurk, hitID)
	if err != nil {
		t.Fatalf("load shell: %v", err)
	}
	if shell.Status != domain.AssignmentStatusCreated {
		t.Errorf("status = %q, want created", shell.Status)
	}
	if shell.AssignmentID != "" {
		t.Errorf("assignment_id = %q, want empty", shell.AssignmentID)
	}
	if shell.TaskID != taskID || !shell.Sandbox {
		t.Errorf("shell = %+v", shell)
	}
	if _, ok := shell.Payload["creation"]; !ok {
		t.Errorf("payload missing creation params: %v", shell.Payload)
	}

	evts, err := env.engine.Repo.LatestEvents(ctx, 10, events.TypeHITCreated)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("got %d %s events, want 1", len(evts), events.TypeHITCreated)
	}
}

func TestIssueForTasksSkipsActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	busy := env.seedTask(t, "1")
	idle := env.seedTask(t, "2")

	if _, err := env.engine.IssueForTask(ctx, busy, IssueOptions{}); err != nil {
		t.Fatalf("issue: %v", err)
	}

	result, err := env.engine.IssueForTasks(ctx, []string{busy, idle}, IssueOptions{}, 10)
	if err != nil {
		t.Fatalf("issue batch: %v", err)
	}
	if len(result.Created) != 1 || result.Created[0].TaskID != idle {
		t.Errorf("created = %+v, want one HIT for %s", result.Created, idle)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != busy {
		t.Errorf("skipped = %v, want [%s]", result.Skipped, busy)
	}
}

func TestSyncAssignmentsUpsertsAndMerges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, "1")

	hitID, err := env.engine.IssueForTask(ctx, taskID, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.fake.AddAssignment(hitID, mturk.AssignmentRecord{
		AssignmentID:     "A1",
		WorkerID:         "W1",
		HITID:            hitID,
		AssignmentStatus: mturk.StatusSubmitted,
		Answer:           answerXML(`{"boxes": [], "submission_id": "A1"}`),
	})

	sync, err := env.engine.SyncAssignments(ctx, hitID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if sync.Seen != 1 || sync.Updated != 1 {
		t.Fatalf("sync = %+v, want seen=1 updated=1", sync)
	}

	a, err := env.engine.Repo.GetAssignmentByRemoteID(ctx, BackendMTurk, "A1")
	if err != nil {
		t.Fatalf("load assignment: %v", err)
	}
	if a.TaskID != taskID || a.WorkerID != "W1" || a.Status != domain.AssignmentStatusSubmitted {
		t.Errorf("assignment = %+v", a)
	}
	if a.LastPolledAt == nil {
		t.Fatal("last_polled_at not set")
	}
	annotation, ok := a.Payload["annotation_json"].(map[string]any)
	if !ok {
		t.Fatalf("payload missing annotation_json: %v", a.Payload)
	}
	if _, ok := annotation["boxes"]; !ok {
		t.Errorf("annotation_json = %v", annotation)
	}

	// Unchanged remote state: the row is touched for staleness tracking
	// only, with no synced event or updated counter.
	firstPoll := *a.LastPolledAt
	firstUpdated := a.UpdatedAt
	sync2, err := env.engine.SyncAssignments(ctx, hitID)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if sync2.Seen != 1 || sync2.Updated != 0 {
		t.Fatalf("second sync = %+v, want seen=1 updated=0", sync2)
	}
	a2, err := env.engine.Repo.GetAssignmentByRemoteID(ctx, BackendMTurk, "A1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if a2.LastPolledAt == nil || *a2.LastPolledAt <= firstPoll {
		t.Errorf("last_polled_at not advanced: %v -> %v", firstPoll, a2.LastPolledAt)
	}
	if a2.UpdatedAt != firstUpdated {
		t.Errorf("updated_at changed on no-op sync: %s -> %s", firstUpdated, a2.UpdatedAt)
	}

	// A status change is substantive again.
	env.fake.SetAssignmentStatus(hitID, "A1", mturk.StatusApproved)
	sync3, err := env.engine.SyncAssignments(ctx, hitID)
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if sync3.Updated != 1 {
		t.Fatalf("third sync = %+v, want updated=1", sync3)
	}
	a3, _ := env.engine.Repo.GetAssignmentByRemoteID(ctx, BackendMTurk, "A1")
	if a3.Status != domain.AssignmentStatusApproved {
		t.Errorf("status = %q, want approved", a3.Status)
	}
}

func TestSyncAssignmentsUnknownHIT(t *testing.T) {
	env := newTestEnv(t)

	sync, err := env.engine.SyncAssignments(context.Background(), "HIT404")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if sync.Seen != 0 || sync.Updated != 0 {
		t.Errorf("sync = %+v, want zero result", sync)
	}
}

func TestIngestSubmittedIsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, "1")

	hitID, err := env.engine.IssueForTask(ctx, taskID, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.fake.AddAssignment(hitID, mturk.AssignmentRecord{
		AssignmentID:     "A1",
		WorkerID:         "W1",
		HITID:            hitID,
		AssignmentStatus: mturk.StatusSubmitted,
		Answer:           answerXML(`{"boxes": [], "submission_id": "A1"}`),
	})
	if _, err := env.engine.SyncAssignments(ctx, hitID); err != nil {
		t.Fatalf("sync: %v", err)
	}

	ingest, err := env.engine.IngestSubmitted(ctx, 10)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if ingest.Ingested != 1 || ingest.Skipped != 0 {
		t.Fatalf("ingest = %+v, want ingested=1", ingest)
	}

	rows, err := env.engine.Repo.ListAnnotations(ctx, repo.AnnotationFilters{TaskID: taskID})
	if err != nil {
		t.Fatalf("list annotations: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d annotations, want 1", len(rows))
	}
	row := rows[0]
	if row.SubmissionID != "A1" {
		t.Errorf("submission_id = %q, want A1", row.SubmissionID)
	}
	if _, ok := row.Result["boxes"]; !ok {
		t.Errorf("result = %v, want boxes key", row.Result)
	}
	if _, ok := row.Result["submission_id"]; ok {
		t.Errorf("reserved key leaked into result: %v", row.Result)
	}
	if row.RawPayload["ingested_via"] != BackendMTurk {
		t.Errorf("raw_payload = %v", row.RawPayload)
	}
	if row.Actor != "mturk:W1" {
		t.Errorf("actor = %q", row.Actor)
	}

	a, _ := env.engine.Repo.GetAssignmentByRemoteID(ctx, BackendMTurk, "A1")
	if a.IngestedAt == nil {
		t.Fatal("ingested_at not stamped")
	}

	// Poll again and re-run ingestion: no second annotation.
	if _, err := env.engine.SyncAssignments(ctx, hitID); err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	ingest2, err := env.engine.IngestSubmitted(ctx, 10)
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if ingest2.Ingested != 0 {
		t.Fatalf("re-ingest = %+v, want ingested=0", ingest2)
	}
	rows, _ = env.engine.Repo.ListAnnotations(ctx, repo.AnnotationFilters{TaskID: taskID})
	if len(rows) != 1 {
		t.Fatalf("got %d annotations after re-ingest, want 1", len(rows))
	}
}

func TestIngestSkipsAssignmentsWithoutAnnotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, "1")

	hitID, err := env.engine.IssueForTask(ctx, taskID, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.fake.AddAssignment(hitID, mturk.AssignmentRecord{
		AssignmentID:     "A1",
		WorkerID:         "W1",
		HITID:            hitID,
		AssignmentStatus: mturk.StatusSubmitted,
		Answer:           `<QuestionFormAnswers><Answer><QuestionIdentifier>feedback</QuestionIdentifier><FreeText>hi</FreeText></Answer></QuestionFormAnswers>`,
	})
	if _, err := env.engine.SyncAssignments(ctx, hitID); err != nil {
		t.Fatalf("sync: %v", err)
	}

	ingest, err := env.engine.IngestSubmitted(ctx, 10)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if ingest.Ingested != 0 || ingest.Skipped != 1 {
		t.Fatalf("ingest = %+v, want skipped=1", ingest)
	}
	a, _ := env.engine.Repo.GetAssignmentByRemoteID(ctx, BackendMTurk, "A1")
	if a.IngestedAt != nil {
		t.Error("skipped row must stay ingestible")
	}
}

func TestSweepOpenHITs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskA := env.seedTask(t, "1")
	taskB := env.seedTask(t, "2")

	hitA, err := env.engine.IssueForTask(ctx, taskA, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.engine.IssueForTask(ctx, taskB, IssueOptions{}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.fake.AddAssignment(hitA, mturk.AssignmentRecord{
		AssignmentID:     "A1",
		WorkerID:         "W1",
		HITID:            hitA,
		AssignmentStatus: mturk.StatusSubmitted,
		Answer:           answerXML(`{"boxes": []}`),
	})

	sweep, err := env.engine.SweepOpenHITs(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.HITs != 2 || sweep.Seen != 1 || sweep.Updated != 1 {
		t.Errorf("sweep = %+v, want hits=2 seen=1 updated=1", sweep)
	}
}

func TestCreateAnnotationDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, "1")

	in := CreateAnnotationInput{
		TaskID:       taskID,
		Result:       map[string]any{"boxes": []any{}},
		SubmissionID: "sub-1",
		Actor:        "tester",
	}
	first, dup, err := env.engine.CreateAnnotation(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if dup {
		t.Fatal("first create reported duplicate")
	}
	second, dup, err := env.engine.CreateAnnotation(ctx, in)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !dup {
		t.Fatal("second create not reported as duplicate")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned different row: %s vs %s", second.ID, first.ID)
	}
	rows, _ := env.engine.Repo.ListAnnotations(ctx, repo.AnnotationFilters{TaskID: taskID})
	if len(rows) != 1 {
		t.Fatalf("got %d annotations, want 1", len(rows))
	}
}

func TestCreateAnnotationLinksAssignmentBySubmissionID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, "1")

	hitID, err := env.engine.IssueForTask(ctx, taskID, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.fake.AddAssignment(hitID, mturk.AssignmentRecord{
		AssignmentID:     "A1",
		WorkerID:         "W1",
		HITID:            hitID,
		AssignmentStatus: mturk.StatusSubmitted,
		Answer:           answerXML(`{"boxes": []}`),
	})
	if _, err := env.engine.SyncAssignments(ctx, hitID); err != nil {
		t.Fatalf("sync: %v", err)
	}

	row, dup, err := env.engine.CreateAnnotation(ctx, CreateAnnotationInput{
		TaskID:       taskID,
		Result:       map[string]any{"boxes": []any{}},
		SubmissionID: "A1",
		Actor:        "worker-ui",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if dup {
		t.Fatal("unexpected duplicate")
	}
	if row.AssignmentID == nil {
		t.Fatal("annotation not linked to assignment")
	}

	a, err := env.engine.Repo.GetAssignment(ctx, *row.AssignmentID)
	if err != nil {
		t.Fatalf("load assignment: %v", err)
	}
	if a.AssignmentID != "A1" {
		t.Errorf("linked wrong assignment: %+v", a)
	}
	if a.IngestedAt == nil {
		t.Error("ingested_at not stamped on linked assignment")
	}
	if _, ok := a.Payload["latest_annotation_submission"]; !ok {
		t.Errorf("payload missing latest_annotation_submission: %v", a.Payload)
	}
}

func TestCreateAnnotationRejectsTaskMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskA := env.seedTask(t, "1")
	taskB := env.seedTask(t, "2")

	hitID, err := env.engine.IssueForTask(ctx, taskA, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.fake.AddAssignment(hitID, mturk.AssignmentRecord{
		AssignmentID:     "A1",
		HITID:            hitID,
		AssignmentStatus: mturk.StatusSubmitted,
	})
	if _, err := env.engine.SyncAssignments(ctx, hitID); err != nil {
		t.Fatalf("sync: %v", err)
	}

	_, _, err = env.engine.CreateAnnotation(ctx, CreateAnnotationInput{
		TaskID:       taskB,
		Result:       map[string]any{"boxes": []any{}},
		SubmissionID: "A1",
	})
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestCreateAnnotationForcesSubmittedStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, "1")

	hitID, err := env.engine.IssueForTask(ctx, taskID, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.fake.AddAssignment(hitID, mturk.AssignmentRecord{
		AssignmentID:     "A1",
		WorkerID:         "W1",
		HITID:            hitID,
		AssignmentStatus: mturk.StatusApproved,
		Answer:           answerXML(`{"boxes": []}`),
	})
	if _, err := env.engine.SyncAssignments(ctx, hitID); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rawPayload := map[string]any{"source": "review-ui"}
	row, dup, err := env.engine.CreateAnnotation(ctx, CreateAnnotationInput{
		TaskID:       taskID,
		Result:       map[string]any{"boxes": []any{}},
		SubmissionID: "A1",
		Actor:        "reviewer",
		RawPayload:   rawPayload,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if dup {
		t.Fatal("unexpected duplicate")
	}

	a, err := env.engine.Repo.GetAssignment(ctx, *row.AssignmentID)
	if err != nil {
		t.Fatalf("load assignment: %v", err)
	}
	if a.Status != domain.AssignmentStatusSubmitted {
		t.Errorf("status = %q, want %q", a.Status, domain.AssignmentStatusSubmitted)
	}
	latest, ok := a.Payload["latest_annotation_submission"].(map[string]any)
	if !ok {
		t.Fatalf("latest_annotation_submission = %T, want object", a.Payload["latest_annotation_submission"])
	}
	if latest["source"] != "review-ui" {
		t.Errorf("latest_annotation_submission = %v, want the raw payload document", latest)
	}
}

// raceOnNextClockTick runs fn the next time the engine reads the clock, which
// lands between an operation's duplicate check and its insert. That is the
// window a concurrent sweep or API call writes into.
func (env *testEnv) raceOnNextClockTick(fn func(now string)) {
	fired := false
	env.engine.Now = func() time.Time {
		now := env.clock.now()
		if !fired {
			fired = true
			fn(now.UTC().Format(time.RFC3339))
		}
		return now
	}
}

func TestSyncAssignmentsRecoversFromInsertRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, "1")

	hitID, err := env.engine.IssueForTask(ctx, taskID, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.fake.AddAssignment(hitID, mturk.AssignmentRecord{
		AssignmentID:     "A1",
		WorkerID:         "W1",
		HITID:            hitID,
		AssignmentStatus: mturk.StatusSubmitted,
		Answer:           answerXML(`{"boxes": []}`),
	})

	env.raceOnNextClockTick(func(now string) {
		rival := domain.Assignment{
			ID:           "rival",
			TaskID:       taskID,
			Backend:      BackendMTurk,
			HITID:        hitID,
			AssignmentID: "A1",
			Status:       domain.AssignmentStatusCreated,
			Payload:      map[string]any{},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := env.engine.Repo.InsertAssignment(ctx, rival); err != nil {
			t.Fatalf("insert rival: %v", err)
		}
	})

	res, err := env.engine.SyncAssignments(ctx, hitID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Seen != 1 || res.Updated != 1 {
		t.Errorf("sync = %+v, want seen=1 updated=1", res)
	}

	local, err := env.engine.Repo.GetAssignmentByRemoteID(ctx, BackendMTurk, "A1")
	if err != nil {
		t.Fatalf("load assignment: %v", err)
	}
	if local.ID != "rival" {
		t.Errorf("merged into row %s, want the rival row that won the insert", local.ID)
	}
	if local.WorkerID != "W1" || local.Status != domain.AssignmentStatusSubmitted {
		t.Errorf("rival row not merged: %+v", local)
	}
}

func TestIngestRecoversFromInsertRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, "1")

	hitID, err := env.engine.IssueForTask(ctx, taskID, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.fake.AddAssignment(hitID, mturk.AssignmentRecord{
		AssignmentID:     "A1",
		WorkerID:         "W1",
		HITID:            hitID,
		AssignmentStatus: mturk.StatusSubmitted,
		Answer:           answerXML(`{"submission_id": "S1", "boxes": []}`),
	})
	if _, err := env.engine.SyncAssignments(ctx, hitID); err != nil {
		t.Fatalf("sync: %v", err)
	}

	env.raceOnNextClockTick(func(now string) {
		tx, err := env.db.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		rival := domain.Annotation{
			ID:            "rival-ann",
			TaskID:        taskID,
			Result:        map[string]any{"boxes": []any{}},
			SchemaVersion: "1.0",
			SubmissionID:  "S1",
			RawPayload:    map[string]any{},
			CreatedAt:     now,
		}
		if err := env.engine.Repo.InsertAnnotationTx(ctx, tx, rival); err != nil {
			t.Fatalf("insert rival: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit rival: %v", err)
		}
	})

	res, err := env.engine.IngestSubmitted(ctx, 10)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Ingested != 0 || res.Skipped != 1 {
		t.Errorf("ingest = %+v, want ingested=0 skipped=1", res)
	}

	a, err := env.engine.Repo.GetAssignmentByRemoteID(ctx, BackendMTurk, "A1")
	if err != nil {
		t.Fatalf("load assignment: %v", err)
	}
	if a.IngestedAt == nil {
		t.Error("ingested_at not stamped after losing the insert race")
	}
	rows, err := env.engine.Repo.ListAnnotations(ctx, repo.AnnotationFilters{TaskID: taskID})
	if err != nil {
		t.Fatalf("list annotations: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "rival-ann" {
		t.Errorf("got %d annotations, want only the rival row", len(rows))
	}
}

func TestCreateAnnotationRecoversFromInsertRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, "1")

	env.raceOnNextClockTick(func(now string) {
		tx, err := env.db.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		rival := domain.Annotation{
			ID:            "rival-ann",
			TaskID:        taskID,
			Result:        map[string]any{"boxes": []any{}},
			SchemaVersion: "1.0",
			SubmissionID:  "sub-1",
			RawPayload:    map[string]any{},
			CreatedAt:     now,
		}
		if err := env.engine.Repo.InsertAnnotationTx(ctx, tx, rival); err != nil {
			t.Fatalf("insert rival: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit rival: %v", err)
		}
	})

	row, dup, err := env.engine.CreateAnnotation(ctx, CreateAnnotationInput{
		TaskID:       taskID,
		Result:       map[string]any{"boxes": []any{}},
		SubmissionID: "sub-1",
		Actor:        "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !dup {
		t.Fatal("lost race not reported as duplicate")
	}
	if row.ID != "rival-ann" {
		t.Errorf("returned row %s, want the rival row that won the insert", row.ID)
	}
	rows, _ := env.engine.Repo.ListAnnotations(ctx, repo.AnnotationFilters{TaskID: taskID})
	if len(rows) != 1 {
		t.Fatalf("got %d annotations, want 1", len(rows))
	}
}
