package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"crowdloop/internal/config"
	"crowdloop/internal/db"
	"crowdloop/internal/engine"
	"crowdloop/internal/migrate"
	"crowdloop/internal/mturk"
	"crowdloop/internal/mturk/mturktest"
)

func fakeSubmission(assignmentID, workerID, hitID string) mturk.AssignmentRecord {
	return mturk.AssignmentRecord{
		AssignmentID:     assignmentID,
		WorkerID:         workerID,
		HITID:            hitID,
		AssignmentStatus: mturk.StatusSubmitted,
		Answer: `<QuestionFormAnswers><Answer><QuestionIdentifier>annotation</QuestionIdentifier>` +
			`<FreeText>{"boxes": []}</FreeText></Answer></QuestionFormAnswers>`,
	}
}

type testServer struct {
	URL    string
	engine engine.Engine
	fake   *mturktest.Fake
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fake := mturktest.New()
	e := engine.New(conn, config.Default(), fake)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{Open: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String() + "/v1",
		engine: e,
		fake:   fake,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decodeInto(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

// seedTaskHTTP builds project/asset/type/definition/task through the API and
// returns the task id.
func seedTaskHTTP(t *testing.T, ts *testServer) string {
	t.Helper()
	var project struct {
		ID string `json:"id"`
	}
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/projects", map[string]any{"slug": "demo", "name": "Demo"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", resp.StatusCode, data)
	}
	decodeInto(t, data, &project)

	var asset struct {
		ID string `json:"id"`
	}
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/assets", map[string]any{
		"project_id": project.ID, "media_type": "image", "storage_key": "imgs/1.jpg",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create asset: %d %s", resp.StatusCode, data)
	}
	decodeInto(t, data, &asset)

	var taskType struct {
		ID string `json:"id"`
	}
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/task-types", map[string]any{"slug": "bbox", "name": "Bounding Box"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task type: %d %s", resp.StatusCode, data)
	}
	decodeInto(t, data, &taskType)

	var def struct {
		ID string `json:"id"`
	}
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/task-definitions", map[string]any{
		"task_type_id": taskType.ID, "version": "1", "definition": map[string]any{"labels": []string{"car"}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task definition: %d %s", resp.StatusCode, data)
	}
	decodeInto(t, data, &def)

	var task struct {
		ID string `json:"id"`
	}
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/tasks", map[string]any{
		"project_id": project.ID, "asset_id": asset.ID, "task_definition_id": def.ID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", resp.StatusCode, data)
	}
	decodeInto(t, data, &task)
	return task.ID
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, data)
	}
}

func TestCreateAnnotationDuplicateReturns200(t *testing.T) {
	ts := newTestServer(t)
	taskID := seedTaskHTTP(t, ts)

	body := map[string]any{
		"task_id":       taskID,
		"result":        map[string]any{"boxes": []any{}},
		"submission_id": "sub-1",
	}
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/annotations", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: %d %s", resp.StatusCode, data)
	}
	var first struct {
		ID string `json:"id"`
	}
	decodeInto(t, data, &first)

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/annotations", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate create: %d %s, want 200", resp.StatusCode, data)
	}
	var second struct {
		ID string `json:"id"`
	}
	decodeInto(t, data, &second)
	if second.ID != first.ID {
		t.Errorf("duplicate returned different annotation: %s vs %s", second.ID, first.ID)
	}
}

func TestCreateAnnotationUnknownTask(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/annotations", map[string]any{
		"task_id": "nope",
		"result":  map[string]any{"boxes": []any{}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("create: %d %s, want 400", resp.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "bad_request" {
		t.Errorf("code = %q", envelope.Error.Code)
	}
}

func TestTaskBundle(t *testing.T) {
	ts := newTestServer(t)
	taskID := seedTaskHTTP(t, ts)

	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/tasks/"+taskID+"/bundle", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bundle: %d %s", resp.StatusCode, data)
	}
	var bundle TaskBundle
	decodeInto(t, data, &bundle)
	if bundle.Task.ID != taskID {
		t.Errorf("bundle task = %+v", bundle.Task)
	}
	if bundle.Asset.StorageKey != "imgs/1.jpg" || bundle.TaskType.Slug != "bbox" {
		t.Errorf("bundle = %+v", bundle)
	}
}

func TestIssueSyncIngestOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	taskID := seedTaskHTTP(t, ts)

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/mturk/hits", map[string]any{"task_id": taskID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue: %d %s", resp.StatusCode, data)
	}
	var created engine.CreatedHIT
	decodeInto(t, data, &created)
	if created.HITID == "" {
		t.Fatalf("no hit id in %s", data)
	}

	ts.fake.AddAssignment(created.HITID, fakeSubmission("A1", "W1", created.HITID))

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/mturk/hits/"+created.HITID+"/sync", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync: %d %s", resp.StatusCode, data)
	}
	var sync engine.SyncResult
	decodeInto(t, data, &sync)
	if sync.Seen != 1 || sync.Updated != 1 {
		t.Fatalf("sync = %+v", sync)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/mturk/sweeps/ingest?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest sweep: %d %s", resp.StatusCode, data)
	}
	var ingest engine.IngestResult
	decodeInto(t, data, &ingest)
	if ingest.Ingested != 1 {
		t.Fatalf("ingest = %+v", ingest)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/annotations?task_id="+taskID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list annotations: %d %s", resp.StatusCode, data)
	}
	var annotations []struct {
		SubmissionID string `json:"submission_id"`
	}
	decodeInto(t, data, &annotations)
	if len(annotations) != 1 || annotations[0].SubmissionID != "A1" {
		t.Fatalf("annotations = %+v", annotations)
	}
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), mturktest.New())
	handler, err := New(Config{Engine: e, Auth: AuthConfig{WriteToken: "sekrit"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	base := "http://" + ln.Addr().String() + "/v1"
	client := &http.Client{}

	resp, _ := doJSON(t, client, http.MethodGet, base+"/projects", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/projects", nil)
	req.Header.Set("X-Write-Token", "sekrit")
	authed, err := client.Do(req)
	if err != nil {
		t.Fatalf("authed request: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("authed list: %d, want 200", authed.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodGet, base+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d, want 200", resp.StatusCode)
	}
}
