package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"crowdloop/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a unique-constraint failure from
// the storage layer. Concurrent writers racing on an idempotency key rely on
// this to convert the losing insert into the skip path.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalDoc(doc map[string]any) (any, error) {
	if doc == nil {
		return nil, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

func unmarshalDoc(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw.String), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return doc, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,slug,name,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Slug, p.Name, nullable(p.Description), p.CreatedAt)
	return err
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,slug,name,description,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectBySlug(ctx context.Context, slug string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,slug,name,description,created_at FROM projects WHERE slug=?`, slug))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,slug,name,description,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &desc, &p.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			p.Description = desc.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- assets ---

func (r Repo) InsertAsset(ctx context.Context, a domain.Asset) error {
	meta, err := marshalDoc(a.Metadata)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO assets(id,project_id,media_type,storage_key,sha256,width,height,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.MediaType, a.StorageKey, nullable(a.SHA256), nullableIntPtr(a.Width), nullableIntPtr(a.Height), meta, a.CreatedAt)
	return err
}

func scanAsset(scan func(dest ...any) error) (domain.Asset, error) {
	var a domain.Asset
	var sha, meta sql.NullString
	var width, height sql.NullInt64
	err := scan(&a.ID, &a.ProjectID, &a.MediaType, &a.StorageKey, &sha, &width, &height, &meta, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if sha.Valid {
		a.SHA256 = sha.String
	}
	if width.Valid {
		w := int(width.Int64)
		a.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		a.Height = &h
	}
	a.Metadata, err = unmarshalDoc(meta)
	return a, err
}

const assetColumns = `id,project_id,media_type,storage_key,sha256,width,height,metadata_json,created_at`

func (r Repo) GetAsset(ctx context.Context, id string) (domain.Asset, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=?`, id)
	return scanAsset(row.Scan)
}

func (r Repo) ListAssets(ctx context.Context, projectID string, limit int) ([]domain.Asset, error) {
	var clauses []string
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + assetColumns + ` FROM assets ` + where + ` ORDER BY created_at DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- task types / definitions ---

func (r Repo) InsertTaskType(ctx context.Context, t domain.TaskType) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_types(id,slug,name,description) VALUES (?,?,?,?)`,
		t.ID, t.Slug, t.Name, nullable(t.Description))
	return err
}

func scanTaskType(row *sql.Row) (domain.TaskType, error) {
	var t domain.TaskType
	var desc sql.NullString
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &desc)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if desc.Valid {
		t.Description = desc.String
	}
	return t, err
}

func (r Repo) GetTaskType(ctx context.Context, id string) (domain.TaskType, error) {
	return scanTaskType(r.DB.QueryRowContext(ctx, `SELECT id,slug,name,description FROM task_types WHERE id=?`, id))
}

func (r Repo) ListTaskTypes(ctx context.Context) ([]domain.TaskType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,slug,name,description FROM task_types ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskType
	for rows.Next() {
		var t domain.TaskType
		var desc sql.NullString
		if err := rows.Scan(&t.ID, &t.Slug, &t.Name, &desc); err != nil {
			return nil, err
		}
		if desc.Valid {
			t.Description = desc.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTaskDefinition(ctx context.Context, d domain.TaskDefinition) error {
	def, err := marshalDoc(d.Definition)
	if err != nil {
		return err
	}
	if def == nil {
		def = "{}"
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO task_definitions(id,task_type_id,version,definition_json,created_at) VALUES (?,?,?,?,?)`,
		d.ID, d.TaskTypeID, d.Version, def, d.CreatedAt)
	return err
}

func (r Repo) GetTaskDefinition(ctx context.Context, id string) (domain.TaskDefinition, error) {
	var d domain.TaskDefinition
	var def sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,task_type_id,version,definition_json,created_at FROM task_definitions WHERE id=?`, id).
		Scan(&d.ID, &d.TaskTypeID, &d.Version, &def, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Definition, err = unmarshalDoc(def)
	return d, err
}

func (r Repo) ListTaskDefinitions(ctx context.Context, taskTypeID string) ([]domain.TaskDefinition, error) {
	var clauses []string
	var args []any
	if taskTypeID != "" {
		clauses = append(clauses, "task_type_id=?")
		args = append(args, taskTypeID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_type_id,version,definition_json,created_at FROM task_definitions `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskDefinition
	for rows.Next() {
		var d domain.TaskDefinition
		var def sql.NullString
		if err := rows.Scan(&d.ID, &d.TaskTypeID, &d.Version, &def, &d.CreatedAt); err != nil {
			return nil, err
		}
		if d.Definition, err = unmarshalDoc(def); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- tasks ---

const taskColumns = `id,project_id,asset_id,task_definition_id,status,priority,assigned_to,payload_json,created_at`

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	payload, err := marshalDoc(t.Payload)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.AssetID, t.TaskDefinitionID, t.Status, t.Priority, nullable(t.AssignedTo), payload, t.CreatedAt)
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var assigned, payload sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.AssetID, &t.TaskDefinitionID, &t.Status, &t.Priority, &assigned, &payload, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if assigned.Valid {
		t.AssignedTo = assigned.String
	}
	t.Payload, err = unmarshalDoc(payload)
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	ProjectID  string
	Status     string
	AssignedTo string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListTasksByIDs loads the given tasks ordered by id. Unknown ids are silently
// omitted.
func (r Repo) ListTasksByIDs(ctx context.Context, ids []string) ([]domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, eventType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if eventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, eventType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,event_type,actor,payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.EventType, &e.Actor, &payload); err != nil {
			return nil, err
		}
		if e.Payload, err = unmarshalDoc(payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
