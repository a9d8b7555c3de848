package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"crowdloop/internal/domain"
)

const assignmentColumns = `id,task_id,backend,hit_id,assignment_id,worker_id,status,sandbox,payload_json,last_polled_at,ingested_at,created_at,updated_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var payload, lastPolled, ingested sql.NullString
	err := scan(&a.ID, &a.TaskID, &a.Backend, &a.HITID, &a.AssignmentID, &a.WorkerID, &a.Status,
		&a.Sandbox, &payload, &lastPolled, &ingested, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if lastPolled.Valid {
		a.LastPolledAt = &lastPolled.String
	}
	if ingested.Valid {
		a.IngestedAt = &ingested.String
	}
	a.Payload, err = unmarshalDoc(payload)
	return a, err
}

func (r Repo) InsertAssignment(ctx context.Context, a domain.Assignment) error {
	return insertAssignment(ctx, r.DB.ExecContext, a)
}

func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	return insertAssignment(ctx, tx.ExecContext, a)
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func insertAssignment(ctx context.Context, exec execFunc, a domain.Assignment) error {
	payload, err := marshalDoc(a.Payload)
	if err != nil {
		return err
	}
	_, err = exec(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.Backend, a.HITID, a.AssignmentID, a.WorkerID, a.Status, a.Sandbox,
		payload, nullableStringPtr(a.LastPolledAt), nullableStringPtr(a.IngestedAt), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

// GetAssignmentByRemoteID finds the row matching the remote identity
// (backend, assignment_id). Only meaningful for non-empty assignment ids.
func (r Repo) GetAssignmentByRemoteID(ctx context.Context, backend, assignmentID string) (domain.Assignment, error) {
	if assignmentID == "" {
		return domain.Assignment{}, ErrNotFound
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE backend=? AND assignment_id=?`, backend, assignmentID)
	return scanAssignment(row.Scan)
}

// FirstAssignmentForHIT returns the earliest-created local row for a work
// unit. Its task and sandbox flag seed rows created for newly observed
// remote assignments.
func (r Repo) FirstAssignmentForHIT(ctx context.Context, backend, hitID string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE backend=? AND hit_id=? ORDER BY created_at, id LIMIT 1`, backend, hitID)
	return scanAssignment(row.Scan)
}

// HasActiveAssignment reports whether the task already has an assignment in a
// non-terminal status. Soft guard only; see the issuer.
func (r Repo) HasActiveAssignment(ctx context.Context, taskID, backend string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM assignments WHERE task_id=? AND backend=? AND status IN ('created','submitted') LIMIT 1`,
		taskID, backend).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateAssignmentFields persists only the named columns, mirroring
// dirty-field writes. Allowed fields: worker_id, status, payload,
// last_polled_at, ingested_at, updated_at.
func (r Repo) UpdateAssignmentFields(ctx context.Context, tx *sql.Tx, a domain.Assignment, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	var sets []string
	var args []any
	for _, f := range fields {
		switch f {
		case "worker_id":
			sets = append(sets, "worker_id=?")
			args = append(args, a.WorkerID)
		case "status":
			sets = append(sets, "status=?")
			args = append(args, a.Status)
		case "payload":
			payload, err := marshalDoc(a.Payload)
			if err != nil {
				return err
			}
			sets = append(sets, "payload_json=?")
			args = append(args, payload)
		case "last_polled_at":
			sets = append(sets, "last_polled_at=?")
			args = append(args, nullableStringPtr(a.LastPolledAt))
		case "ingested_at":
			sets = append(sets, "ingested_at=?")
			args = append(args, nullableStringPtr(a.IngestedAt))
		case "updated_at":
			sets = append(sets, "updated_at=?")
			args = append(args, a.UpdatedAt)
		default:
			return fmt.Errorf("unknown assignment field %q", f)
		}
	}
	query := `UPDATE assignments SET ` + strings.Join(sets, ",") + ` WHERE id=?`
	args = append(args, a.ID)
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, query, args...)
	}
	return err
}

// ListOpenHITIDs returns distinct work-unit ids with at least one assignment
// still in created/submitted state, least recently touched first.
func (r Repo) ListOpenHITIDs(ctx context.Context, backend string, sandbox bool, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT hit_id FROM assignments
		 WHERE backend=? AND sandbox=? AND status IN ('created','submitted') AND hit_id != ''
		 GROUP BY hit_id ORDER BY MIN(updated_at) LIMIT ?`,
		backend, sandbox, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListIngestible returns assignments eligible for promotion to annotations,
// oldest updated_at first.
func (r Repo) ListIngestible(ctx context.Context, backend string, limit int) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
		 WHERE backend=? AND status IN ('submitted','approved') AND ingested_at IS NULL
		 ORDER BY updated_at LIMIT ?`,
		backend, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type AssignmentFilters struct {
	TaskID  string
	Backend string
	HITID   string
	Status  string
	Limit   int
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Backend != "" {
		clauses = append(clauses, "backend=?")
		args = append(args, f.Backend)
	}
	if f.HITID != "" {
		clauses = append(clauses, "hit_id=?")
		args = append(args, f.HITID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + assignmentColumns + ` FROM assignments ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
