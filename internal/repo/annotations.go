package repo

import (
	"context"
	"database/sql"
	"strings"

	"crowdloop/internal/domain"
)

const annotationColumns = `id,task_id,result_json,schema_version,tool_version,actor,submission_id,assignment_row_id,raw_payload_json,created_at`

func scanAnnotation(scan func(dest ...any) error) (domain.Annotation, error) {
	var a domain.Annotation
	var result, tool, actor, assignmentID, raw sql.NullString
	err := scan(&a.ID, &a.TaskID, &result, &a.SchemaVersion, &tool, &actor, &a.SubmissionID, &assignmentID, &raw, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if tool.Valid {
		a.ToolVersion = tool.String
	}
	if actor.Valid {
		a.Actor = actor.String
	}
	if assignmentID.Valid {
		a.AssignmentID = &assignmentID.String
	}
	if a.Result, err = unmarshalDoc(result); err != nil {
		return a, err
	}
	a.RawPayload, err = unmarshalDoc(raw)
	return a, err
}

func (r Repo) InsertAnnotationTx(ctx context.Context, tx *sql.Tx, a domain.Annotation) error {
	result, err := marshalDoc(a.Result)
	if err != nil {
		return err
	}
	raw, err := marshalDoc(a.RawPayload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO annotations(`+annotationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TaskID, result, a.SchemaVersion, nullable(a.ToolVersion), nullable(a.Actor),
		a.SubmissionID, nullableStringPtr(a.AssignmentID), raw, a.CreatedAt)
	return err
}

func (r Repo) GetAnnotation(ctx context.Context, id string) (domain.Annotation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id=?`, id)
	return scanAnnotation(row.Scan)
}

// FindAnnotationBySubmission looks up the idempotency key (task,
// submission_id). Empty submission ids never match.
func (r Repo) FindAnnotationBySubmission(ctx context.Context, taskID, submissionID string) (domain.Annotation, error) {
	if submissionID == "" {
		return domain.Annotation{}, ErrNotFound
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE task_id=? AND submission_id=?`, taskID, submissionID)
	return scanAnnotation(row.Scan)
}

type AnnotationFilters struct {
	TaskID string
	Actor  string
	Limit  int
}

func (r Repo) ListAnnotations(ctx context.Context, f AnnotationFilters) ([]domain.Annotation, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor=?")
		args = append(args, f.Actor)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + annotationColumns + ` FROM annotations ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
