package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the reconciliation engine.
const (
	TypeHITCreated         = "MTURK_HIT_CREATED"
	TypeAssignmentSynced   = "MTURK_ASSIGNMENT_SYNCED"
	TypeAssignmentIngested = "MTURK_ASSIGNMENT_INGESTED"
	TypeAnnotationCreated  = "ANNOTATION_CREATED"
)

// Writer appends to the append-only event log. The engine only ever writes;
// reads go through the repo.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, eventType, actor string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,event_type,actor,payload_json) VALUES (?,?,?,?)`,
		ts, eventType, actor, string(data))
	return err
}
