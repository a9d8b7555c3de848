// Package mturktest provides an in-memory marketplace client for tests.
package mturktest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"crowdloop/internal/mturk"
)

// Fake implements mturk.Client against in-memory state.
type Fake struct {
	mu          sync.Mutex
	nextHIT     int
	created     []mturk.CreateHITInput
	assignments map[string][]mturk.AssignmentRecord

	// CreateErr and ListErr, when set, make the corresponding call fail.
	CreateErr error
	ListErr   error
}

func New() *Fake {
	return &Fake{assignments: map[string][]mturk.AssignmentRecord{}}
}

func (f *Fake) CreateHIT(_ context.Context, in mturk.CreateHITInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextHIT++
	f.created = append(f.created, in)
	return fmt.Sprintf("HIT%d", f.nextHIT), nil
}

func (f *Fake) ListAssignmentsForHIT(_ context.Context, hitID string, statuses []string, pageSize int, fn func(page []mturk.AssignmentRecord) error) error {
	f.mu.Lock()
	if f.ListErr != nil {
		err := f.ListErr
		f.mu.Unlock()
		return err
	}
	if pageSize <= 0 {
		f.mu.Unlock()
		return errors.New("page size must be positive")
	}
	wanted := map[string]bool{}
	for _, s := range statuses {
		wanted[s] = true
	}
	var records []mturk.AssignmentRecord
	for _, rec := range f.assignments[hitID] {
		if len(wanted) == 0 || wanted[rec.AssignmentStatus] {
			records = append(records, rec)
		}
	}
	f.mu.Unlock()

	for start := 0; start < len(records); start += pageSize {
		end := start + pageSize
		if end > len(records) {
			end = len(records)
		}
		if err := fn(records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// AddAssignment registers a remote submission record to be returned by
// subsequent listings for the given HIT.
func (f *Fake) AddAssignment(hitID string, rec mturk.AssignmentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments[hitID] = append(f.assignments[hitID], rec)
}

// SetAssignmentStatus rewrites the stored status for a remote assignment id.
func (f *Fake) SetAssignmentStatus(hitID, assignmentID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.assignments[hitID]
	for i := range recs {
		if recs[i].AssignmentID == assignmentID {
			recs[i].AssignmentStatus = status
		}
	}
}

// CreatedHITs returns the inputs of every CreateHIT call so far.
func (f *Fake) CreatedHITs() []mturk.CreateHITInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mturk.CreateHITInput, len(f.created))
	copy(out, f.created)
	return out
}
