package engine

import (
	"context"
	"log"
	"time"

	"crowdloop/internal/retry"
)

type SweepResult struct {
	HITs    int `json:"hits"`
	Seen    int `json:"seen"`
	Updated int `json:"updated"`
}

// SweepOpenHITs syncs a batch of HITs that still have open assignments,
// least recently touched first so every open HIT is eventually visited.
func (e Engine) SweepOpenHITs(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = e.Config.Sweep.HITLimit
	}
	var result SweepResult

	hitIDs, err := e.Repo.ListOpenHITIDs(ctx, BackendMTurk, e.Config.MTurk.Sandbox, limit)
	if err != nil {
		return result, err
	}
	for _, hitID := range hitIDs {
		sync, err := e.SyncAssignments(ctx, hitID)
		if err != nil {
			return result, err
		}
		result.HITs++
		result.Seen += sync.Seen
		result.Updated += sync.Updated
	}
	return result, nil
}

// Sweeper runs the periodic reconciliation loops: one ticker polling open
// HITs, one promoting submitted answers to annotations. Each tick is wrapped
// in the retry policy; a tick that still fails after retries is logged and
// the loop keeps going.
type Sweeper struct {
	Engine Engine
	Policy retry.Policy
	Logger *log.Logger
}

func NewSweeper(e Engine) Sweeper {
	return Sweeper{
		Engine: e,
		Policy: retry.Policy{
			MaxAttempts: e.Config.Retry.MaxAttempts,
			BackoffBase: e.Config.Retry.BackoffBase,
			Jitter:      e.Config.Retry.Jitter,
		},
		Logger: e.logger(),
	}
}

func (s Sweeper) Run(ctx context.Context) {
	cfg := s.Engine.Config.Sweep
	hitTicker := time.NewTicker(cfg.HITInterval)
	defer hitTicker.Stop()
	ingestTicker := time.NewTicker(cfg.IngestInterval)
	defer ingestTicker.Stop()

	s.Logger.Printf("sweeper started (hits every %s, ingest every %s)", cfg.HITInterval, cfg.IngestInterval)
	for {
		select {
		case <-ctx.Done():
			s.Logger.Printf("sweeper stopped: %v", ctx.Err())
			return
		case <-hitTicker.C:
			s.sweepHITs(ctx)
		case <-ingestTicker.C:
			s.sweepIngest(ctx)
		}
	}
}

func (s Sweeper) sweepHITs(ctx context.Context) {
	var result SweepResult
	err := s.Policy.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.Engine.SweepOpenHITs(ctx, s.Engine.Config.Sweep.HITLimit)
		return err
	})
	if err != nil {
		s.Logger.Printf("sweep hits failed: %v", err)
		return
	}
	s.Logger.Printf("sweep hits: %d HITs, %d assignments seen, %d updated", result.HITs, result.Seen, result.Updated)
}

func (s Sweeper) sweepIngest(ctx context.Context) {
	var result IngestResult
	err := s.Policy.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.Engine.IngestSubmitted(ctx, s.Engine.Config.Sweep.IngestLimit)
		return err
	})
	if err != nil {
		s.Logger.Printf("sweep ingest failed: %v", err)
		return
	}
	s.Logger.Printf("sweep ingest: %d ingested, %d skipped", result.Ingested, result.Skipped)
}
