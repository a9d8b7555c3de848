// Package engine implements the assignment lifecycle reconciliation core:
// issuing remote work units for tasks, polling remote submission state into
// local assignment rows, and promoting submitted answers to annotations
// exactly once.
package engine

import (
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"crowdloop/internal/config"
	"crowdloop/internal/events"
	"crowdloop/internal/mturk"
	"crowdloop/internal/repo"
)

// BackendMTurk is the only marketplace backend currently wired. The column
// exists so another backend can be added without touching the reconciliation
// algorithms.
const BackendMTurk = "mturk"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Client mturk.Client
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, client mturk.Client) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Client: client,
		Logger: log.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// normalizeDoc forces a value through JSON so that payloads built in code
// compare equal to payloads read back from storage (ints become float64,
// structs become maps).
func normalizeDoc(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func cloneDoc(doc map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func docsEqual(a, b map[string]any) bool {
	ab, err := json.Marshal(normalizeDoc(a))
	if err != nil {
		return false
	}
	bb, err := json.Marshal(normalizeDoc(b))
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
