package recovery

import (
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeUpdated   Outcome = "updated"
	OutcomeMissing   Outcome = "missing"
	OutcomeError     Outcome = "error"
	OutcomeValid     Outcome = "valid"
	OutcomeCorrupted Outcome = "corrupted"
	OutcomeManual    Outcome = "manual_regeneration_required"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeEnqueued  Outcome = "enqueued"
)

// Result is the per-record entry of a batch.
type Result struct {
	MagazineID uuid.UUID `json:"magazine_id"`
	Slug       string    `json:"slug,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

type Report struct {
	Operation  string          `json:"operation"`
	Results    []Result        `json:"results"`
	Counts     map[Outcome]int `json:"counts"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

func newReport(op string) *Report {
	return &Report{Operation: op, Counts: make(map[Outcome]int), StartedAt: time.Now()}
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	r.Counts[res.Outcome]++
}

// Count returns how many records ended with outcome o.
func (r *Report) Count(o Outcome) int {
	return r.Counts[o]
}
