package pipeline

import "time"

// RunReport summarizes one pipeline run. Counters cover partial progress
// too: a cancelled or fatally failed run still reports everything it managed
// to write.
type RunReport struct {
	Discovered  int       `json:"discovered"`
	Collected   int       `json:"collected"`
	FilteredOut int       `json:"filtered_out"`
	Upserted    int       `json:"upserted"`
	Deactivated int       `json:"deactivated"`
	Deferred    int       `json:"deferred"`
	Errors      []string  `json:"errors"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

func (r *RunReport) addError(msg string) {
	r.Errors = append(r.Errors, msg)
}
