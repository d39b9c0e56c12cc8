package model

import "time"

// Failure reason constants.
const (
	ReasonTimeout     Reason = "timeout"
	ReasonEngineError Reason = "engine_error"
	ReasonCrash       Reason = "crash"
)

// Sections is the number of safety-factor values the engine reports per load
// case, one per tenth of the element length (0.0L through 1.0L).
const Sections = 11

// Reason classifies why a single request produced no value.
type Reason string

// Valid reports whether r is one of the known failure reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonTimeout, ReasonEngineError, ReasonCrash:
		return true
	}
	return false
}

// Reasons lists every failure reason in reporting order.
var Reasons = []Reason{ReasonTimeout, ReasonEngineError, ReasonCrash}

// LoadCase holds the five design forces of one element: axial force, then
// top and base bending moments about both axes (tf and tf·m).
type LoadCase [5]float64

// Rebar overrides the configured bar diameter (mm) and bar count for a
// single request.
type Rebar struct {
	BarDiameterMM float64 `json:"bar_diameter_mm"`
	Bars          int     `json:"bars"`
}

// Request is one computation input together with its original position.
// A nil Rebar computes with the engine setup's reinforcement.
type Request struct {
	Index int      `json:"index"`
	Loads LoadCase `json:"loads"`
	Frame string   `json:"frame,omitempty"`
	Case  string   `json:"case,omitempty"`
	Rebar *Rebar   `json:"rebar,omitempty"`
}

// Lot is a contiguous slice of requests dispatched to one worker process.
type Lot struct {
	ID       int       `json:"lot_id"`
	Indices  []int     `json:"indices"`
	Requests []Request `json:"requests"`
}

// Outcome is the result for a single request. A zero Reason means success
// and Values holds the safety-factor vector.
type Outcome struct {
	Index      int       `json:"index"`
	Values     []float64 `json:"fs,omitempty"`
	Reason     Reason    `json:"failure,omitempty"`
	Lost       bool      `json:"lost,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Reason == ""
}

// Success builds a successful outcome.
func Success(index int, values []float64, d time.Duration) Outcome {
	return Outcome{Index: index, Values: values, DurationMS: d.Milliseconds()}
}

// Failure builds a failed outcome.
func Failure(index int, reason Reason, d time.Duration) Outcome {
	return Outcome{Index: index, Reason: reason, DurationMS: d.Milliseconds()}
}

// LotResult is produced once per lot. When Lost is set, the worker process
// returned nothing usable and Outcomes is empty; Indices still names every
// request the lot was responsible for.
type LotResult struct {
	LotID      int       `json:"lot_id"`
	Indices    []int     `json:"indices"`
	Outcomes   []Outcome `json:"items"`
	Succeeded  []int     `json:"succeeded"`
	Failed     []int     `json:"failed"`
	Recoveries int       `json:"recoveries"`
	Lost       bool      `json:"lost,omitempty"`
	Cause      string    `json:"cause,omitempty"`
}

// LostLot returns the result recorded for a lot whose worker process failed.
func LostLot(lot Lot, cause string) LotResult {
	return LotResult{
		LotID:   lot.ID,
		Indices: append([]int(nil), lot.Indices...),
		Lost:    true,
		Cause:   cause,
	}
}

// Latency summarizes per-item compute durations of successful requests.
type Latency struct {
	P50MS int64 `json:"p50_ms"`
	P95MS int64 `json:"p95_ms"`
	P99MS int64 `json:"p99_ms"`
	MaxMS int64 `json:"max_ms"`
}

// Totals holds the aggregate counts reported for a run. Failed and
// ByReason[ReasonCrash] include the items of lost lots.
type Totals struct {
	Requests  int            `json:"requests"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	ByReason  map[Reason]int `json:"by_reason"`
	Lots      int            `json:"lots"`
	LostLots  int            `json:"lost_lots"`
	LostItems int            `json:"lost_items"`
	Latency   Latency        `json:"latency"`
}

// ConsolidatedResult is the ordered outcome sequence of a whole run.
type ConsolidatedResult struct {
	RunID    string    `json:"run_id,omitempty"`
	Outcomes []Outcome `json:"outcomes"`
	Totals   Totals    `json:"totals"`
}

// Run status constants.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusAborted   = "aborted"
)

// Lot status constants.
const (
	LotStatusCompleted = "completed"
	LotStatusLost      = "lost"
)

// Run is the persisted record of one batch execution.
type Run struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Source     string     `json:"source"`
	Requests   int        `json:"requests"`
	LotSize    int        `json:"lot_size"`
	Lots       int        `json:"lots"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	LostItems  int        `json:"lost_items"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// LotRecord is the persisted summary of one lot.
type LotRecord struct {
	RunID      string `json:"run_id"`
	LotID      int    `json:"lot_id"`
	FirstIndex int    `json:"first_index"`
	LastIndex  int    `json:"last_index"`
	Size       int    `json:"size"`
	Status     string `json:"status"`
	Cause      string `json:"cause,omitempty"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Recoveries int    `json:"recoveries"`
	DurationMS int64  `json:"duration_ms"`
}
