// Package consolidate merges per-lot results into one ordered result for the
// whole run.
package consolidate

import (
	"fmt"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/seantiz/fsbatch/internal/model"
)

// maxTrackedMS caps the latency histogram at one hour per item.
const maxTrackedMS = 3_600_000

// Consolidate concatenates outcomes in lot order. A lost lot contributes one
// crash outcome, marked Lost, per index it was responsible for. The input is
// not modified and the same input always yields the same result.
func Consolidate(results []model.LotResult) model.ConsolidatedResult {
	total := 0
	for _, r := range results {
		total += len(r.Indices)
	}

	out := model.ConsolidatedResult{
		Outcomes: make([]model.Outcome, 0, total),
		Totals: model.Totals{
			ByReason: make(map[model.Reason]int, len(model.Reasons)),
			Lots:     len(results),
		},
	}
	for _, reason := range model.Reasons {
		out.Totals.ByReason[reason] = 0
	}

	hist := hdrhistogram.New(1, maxTrackedMS, 3)
	for _, r := range results {
		if r.Lost {
			out.Totals.LostLots++
			out.Totals.LostItems += len(r.Indices)
			for _, idx := range r.Indices {
				out.Outcomes = append(out.Outcomes, model.Outcome{
					Index:  idx,
					Reason: model.ReasonCrash,
					Lost:   true,
				})
			}
			continue
		}
		out.Outcomes = append(out.Outcomes, r.Outcomes...)
	}

	for _, o := range out.Outcomes {
		if o.OK() {
			out.Totals.Succeeded++
			_ = hist.RecordValue(min(o.DurationMS, maxTrackedMS))
			continue
		}
		out.Totals.Failed++
		out.Totals.ByReason[o.Reason]++
	}
	out.Totals.Requests = len(out.Outcomes)

	if hist.TotalCount() > 0 {
		out.Totals.Latency = model.Latency{
			P50MS: hist.ValueAtQuantile(50),
			P95MS: hist.ValueAtQuantile(95),
			P99MS: hist.ValueAtQuantile(99),
			MaxMS: hist.Max(),
		}
	}
	return out
}

// CheckCoverage verifies that result holds exactly one outcome per request,
// in request order.
func CheckCoverage(result model.ConsolidatedResult, requests []model.Request) error {
	if len(result.Outcomes) != len(requests) {
		return fmt.Errorf("result has %d outcomes for %d requests", len(result.Outcomes), len(requests))
	}
	for i, req := range requests {
		if got := result.Outcomes[i].Index; got != req.Index {
			return fmt.Errorf("outcome %d has index %d, want %d", i, got, req.Index)
		}
	}
	return nil
}

// Rebuild reassembles a stored run from its lot records, in lot order, and
// its outcomes, in index order, then consolidates it again. Every outcome
// must fall inside exactly one lot's index range and every lot must get as
// many outcomes as its size.
func Rebuild(lots []*model.LotRecord, outcomes []model.Outcome) (model.ConsolidatedResult, error) {
	results := make([]model.LotResult, 0, len(lots))
	next := 0
	for _, rec := range lots {
		r := model.LotResult{LotID: rec.LotID, Recoveries: rec.Recoveries}
		for next < len(outcomes) && outcomes[next].Index <= rec.LastIndex {
			o := outcomes[next]
			if o.Index < rec.FirstIndex {
				return model.ConsolidatedResult{}, fmt.Errorf("outcome %d precedes lot %d", o.Index, rec.LotID)
			}
			r.Indices = append(r.Indices, o.Index)
			r.Outcomes = append(r.Outcomes, o)
			if o.OK() {
				r.Succeeded = append(r.Succeeded, o.Index)
			} else {
				r.Failed = append(r.Failed, o.Index)
			}
			next++
		}
		if len(r.Indices) != rec.Size {
			return model.ConsolidatedResult{}, fmt.Errorf("lot %d has %d stored outcomes, want %d", rec.LotID, len(r.Indices), rec.Size)
		}
		if rec.Status == model.LotStatusLost {
			r = model.LostLot(model.Lot{ID: rec.LotID, Indices: r.Indices}, rec.Cause)
		}
		results = append(results, r)
	}
	if next != len(outcomes) {
		return model.ConsolidatedResult{}, fmt.Errorf("outcome %d belongs to no lot", outcomes[next].Index)
	}
	return Consolidate(results), nil
}
