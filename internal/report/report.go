// Package report exports consolidated run results.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/xuri/excelize/v2"

	"github.com/seantiz/fsbatch/internal/model"
)

// NonConvergence is the value the engine reports for a section where the
// solver did not converge.
const NonConvergence = 1e10

const (
	nonConverged = "n/conv"
	statusOK     = "ok"
	statusLost   = "lost"

	resultsSheet = "results"
	totalsSheet  = "totals"
)

// Columns returns the results sheet header.
func Columns() []string {
	cols := []string{"frame", "OutputCase", "N", "Mx_topo", "My_topo", "Mx_base", "My_base"}
	for i := range model.Sections {
		cols = append(cols, fmt.Sprintf("%.1fL", float64(i)/10))
	}
	return append(cols, "max", "min", "verificado", "status")
}

// WriteXLSX writes one row per outcome, joined to its request by index, and
// a totals sheet.
func WriteXLSX(path string, requests []model.Request, result model.ConsolidatedResult) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), resultsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	if err := writeResults(f, bold, requests, result.Outcomes); err != nil {
		return err
	}
	if err := writeTotals(f, bold, result); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func writeResults(f *excelize.File, headerStyle int, requests []model.Request, outcomes []model.Outcome) error {
	sw, err := f.NewStreamWriter(resultsSheet)
	if err != nil {
		return fmt.Errorf("open results sheet: %w", err)
	}

	header := make([]any, 0, len(Columns()))
	for _, c := range Columns() {
		header = append(header, c)
	}
	if err := sw.SetRow("A1", header, excelize.RowOpts{StyleID: headerStyle}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	byIndex := make(map[int]model.Request, len(requests))
	for _, r := range requests {
		byIndex[r.Index] = r
	}

	for i, o := range outcomes {
		addr, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(addr, resultRow(byIndex[o.Index], o)); err != nil {
			return fmt.Errorf("write row %d: %w", o.Index, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush results sheet: %w", err)
	}
	return nil
}

// resultRow lays out one outcome in Columns order. Failed rows leave the
// section, max and min cells empty.
func resultRow(req model.Request, o model.Outcome) []any {
	row := []any{req.Frame, req.Case}
	for _, v := range req.Loads {
		row = append(row, v)
	}

	if !o.OK() {
		for range model.Sections + 2 {
			row = append(row, nil)
		}
		status := string(o.Reason)
		if o.Lost {
			status = statusLost
		}
		return append(row, false, status)
	}

	var converged []float64
	for i := range model.Sections {
		if i >= len(o.Values) {
			row = append(row, nil)
			continue
		}
		v := o.Values[i]
		if v == NonConvergence {
			row = append(row, nonConverged)
			continue
		}
		converged = append(converged, v)
		row = append(row, v)
	}

	if len(converged) == 0 {
		row = append(row, nonConverged, nonConverged)
	} else {
		row = append(row, slices.Max(converged), slices.Min(converged))
	}
	return append(row, verified(o.Values), statusOK)
}

// verified reports whether every section has a converged safety factor
// above 1.
func verified(values []float64) bool {
	if len(values) < model.Sections {
		return false
	}
	for _, v := range values {
		if v == NonConvergence || v <= 1 {
			return false
		}
	}
	return true
}

func writeTotals(f *excelize.File, headerStyle int, result model.ConsolidatedResult) error {
	if _, err := f.NewSheet(totalsSheet); err != nil {
		return fmt.Errorf("create totals sheet: %w", err)
	}

	t := result.Totals
	rows := [][]any{
		{"metric", "value"},
		{"run_id", result.RunID},
		{"requests", t.Requests},
		{"succeeded", t.Succeeded},
		{"failed", t.Failed},
	}
	for _, reason := range model.Reasons {
		rows = append(rows, []any{"failed_" + string(reason), t.ByReason[reason]})
	}
	rows = append(rows,
		[]any{"lots", t.Lots},
		[]any{"lost_lots", t.LostLots},
		[]any{"lost_items", t.LostItems},
		[]any{"latency_p50_ms", t.Latency.P50MS},
		[]any{"latency_p95_ms", t.Latency.P95MS},
		[]any{"latency_p99_ms", t.Latency.P99MS},
		[]any{"latency_max_ms", t.Latency.MaxMS},
	)

	for i, row := range rows {
		addr, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(totalsSheet, addr, &row); err != nil {
			return fmt.Errorf("write totals: %w", err)
		}
	}
	if err := f.SetCellStyle(totalsSheet, "A1", "B1", headerStyle); err != nil {
		return fmt.Errorf("style totals header: %w", err)
	}
	return nil
}

// WriteJSON writes the consolidated result as indented JSON.
func WriteJSON(w io.Writer, result model.ConsolidatedResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
