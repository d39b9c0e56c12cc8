// Package sweep builds reinforcement sweeps: one load case computed for every
// combination of bar diameter and bar count, tabulated by minimum safety
// factor.
package sweep

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/seantiz/fsbatch/internal/model"
	"github.com/seantiz/fsbatch/internal/report"
)

// NonConverged marks a cell whose every section failed to converge.
const NonConverged = "N conver."

const sheet = "sweep"

// DefaultDiameters are the commercial bar diameters in mm.
var DefaultDiameters = []float64{5.0, 6.3, 8, 12.5, 16, 20, 25, 32}

// DefaultCounts are the bar counts tried for each diameter.
var DefaultCounts = []int{4, 6, 8, 10, 12, 13, 14, 15, 16, 18, 20}

// Grid is the set of layouts a sweep computes.
type Grid struct {
	Diameters []float64
	Counts    []int
}

// Validate rejects an empty grid or a non-positive entry.
func (g Grid) Validate() error {
	if len(g.Diameters) == 0 || len(g.Counts) == 0 {
		return errors.New("sweep grid needs at least one diameter and one count")
	}
	for _, d := range g.Diameters {
		if d <= 0 {
			return fmt.Errorf("bar diameter %v must be positive", d)
		}
	}
	for _, n := range g.Counts {
		if n <= 0 {
			return fmt.Errorf("bar count %d must be positive", n)
		}
	}
	return nil
}

// Requests expands loads into one request per layout, count-major, so that
// request i is row i / len(Diameters) and column i % len(Diameters).
func (g Grid) Requests(loads model.LoadCase) []model.Request {
	reqs := make([]model.Request, 0, len(g.Counts)*len(g.Diameters))
	for _, n := range g.Counts {
		for _, d := range g.Diameters {
			reqs = append(reqs, model.Request{
				Index: len(reqs),
				Loads: loads,
				Case:  fmt.Sprintf("%dø%s", n, strconv.FormatFloat(d, 'f', -1, 64)),
				Rebar: &model.Rebar{BarDiameterMM: d, Bars: n},
			})
		}
	}
	return reqs
}

// Table lays the outcomes out as rows of bar counts by columns of diameters.
// A successful cell holds the minimum safety factor, ignoring sections that
// did not converge; a failed cell holds the failure reason.
func (g Grid) Table(outcomes []model.Outcome) ([][]any, error) {
	want := len(g.Counts) * len(g.Diameters)
	if len(outcomes) != want {
		return nil, fmt.Errorf("sweep has %d outcomes for %d layouts", len(outcomes), want)
	}
	rows := make([][]any, len(g.Counts))
	for i, o := range outcomes {
		if o.Index != i {
			return nil, fmt.Errorf("outcome %d has index %d", i, o.Index)
		}
		rows[i/len(g.Diameters)] = append(rows[i/len(g.Diameters)], cell(o))
	}
	return rows, nil
}

func cell(o model.Outcome) any {
	switch {
	case o.Lost:
		return "lost"
	case !o.OK():
		return string(o.Reason)
	case len(o.Values) == 0:
		return nil
	}
	m := slices.Min(o.Values)
	if m == report.NonConvergence {
		return NonConverged
	}
	return m
}

// WriteXLSX writes the sweep table with a header row of diameters and a
// leading column of bar counts.
func WriteXLSX(path string, g Grid, outcomes []model.Outcome) error {
	rows, err := g.Table(outcomes)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := []any{"n"}
	for _, d := range g.Diameters {
		header = append(header, d)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		line := append([]any{g.Counts[i]}, row...)
		addr, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, addr, &line); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save sweep: %w", err)
	}
	return nil
}
