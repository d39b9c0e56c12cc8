// Package loadcase reads column design forces into batch requests.
//
// Spreadsheets follow the element-forces table exported by structural
// analysis tools: a title row, a header row, a units row, then one row per
// frame, output case and station. Only the two extreme stations of each
// element matter; the first of a consecutive pair with the same frame and
// output case is the top of the column, the second is its base.
package loadcase

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/seantiz/fsbatch/internal/model"
)

// ErrInvalidSheet is wrapped by errors caused by malformed input.
var ErrInvalidSheet = errors.New("invalid load case input")

// Sheet layout, zero-based row numbers.
const (
	headerRow = 1
	unitsRow  = 2
	firstData = 3
)

// kNToTf converts kN and kN·m to tf and tf·m.
const kNToTf = 0.10

var requiredColumns = []string{"Frame", "Station", "OutputCase", "P", "M2", "M3"}

// Read loads requests from an .xlsx or .json file, chosen by extension.
func Read(path string) ([]model.Request, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path)
	case ".json":
		return ReadJSON(path)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q", ErrInvalidSheet, filepath.Ext(path))
	}
}

type stationRow struct {
	line    int
	frame   string
	output  string
	station float64
	p       float64
	m2      float64
	m3      float64
}

// ReadXLSX reads the first sheet of the workbook at path. Forces given in kN
// are converted to tf and rounded to 5 decimals.
func ReadXLSX(path string) ([]model.Request, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrInvalidSheet)
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) <= unitsRow {
		return nil, fmt.Errorf("%w: sheet %q has no header and units rows", ErrInvalidSheet, sheets[0])
	}

	cols, err := columnIndex(rows[headerRow])
	if err != nil {
		return nil, err
	}
	kn := strings.EqualFold(cell(rows[unitsRow], cols["P"]), "KN")

	parsed, err := parseRows(rows[firstData:], cols)
	if err != nil {
		return nil, err
	}

	reqs := pairStations(extremeStations(parsed))
	if kn {
		for i := range reqs {
			for j, v := range reqs[i].Loads {
				reqs[i].Loads[j] = round5(v * kNToTf)
			}
		}
	}
	return reqs, nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns %s", ErrInvalidSheet, strings.Join(missing, ", "))
	}
	return cols, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseRows(rows [][]string, cols map[string]int) ([]stationRow, error) {
	out := make([]stationRow, 0, len(rows))
	for i, row := range rows {
		line := firstData + i + 1
		if cell(row, cols["Frame"]) == "" && cell(row, cols["Station"]) == "" {
			continue
		}
		r := stationRow{
			line:   line,
			frame:  cell(row, cols["Frame"]),
			output: cell(row, cols["OutputCase"]),
		}
		for _, field := range []struct {
			name string
			dst  *float64
		}{
			{"Station", &r.station},
			{"P", &r.p},
			{"M2", &r.m2},
			{"M3", &r.m3},
		} {
			v, err := strconv.ParseFloat(cell(row, cols[field.name]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %s: %q is not a number",
					ErrInvalidSheet, line, field.name, cell(row, cols[field.name]))
			}
			*field.dst = v
		}
		out = append(out, r)
	}
	return out, nil
}

// extremeStations keeps the rows at the minimum and maximum station.
func extremeStations(rows []stationRow) []stationRow {
	if len(rows) == 0 {
		return nil
	}
	lo, hi := rows[0].station, rows[0].station
	for _, r := range rows[1:] {
		lo = min(lo, r.station)
		hi = max(hi, r.station)
	}
	var kept []stationRow
	for _, r := range rows {
		if r.station == lo || r.station == hi {
			kept = append(kept, r)
		}
	}
	return kept
}

// pairStations turns consecutive top/base rows of one frame and output case
// into requests. A row without a partner is dropped. Pairs never overlap and
// must share frame and output case, so a base row is never reused as the
// top of the next element; this is deliberate.
func pairStations(rows []stationRow) []model.Request {
	var reqs []model.Request
	for i := 0; i+1 < len(rows); {
		top, base := rows[i], rows[i+1]
		if top.frame != base.frame || top.output != base.output {
			i++
			continue
		}
		reqs = append(reqs, model.Request{
			Index: len(reqs),
			Loads: model.LoadCase{top.p, top.m2, top.m3, base.m2, base.m3},
			Frame: top.frame,
			Case:  top.output,
		})
		i += 2
	}
	return reqs
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

// ReadJSON reads a JSON array of requests. Indices are reassigned in file
// order.
func ReadJSON(path string) ([]model.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requests: %w", err)
	}
	var reqs []model.Request
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSheet, err)
	}
	for i := range reqs {
		reqs[i].Index = i
	}
	return reqs, nil
}
