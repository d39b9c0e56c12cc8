package orchestrator

import (
	"errors"
	"fmt"

	"github.com/seantiz/fsbatch/internal/model"
)

// ErrInvalidBatch is returned when the request list cannot be split.
var ErrInvalidBatch = errors.New("invalid batch")

// Split partitions requests into contiguous lots of lotSize, in order. The
// last lot may be smaller. An empty request list yields no lots.
func Split(requests []model.Request, lotSize int) ([]model.Lot, error) {
	if lotSize < 1 {
		return nil, fmt.Errorf("%w: lot size %d, want at least 1", ErrInvalidBatch, lotSize)
	}

	seen := make(map[int]struct{}, len(requests))
	for _, r := range requests {
		if _, dup := seen[r.Index]; dup {
			return nil, fmt.Errorf("%w: duplicate request index %d", ErrInvalidBatch, r.Index)
		}
		seen[r.Index] = struct{}{}
	}

	lots := make([]model.Lot, 0, (len(requests)+lotSize-1)/lotSize)
	for start := 0; start < len(requests); start += lotSize {
		end := min(start+lotSize, len(requests))
		lot := model.Lot{
			ID:       len(lots),
			Indices:  make([]int, 0, end-start),
			Requests: append([]model.Request(nil), requests[start:end]...),
		}
		for _, r := range lot.Requests {
			lot.Indices = append(lot.Indices, r.Index)
		}
		lots = append(lots, lot)
	}
	return lots, nil
}
