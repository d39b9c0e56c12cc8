package orchestrator_test

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/fsbatch/internal/model"
	"github.com/seantiz/fsbatch/internal/orchestrator"
)

func TestSplitScenario(t *testing.T) {
	lots, err := orchestrator.Split(makeRequests(10), 4)
	require.NoError(t, err)
	require.Len(t, lots, 3)

	assert.Equal(t, []int{0, 1, 2, 3}, lots[0].Indices)
	assert.Equal(t, []int{4, 5, 6, 7}, lots[1].Indices)
	assert.Equal(t, []int{8, 9}, lots[2].Indices)
	for i, lot := range lots {
		assert.Equal(t, i, lot.ID)
	}
}

func TestSplitPreconditions(t *testing.T) {
	_, err := orchestrator.Split(makeRequests(3), 0)
	assert.True(t, errors.Is(err, orchestrator.ErrInvalidBatch), "lot size 0: %v", err)

	dup := []model.Request{{Index: 1}, {Index: 2}, {Index: 1}}
	_, err = orchestrator.Split(dup, 2)
	assert.True(t, errors.Is(err, orchestrator.ErrInvalidBatch), "duplicate index: %v", err)

	lots, err := orchestrator.Split(nil, 5)
	require.NoError(t, err)
	assert.Empty(t, lots)
}

// TestSplitProperties checks that splitting is a contiguous, order-preserving
// partition for any request count and lot size.
func TestSplitProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("concatenated lots equal the input", prop.ForAll(
		func(n, size int) bool {
			reqs := makeRequests(n)
			lots, err := orchestrator.Split(reqs, size)
			if err != nil {
				return false
			}
			var flat []model.Request
			for _, lot := range lots {
				flat = append(flat, lot.Requests...)
			}
			if len(flat) != n {
				return false
			}
			for i := range flat {
				if flat[i].Index != reqs[i].Index {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 500),
		gen.IntRange(1, 64),
	))

	properties.Property("every lot but the last is full", prop.ForAll(
		func(n, size int) bool {
			lots, err := orchestrator.Split(makeRequests(n), size)
			if err != nil {
				return false
			}
			if len(lots) != (n+size-1)/size {
				return false
			}
			for i, lot := range lots {
				if len(lot.Indices) != len(lot.Requests) {
					return false
				}
				if i < len(lots)-1 && len(lot.Requests) != size {
					return false
				}
				if len(lot.Requests) == 0 || len(lot.Requests) > size {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 500),
		gen.IntRange(1, 64),
	))

	properties.Property("lot indices mirror request indices", prop.ForAll(
		func(n, size int) bool {
			lots, err := orchestrator.Split(makeRequests(n), size)
			if err != nil {
				return false
			}
			for _, lot := range lots {
				for i, req := range lot.Requests {
					if lot.Indices[i] != req.Index {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 300),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}
