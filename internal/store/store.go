package store

import (
	"context"

	"github.com/seantiz/fsbatch/internal/model"
)

// Stats holds aggregate statistics across all recorded runs.
type Stats struct {
	TotalRuns        int            `json:"total_runs"`
	RunsByStatus     map[string]int `json:"runs_by_status"`
	Requests         int            `json:"requests"`
	Succeeded        int            `json:"succeeded"`
	Failed           int            `json:"failed"`
	LostItems        int            `json:"lost_items"`
	FailuresByReason map[string]int `json:"failures_by_reason"`
	AvgLotDurationMS float64        `json:"avg_lot_duration_ms"`
}

// Store defines the persistence operations for batch runs.
type Store interface {
	CreateRun(ctx context.Context, run *model.Run) error
	RecordLot(ctx context.Context, rec *model.LotRecord) error
	FinishRun(ctx context.Context, run *model.Run, outcomes []model.Outcome) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	ListLots(ctx context.Context, runID string) ([]*model.LotRecord, error)
	ListOutcomes(ctx context.Context, runID string, limit, offset int) ([]model.Outcome, int, error)
	GetStats(ctx context.Context) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
