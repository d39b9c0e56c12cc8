// Package exchange reads and writes the files a supervisor and a worker
// process hand to each other: one lot artifact in, one result artifact out.
//
// Both are self-describing JSON documents. Writes are atomic (temp file plus
// rename) so a reader never sees a half-written artifact, and reads are
// strict: anything that does not line up with the lot is rejected.
package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/seantiz/fsbatch/internal/engine"
	"github.com/seantiz/fsbatch/internal/lotworker"
	"github.com/seantiz/fsbatch/internal/model"
)

// Artifact kinds and the current format version.
const (
	KindLot    = "lot"
	KindResult = "lot_result"
	Version    = 1
)

// ErrInvalidArtifact is wrapped by every validation failure on read.
var ErrInvalidArtifact = errors.New("invalid artifact")

// LotArtifact carries everything a worker process needs to run one lot.
type LotArtifact struct {
	Kind     string           `json:"kind"`
	Version  int              `json:"version"`
	LotID    int              `json:"lot_id"`
	Indices  []int            `json:"indices"`
	Requests []model.Request  `json:"requests"`
	Worker   lotworker.Config `json:"worker"`
	Engine   engine.Config    `json:"engine"`
}

// NewLotArtifact bundles a lot with the settings it must run under.
func NewLotArtifact(lot model.Lot, worker lotworker.Config, eng engine.Config) LotArtifact {
	return LotArtifact{
		Kind:     KindLot,
		Version:  Version,
		LotID:    lot.ID,
		Indices:  lot.Indices,
		Requests: lot.Requests,
		Worker:   worker,
		Engine:   eng,
	}
}

// Lot returns the lot described by the artifact.
func (a LotArtifact) Lot() model.Lot {
	return model.Lot{ID: a.LotID, Indices: a.Indices, Requests: a.Requests}
}

func (a LotArtifact) validate() error {
	if a.Kind != KindLot {
		return fmt.Errorf("kind %q, want %q", a.Kind, KindLot)
	}
	if a.Version != Version {
		return fmt.Errorf("unsupported version %d", a.Version)
	}
	if len(a.Indices) == 0 {
		return errors.New("lot has no requests")
	}
	if len(a.Indices) != len(a.Requests) {
		return fmt.Errorf("%d indices for %d requests", len(a.Indices), len(a.Requests))
	}
	for i, req := range a.Requests {
		if req.Index != a.Indices[i] {
			return fmt.Errorf("request %d has index %d, want %d", i, req.Index, a.Indices[i])
		}
		if r := req.Rebar; r != nil && (r.BarDiameterMM <= 0 || r.Bars <= 0) {
			return fmt.Errorf("request %d: rebar override needs a positive diameter and count", req.Index)
		}
	}
	if err := a.Worker.Validate(); err != nil {
		return err
	}
	return a.Engine.Validate()
}

// ResultArtifact wraps a lot result for the trip back to the supervisor.
type ResultArtifact struct {
	Kind    string `json:"kind"`
	Version int    `json:"version"`
	model.LotResult
}

// WriteLot atomically writes a lot artifact to path.
func WriteLot(path string, a LotArtifact) error {
	if err := writeJSONAtomic(path, a); err != nil {
		return fmt.Errorf("write lot artifact: %w", err)
	}
	return nil
}

// ReadLot reads and validates a lot artifact.
func ReadLot(path string) (LotArtifact, error) {
	var a LotArtifact
	if err := readJSON(path, &a); err != nil {
		return LotArtifact{}, err
	}
	if err := a.validate(); err != nil {
		return LotArtifact{}, fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, path, err)
	}
	return a, nil
}

// WriteResult atomically writes the result of a lot to path.
func WriteResult(path string, res model.LotResult) error {
	a := ResultArtifact{Kind: KindResult, Version: Version, LotResult: res}
	if err := writeJSONAtomic(path, a); err != nil {
		return fmt.Errorf("write result artifact: %w", err)
	}
	return nil
}

// ReadResult reads a result artifact and checks it against the lot it
// answers: same lot ID, one well-formed outcome per index, in order.
func ReadResult(path string, lot model.Lot) (model.LotResult, error) {
	var a ResultArtifact
	if err := readJSON(path, &a); err != nil {
		return model.LotResult{}, err
	}
	if err := validateResult(a, lot); err != nil {
		return model.LotResult{}, fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, path, err)
	}
	return a.LotResult, nil
}

func validateResult(a ResultArtifact, lot model.Lot) error {
	if a.Kind != KindResult {
		return fmt.Errorf("kind %q, want %q", a.Kind, KindResult)
	}
	if a.Version != Version {
		return fmt.Errorf("unsupported version %d", a.Version)
	}
	if a.LotID != lot.ID {
		return fmt.Errorf("lot id %d, want %d", a.LotID, lot.ID)
	}
	if a.Lost {
		return errors.New("worker reported the lot as lost")
	}
	if len(a.Outcomes) != len(lot.Indices) {
		return fmt.Errorf("%d items for %d requests", len(a.Outcomes), len(lot.Indices))
	}

	succeeded, failed := []int{}, []int{}
	for i, o := range a.Outcomes {
		if o.Index != lot.Indices[i] {
			return fmt.Errorf("item %d has index %d, want %d", i, o.Index, lot.Indices[i])
		}
		if o.Lost {
			return fmt.Errorf("item %d marked lost", i)
		}
		if o.OK() {
			if len(o.Values) == 0 {
				return fmt.Errorf("item %d succeeded without values", i)
			}
			succeeded = append(succeeded, o.Index)
			continue
		}
		if !o.Reason.Valid() {
			return fmt.Errorf("item %d has unknown failure %q", i, o.Reason)
		}
		if len(o.Values) != 0 {
			return fmt.Errorf("item %d failed but carries values", i)
		}
		failed = append(failed, o.Index)
	}
	if !slices.Equal(a.Succeeded, succeeded) {
		return fmt.Errorf("succeeded %v does not match items %v", a.Succeeded, succeeded)
	}
	if !slices.Equal(a.Failed, failed) {
		return fmt.Errorf("failed %v does not match items %v", a.Failed, failed)
	}
	if a.Recoveries < 0 {
		return fmt.Errorf("negative recoveries %d", a.Recoveries)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	if path == "" {
		return errors.New("path is empty")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, path, err)
	}
	return nil
}
