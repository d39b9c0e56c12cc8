package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/fsbatch/internal/engine"
	"github.com/seantiz/fsbatch/internal/exchange"
	"github.com/seantiz/fsbatch/internal/lotworker"
	"github.com/seantiz/fsbatch/internal/model"
	"github.com/seantiz/fsbatch/internal/orchestrator"
)

// lotBehavior scripts what the fake worker does for one lot.
type lotBehavior int

const (
	lotOK lotBehavior = iota
	lotExitFailure
	lotHang
	lotNoResult
	lotGarbage
)

// fakeLauncher plays the worker process in-process: it reads the lot
// artifact and writes a result artifact according to its script.
type fakeLauncher struct {
	mu        sync.Mutex
	script    map[int]lotBehavior
	dirs      []string
	artifacts []exchange.LotArtifact
	onLaunch  func(lotID int)
}

func (f *fakeLauncher) Launch(ctx context.Context, lotPath, resultPath string) error {
	a, err := exchange.ReadLot(lotPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.dirs = append(f.dirs, filepath.Dir(lotPath))
	f.artifacts = append(f.artifacts, a)
	behavior := f.script[a.LotID]
	onLaunch := f.onLaunch
	f.mu.Unlock()

	if onLaunch != nil {
		onLaunch(a.LotID)
	}

	switch behavior {
	case lotExitFailure:
		return errors.New("worker exited: exit status 2")
	case lotHang:
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return orchestrator.ErrLotTimeout
		}
		return ctx.Err()
	case lotNoResult:
		return nil
	case lotGarbage:
		return os.WriteFile(resultPath, []byte("{\"kind\":"), 0o644)
	}

	lot := a.Lot()
	res := model.LotResult{LotID: lot.ID, Indices: lot.Indices}
	for _, req := range lot.Requests {
		vals := make([]float64, model.Sections)
		for i := range vals {
			vals[i] = 1.5
		}
		res.Outcomes = append(res.Outcomes, model.Success(req.Index, vals, 5*time.Millisecond))
		res.Succeeded = append(res.Succeeded, req.Index)
	}
	res.Failed = []int{}
	return exchange.WriteResult(resultPath, res)
}

// fakeRecorder captures everything the orchestrator persists.
type fakeRecorder struct {
	mu       sync.Mutex
	runs     []model.Run
	lots     []model.LotRecord
	finished *model.Run
	outcomes []model.Outcome
}

func (r *fakeRecorder) CreateRun(_ context.Context, run *model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func (r *fakeRecorder) RecordLot(_ context.Context, rec *model.LotRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lots = append(r.lots, *rec)
	return nil
}

func (r *fakeRecorder) FinishRun(_ context.Context, run *model.Run, outcomes []model.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	r.finished = &cp
	r.outcomes = outcomes
	return nil
}

func testSettings(t *testing.T, lotSize int) orchestrator.Settings {
	t.Helper()
	batch := orchestrator.DefaultConfig()
	batch.LotSize = lotSize
	batch.LotTimeout = 200 * time.Millisecond
	batch.LotPause = 0
	batch.WorkDir = t.TempDir()
	return orchestrator.Settings{
		Batch:  batch,
		Worker: lotworker.DefaultConfig(),
		Engine: engine.Config{
			Command:      []string{"java", "-jar", "engine/pcalc.jar"},
			Fingerprint:  engine.Fingerprint{Name: "java", Artifact: "pcalc.jar"},
			ReapGrace:    engine.DefaultReapGrace,
			StartTimeout: engine.DefaultStartTimeout,
			Setup:        engine.DefaultSetup(),
		},
	}
}

func makeRequests(n int) []model.Request {
	reqs := make([]model.Request, n)
	for i := range reqs {
		reqs[i] = model.Request{Index: i, Loads: model.LoadCase{float64(-10 * i), 1, 1, 1, 1}}
	}
	return reqs
}

func newOrchestrator(t *testing.T, s orchestrator.Settings, l orchestrator.Launcher, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(s, l, slog.New(slog.NewJSONHandler(io.Discard, nil)), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestRunLostLotScenario(t *testing.T) {
	launcher := &fakeLauncher{script: map[int]lotBehavior{1: lotExitFailure}}
	rec := &fakeRecorder{}
	o := newOrchestrator(t, testSettings(t, 4), launcher, orchestrator.WithRecorder(rec), orchestrator.WithSource("piles.xlsx"))

	res, err := o.Run(context.Background(), makeRequests(10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []model.Reason{"", "", "", "", model.ReasonCrash, model.ReasonCrash, model.ReasonCrash, model.ReasonCrash, "", ""}
	if len(res.Outcomes) != len(want) {
		t.Fatalf("outcomes = %d, want %d", len(res.Outcomes), len(want))
	}
	for i, o := range res.Outcomes {
		if o.Index != i || o.Reason != want[i] {
			t.Errorf("outcome %d = {index %d reason %q}, want {index %d reason %q}", i, o.Index, o.Reason, i, want[i])
		}
	}
	if res.Totals.LostLots != 1 || res.Totals.LostItems != 4 || res.Totals.Succeeded != 6 {
		t.Errorf("totals = %+v", res.Totals)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}

	if len(launcher.artifacts) != 3 {
		t.Fatalf("launched %d lots, want 3", len(launcher.artifacts))
	}
	sizes := []int{4, 4, 2}
	for i, a := range launcher.artifacts {
		if len(a.Requests) != sizes[i] || a.Indices[0] != 4*i {
			t.Errorf("lot %d = indices %v, want %d starting at %d", i, a.Indices, sizes[i], 4*i)
		}
	}

	if len(rec.runs) != 1 || rec.runs[0].Source != "piles.xlsx" || rec.runs[0].Lots != 3 {
		t.Errorf("created runs = %+v", rec.runs)
	}
	if len(rec.lots) != 3 || rec.lots[1].Status != model.LotStatusLost || rec.lots[1].Failed != 4 {
		t.Errorf("lot records = %+v", rec.lots)
	}
	if rec.finished == nil || rec.finished.Status != model.RunStatusCompleted || rec.finished.LostItems != 4 {
		t.Errorf("finished run = %+v", rec.finished)
	}
	if len(rec.outcomes) != 10 {
		t.Errorf("recorded outcomes = %d, want 10", len(rec.outcomes))
	}
}

func TestRunMarksBrokenLotsLost(t *testing.T) {
	tests := []struct {
		name      string
		behavior  lotBehavior
		wantCause string
	}{
		{"exit failure", lotExitFailure, "worker exited: exit status 2"},
		{"timeout", lotHang, orchestrator.CauseTimeout},
		{"missing result", lotNoResult, ""},
		{"garbage result", lotGarbage, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher := &fakeLauncher{script: map[int]lotBehavior{0: tt.behavior}}
			rec := &fakeRecorder{}
			o := newOrchestrator(t, testSettings(t, 3), launcher, orchestrator.WithRecorder(rec))

			res, err := o.Run(context.Background(), makeRequests(5))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			for i := 0; i < 3; i++ {
				if !res.Outcomes[i].Lost || res.Outcomes[i].Reason != model.ReasonCrash {
					t.Errorf("outcome %d = %+v, want lost crash", i, res.Outcomes[i])
				}
			}
			for i := 3; i < 5; i++ {
				if !res.Outcomes[i].OK() {
					t.Errorf("outcome %d = %+v, want success", i, res.Outcomes[i])
				}
			}
			cause := rec.lots[0].Cause
			if tt.wantCause != "" && cause != tt.wantCause {
				t.Errorf("cause = %q, want %q", cause, tt.wantCause)
			}
			if cause == "" {
				t.Error("lost lot has no cause")
			}
		})
	}
}

func TestRunRemovesLotArtifacts(t *testing.T) {
	s := testSettings(t, 2)
	launcher := &fakeLauncher{script: map[int]lotBehavior{1: lotExitFailure, 2: lotGarbage}}
	o := newOrchestrator(t, s, launcher)

	if _, err := o.Run(context.Background(), makeRequests(6)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, dir := range launcher.dirs {
		if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("lot dir %s still exists (err %v)", dir, err)
		}
	}
	entries, err := os.ReadDir(s.Batch.WorkDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir not empty: %v", entries)
	}
}

func TestRunCancelledMarksRemainingLotsLost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	launcher := &fakeLauncher{
		script: map[int]lotBehavior{1: lotHang},
		onLaunch: func(lotID int) {
			if lotID == 1 {
				cancel()
			}
		},
	}
	rec := &fakeRecorder{}
	o := newOrchestrator(t, testSettings(t, 2), launcher, orchestrator.WithRecorder(rec))

	res, err := o.Run(ctx, makeRequests(7))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Outcomes) != 7 {
		t.Fatalf("outcomes = %d, want 7", len(res.Outcomes))
	}
	if !res.Outcomes[0].OK() || !res.Outcomes[1].OK() {
		t.Errorf("first lot should have completed: %+v", res.Outcomes[:2])
	}
	for i := 2; i < 7; i++ {
		if !res.Outcomes[i].Lost {
			t.Errorf("outcome %d = %+v, want lost", i, res.Outcomes[i])
		}
	}
	if len(launcher.artifacts) != 2 {
		t.Errorf("launched %d lots, want 2", len(launcher.artifacts))
	}
	for _, lr := range rec.lots[1:] {
		if lr.Cause != orchestrator.CauseCancelled {
			t.Errorf("lot %d cause = %q, want cancelled", lr.LotID, lr.Cause)
		}
	}
	if rec.finished.Status != model.RunStatusAborted {
		t.Errorf("run status = %q, want aborted", rec.finished.Status)
	}
}

func TestRunAppliesUpdatedSettingsToLaterLots(t *testing.T) {
	var o *orchestrator.Orchestrator
	launcher := &fakeLauncher{}
	launcher.onLaunch = func(lotID int) {
		if lotID != 0 {
			return
		}
		s := o.Settings()
		s.Worker.ItemTimeout = 3 * time.Second
		s.Batch.LotSize = 1
		if err := o.Update(s); err != nil {
			t.Errorf("Update: %v", err)
		}
	}
	o = newOrchestrator(t, testSettings(t, 2), launcher)

	if _, err := o.Run(context.Background(), makeRequests(4)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(launcher.artifacts) != 2 {
		t.Fatalf("launched %d lots, want 2 (lot size is fixed per run)", len(launcher.artifacts))
	}
	if got := launcher.artifacts[0].Worker.ItemTimeout; got != lotworker.DefaultItemTimeout {
		t.Errorf("lot 0 item timeout = %v, want %v", got, lotworker.DefaultItemTimeout)
	}
	if got := launcher.artifacts[1].Worker.ItemTimeout; got != 3*time.Second {
		t.Errorf("lot 1 item timeout = %v, want 3s", got)
	}
}

func TestUpdateRejectsInvalidSettings(t *testing.T) {
	o := newOrchestrator(t, testSettings(t, 2), &fakeLauncher{})
	s := o.Settings()
	s.Worker.FailureThreshold = 0
	if err := o.Update(s); err == nil {
		t.Fatal("Update accepted invalid settings")
	}
	if o.Settings().Worker.FailureThreshold != lotworker.DefaultFailureThreshold {
		t.Error("invalid settings replaced the current ones")
	}
}

func TestRunInvalidBatch(t *testing.T) {
	o := newOrchestrator(t, testSettings(t, 2), &fakeLauncher{})
	reqs := makeRequests(3)
	reqs[2].Index = 0

	_, err := o.Run(context.Background(), reqs)
	if !errors.Is(err, orchestrator.ErrInvalidBatch) {
		t.Fatalf("Run error = %v, want ErrInvalidBatch", err)
	}
}

func TestRunSerializationFailureIsFatal(t *testing.T) {
	s := testSettings(t, 2)
	s.Batch.WorkDir = filepath.Join(t.TempDir(), "missing", "dir")
	rec := &fakeRecorder{}
	o := newOrchestrator(t, s, &fakeLauncher{}, orchestrator.WithRecorder(rec))

	if _, err := o.Run(context.Background(), makeRequests(3)); err == nil {
		t.Fatal("Run succeeded without a usable work dir")
	}
	if rec.finished == nil || rec.finished.Status != model.RunStatusAborted {
		t.Errorf("finished run = %+v, want aborted", rec.finished)
	}
}

func TestRunEmpty(t *testing.T) {
	launcher := &fakeLauncher{}
	o := newOrchestrator(t, testSettings(t, 2), launcher)

	res, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Outcomes) != 0 || len(launcher.artifacts) != 0 {
		t.Errorf("result = %+v, launches = %d; want empty", res, len(launcher.artifacts))
	}
}

func TestRunPublishesProgress(t *testing.T) {
	broker := orchestrator.NewEventBroker()
	var sub <-chan orchestrator.Event
	launcher := &fakeLauncher{}
	var once sync.Once
	var runID string
	launcher.onLaunch = func(int) {
		// The run ID only exists once Run has started.
		once.Do(func() { sub, _ = broker.Subscribe(runID) })
	}
	rec := &idRecorder{fakeRecorder: &fakeRecorder{}, onCreate: func(id string) { runID = id }}
	o := newOrchestrator(t, testSettings(t, 2), launcher, orchestrator.WithBroker(broker), orchestrator.WithRecorder(rec))

	if _, err := o.Run(context.Background(), makeRequests(4)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var types []string
	for ev := range sub {
		if ev.RunID != runID {
			t.Errorf("event for run %q, want %q", ev.RunID, runID)
		}
		types = append(types, ev.Type)
	}
	want := []string{
		orchestrator.EventLotFinished,
		orchestrator.EventLotStarted, orchestrator.EventLotFinished,
		orchestrator.EventRunFinished,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

// idRecorder exposes the run ID as soon as the run is created.
type idRecorder struct {
	*fakeRecorder
	onCreate func(string)
}

func (r *idRecorder) CreateRun(ctx context.Context, run *model.Run) error {
	r.onCreate(run.ID)
	return r.fakeRecorder.CreateRun(ctx, run)
}

func TestRunWithProcessLauncherMarksTimedOutLotLost(t *testing.T) {
	for _, mode := range []string{"graceful", "hang", "stubborn"} {
		t.Run(mode, func(t *testing.T) {
			rec := &fakeRecorder{}
			o := newOrchestrator(t, testSettings(t, 2), helperLauncher(t, mode), orchestrator.WithRecorder(rec))

			type runResult struct {
				res model.ConsolidatedResult
				err error
			}
			done := make(chan runResult, 1)
			go func() {
				res, err := o.Run(context.Background(), makeRequests(2))
				done <- runResult{res, err}
			}()

			var got runResult
			select {
			case got = <-done:
			case <-time.After(10 * time.Second):
				t.Fatal("Run still blocked 10s after a 200ms lot timeout")
			}
			if got.err != nil {
				t.Fatalf("Run: %v", got.err)
			}
			if len(got.res.Outcomes) != 2 {
				t.Fatalf("outcomes = %d, want 2", len(got.res.Outcomes))
			}
			for i, out := range got.res.Outcomes {
				if out.Index != i || !out.Lost || out.Reason != model.ReasonCrash {
					t.Errorf("outcome %d = %+v, want lost crash", i, out)
				}
			}
			if len(rec.lots) != 1 || rec.lots[0].Cause != orchestrator.CauseTimeout {
				t.Errorf("lot records = %+v, want one lost with cause timeout", rec.lots)
			}
		})
	}
}

func TestRunParentDeadlineIsCancellation(t *testing.T) {
	s := testSettings(t, 2)
	s.Batch.LotTimeout = time.Minute
	rec := &fakeRecorder{}
	o := newOrchestrator(t, s, helperLauncher(t, "graceful"), orchestrator.WithRecorder(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	res, err := o.Run(ctx, makeRequests(3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Totals.LostItems != 3 {
		t.Errorf("lost items = %d, want 3", res.Totals.LostItems)
	}
	for _, lr := range rec.lots {
		if lr.Cause != orchestrator.CauseCancelled {
			t.Errorf("lot %d cause = %q, want cancelled", lr.LotID, lr.Cause)
		}
	}
}

func TestRunKeepsLotFinishedBeforeCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The worker writes its result and exits 0 after the run is cancelled.
	launcher := &fakeLauncher{onLaunch: func(int) { cancel() }}
	o := newOrchestrator(t, testSettings(t, 2), launcher)

	res, err := o.Run(ctx, makeRequests(4))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Outcomes[0].OK() || !res.Outcomes[1].OK() {
		t.Errorf("first lot = %+v, want both succeeded", res.Outcomes[:2])
	}
	if !res.Outcomes[2].Lost || !res.Outcomes[3].Lost {
		t.Errorf("second lot = %+v, want lost", res.Outcomes[2:])
	}
}
