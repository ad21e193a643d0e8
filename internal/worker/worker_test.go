package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"truecoding/internal/config"
	"truecoding/internal/db"
	"truecoding/internal/domain"
	"truecoding/internal/engine"
	"truecoding/internal/events"
	"truecoding/internal/liveness"
	"truecoding/internal/migrate"
	"truecoding/internal/worker"
)

const (
	owner          = "owner-1"
	testAssessment = `{"complexityScore":40,"complexityLevel":"medium","factors":[],"recommendedIterations":2}`
	testIterations = `[{"index":1,"name":"Base","slug":"base","scope":{"goals":[],"featureTags":["@base"],"risks":[]},"gherkinPath":"iter-1-base.feature"},{"index":2,"name":"Checkout","slug":"checkout","scope":{"goals":[],"featureTags":["@checkout"],"risks":[]},"gherkinPath":"iter-2-checkout.feature"}]`
)

type harness struct {
	ctx       context.Context
	engine    engine.Engine
	worker    *worker.Worker
	live      *liveness.Registry
	projectID string
}

func newHarness(t *testing.T, checkpoint bool, sim worker.Simulated) harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Execution.Enabled = true
	cfg.Execution.CheckpointEveryIteration = checkpoint
	cfg.Execution.WorkerPollInterval = 10 * time.Millisecond

	live := liveness.NewRegistry()
	eng := engine.New(conn, cfg, live)
	w := worker.New(eng, live, sim, sim)
	eng.Dispatcher = w
	t.Cleanup(w.Wait)

	ctx := context.Background()
	p, err := eng.CreateProject(ctx, owner, "shop")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	for _, kind := range domain.RequiredPlans {
		if _, err := eng.SetPlan(ctx, p.ID, owner, kind, json.RawMessage(`{"summary":"ok"}`)); err != nil {
			t.Fatalf("set plan: %v", err)
		}
	}
	return harness{ctx: ctx, engine: eng, worker: w, live: live, projectID: p.ID}
}

func (h harness) start(t *testing.T, withPlan bool) domain.DevelopmentRun {
	t.Helper()
	in := engine.StartRunInput{ProjectID: h.projectID, CallerID: owner}
	if withPlan {
		in.Assessment = json.RawMessage(testAssessment)
		in.Iterations = json.RawMessage(testIterations)
	}
	res, err := h.engine.CreateRun(h.ctx, in)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return res.Run
}

// settle waits until the run reaches want and no goroutine drives it.
func (h harness) settle(t *testing.T, runID string, want domain.RunStatus) engine.RunView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.engine.GetRun(h.ctx, h.projectID, runID, owner)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status == want && !h.live.IsLive(runID) {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := h.engine.GetRun(h.ctx, h.projectID, runID, owner)
	t.Fatalf("run %s did not settle at %s, last status %s", runID, want, run.Status)
	return engine.RunView{}
}

func (h harness) events(t *testing.T, runID string) []domain.DevelopmentEvent {
	t.Helper()
	evts, err := h.engine.Repo.RunEvents(h.ctx, runID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for i, e := range evts {
		if e.Sequence != int64(i+1) {
			t.Fatalf("sequence gap at %d: %d", i, e.Sequence)
		}
	}
	return evts
}

func TestDispatchDrivesRunToSuccess(t *testing.T) {
	h := newHarness(t, false, worker.Simulated{})
	run := h.start(t, true)
	got := h.settle(t, run.ID, domain.RunSucceeded)
	if got.FinishedAt == nil || got.StartedAt == nil {
		t.Fatalf("expected start and finish timestamps: %+v", got)
	}
	its, err := h.engine.RunIterations(h.ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(its) != 2 {
		t.Fatalf("expected 2 iterations, got %d", len(its))
	}
	for _, it := range its {
		if it.Status != domain.IterationDeployed {
			t.Fatalf("iteration %d is %s", it.Index, it.Status)
		}
	}
	evts := h.events(t, run.ID)
	last := evts[len(evts)-1]
	p, ok := events.DecodeRunStatus(last)
	if !ok || p.Status != domain.RunSucceeded {
		t.Fatalf("last event should record SUCCEEDED, got %s %s", last.EventType, last.Payload)
	}
	var agentTasks int
	for _, e := range evts {
		if e.EventType == domain.EventAgentTask {
			agentTasks++
		}
	}
	if agentTasks != 2 {
		t.Fatalf("expected an agent task event per iteration, got %d", agentTasks)
	}
}

func TestDispatchIsSingleFlight(t *testing.T) {
	h := newHarness(t, false, worker.Simulated{Delay: 50 * time.Millisecond})
	run := h.start(t, true)
	started, err := h.worker.Dispatch(h.ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if started {
		t.Fatalf("second dispatch of a live run must not start another driver")
	}
	h.settle(t, run.ID, domain.RunSucceeded)
}

func TestSelfPlanningRun(t *testing.T) {
	h := newHarness(t, false, worker.Simulated{Iterations: 3})
	run := h.start(t, false)
	got := h.settle(t, run.ID, domain.RunSucceeded)
	if got.TotalIterations != 3 {
		t.Fatalf("expected 3 planned iterations, got %d", got.TotalIterations)
	}
}

func TestFailingGateFailsRunAndRetrySucceeds(t *testing.T) {
	h := newHarness(t, false, worker.Simulated{FailGate: map[int]domain.GateType{2: domain.GateUnit}})
	run := h.start(t, true)
	failed := h.settle(t, run.ID, domain.RunFailed)
	if failed.ErrorSummary == nil || *failed.ErrorSummary == "" {
		t.Fatalf("expected an error summary")
	}

	h.worker.Runner = worker.Simulated{}
	if _, err := h.engine.Retry(h.ctx, h.projectID, run.ID, owner); err != nil {
		t.Fatalf("retry: %v", err)
	}
	h.settle(t, run.ID, domain.RunSucceeded)

	evts := h.events(t, run.ID)
	boundary := events.RetryBoundary(evts)
	if boundary == 0 {
		t.Fatalf("expected a retry boundary")
	}
	p, _ := events.DecodeRunStatus(evts[boundary-1])
	if p.Action != events.ActionRetry {
		t.Fatalf("boundary should be the retry event, got %+v", p)
	}
}

func TestCheckpointEveryIterationParksUntilApproved(t *testing.T) {
	h := newHarness(t, true, worker.Simulated{})
	run := h.start(t, true)

	for idx := 1; idx <= 2; idx++ {
		h.settle(t, run.ID, domain.RunWaitingCheckpoint)
		its, err := h.engine.RunIterations(h.ctx, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if its[idx-1].Status != domain.IterationGated {
			t.Fatalf("iteration %d should be GATED, got %s", idx, its[idx-1].Status)
		}
		_, err = h.engine.Checkpoint(h.ctx, engine.CheckpointInput{
			ProjectID: h.projectID, RunID: run.ID, CallerID: owner,
			IterationIndex: idx, Action: engine.CheckpointApprove,
		})
		if err != nil {
			t.Fatalf("approve %d: %v", idx, err)
		}
	}
	h.settle(t, run.ID, domain.RunSucceeded)
}

func TestApproveWhileDriverWindsDownIsNotLost(t *testing.T) {
	h := newHarness(t, true, worker.Simulated{})
	run := h.start(t, true)
	h.settle(t, run.ID, domain.RunWaitingCheckpoint)

	release := h.worker.Hold(run.ID)
	if _, err := h.engine.Checkpoint(h.ctx, engine.CheckpointInput{
		ProjectID: h.projectID, RunID: run.ID, CallerID: owner,
		IterationIndex: 1, Action: engine.CheckpointApprove,
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, err := h.engine.GetRun(h.ctx, h.projectID, run.ID, owner)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunRunning || !h.live.IsLive(run.ID) {
		t.Fatalf("expected RUNNING and still held, got %s live=%v", got.Status, h.live.IsLive(run.ID))
	}
	if ids := h.live.Live(); len(ids) != 1 || ids[0] != run.ID {
		t.Fatalf("expected only %s live, got %v", run.ID, ids)
	}
	if _, ok := h.live.Since(run.ID); !ok {
		t.Fatalf("held run should have a registration time")
	}
	release()

	h.settle(t, run.ID, domain.RunWaitingCheckpoint)
	its, err := h.engine.RunIterations(h.ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if its[0].Status != domain.IterationDeployed || its[1].Status != domain.IterationGated {
		t.Fatalf("expected iteration 1 deployed and 2 gated, got %s %s", its[0].Status, its[1].Status)
	}
	if _, err := h.engine.Checkpoint(h.ctx, engine.CheckpointInput{
		ProjectID: h.projectID, RunID: run.ID, CallerID: owner,
		IterationIndex: 2, Action: engine.CheckpointApprove,
	}); err != nil {
		t.Fatalf("approve 2: %v", err)
	}
	h.settle(t, run.ID, domain.RunSucceeded)
}

func TestDeployStatusCarriesPreviewURLAfterCheckpoint(t *testing.T) {
	h := newHarness(t, true, worker.Simulated{})
	run := h.start(t, true)
	for idx := 1; idx <= 2; idx++ {
		h.settle(t, run.ID, domain.RunWaitingCheckpoint)
		if _, err := h.engine.Checkpoint(h.ctx, engine.CheckpointInput{
			ProjectID: h.projectID, RunID: run.ID, CallerID: owner,
			IterationIndex: idx, Action: engine.CheckpointApprove,
		}); err != nil {
			t.Fatalf("approve %d: %v", idx, err)
		}
	}
	h.settle(t, run.ID, domain.RunSucceeded)

	urls := map[int]string{}
	for _, e := range h.events(t, run.ID) {
		if e.EventType != domain.EventDeployStatus {
			continue
		}
		var body struct {
			IterationIndex int    `json:"iterationIndex"`
			URL            string `json:"url"`
		}
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			t.Fatalf("decode deploy_status: %v", err)
		}
		urls[body.IterationIndex] = body.URL
	}
	want := map[int]string{
		1: "https://preview.local/" + run.ID + "/base",
		2: "https://preview.local/" + run.ID + "/checkout",
	}
	for idx, u := range want {
		if urls[idx] != u {
			t.Fatalf("iteration %d deploy url = %q, want %q", idx, urls[idx], u)
		}
	}
	its, _ := h.engine.RunIterations(h.ctx, run.ID)
	if its[0].DeployURL == nil || *its[0].DeployURL != want[1] {
		t.Fatalf("iteration 1 should keep its deploy url, got %v", its[0].DeployURL)
	}
}

func TestResumeAfterCheckpointMergesGatedIteration(t *testing.T) {
	h := newHarness(t, true, worker.Simulated{})
	run := h.start(t, true)
	h.settle(t, run.ID, domain.RunWaitingCheckpoint)

	h.worker.CheckpointEveryIteration = false
	if _, err := h.engine.Checkpoint(h.ctx, engine.CheckpointInput{
		ProjectID: h.projectID, RunID: run.ID, CallerID: owner,
		IterationIndex: 1, Action: engine.CheckpointResume,
	}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.settle(t, run.ID, domain.RunSucceeded)
}

func TestRunLoopPicksUpQueuedRuns(t *testing.T) {
	h := newHarness(t, false, worker.Simulated{})
	// No dispatcher: the run stays QUEUED until the loop finds it.
	h.engine.Dispatcher = nil
	run := h.start(t, true)
	if run.Status != domain.RunQueued {
		t.Fatalf("expected QUEUED, got %s", run.Status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.worker.Run(ctx) }()
	h.settle(t, run.ID, domain.RunSucceeded)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run loop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run loop did not stop")
	}
}

func TestRecoverRedrivesOrphanedRun(t *testing.T) {
	h := newHarness(t, false, worker.Simulated{})
	h.engine.Dispatcher = nil
	run := h.start(t, true)
	if _, err := h.engine.MarkRunning(h.ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	h.engine.Dispatcher = h.worker
	res, err := h.engine.Recover(h.ctx, h.projectID, run.ID, owner)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if res.AlreadyProcessing {
		t.Fatalf("orphaned run should be picked up by this call")
	}
	h.settle(t, run.ID, domain.RunSucceeded)
}
