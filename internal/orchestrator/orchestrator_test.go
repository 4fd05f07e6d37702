package orchestrator

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/release-gate/internal/config"
	"github.com/miradorstack/release-gate/internal/executor"
	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/retry"
	"github.com/miradorstack/release-gate/internal/utils"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	results  map[string][]executor.Result
	blocking map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string][]executor.Result{}, blocking: map[string]bool{}}
}

// script queues results for name; the last one repeats.
func (f *fakeRunner) script(name string, results ...executor.Result) {
	f.results[name] = results
}

func (f *fakeRunner) Execute(ctx context.Context, spec executor.CommandSpec, timeout time.Duration) executor.Result {
	f.mu.Lock()
	f.calls = append(f.calls, spec.Name)
	queue := f.results[spec.Name]
	block := f.blocking[spec.Name]
	var res executor.Result
	switch {
	case len(queue) > 1:
		res = queue[0]
		f.results[spec.Name] = queue[1:]
	case len(queue) == 1:
		res = queue[0]
	default:
		res = passed()
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return executor.Result{ExitCode: -1, Error: "cancelled: " + ctx.Err().Error()}
	}
	return res
}

func (f *fakeRunner) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func passed() executor.Result {
	return executor.Result{Success: true, Output: "all good", Duration: time.Millisecond}
}

func failed(code int, output string) executor.Result {
	return executor.Result{ExitCode: code, Output: output, Error: "exit status " + strconv.Itoa(code), Duration: time.Millisecond}
}

type fakeSink struct {
	mu      sync.Mutex
	sources []string
	infos   []models.ErrorInfo
}

func (s *fakeSink) AnalyzeFailure(ctx context.Context, source string, raw models.RawError) (models.FailureAnalysis, error) {
	info, _ := raw.Info()
	s.mu.Lock()
	s.sources = append(s.sources, source)
	s.infos = append(s.infos, info)
	s.mu.Unlock()
	return models.FailureAnalysis{
		Correlation: models.CorrelationRecord{ID: "rec-" + source, ErrorInfo: info, Unmatched: true},
		Metrics:     models.RunMetrics{Analyses: 1, Unmatched: 1},
	}, nil
}

func subsystems(names ...string) map[string]config.SubsystemConfig {
	out := make(map[string]config.SubsystemConfig, len(names))
	for _, n := range names {
		out[n] = config.SubsystemConfig{Command: []string{"tool-" + n}, Scorer: "exit"}
	}
	return out
}

func newTestOrchestrator(runner executor.Runner, subs map[string]config.SubsystemConfig, sink FailureSink, opts Options) *Orchestrator {
	if opts.LookPath == nil {
		opts.LookPath = func(command []string) (string, error) { return "/usr/bin/" + command[0], nil }
	}
	return New(utils.DiscardLogger(), runner, subs, sink, opts)
}

func TestRunWeightedScoreAcrossPhases(t *testing.T) {
	runner := newFakeRunner()
	runner.script("s2", failed(1, "Error: assertion failed"))
	sink := &fakeSink{}
	orch := newTestOrchestrator(runner, subsystems("s1", "s2", "s3"), sink, Options{})

	plan := models.Plan{Name: "scenario", Phases: []models.Phase{
		{Name: "a", Systems: refs("s1", "s2"), Mode: models.ModeParallel, Weight: 0.5},
		{Name: "b", Systems: refs("s3"), Mode: models.ModeSequential, Weight: 0.5},
	}}
	run, err := orch.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(run.PhaseResults) != 2 {
		t.Fatalf("expected 2 phase results, got %d", len(run.PhaseResults))
	}
	if got := run.PhaseResults[0].Score; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("phase a score = %v, want 0.5", got)
	}
	if got := run.PhaseResults[1].Score; math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("phase b score = %v, want 1.0", got)
	}
	if math.Abs(run.OverallScore-0.75) > 1e-9 {
		t.Fatalf("overall score = %v, want 0.75", run.OverallScore)
	}
	if run.OverallStatus != models.RunFailure || run.State != models.StateDone {
		t.Fatalf("expected failure/DONE, got %s/%s", run.OverallStatus, run.State)
	}
	if len(sink.sources) != 1 || sink.sources[0] != "s2" {
		t.Fatalf("expected exactly the s2 failure forwarded, got %v", sink.sources)
	}
	if sink.infos[0].Message != "Error: assertion failed" || sink.infos[0].Context["phase"] != "a" {
		t.Fatalf("unexpected forwarded info: %+v", sink.infos[0])
	}
	if len(run.Correlations) != 1 || run.Metrics.Analyses != 1 {
		t.Fatalf("expected analysis merged into run, got %d correlations, metrics %+v", len(run.Correlations), run.Metrics)
	}
	if len(run.Errors) != 1 {
		t.Fatalf("expected one run error, got %v", run.Errors)
	}
}

func TestParallelPhaseKeepsEveryResult(t *testing.T) {
	runner := newFakeRunner()
	runner.script("m2", failed(1, "boom"))
	runner.script("m4", failed(2, "boom"))
	orch := newTestOrchestrator(runner, subsystems("m1", "m2", "m3", "m4"), nil, Options{})

	run, err := orch.Run(context.Background(), models.Plan{Name: "p", Phases: []models.Phase{
		{Name: "all", Systems: refs("m1", "m2", "m3", "m4"), Mode: models.ModeParallel, Weight: 1},
	}})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	phase := run.PhaseResults[0]
	if len(phase.Results) != 4 {
		t.Fatalf("expected 4 member results, got %d", len(phase.Results))
	}
	if phase.Success || phase.Failures != 2 {
		t.Fatalf("expected 2 failures and an unsuccessful phase, got %+v", phase)
	}
	for i, name := range []string{"m1", "m2", "m3", "m4"} {
		if phase.Results[i].Subsystem != name {
			t.Fatalf("result %d is %s, want %s", i, phase.Results[i].Subsystem, name)
		}
	}
}

func TestSequentialPhaseRunsInOrder(t *testing.T) {
	runner := newFakeRunner()
	runner.script("b", failed(1, "flaky"))
	orch := newTestOrchestrator(runner, subsystems("a", "b", "c"), nil, Options{})

	run, err := orch.Run(context.Background(), models.Plan{Name: "p", Phases: []models.Phase{
		{Name: "seq", Systems: refs("a", "b", "c"), Mode: models.ModeSequential, Weight: 1},
	}})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	calls := runner.called()
	if len(calls) != 3 || calls[0] != "a" || calls[1] != "b" || calls[2] != "c" {
		t.Fatalf("expected a,b,c in order, got %v", calls)
	}
	if got := len(run.PhaseResults[0].Results); got != 3 {
		t.Fatalf("non-critical phase should run through failures, got %d results", got)
	}
}

func TestCriticalPhaseFailureAbortsPlan(t *testing.T) {
	runner := newFakeRunner()
	runner.script("build", failed(1, "error TS2304: Cannot find name 'foo'"))
	orch := newTestOrchestrator(runner, subsystems("build", "lint", "unit"), &fakeSink{}, Options{})

	run, err := orch.Run(context.Background(), models.Plan{Name: "p", Phases: []models.Phase{
		{Name: "build", Systems: refs("build", "lint"), Mode: models.ModeSequential, Weight: 0.5, Critical: true},
		{Name: "tests", Systems: refs("unit"), Mode: models.ModeSequential, Weight: 0.5},
	}})
	if err != nil {
		t.Fatalf("critical phase failure is data, got error %v", err)
	}

	if run.State != models.StateAborted || run.OverallStatus != models.RunAborted {
		t.Fatalf("expected aborted run, got %s/%s", run.State, run.OverallStatus)
	}
	if len(run.PhaseResults) != 1 {
		t.Fatalf("phases after the critical failure must not run, got %d", len(run.PhaseResults))
	}
	if calls := runner.called(); len(calls) != 1 || calls[0] != "build" {
		t.Fatalf("expected only build to run, got %v", calls)
	}
	if run.OverallScore != 0 {
		t.Fatalf("overall score over executed phases should be 0, got %v", run.OverallScore)
	}
}

func TestInitFailureWhenCriticalToolMissing(t *testing.T) {
	runner := newFakeRunner()
	subs := subsystems("build", "unit")
	build := subs["build"]
	build.Critical = true
	subs["build"] = build

	orch := newTestOrchestrator(runner, subs, nil, Options{
		LookPath: func(command []string) (string, error) {
			if command[0] == "tool-build" {
				return "", errors.New("executable file not found in $PATH")
			}
			return "/usr/bin/" + command[0], nil
		},
	})

	run, err := orch.Run(context.Background(), models.Plan{Name: "p", Phases: []models.Phase{
		{Name: "build", Systems: refs("build"), Mode: models.ModeSequential, Weight: 1, Critical: true},
		{Name: "unit", Systems: refs("unit"), Mode: models.ModeSequential, Weight: 1},
	}})
	if !errors.Is(err, ErrOrchestratorInit) {
		t.Fatalf("expected ErrOrchestratorInit, got %v", err)
	}
	if run == nil || run.State != models.StateAborted || len(run.PhaseResults) != 0 {
		t.Fatalf("expected aborted run without phases, got %+v", run)
	}
	if calls := runner.called(); len(calls) != 0 {
		t.Fatalf("no subsystem may run after init failure, got %v", calls)
	}
}

func TestUnknownSubsystemIsInitFailure(t *testing.T) {
	orch := newTestOrchestrator(newFakeRunner(), subsystems("a"), nil, Options{})
	_, err := orch.Run(context.Background(), models.Plan{Name: "p", Phases: []models.Phase{
		{Name: "x", Systems: refs("missing"), Weight: 1},
	}})
	if !errors.Is(err, ErrOrchestratorInit) {
		t.Fatalf("expected ErrOrchestratorInit, got %v", err)
	}
}

func TestRunTimeoutAbortsWithPartialResults(t *testing.T) {
	runner := newFakeRunner()
	runner.blocking["slow"] = true
	sink := &fakeSink{}
	orch := newTestOrchestrator(runner, subsystems("slow", "after"), sink, Options{RunTimeout: 50 * time.Millisecond})

	start := time.Now()
	run, err := orch.Run(context.Background(), models.Plan{Name: "p", Phases: []models.Phase{
		{Name: "first", Systems: refs("slow"), Weight: 1},
		{Name: "second", Systems: refs("after"), Weight: 1},
	}})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("run timeout not honoured")
	}
	if run.OverallStatus != models.RunAborted || run.AbortReason != "run timeout exceeded" {
		t.Fatalf("expected timeout abort, got %s (%s)", run.OverallStatus, run.AbortReason)
	}
	if len(run.PhaseResults) != 1 {
		t.Fatalf("expected the interrupted phase to be kept, got %+v", run.PhaseResults)
	}
	if interrupted := run.PhaseResults[0].Results[0]; interrupted.TimedOut || !strings.HasPrefix(interrupted.Error, "cancelled:") {
		t.Fatalf("run timeout must read as cancellation, got %+v", interrupted)
	}
	sink.mu.Lock()
	forwarded := len(sink.sources)
	sink.mu.Unlock()
	if forwarded != 0 {
		t.Fatalf("interrupted members must not be analysed, got %d", forwarded)
	}
	if len(run.Errors) == 0 {
		t.Fatalf("expected the interruption in run errors")
	}
}

func TestPhaseRetriesUseRetryPolicy(t *testing.T) {
	runner := newFakeRunner()
	runner.script("e2e", failed(1, "locator timed out"), passed())
	orch := newTestOrchestrator(runner, subsystems("e2e"), nil, Options{
		Retry: retry.Policy{InitialInterval: time.Millisecond, Linear: true},
	})

	run, err := orch.Run(context.Background(), models.Plan{Name: "p", Phases: []models.Phase{
		{Name: "e2e", Systems: refs("e2e"), Weight: 1, Retries: 2},
	}})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	member := run.PhaseResults[0].Results[0]
	if member.Status != models.StatusSuccess || member.Attempts != 2 {
		t.Fatalf("expected success on attempt 2, got %+v", member)
	}
	if run.OverallStatus != models.RunSuccess {
		t.Fatalf("expected successful run, got %s", run.OverallStatus)
	}
}

func TestAnalyzeWarningsForwardsAnomalies(t *testing.T) {
	runner := newFakeRunner()
	runner.script("lighthouse", executor.Result{Success: true, Output: "audit complete\nFATAL ERROR: Reached heap limit Allocation failed\n"})
	sink := &fakeSink{}
	orch := newTestOrchestrator(runner, subsystems("lighthouse"), sink, Options{AnalyzeWarnings: true})

	run, err := orch.Run(context.Background(), models.Plan{Name: "p", Phases: []models.Phase{
		{Name: "quality", Systems: refs("lighthouse"), Weight: 1},
	}})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sink.sources) != 1 {
		t.Fatalf("expected the anomaly to be forwarded, got %v", sink.sources)
	}
	if len(run.Errors) != 0 {
		t.Fatalf("warnings must not be run errors, got %v", run.Errors)
	}
	if run.OverallStatus != models.RunSuccess {
		t.Fatalf("expected success, got %s", run.OverallStatus)
	}
}

func TestOverallScoreMatchesWeightedMean(t *testing.T) {
	cases := [][2]float64{{0.91, 0.2}, {0.37, 0.3}, {0.66, 0.25}, {1, 0.25}}
	phases := make([]models.PhaseResult, len(cases))
	var num, den float64
	for i, c := range cases {
		phases[i] = models.PhaseResult{Score: c[0], Weight: c[1]}
		num += c[0] * c[1]
		den += c[1]
	}
	if got := OverallScore(phases); math.Abs(got-num/den) > 1e-9 {
		t.Fatalf("OverallScore = %v, want %v", got, num/den)
	}
	if got := OverallScore([]models.PhaseResult{{Score: 0.4}, {Score: 0.8}}); math.Abs(got-0.6) > 1e-9 {
		t.Fatalf("zero weights should fall back to mean, got %v", got)
	}
	if got := OverallScore(nil); got != 0 {
		t.Fatalf("no executed phase should score 0, got %v", got)
	}
}

func TestPhaseScoreWeightedAggregation(t *testing.T) {
	phase := models.Phase{
		Aggregation: models.AggregationWeighted,
		Systems:     []models.SubsystemRef{{Name: "a", Weight: 3}, {Name: "b", Weight: 1}},
	}
	results := []models.SubsystemExecutionResult{{Subsystem: "a", Score: 1}, {Subsystem: "b", Score: 0}}
	if got := PhaseScore(phase, results); math.Abs(got-0.75) > 1e-9 {
		t.Fatalf("weighted phase score = %v, want 0.75", got)
	}
	phase.Aggregation = models.AggregationMean
	if got := PhaseScore(phase, results); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("mean phase score = %v, want 0.5", got)
	}
}

func TestHealthRequiresEightyPercent(t *testing.T) {
	runner := newFakeRunner()
	runner.script("e:version", failed(127, "not found"))
	subs := subsystems("a", "b", "c", "d", "e")
	e := subs["e"]
	e.VersionArgs = []string{"--version"}
	subs["e"] = e
	runner.script("a:version", executor.Result{Success: true, Output: "1.2.3\n"})

	orch := newTestOrchestrator(runner, subs, nil, Options{})
	report := orch.Health(context.Background())
	if report.Total != 5 || report.Healthy != 4 || !report.OK {
		t.Fatalf("4/5 healthy should pass, got %+v", report)
	}

	orch = newTestOrchestrator(runner, subs, nil, Options{
		LookPath: func(command []string) (string, error) {
			if command[0] == "tool-a" {
				return "", errors.New("not found")
			}
			return "/bin/" + command[0], nil
		},
	})
	report = orch.Health(context.Background())
	if report.Healthy != 3 || report.OK {
		t.Fatalf("3/5 healthy should fail, got %+v", report)
	}
}

func TestBuiltinPlansAreValid(t *testing.T) {
	subs := config.Default().Subsystems
	for name, plan := range BuiltinPlans() {
		if err := ValidatePlan(plan, subs); err != nil {
			t.Fatalf("builtin plan %s invalid: %v", name, err)
		}
	}
}

func TestLoadPlansOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	content := `plans:
  - name: quick
    phases:
      - name: unit
        systems: [{name: unit}]
        weight: 1
  - name: smoke
    phases:
      - name: e2e
        mode: parallel
        systems: [{name: e2e, weight: 2}]
        weight: 1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write plans: %v", err)
	}

	set, err := LoadPlans(path)
	if err != nil {
		t.Fatalf("LoadPlans: %v", err)
	}
	quick, err := set.Get("quick")
	if err != nil || len(quick.Phases) != 1 || quick.Phases[0].Mode != models.ModeSequential {
		t.Fatalf("quick should be overridden with default mode, got %+v (%v)", quick, err)
	}
	smoke, err := set.Get("smoke")
	if err != nil || smoke.Phases[0].Systems[0].Weight != 2 {
		t.Fatalf("smoke plan not loaded: %+v (%v)", smoke, err)
	}
	if _, err := set.Get("full"); err != nil {
		t.Fatalf("builtins should survive overlay: %v", err)
	}
	if _, err := set.Get("nope"); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}

	missing, err := LoadPlans(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || len(missing.Names()) != 4 {
		t.Fatalf("missing plans file should yield builtins, got %v (%v)", missing, err)
	}
}

func TestExamplePlansAreValid(t *testing.T) {
	set, err := LoadPlans(filepath.Join("..", "..", "configs", "plans.example.yaml"))
	if err != nil {
		t.Fatalf("LoadPlans: %v", err)
	}
	plan, err := set.Get("pre-merge")
	if err != nil {
		t.Fatalf("pre-merge missing: %v", err)
	}
	if err := ValidatePlan(plan, config.Default().Subsystems); err != nil {
		t.Fatalf("pre-merge invalid: %v", err)
	}
	if plan.Phases[1].Aggregation != models.AggregationWeighted || plan.Phases[0].Mode != models.ModeSequential {
		t.Fatalf("unexpected phases: %+v", plan.Phases)
	}
}
