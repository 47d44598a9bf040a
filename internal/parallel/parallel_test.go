package parallel_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentloom/agentloom/internal/parallel"
	"github.com/agentloom/agentloom/pkg/models"
)

// fakeCaller scripts per-agent completions with optional latency and
// tracks the peak number of in-flight calls.
type fakeCaller struct {
	mu          sync.Mutex
	replies     map[string]*models.Completion
	errs        map[string]error
	delays      map[string]time.Duration
	inFlight    int
	maxInFlight int
	closed      bool
}

func (f *fakeCaller) Complete(ctx context.Context, spec models.AgentSpec, _ string) (*models.Completion, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if d := f.delays[spec.Name]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.errs[spec.Name]; ok {
		return nil, err
	}
	if c, ok := f.replies[spec.Name]; ok {
		return c, nil
	}
	return &models.Completion{Content: "out-" + spec.Name}, nil
}

func (f *fakeCaller) Close() { f.closed = true }

func specs(names ...string) []models.AgentSpec {
	out := make([]models.AgentSpec, 0, len(names))
	for _, n := range names {
		out = append(out, models.AgentSpec{Name: n})
	}
	return out
}

func newExecutor(t *testing.T, cfg models.ParallelConfig, f *fakeCaller) *parallel.Executor {
	t.Helper()
	e, err := parallel.NewWithCaller(cfg, f)
	if err != nil {
		t.Fatalf("NewWithCaller() error = %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

// ─── Aggregation ─────────────────────────────────────────────

func TestExecute_AllAggregation(t *testing.T) {
	f := &fakeCaller{replies: map[string]*models.Completion{
		"a": {Content: "A", Duration: 1 * time.Second},
		"b": {Content: "B", Duration: 2 * time.Second},
		"c": {Content: "C", Duration: 3 * time.Second},
	}}
	e := newExecutor(t, models.ParallelConfig{Agents: specs("a", "b", "c")}, f)

	got := e.Execute(context.Background(), "in", nil)

	if !got.Success {
		t.Error("Success = false, want true")
	}
	if got.Strategy != models.AggregateAll {
		t.Errorf("Strategy = %q, want default %q", got.Strategy, models.AggregateAll)
	}
	// Outcomes collect in agent list order regardless of completion order.
	for i, name := range []string{"a", "b", "c"} {
		if got.Results[i].Agent != name {
			t.Errorf("Results[%d].Agent = %q, want %q", i, got.Results[i].Agent, name)
		}
	}
	agg := got.Aggregated
	if agg == nil {
		t.Fatal("Aggregated = nil, want ALL bundle")
	}
	if agg.Count != 3 || len(agg.Outputs) != 3 || len(agg.Agents) != 3 {
		t.Errorf("Aggregated = %+v, want 3 outputs and agents", agg)
	}
	if agg.TotalDuration != 6 {
		t.Errorf("TotalDuration = %v, want 6", agg.TotalDuration)
	}
}

func TestExecute_VoteMajority(t *testing.T) {
	f := &fakeCaller{replies: map[string]*models.Completion{
		"a1": {Content: "A"},
		"a2": {Content: "B"},
		"a3": {Content: "A"},
	}}
	cfg := models.ParallelConfig{Agents: specs("a1", "a2", "a3"), Aggregation: models.AggregateVote}
	e := newExecutor(t, cfg, f)

	got := e.Execute(context.Background(), "in", nil)

	agg := got.Aggregated
	if agg == nil {
		t.Fatal("Aggregated = nil")
	}
	if agg.Output != "A" {
		t.Errorf("Output = %q, want %q", agg.Output, "A")
	}
	if agg.Votes != 2 || agg.TotalVotes != 3 {
		t.Errorf("Votes = %d/%d, want 2/3", agg.Votes, agg.TotalVotes)
	}
}

func TestExecute_VoteTieKeepsFirst(t *testing.T) {
	f := &fakeCaller{replies: map[string]*models.Completion{
		"a1": {Content: "X"},
		"a2": {Content: "Y"},
	}}
	cfg := models.ParallelConfig{Agents: specs("a1", "a2"), Aggregation: models.AggregateVote}
	e := newExecutor(t, cfg, f)

	got := e.Execute(context.Background(), "in", nil)
	if got.Aggregated.Output != "X" {
		t.Errorf("Output = %q, want first-encountered %q on a tie", got.Aggregated.Output, "X")
	}
}

func TestExecute_Merge(t *testing.T) {
	f := &fakeCaller{replies: map[string]*models.Completion{
		"x": {Content: "foo"},
		"y": {Content: "bar"},
	}}
	cfg := models.ParallelConfig{Agents: specs("x", "y"), Aggregation: models.AggregateMerge}
	e := newExecutor(t, cfg, f)

	got := e.Execute(context.Background(), "in", nil)

	want := "Agent: x\nfoo\n\n---\n\nAgent: y\nbar"
	if got.Aggregated.Output != want {
		t.Errorf("Output = %q, want %q", got.Aggregated.Output, want)
	}
}

func TestExecute_BestWithScorer(t *testing.T) {
	f := &fakeCaller{replies: map[string]*models.Completion{
		"short": {Content: "aa"},
		"long":  {Content: "aaaa"},
	}}
	cfg := models.ParallelConfig{
		Agents:      specs("short", "long"),
		Aggregation: models.AggregateBest,
		Scorer:      "length",
	}
	e := newExecutor(t, cfg, f)
	e.RegisterScorer("length", func(out string) float64 { return float64(len(out)) / 10 })

	got := e.Execute(context.Background(), "in", nil)

	agg := got.Aggregated
	if agg.Output != "aaaa" || agg.Agent != "long" {
		t.Errorf("best = %q from %q, want %q from %q", agg.Output, agg.Agent, "aaaa", "long")
	}
	if agg.Score == nil || *agg.Score != 0.4 {
		t.Errorf("Score = %v, want 0.4", agg.Score)
	}
}

func TestExecute_BestScorerClamped(t *testing.T) {
	f := &fakeCaller{replies: map[string]*models.Completion{"a": {Content: "x"}}}
	cfg := models.ParallelConfig{Agents: specs("a"), Aggregation: models.AggregateBest, Scorer: "wild"}
	e := newExecutor(t, cfg, f)
	e.RegisterScorer("wild", func(string) float64 { return 7.5 })

	got := e.Execute(context.Background(), "in", nil)
	if got.Aggregated.Score == nil || *got.Aggregated.Score != 1.0 {
		t.Errorf("Score = %v, want clamped 1.0", got.Aggregated.Score)
	}
}

func TestExecute_BestWithoutScorerPicksLongest(t *testing.T) {
	f := &fakeCaller{replies: map[string]*models.Completion{
		"a": {Content: "tiny"},
		"b": {Content: "much longer output"},
	}}
	cfg := models.ParallelConfig{Agents: specs("a", "b"), Aggregation: models.AggregateBest}
	e := newExecutor(t, cfg, f)

	got := e.Execute(context.Background(), "in", nil)

	agg := got.Aggregated
	if agg.Output != "much longer output" {
		t.Errorf("Output = %q, want longest", agg.Output)
	}
	if agg.Agent != "" || agg.Score != nil {
		t.Errorf("Aggregated = %+v, want plain output with no agent or score", agg)
	}
}

func TestExecute_FirstSkipsFailures(t *testing.T) {
	f := &fakeCaller{
		errs:    map[string]error{"bad": errors.New("down")},
		replies: map[string]*models.Completion{"good": {Content: "B"}},
	}
	cfg := models.ParallelConfig{Agents: specs("bad", "good"), Aggregation: models.AggregateFirst}
	e := newExecutor(t, cfg, f)

	got := e.Execute(context.Background(), "in", nil)
	if got.Aggregated == nil || got.Aggregated.Output != "B" {
		t.Errorf("Aggregated = %+v, want first successful output %q", got.Aggregated, "B")
	}
}

// ─── Failures ────────────────────────────────────────────────

func TestExecute_AllBranchesFail(t *testing.T) {
	f := &fakeCaller{errs: map[string]error{
		"a": errors.New("e1"),
		"b": errors.New("e2"),
	}}
	e := newExecutor(t, models.ParallelConfig{Agents: specs("a", "b")}, f)

	got := e.Execute(context.Background(), "in", nil)

	if got.Success {
		t.Error("Success = true, want false")
	}
	if got.Aggregated != nil {
		t.Errorf("Aggregated = %+v, want nil", got.Aggregated)
	}
	if len(got.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2", len(got.Results))
	}
	for i, r := range got.Results {
		if r.Success || r.Error == "" {
			t.Errorf("Results[%d] = %+v, want failure outcome", i, r)
		}
		if r.Duration != 0 {
			t.Errorf("Results[%d].Duration = %v, want 0 for failures", i, r.Duration)
		}
	}
}

func TestExecute_TemplateFailureBecomesBranchFailure(t *testing.T) {
	f := &fakeCaller{}
	cfg := models.ParallelConfig{Agents: []models.AgentSpec{
		{Name: "t", InputTemplate: "needs {{nothing}}"},
		{Name: "ok"},
	}}
	e := newExecutor(t, cfg, f)

	got := e.Execute(context.Background(), "in", nil)

	if got.Results[0].Success || !strings.Contains(got.Results[0].Error, "nothing") {
		t.Errorf("Results[0] = %+v, want template failure", got.Results[0])
	}
	if !got.Results[1].Success {
		t.Errorf("Results[1] = %+v, want success", got.Results[1])
	}
}

func TestExecute_UnnamedAgent(t *testing.T) {
	f := &fakeCaller{}
	e := newExecutor(t, models.ParallelConfig{Agents: []models.AgentSpec{{}}}, f)

	got := e.Execute(context.Background(), "in", nil)
	if got.Results[0].Agent != "unnamed" {
		t.Errorf("Agent = %q, want %q", got.Results[0].Agent, "unnamed")
	}
}

// ─── Concurrency ─────────────────────────────────────────────

func TestExecute_BoundsConcurrency(t *testing.T) {
	f := &fakeCaller{delays: map[string]time.Duration{
		"a": 30 * time.Millisecond,
		"b": 30 * time.Millisecond,
		"c": 30 * time.Millisecond,
		"d": 30 * time.Millisecond,
		"e": 30 * time.Millisecond,
	}}
	cfg := models.ParallelConfig{Agents: specs("a", "b", "c", "d", "e"), MaxConcurrent: 2}
	e := newExecutor(t, cfg, f)

	got := e.Execute(context.Background(), "in", nil)

	if !got.Success {
		t.Error("Success = false, want true")
	}
	if f.maxInFlight > 2 {
		t.Errorf("peak in-flight calls = %d, want <= 2", f.maxInFlight)
	}
}

func TestExecute_FailFastReturnsWinnerOnly(t *testing.T) {
	f := &fakeCaller{
		errs: map[string]error{"quick-fail": errors.New("down")},
		delays: map[string]time.Duration{
			"winner":    20 * time.Millisecond,
			"straggler": 2 * time.Second,
		},
		replies: map[string]*models.Completion{
			"winner":    {Content: "W"},
			"straggler": {Content: "ignored"},
		},
	}
	cfg := models.ParallelConfig{
		Agents:      specs("quick-fail", "winner", "straggler"),
		Aggregation: models.AggregateFirst,
		FailFast:    true,
	}
	e := newExecutor(t, cfg, f)

	start := time.Now()
	got := e.Execute(context.Background(), "in", nil)
	elapsed := time.Since(start)

	if len(got.Results) != 1 || got.Results[0].Agent != "winner" {
		t.Fatalf("Results = %+v, want the single winning outcome", got.Results)
	}
	if got.Aggregated == nil || got.Aggregated.Output != "W" {
		t.Errorf("Aggregated = %+v, want winner output", got.Aggregated)
	}
	if elapsed > time.Second {
		t.Errorf("Execute took %v, want return before the straggler finishes", elapsed)
	}
}

func TestExecute_FailFastAllFail(t *testing.T) {
	f := &fakeCaller{errs: map[string]error{
		"a": errors.New("e1"),
		"b": errors.New("e2"),
	}}
	cfg := models.ParallelConfig{Agents: specs("a", "b"), FailFast: true}
	e := newExecutor(t, cfg, f)

	got := e.Execute(context.Background(), "in", nil)

	if got.Success {
		t.Error("Success = true, want false")
	}
	if len(got.Results) != 0 {
		t.Errorf("len(Results) = %d, want 0 in fail-fast mode", len(got.Results))
	}
}

// ─── Validation ──────────────────────────────────────────────

func TestNewWithCaller_UnknownAggregation(t *testing.T) {
	_, err := parallel.NewWithCaller(models.ParallelConfig{Aggregation: "average"}, &fakeCaller{})
	if err == nil {
		t.Fatal("NewWithCaller() error = nil, want unknown strategy error")
	}
	if !strings.Contains(err.Error(), "average") {
		t.Errorf("error = %q, want it to name the bad strategy", err)
	}
}
