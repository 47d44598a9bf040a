// Package parallel fans one input out to several agents under a bounded
// concurrency gate and reduces the outcomes with a selectable
// aggregation strategy.
package parallel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/invoke"
	"github.com/agentloom/agentloom/internal/prompt"
	"github.com/agentloom/agentloom/pkg/models"
)

// ScorerFunc rates one output for BEST aggregation. Results are clamped
// to [0, 1].
type ScorerFunc func(output string) float64

// Executor runs one configured parallel fan-out.
type Executor struct {
	cfg     models.ParallelConfig
	caller  invoke.Caller
	scorers map[string]ScorerFunc
}

// New builds an Executor that owns its completion client. Parallel
// branches get a single attempt each; there is no per-branch retry.
func New(cfg models.ParallelConfig, comp config.CompletionConfig) (*Executor, error) {
	timeout := cfg.TimeoutSecs
	if timeout <= 0 {
		timeout = comp.TimeoutSecs
	}
	if timeout <= 0 {
		timeout = models.DefaultTimeoutSecs
	}
	client := invoke.NewClient(invoke.Config{
		Endpoint:        comp.Endpoint,
		APIKey:          comp.APIKey,
		Timeout:         time.Duration(timeout) * time.Second,
		MaxRetries:      1,
		BreakerFailures: comp.BreakerFailures,
	})
	e, err := NewWithCaller(cfg, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return e, nil
}

// NewWithCaller builds an Executor on an existing completion caller and
// takes ownership of it.
func NewWithCaller(cfg models.ParallelConfig, caller invoke.Caller) (*Executor, error) {
	if cfg.Aggregation == "" {
		cfg.Aggregation = models.AggregateAll
	}
	switch cfg.Aggregation {
	case models.AggregateFirst, models.AggregateAll, models.AggregateBest,
		models.AggregateVote, models.AggregateMerge:
	default:
		return nil, fmt.Errorf("unknown aggregation strategy %q", cfg.Aggregation)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = models.DefaultMaxConcurrent
	}
	return &Executor{
		cfg:     cfg,
		caller:  caller,
		scorers: make(map[string]ScorerFunc),
	}, nil
}

// RegisterScorer makes fn available under name for BEST aggregation.
func (e *Executor) RegisterScorer(name string, fn ScorerFunc) {
	e.scorers[name] = fn
}

// Close releases the executor's completion client.
func (e *Executor) Close() {
	e.caller.Close()
}

// Execute fans input out to every configured agent. Branch failures land
// in the outcome list; Success reports whether aggregation produced a
// result.
func (e *Executor) Execute(ctx context.Context, input string, callCtx map[string]interface{}) *models.ParallelResult {
	var outcomes []models.ParallelOutcome
	if e.cfg.FailFast {
		outcomes = e.runFailFast(ctx, input, callCtx)
	} else {
		outcomes = e.runAll(ctx, input, callCtx)
	}

	agg := e.aggregate(outcomes)
	return &models.ParallelResult{
		Success:    agg != nil,
		Strategy:   e.cfg.Aggregation,
		Results:    outcomes,
		Aggregated: agg,
		Timestamp:  time.Now().UTC(),
	}
}

// runAll launches every agent and waits for every outcome. Outcomes are
// collected in agent list order regardless of completion order.
func (e *Executor) runAll(ctx context.Context, input string, callCtx map[string]interface{}) []models.ParallelOutcome {
	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrent))
	outcomes := make([]models.ParallelOutcome, len(e.cfg.Agents))

	var wg sync.WaitGroup
	for i, agent := range e.cfg.Agents {
		i, agent := i, agent
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = failureOutcome(agent, err)
				return
			}
			defer sem.Release(1)
			outcomes[i] = e.callAgent(ctx, agent, input, callCtx)
		}()
	}
	wg.Wait()
	return outcomes
}

// runFailFast launches every agent and returns the first successful
// outcome alone, cancelling the losing branches. Failures are skipped
// while waiting; when every branch fails the outcome list is empty.
func (e *Executor) runFailFast(ctx context.Context, input string, callCtx map[string]interface{}) []models.ParallelOutcome {
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrent))
	results := make(chan models.ParallelOutcome, len(e.cfg.Agents))
	for _, agent := range e.cfg.Agents {
		agent := agent
		go func() {
			if err := sem.Acquire(branchCtx, 1); err != nil {
				results <- failureOutcome(agent, err)
				return
			}
			defer sem.Release(1)
			results <- e.callAgent(branchCtx, agent, input, callCtx)
		}()
	}

	for range e.cfg.Agents {
		outcome := <-results
		if outcome.Success {
			return []models.ParallelOutcome{outcome}
		}
	}
	return []models.ParallelOutcome{}
}

func (e *Executor) callAgent(ctx context.Context, agent models.AgentSpec, input string, callCtx map[string]interface{}) models.ParallelOutcome {
	name := agent.Name
	if name == "" {
		name = "unnamed"
	}

	promptText := input
	if agent.InputTemplate != "" {
		vars := make(map[string]interface{}, len(callCtx)+1)
		for k, v := range callCtx {
			vars[k] = v
		}
		vars["input"] = input
		rendered, err := prompt.Render(agent.InputTemplate, vars)
		if err != nil {
			return models.ParallelOutcome{Agent: name, Error: err.Error()}
		}
		promptText = rendered
	}

	comp, err := e.caller.Complete(ctx, agent, promptText)
	if err != nil {
		log.Warn().Str("agent", name).Err(err).Msg("Parallel branch failed")
		return models.ParallelOutcome{Agent: name, Error: err.Error()}
	}
	return models.ParallelOutcome{
		Agent:    name,
		Success:  true,
		Output:   comp.Content,
		Metadata: comp.Metadata,
		Duration: comp.Duration.Seconds(),
	}
}

func failureOutcome(agent models.AgentSpec, err error) models.ParallelOutcome {
	name := agent.Name
	if name == "" {
		name = "unnamed"
	}
	return models.ParallelOutcome{Agent: name, Error: err.Error()}
}

// aggregate reduces the successful outcomes per the configured strategy.
// A nil return means no branch succeeded.
func (e *Executor) aggregate(outcomes []models.ParallelOutcome) *models.Aggregate {
	var successful []models.ParallelOutcome
	for _, o := range outcomes {
		if o.Success {
			successful = append(successful, o)
		}
	}
	if len(successful) == 0 {
		return nil
	}

	agg := &models.Aggregate{Strategy: e.cfg.Aggregation}
	switch e.cfg.Aggregation {
	case models.AggregateFirst:
		agg.Output = successful[0].Output

	case models.AggregateAll:
		for _, o := range successful {
			agg.Outputs = append(agg.Outputs, o.Output)
			agg.Agents = append(agg.Agents, o.Agent)
			agg.TotalDuration += o.Duration
		}
		agg.Count = len(successful)

	case models.AggregateBest:
		if fn, ok := e.scorers[e.cfg.Scorer]; ok {
			best := successful[0]
			bestScore := models.Clamp01(fn(best.Output))
			for _, o := range successful[1:] {
				if s := models.Clamp01(fn(o.Output)); s > bestScore {
					best, bestScore = o, s
				}
			}
			agg.Output = best.Output
			agg.Agent = best.Agent
			agg.Score = &bestScore
		} else {
			if e.cfg.Scorer != "" {
				log.Warn().Str("scorer", e.cfg.Scorer).Msg("Scorer not registered, selecting longest output")
			}
			best := successful[0]
			for _, o := range successful[1:] {
				if len(o.Output) > len(best.Output) {
					best = o
				}
			}
			agg.Output = best.Output
		}

	case models.AggregateVote:
		counts := make(map[string]int)
		var order []string
		for _, o := range successful {
			if counts[o.Output] == 0 {
				order = append(order, o.Output)
			}
			counts[o.Output]++
		}
		// Ties go to the first-encountered output.
		winner := order[0]
		for _, out := range order[1:] {
			if counts[out] > counts[winner] {
				winner = out
			}
		}
		agg.Output = winner
		agg.Votes = counts[winner]
		agg.TotalVotes = len(successful)

	case models.AggregateMerge:
		segments := make([]string, 0, len(successful))
		for _, o := range successful {
			segments = append(segments, fmt.Sprintf("Agent: %s\n%s", o.Agent, o.Output))
		}
		agg.Output = strings.Join(segments, "\n\n---\n\n")
	}
	return agg
}
