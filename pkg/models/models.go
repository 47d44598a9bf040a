// Package models defines the shared data model for the agentloom
// orchestration engine: agent specifications, coordinator configurations,
// and the structured results each coordinator produces.
package models

import (
	"time"
)

// ── Defaults ─────────────────────────────────────────────────

const (
	// DefaultModel is used when an agent spec does not name a model.
	DefaultModel = "default"
	// DefaultTemperature is applied when an agent spec leaves it unset.
	DefaultTemperature = 0.7
	// DefaultMaxTokens caps generation when an agent spec leaves it unset.
	DefaultMaxTokens = 2000
	// DefaultTimeoutSecs is the per-call timeout for all coordinators.
	DefaultTimeoutSecs = 30
	// DefaultMaxRetries is the total attempt count for chain steps.
	DefaultMaxRetries = 3
	// DefaultMaxConcurrent bounds parallel fan-out.
	DefaultMaxConcurrent = 5
	// DefaultThreshold is the evaluation pass/fail cutoff.
	DefaultThreshold = 0.7
	// DefaultJudgeModel scores outputs when judge-based evaluation is on.
	DefaultJudgeModel = "gpt-4"
)

// Clamp01 bounds a score to [0.0, 1.0]. Every scoring path goes through it.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ── Agent Spec ───────────────────────────────────────────────

// AgentSpec describes one callable agent: the prompt shaping, the model
// parameters, and (for routing) the rules that make it a candidate.
// Specs are plain configuration data and are never mutated after a
// coordinator is constructed.
type AgentSpec struct {
	Name         string `json:"name" yaml:"name"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	// InputTemplate shapes the prompt with {{input}} and {{<context key>}}
	// slots. Empty means the raw input is sent as-is.
	InputTemplate string `json:"input_template,omitempty" yaml:"input_template,omitempty"`

	Model       string                 `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature *float64               `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	ExtraParams map[string]interface{} `json:"extra_params,omitempty" yaml:"extra_params,omitempty"`

	// OutputExtractor selects what a chain feeds into the next step:
	// the name of a registered extractor function, or a response field
	// to look up, falling back to the content text.
	OutputExtractor string `json:"output_extractor,omitempty" yaml:"output_extractor,omitempty"`

	// RoutingRules make this agent a candidate for rule-based and
	// adaptive routing. Evaluated in declaration order.
	RoutingRules []RoutingRule `json:"routing_rules,omitempty" yaml:"routing_rules,omitempty"`
}

// RoutingRule is one routing condition set. A rule may carry several
// condition kinds; they are checked pattern → keywords → context → length
// and the rule fires on the first one that matches.
type RoutingRule struct {
	// Pattern is a case-insensitive regular expression matched against
	// the raw input.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	// Keywords match case-insensitively as substrings of the input.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	// ContextKey/ContextValue match by equality against the call context.
	ContextKey   string      `json:"context_key,omitempty" yaml:"context_key,omitempty"`
	ContextValue interface{} `json:"context_value,omitempty" yaml:"context_value,omitempty"`
	// MinLength/MaxLength bound the input length inclusively. Both must
	// be set for the length condition to apply.
	MinLength *int `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int `json:"max_length,omitempty" yaml:"max_length,omitempty"`
}

// ── Completion Wire Types ────────────────────────────────────

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is the normalized result of one successful completion call.
type Completion struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Duration is the round-trip time of the winning attempt,
	// measured client-side.
	Duration time.Duration `json:"-"`
}

// ── Chain ────────────────────────────────────────────────────

// ChainConfig configures sequential execution of agents with
// output-to-input passing.
type ChainConfig struct {
	Agents []AgentSpec `json:"agents"`

	// MaxRetries is the total attempt count per step (default 3).
	MaxRetries  int `json:"max_retries,omitempty"`
	TimeoutSecs int `json:"timeout_secs,omitempty"`

	// PassFullContext merges each step's full result into the shared
	// context under the step name. Defaults to true.
	PassFullContext *bool `json:"pass_full_context,omitempty"`

	// StopOnError halts the chain at the first failing step instead of
	// continuing with a synthetic failure notice.
	StopOnError bool `json:"stop_on_error,omitempty"`
}

// PassContext reports whether step results flow into the shared context.
func (c ChainConfig) PassContext() bool {
	return c.PassFullContext == nil || *c.PassFullContext
}

// ChainStepResult records one step of a chain. The step log is
// append-only; later failures never rewrite earlier entries.
type ChainStepResult struct {
	Step      int                    `json:"step"`
	Name      string                 `json:"name"`
	Input     string                 `json:"input,omitempty"`
	Output    string                 `json:"output,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChainResult is the outcome of a full chain execution.
type ChainResult struct {
	// Success is true iff no step carries an error.
	Success bool              `json:"success"`
	Steps   []ChainStepResult `json:"steps"`

	// FinalOutput is the last successful step's output, or "" when no
	// step succeeded.
	FinalOutput string                 `json:"final_output"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// ── Parallel ─────────────────────────────────────────────────

// AggregationStrategy selects how parallel outcomes reduce to one result.
type AggregationStrategy string

const (
	AggregateFirst AggregationStrategy = "first" // first successful outcome
	AggregateAll   AggregationStrategy = "all"   // bundle of every success
	AggregateBest  AggregationStrategy = "best"  // scorer maximum (or longest)
	AggregateVote  AggregationStrategy = "vote"  // most common identical output
	AggregateMerge AggregationStrategy = "merge" // delimited concatenation
)

// ParallelConfig configures bounded-concurrency fan-out over agents.
type ParallelConfig struct {
	Agents      []AgentSpec         `json:"agents"`
	Aggregation AggregationStrategy `json:"aggregation,omitempty"`
	TimeoutSecs int                 `json:"timeout_secs,omitempty"`

	// MaxConcurrent bounds in-flight calls (default 5). Agents beyond
	// the bound queue until a slot frees.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// FailFast returns on the first successful outcome, cancelling the
	// losing branches.
	FailFast bool `json:"fail_fast,omitempty"`

	// Scorer names a registered scoring function for BEST aggregation.
	Scorer string `json:"scorer,omitempty"`
}

// ParallelOutcome records one agent's branch of a parallel execution.
type ParallelOutcome struct {
	Agent    string                 `json:"agent"`
	Success  bool                   `json:"success"`
	Output   string                 `json:"output,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Error    string                 `json:"error,omitempty"`
	// Duration in seconds; 0 for failed branches.
	Duration float64 `json:"duration"`
}

// Aggregate is the reduced value of a parallel execution. Which fields
// are populated depends on the strategy; a nil Aggregate means no branch
// succeeded.
type Aggregate struct {
	Strategy AggregationStrategy `json:"strategy"`

	// FIRST, BEST, VOTE, MERGE
	Output string `json:"output,omitempty"`

	// BEST with a scorer
	Agent string   `json:"agent,omitempty"`
	Score *float64 `json:"score,omitempty"`

	// ALL
	Outputs       []string `json:"outputs,omitempty"`
	Agents        []string `json:"agents,omitempty"`
	Count         int      `json:"count,omitempty"`
	TotalDuration float64  `json:"total_duration,omitempty"`

	// VOTE
	Votes      int `json:"votes,omitempty"`
	TotalVotes int `json:"total_votes,omitempty"`
}

// ParallelResult is the outcome of a full parallel execution.
type ParallelResult struct {
	// Success is true iff aggregation produced a non-nil result.
	Success    bool                `json:"success"`
	Strategy   AggregationStrategy `json:"strategy"`
	Results    []ParallelOutcome   `json:"results"`
	Aggregated *Aggregate          `json:"aggregated,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// ── Routing ──────────────────────────────────────────────────

// RoutingStrategy selects how the router picks one agent for an input.
type RoutingStrategy string

const (
	RouteRuleBased    RoutingStrategy = "rule_based"
	RouteSemantic     RoutingStrategy = "semantic" // defers to rule_based
	RouteLoadBalanced RoutingStrategy = "load_balanced"
	RouteAdaptive     RoutingStrategy = "adaptive"
)

// RouterConfig configures capability-based agent selection.
type RouterConfig struct {
	Agents   []AgentSpec     `json:"agents"`
	Strategy RoutingStrategy `json:"strategy,omitempty"`

	// DefaultAgent names the agent used when no rule matches. When
	// unset, the first agent in the list is the default.
	DefaultAgent string `json:"default_agent,omitempty"`
	TimeoutSecs  int    `json:"timeout_secs,omitempty"`

	// EnableFallback cascades through the remaining agents when the
	// selected one fails. Defaults to true.
	EnableFallback *bool `json:"enable_fallback,omitempty"`
}

// FallbackEnabled reports whether failed routes cascade to other agents.
func (c RouterConfig) FallbackEnabled() bool {
	return c.EnableFallback == nil || *c.EnableFallback
}

// RouteResult is the outcome of routing one input.
type RouteResult struct {
	Success  bool                   `json:"success"`
	Agent    string                 `json:"agent,omitempty"`
	Output   string                 `json:"output,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Strategy RoutingStrategy        `json:"routing_strategy,omitempty"`

	// UsedFallback marks a result produced by a fallback agent after
	// the selected agent failed.
	UsedFallback bool   `json:"used_fallback,omitempty"`
	FailedAgent  string `json:"failed_agent,omitempty"`

	// Error and Input are set on failure results.
	Error string `json:"error,omitempty"`
	Input string `json:"input,omitempty"`

	// Duration in seconds of the winning call.
	Duration float64 `json:"duration,omitempty"`
}

// PerformanceStats tracks rolling per-agent call statistics. Durations
// are in seconds and accumulate over successful calls only.
type PerformanceStats struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	TotalDuration      float64 `json:"total_duration"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDuration        float64 `json:"avg_duration"`
}

// Record folds one completed call into the stats and refreshes the
// derived rate and average.
func (s *PerformanceStats) Record(success bool, seconds float64) {
	s.TotalRequests++
	if success {
		s.SuccessfulRequests++
		s.TotalDuration += seconds
	} else {
		s.FailedRequests++
	}
	s.SuccessRate = float64(s.SuccessfulRequests) / float64(s.TotalRequests)
	if s.SuccessfulRequests > 0 {
		s.AvgDuration = s.TotalDuration / float64(s.SuccessfulRequests)
	}
}

// ── Evaluation ───────────────────────────────────────────────

// EvaluationMetric names one scoring dimension.
type EvaluationMetric string

const (
	MetricAccuracy     EvaluationMetric = "accuracy"
	MetricCompleteness EvaluationMetric = "completeness"
	MetricRelevance    EvaluationMetric = "relevance"
	MetricClarity      EvaluationMetric = "clarity"
	MetricCorrectness  EvaluationMetric = "correctness"
	MetricSafety       EvaluationMetric = "safety"
	MetricCustom       EvaluationMetric = "custom"
)

// EvaluatorConfig configures output quality scoring.
type EvaluatorConfig struct {
	Metrics []EvaluationMetric `json:"metrics"`

	// Threshold is the pass/fail cutoff for the overall score
	// (default 0.7). Pass is overall >= threshold.
	Threshold *float64 `json:"threshold,omitempty"`

	// UseJudge delegates non-custom metrics to a judge model instead of
	// heuristic rules. Defaults to true.
	UseJudge   *bool  `json:"use_llm_judge,omitempty"`
	JudgeModel string `json:"judge_model,omitempty"`

	TimeoutSecs int `json:"timeout_secs,omitempty"`
}

// JudgeEnabled reports whether non-custom metrics use the judge model.
func (c EvaluatorConfig) JudgeEnabled() bool {
	return c.UseJudge == nil || *c.UseJudge
}

// ThresholdOrDefault returns the configured pass cutoff.
func (c EvaluatorConfig) ThresholdOrDefault() float64 {
	if c.Threshold != nil {
		return *c.Threshold
	}
	return DefaultThreshold
}

// JudgeModelOrDefault returns the judge model name.
func (c EvaluatorConfig) JudgeModelOrDefault() string {
	if c.JudgeModel != "" {
		return c.JudgeModel
	}
	return DefaultJudgeModel
}

// EvaluationResult is the scored outcome of one output.
type EvaluationResult struct {
	Scores       map[string]float64 `json:"scores"`
	OverallScore float64            `json:"overall_score"`
	Passed       bool               `json:"passed"`
	Threshold    float64            `json:"threshold"`
	Timestamp    time.Time          `json:"timestamp"`
}

// CandidateOutput is one entry in a batch comparison.
type CandidateOutput struct {
	Agent    string `json:"agent,omitempty"`
	Output   string `json:"output"`
	Expected string `json:"expected,omitempty"`
}

// RankedEvaluation is an EvaluationResult annotated with its position in
// a comparison batch.
type RankedEvaluation struct {
	EvaluationResult
	Index int    `json:"index"`
	Agent string `json:"agent"`
}

// ComparisonResult ranks a batch of outputs by overall score, descending.
type ComparisonResult struct {
	Evaluations []RankedEvaluation `json:"evaluations"`
	Ranked      []RankedEvaluation `json:"ranked"`
	Best        *RankedEvaluation  `json:"best,omitempty"`
	Worst       *RankedEvaluation  `json:"worst,omitempty"`
}

// ── Runs ─────────────────────────────────────────────────────

// RunKind tags which coordinator produced a run record.
type RunKind string

const (
	RunChain      RunKind = "chain"
	RunParallel   RunKind = "parallel"
	RunRoute      RunKind = "route"
	RunEvaluation RunKind = "evaluation"
)

// Run is one recorded coordinator execution. Exactly one of the result
// fields is set, matching Kind.
type Run struct {
	ID        string    `json:"id"`
	Kind      RunKind   `json:"kind"`
	Success   bool      `json:"success"`
	Input     string    `json:"input,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Chain      *ChainResult      `json:"chain,omitempty"`
	Parallel   *ParallelResult   `json:"parallel,omitempty"`
	Route      *RouteResult      `json:"route,omitempty"`
	Evaluation *EvaluationResult `json:"evaluation,omitempty"`
	Comparison *ComparisonResult `json:"comparison,omitempty"`
}
