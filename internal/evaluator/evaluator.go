// Package evaluator scores produced outputs against a set of metrics,
// either with fast heuristic rules or by delegating to a judge model,
// and reports pass/fail against a threshold.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/invoke"
	"github.com/agentloom/agentloom/pkg/models"
)

// judgeSystemPrompt primes the judge model to answer with a bare score.
const judgeSystemPrompt = "You are an expert evaluator. Rate the output on a scale of 0.0 to 1.0. Respond with only the numeric score."

// scoreRegex pulls the first number out of a judge reply.
var scoreRegex = regexp.MustCompile(`(\d+\.?\d*)`)

// CustomFunc scores one output. Errors are logged and scored 0.0;
// results are clamped to [0, 1].
type CustomFunc func(output, expected string, callCtx map[string]interface{}) (float64, error)

// Evaluator scores outputs. The judge model is only consulted for
// non-custom metrics when judge-based evaluation is enabled.
type Evaluator struct {
	cfg    models.EvaluatorConfig
	caller invoke.Caller
	custom map[string]CustomFunc
	judge  models.AgentSpec
}

// New builds an Evaluator that owns its completion client. Judge calls
// get a single attempt; a failed judge call scores a neutral 0.5.
func New(cfg models.EvaluatorConfig, comp config.CompletionConfig) (*Evaluator, error) {
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

// NewWithCaller builds an Evaluator on an existing completion caller and
// takes ownership of it.
func NewWithCaller(cfg models.EvaluatorConfig, caller invoke.Caller) (*Evaluator, error) {
	for _, m := range cfg.Metrics {
		switch m {
		case models.MetricAccuracy, models.MetricCompleteness, models.MetricRelevance,
			models.MetricClarity, models.MetricCorrectness, models.MetricSafety, models.MetricCustom:
		default:
			return nil, fmt.Errorf("unknown evaluation metric %q", m)
		}
	}

	judgeTemp := 0.1
	return &Evaluator{
		cfg:    cfg,
		caller: caller,
		custom: make(map[string]CustomFunc),
		judge: models.AgentSpec{
			Name:         "judge",
			SystemPrompt: judgeSystemPrompt,
			Model:        cfg.JudgeModelOrDefault(),
			Temperature:  &judgeTemp,
			MaxTokens:    10,
		},
	}, nil
}

// RegisterCustom makes fn run under name whenever the metric list
// includes the custom metric.
func (e *Evaluator) RegisterCustom(name string, fn CustomFunc) {
	e.custom[name] = fn
}

// RegisterExpr compiles src as a scoring expression and registers it as
// a custom evaluator. The expression sees the variables output,
// expected, and context, and must produce a number.
func (e *Evaluator) RegisterExpr(name, src string) error {
	program, err := expr.Compile(src, expr.AsFloat64())
	if err != nil {
		return fmt.Errorf("compile scoring expression %q: %w", name, err)
	}
	e.custom[name] = func(output, expected string, callCtx map[string]interface{}) (float64, error) {
		result, err := expr.Run(program, map[string]interface{}{
			"output":   output,
			"expected": expected,
			"context":  callCtx,
		})
		if err != nil {
			return 0, err
		}
		score, ok := result.(float64)
		if !ok {
			return 0, fmt.Errorf("scoring expression %q returned %T, want a number", name, result)
		}
		return score, nil
	}
	return nil
}

// Close releases the evaluator's completion client.
func (e *Evaluator) Close() {
	e.caller.Close()
}

// Evaluate scores output against every configured metric. The custom
// metric fans out to every registered custom evaluator, keyed by the
// evaluator's name. Passed reports overall >= threshold.
func (e *Evaluator) Evaluate(ctx context.Context, output, expected string, callCtx map[string]interface{}) *models.EvaluationResult {
	scores := make(map[string]float64)

	for _, metric := range e.cfg.Metrics {
		switch {
		case metric == models.MetricCustom:
			for name, fn := range e.custom {
				score, err := fn(output, expected, callCtx)
				if err != nil {
					log.Warn().Str("evaluator", name).Err(err).Msg("Custom evaluator failed")
					score = 0
				}
				scores[name] = models.Clamp01(score)
			}
		case e.cfg.JudgeEnabled():
			scores[string(metric)] = e.judgeScore(ctx, output, expected, metric, callCtx)
		default:
			scores[string(metric)] = heuristicScore(output, expected, metric)
		}
	}

	overall := 0.0
	if len(scores) > 0 {
		for _, s := range scores {
			overall += s
		}
		overall /= float64(len(scores))
	}

	threshold := e.cfg.ThresholdOrDefault()
	return &models.EvaluationResult{
		Scores:       scores,
		OverallScore: overall,
		Passed:       overall >= threshold,
		Threshold:    threshold,
		Timestamp:    time.Now().UTC(),
	}
}

// Compare evaluates a batch of candidate outputs and ranks them by
// overall score, descending. Equal scores keep their input order.
func (e *Evaluator) Compare(ctx context.Context, candidates []models.CandidateOutput, callCtx map[string]interface{}) *models.ComparisonResult {
	evaluations := make([]models.RankedEvaluation, 0, len(candidates))
	for i, item := range candidates {
		res := e.Evaluate(ctx, item.Output, item.Expected, callCtx)
		agent := item.Agent
		if agent == "" {
			agent = "unknown"
		}
		evaluations = append(evaluations, models.RankedEvaluation{
			EvaluationResult: *res,
			Index:            i,
			Agent:            agent,
		})
	}

	ranked := make([]models.RankedEvaluation, len(evaluations))
	copy(ranked, evaluations)
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].OverallScore > ranked[b].OverallScore
	})

	result := &models.ComparisonResult{Evaluations: evaluations, Ranked: ranked}
	if len(ranked) > 0 {
		best, worst := ranked[0], ranked[len(ranked)-1]
		result.Best, result.Worst = &best, &worst
	}
	return result
}

// ─── Judge scoring ───────────────────────────────────────────

func (e *Evaluator) judgeScore(ctx context.Context, output, expected string, metric models.EvaluationMetric, callCtx map[string]interface{}) float64 {
	comp, err := e.caller.Complete(ctx, e.judge, buildJudgePrompt(output, expected, metric, callCtx))
	if err != nil {
		log.Warn().Str("metric", string(metric)).Err(err).Msg("Judge call failed, using neutral score")
		return 0.5
	}
	return parseJudgeScore(comp.Content)
}

func buildJudgePrompt(output, expected string, metric models.EvaluationMetric, callCtx map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluate the following output for %s:\n\n", metric)
	fmt.Fprintf(&b, "Output:\n%s\n\n", output)
	if expected != "" {
		fmt.Fprintf(&b, "Expected:\n%s\n\n", expected)
	}
	if len(callCtx) > 0 {
		if ctxJSON, err := json.Marshal(callCtx); err == nil {
			fmt.Fprintf(&b, "Context:\n%s\n\n", ctxJSON)
		}
	}

	switch metric {
	case models.MetricAccuracy:
		b.WriteString("Rate how accurate and factually correct the output is (0.0-1.0):")
	case models.MetricCompleteness:
		b.WriteString("Rate how complete and comprehensive the output is (0.0-1.0):")
	case models.MetricRelevance:
		b.WriteString("Rate how relevant the output is to the request (0.0-1.0):")
	case models.MetricClarity:
		b.WriteString("Rate how clear and well-structured the output is (0.0-1.0):")
	case models.MetricCorrectness:
		b.WriteString("Rate the correctness of the output (0.0-1.0):")
	case models.MetricSafety:
		b.WriteString("Rate how safe and appropriate the output is (0.0-1.0):")
	}
	return b.String()
}

// parseJudgeScore extracts the first number from the judge's reply,
// clamped to [0, 1]. Unparseable replies score a neutral 0.5.
func parseJudgeScore(reply string) float64 {
	m := scoreRegex.FindStringSubmatch(reply)
	if m == nil {
		return 0.5
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0.5
	}
	return models.Clamp01(score)
}

// ─── Heuristic scoring ───────────────────────────────────────

// heuristicScore rates output without a model call. Metrics with no
// heuristic rule score a neutral 0.5.
func heuristicScore(output, expected string, metric models.EvaluationMetric) float64 {
	switch metric {
	case models.MetricCompleteness:
		score := 0.0
		if len(output) > 50 {
			score += 0.3
		}
		if len(output) > 200 {
			score += 0.3
		}
		if strings.Count(output, "\n") > 2 {
			score += 0.2
		}
		for _, marker := range []string{"1.", "2.", "-", "*"} {
			if strings.Contains(output, marker) {
				score += 0.2
				break
			}
		}
		return models.Clamp01(score)

	case models.MetricClarity:
		score := 0.5
		if len(strings.Fields(output)) > 10 {
			score += 0.2
		}
		if strings.Count(output, ".") > 1 {
			score += 0.1
		}
		muddled := false
		for _, marker := range []string{"???", "...", "unclear"} {
			if strings.Contains(output, marker) {
				muddled = true
				break
			}
		}
		if !muddled {
			score += 0.2
		}
		return models.Clamp01(score)

	case models.MetricAccuracy:
		if expected == "" {
			return 0.5
		}
		expectedWords := tokenSet(expected)
		if len(expectedWords) == 0 {
			return 0.5
		}
		outputWords := tokenSet(output)
		overlap := 0
		for w := range expectedWords {
			if outputWords[w] {
				overlap++
			}
		}
		return models.Clamp01(float64(overlap) / float64(len(expectedWords)))
	}
	return 0.5
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}
