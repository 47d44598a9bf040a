// Package router selects one agent to handle each input.
//
// The router picks an agent based on the configured strategy (rule-based,
// semantic, load-balanced, adaptive), sends the request, tracks rolling
// per-agent performance statistics, and cascades to fallback agents when
// the selected one fails.
package router

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/invoke"
	"github.com/agentloom/agentloom/pkg/models"
)

// compiledRule pairs a routing rule with its pre-compiled pattern.
type compiledRule struct {
	rule    models.RoutingRule
	pattern *regexp.Regexp // nil when the rule has no pattern
}

// Router routes inputs to agents. Safe for concurrent Route calls.
type Router struct {
	cfg    models.RouterConfig
	caller invoke.Caller

	// rules[i] holds agent i's compiled routing rules.
	rules [][]compiledRule

	// Rolling per-agent stats: agent name → stats
	mu    sync.RWMutex
	stats map[string]*models.PerformanceStats
}

// New builds a Router that owns its completion client. Routed calls get a
// single attempt each; recovery comes from the fallback cascade.
func New(cfg models.RouterConfig, comp config.CompletionConfig) (*Router, error) {
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
	r, err := NewWithCaller(cfg, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

// NewWithCaller builds a Router on an existing completion caller and
// takes ownership of it. Routing patterns are compiled here; an invalid
// pattern or strategy is a construction error.
func NewWithCaller(cfg models.RouterConfig, caller invoke.Caller) (*Router, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = models.RouteRuleBased
	}
	switch cfg.Strategy {
	case models.RouteRuleBased, models.RouteSemantic, models.RouteLoadBalanced, models.RouteAdaptive:
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", cfg.Strategy)
	}

	rules := make([][]compiledRule, len(cfg.Agents))
	for i, agent := range cfg.Agents {
		for _, rule := range agent.RoutingRules {
			cr := compiledRule{rule: rule}
			if rule.Pattern != "" {
				re, err := regexp.Compile("(?i)" + rule.Pattern)
				if err != nil {
					return nil, fmt.Errorf("agent %q: invalid routing pattern %q: %w", agent.Name, rule.Pattern, err)
				}
				cr.pattern = re
			}
			rules[i] = append(rules[i], cr)
		}
	}

	return &Router{
		cfg:    cfg,
		caller: caller,
		rules:  rules,
		stats:  make(map[string]*models.PerformanceStats),
	}, nil
}

// Close releases the router's completion client.
func (r *Router) Close() {
	r.caller.Close()
}

// Route selects an agent for input, calls it, and falls back to the
// remaining agents when the call fails and fallback is enabled. Failures
// surface in the result record; Route itself never fails.
func (r *Router) Route(ctx context.Context, input string, callCtx map[string]interface{}) *models.RouteResult {
	idx := r.selectAgent(input, callCtx)
	if idx < 0 {
		return &models.RouteResult{
			Success: false,
			Error:   "No suitable agent found",
			Input:   input,
		}
	}
	primary := r.cfg.Agents[idx]

	comp, err := r.caller.Complete(ctx, primary, input)
	if err == nil {
		seconds := comp.Duration.Seconds()
		r.record(primary.Name, true, seconds)
		return &models.RouteResult{
			Success:  true,
			Agent:    primary.Name,
			Output:   comp.Content,
			Metadata: comp.Metadata,
			Strategy: r.cfg.Strategy,
			Duration: seconds,
		}
	}

	r.record(primary.Name, false, 0)
	log.Warn().Str("agent", primary.Name).Err(err).Msg("Selected agent failed")

	if r.cfg.FallbackEnabled() {
		if res := r.tryFallback(ctx, input, primary.Name); res != nil {
			return res
		}
	}

	return &models.RouteResult{
		Success: false,
		Agent:   primary.Name,
		Error:   err.Error(),
		Input:   input,
	}
}

// Stats returns a snapshot of the rolling per-agent statistics.
func (r *Router) Stats() map[string]models.PerformanceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.PerformanceStats, len(r.stats))
	for name, s := range r.stats {
		out[name] = *s
	}
	return out
}

// ─── Selection ───────────────────────────────────────────────

// selectAgent returns the index of the chosen agent, or -1 when no agent
// qualifies.
func (r *Router) selectAgent(input string, callCtx map[string]interface{}) int {
	switch r.cfg.Strategy {
	case models.RouteRuleBased, models.RouteSemantic:
		// Semantic selection defers to the rule engine.
		return r.ruleBased(input, callCtx)
	case models.RouteLoadBalanced:
		return r.loadBalanced()
	case models.RouteAdaptive:
		return r.adaptive(input)
	}
	return r.defaultAgent()
}

// ruleBased returns the first agent with a matching rule, in agent
// order, falling back to the default agent.
func (r *Router) ruleBased(input string, callCtx map[string]interface{}) int {
	for i := range r.cfg.Agents {
		for _, cr := range r.rules[i] {
			if cr.matches(input, callCtx) {
				return i
			}
		}
	}
	return r.defaultAgent()
}

// loadBalanced returns the agent with the fewest recorded requests,
// ignoring routing rules. Ties go to the earliest agent in the list.
func (r *Router) loadBalanced() int {
	if len(r.cfg.Agents) == 0 {
		return r.defaultAgent()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := 0
	bestLoad := int64(-1)
	for i, agent := range r.cfg.Agents {
		var load int64
		if s, ok := r.stats[agent.Name]; ok {
			load = s.TotalRequests
		}
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best
}

// adaptive scores rule-matching candidates by tracked performance and
// returns the best. Unseen agents score with neutral priors (success
// rate 0.5, average duration 10s). Ties keep the earliest candidate.
func (r *Router) adaptive(input string) int {
	candidates := make([]int, 0, len(r.cfg.Agents))
	for i := range r.cfg.Agents {
		if r.matchesAdaptiveRules(i, input) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		for i := range r.cfg.Agents {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return r.defaultAgent()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	best, bestScore := -1, -1.0
	for _, i := range candidates {
		successRate, avgDuration := 0.5, 10.0
		if s, ok := r.stats[r.cfg.Agents[i].Name]; ok {
			successRate, avgDuration = s.SuccessRate, s.AvgDuration
		}
		score := successRate*0.7 + (1/(avgDuration+1))*0.3
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// matchesAdaptiveRules checks only pattern and keyword rules; agents
// without rules always qualify.
func (r *Router) matchesAdaptiveRules(i int, input string) bool {
	crs := r.rules[i]
	if len(crs) == 0 {
		return true
	}
	lower := strings.ToLower(input)
	for _, cr := range crs {
		if cr.pattern != nil && cr.pattern.MatchString(input) {
			return true
		}
		for _, kw := range cr.rule.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

// defaultAgent resolves the configured default: the named agent when set
// (-1 if the name is absent from the list), otherwise the first agent.
func (r *Router) defaultAgent() int {
	if r.cfg.DefaultAgent != "" {
		for i, a := range r.cfg.Agents {
			if a.Name == r.cfg.DefaultAgent {
				return i
			}
		}
		return -1
	}
	if len(r.cfg.Agents) > 0 {
		return 0
	}
	return -1
}

// matches reports whether any of the rule's conditions holds.
func (cr compiledRule) matches(input string, callCtx map[string]interface{}) bool {
	if cr.pattern != nil && cr.pattern.MatchString(input) {
		return true
	}
	if len(cr.rule.Keywords) > 0 {
		lower := strings.ToLower(input)
		for _, kw := range cr.rule.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	if cr.rule.ContextKey != "" {
		if reflect.DeepEqual(callCtx[cr.rule.ContextKey], cr.rule.ContextValue) {
			return true
		}
	}
	if cr.rule.MinLength != nil && cr.rule.MaxLength != nil {
		n := len(input)
		if *cr.rule.MinLength <= n && n <= *cr.rule.MaxLength {
			return true
		}
	}
	return false
}

// ─── Fallback and stats ──────────────────────────────────────

// tryFallback walks the remaining agents in list order and returns the
// first success. Every fallback attempt lands in the stats, successful
// or not, so adaptive routing learns from the whole cascade.
func (r *Router) tryFallback(ctx context.Context, input, failedAgent string) *models.RouteResult {
	for _, agent := range r.cfg.Agents {
		if agent.Name == failedAgent {
			continue
		}
		comp, err := r.caller.Complete(ctx, agent, input)
		if err != nil {
			r.record(agent.Name, false, 0)
			log.Warn().Str("agent", agent.Name).Err(err).Msg("Fallback agent failed, trying next")
			continue
		}
		seconds := comp.Duration.Seconds()
		r.record(agent.Name, true, seconds)
		return &models.RouteResult{
			Success:      true,
			Agent:        agent.Name,
			Output:       comp.Content,
			UsedFallback: true,
			FailedAgent:  failedAgent,
			Duration:     seconds,
		}
	}
	return nil
}

func (r *Router) record(agent string, success bool, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[agent]
	if !ok {
		s = &models.PerformanceStats{}
		r.stats[agent] = s
	}
	s.Record(success, seconds)
}
