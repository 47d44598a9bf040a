// Package chain runs agents sequentially, feeding each step's output into
// the next step's input and accumulating a shared execution context.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/invoke"
	"github.com/agentloom/agentloom/internal/prompt"
	"github.com/agentloom/agentloom/pkg/models"
)

// ExtractorFunc derives the next step's input from a completion.
type ExtractorFunc func(*models.Completion) string

// Executor runs one configured chain.
type Executor struct {
	cfg        models.ChainConfig
	caller     invoke.Caller
	extractors map[string]ExtractorFunc
}

// New builds an Executor that owns its completion client, wired from the
// chain configuration and the upstream completion settings. A chain with
// no agents is a construction error.
func New(cfg models.ChainConfig, comp config.CompletionConfig) (*Executor, error) {
	timeout := cfg.TimeoutSecs
	if timeout <= 0 {
		timeout = comp.TimeoutSecs
	}
	if timeout <= 0 {
		timeout = models.DefaultTimeoutSecs
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = comp.MaxRetries
	}
	if retries <= 0 {
		retries = models.DefaultMaxRetries
	}
	client := invoke.NewClient(invoke.Config{
		Endpoint:        comp.Endpoint,
		APIKey:          comp.APIKey,
		Timeout:         time.Duration(timeout) * time.Second,
		MaxRetries:      retries,
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
func NewWithCaller(cfg models.ChainConfig, caller invoke.Caller) (*Executor, error) {
	if len(cfg.Agents) == 0 {
		return nil, errors.New("chain has no agents")
	}
	return &Executor{
		cfg:        cfg,
		caller:     caller,
		extractors: make(map[string]ExtractorFunc),
	}, nil
}

// RegisterExtractor makes fn available to agent specs whose
// output_extractor names it.
func (e *Executor) RegisterExtractor(name string, fn ExtractorFunc) {
	e.extractors[name] = fn
}

// Close releases the executor's completion client.
func (e *Executor) Close() {
	e.caller.Close()
}

// Execute runs the chain on input. callCtx seeds the shared context that
// step templates resolve against. Step failures land in the step log
// rather than aborting the chain, unless stop-on-error is set.
func (e *Executor) Execute(ctx context.Context, input string, callCtx map[string]interface{}) *models.ChainResult {
	shared := make(map[string]interface{}, len(callCtx))
	for k, v := range callCtx {
		shared[k] = v
	}

	result := &models.ChainResult{
		Steps:   make([]models.ChainStepResult, 0, len(e.cfg.Agents)),
		Context: shared,
	}
	current := input

	for i, agent := range e.cfg.Agents {
		name := agent.Name
		if name == "" {
			name = fmt.Sprintf("step_%d", i)
		}
		log.Debug().Int("step", i).Str("agent", name).Msg("Chain step starting")

		stepInput, comp, err := e.runStep(ctx, agent, current, shared)
		if err != nil {
			result.Steps = append(result.Steps, models.ChainStepResult{
				Step:      i,
				Name:      name,
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			})
			if e.cfg.StopOnError {
				log.Warn().Int("step", i).Str("agent", name).Err(err).Msg("Chain step failed, stopping")
				break
			}
			log.Warn().Int("step", i).Str("agent", name).Err(err).Msg("Chain step failed, continuing")
			current = "previous step failed: " + err.Error()
			continue
		}

		result.Steps = append(result.Steps, models.ChainStepResult{
			Step:      i,
			Name:      name,
			Input:     stepInput,
			Output:    comp.Content,
			Metadata:  comp.Metadata,
			Timestamp: time.Now().UTC(),
		})
		if e.cfg.PassContext() {
			shared[name] = comp
		}
		result.FinalOutput = comp.Content
		current = e.nextInput(agent, comp)
	}

	result.Success = true
	for _, s := range result.Steps {
		if s.Error != "" {
			result.Success = false
			break
		}
	}
	return result
}

// runStep resolves the step's input from its template and issues the call.
func (e *Executor) runStep(ctx context.Context, agent models.AgentSpec, current string, shared map[string]interface{}) (string, *models.Completion, error) {
	stepInput := current
	if agent.InputTemplate != "" {
		vars := make(map[string]interface{}, len(shared)+1)
		for k, v := range shared {
			vars[k] = v
		}
		vars["input"] = current
		rendered, err := prompt.Render(agent.InputTemplate, vars)
		if err != nil {
			return "", nil, err
		}
		stepInput = rendered
	}

	comp, err := e.caller.Complete(ctx, agent, stepInput)
	if err != nil {
		return stepInput, nil, err
	}
	return stepInput, comp, nil
}

// nextInput resolves what feeds the following step: a registered
// extractor function, a metadata field lookup, or the output text.
func (e *Executor) nextInput(agent models.AgentSpec, comp *models.Completion) string {
	if agent.OutputExtractor == "" {
		return comp.Content
	}
	if fn, ok := e.extractors[agent.OutputExtractor]; ok {
		return fn(comp)
	}
	if v, ok := comp.Metadata[agent.OutputExtractor]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return comp.Content
}
