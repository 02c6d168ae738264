package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/sandboxd/pkg/policy"
)

// PipelineStage is one dotted-function call a Pipeline runs in its own
// short-lived sandbox, feeding the previous stage's return value in as the
// next stage's sole argument.
type PipelineStage struct {
	Dotted string
	Policy *policy.SandboxPolicy
}

// Pipeline chains a sequence of sandboxed calls, spawning and closing one
// worker per stage, so no stage ever shares execution state with the
// next beyond the value passed between them.
type Pipeline struct {
	sup    *Supervisor
	stages []PipelineStage
}

// NewPipeline returns an empty Pipeline bound to sup. A nil sup binds to
// the process-wide Current Supervisor.
func NewPipeline(sup *Supervisor) *Pipeline {
	if sup == nil {
		sup = Current()
	}
	return &Pipeline{sup: sup}
}

// AddStage appends a stage calling dotted under pol (nil defers to
// whatever the Supervisor's policy or spawn default assigns) and returns
// the Pipeline for chaining.
func (p *Pipeline) AddStage(dotted string, pol *policy.SandboxPolicy) *Pipeline {
	p.stages = append(p.stages, PipelineStage{Dotted: dotted, Policy: pol})
	return p
}

// Run executes every stage in order, spawning a dedicated sandbox per
// stage and closing it before the next stage starts. The first stage
// receives value as its sole argument; each subsequent stage receives the
// previous stage's return value. timeout bounds each stage's call and its
// own close.
func (p *Pipeline) Run(value any, timeout time.Duration) (any, error) {
	for i, stage := range p.stages {
		h, err := p.sup.Spawn(stageName(stage.Dotted, i), SpawnOptions{Policy: stage.Policy})
		if err != nil {
			return nil, err
		}
		result, callErr := h.Call(stage.Dotted, []any{value}, nil, timeout)
		closeErr := h.Close(timeout)
		if callErr != nil {
			return nil, callErr
		}
		if closeErr != nil {
			return nil, closeErr
		}
		value = result
	}
	return value, nil
}

func stageName(dotted string, idx int) string {
	parts := strings.Split(dotted, ".")
	base := parts[len(parts)-1]
	return fmt.Sprintf("pipeline-%s-%d", base, idx)
}

// Sandboxed returns a function that, on every call, spawns a short-lived
// sandbox named name, invokes dotted inside it under pol, and closes the
// sandbox before returning, so each invocation runs in a fresh, isolated
// worker.
// A nil sup binds to the process-wide Current Supervisor.
func Sandboxed(sup *Supervisor, name, dotted string, pol *policy.SandboxPolicy) func(args []any, kwargs map[string]any, timeout time.Duration) (any, error) {
	if sup == nil {
		sup = Current()
	}
	return func(args []any, kwargs map[string]any, timeout time.Duration) (any, error) {
		h, err := sup.Spawn(name, SpawnOptions{Policy: pol})
		if err != nil {
			return nil, err
		}
		defer h.Close(timeout)
		return h.Call(dotted, args, kwargs, timeout)
	}
}
