package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/release-gate/internal/config"
	"github.com/miradorstack/release-gate/internal/executor"
	"github.com/miradorstack/release-gate/internal/models"
)

// ContextEnv carries the serialised ErrorInfo into recovery procedures.
const ContextEnv = "RELEASE_GATE_ERROR_CONTEXT"

var (
	// ErrProcedureMissing is returned when a recovery reference is not registered.
	ErrProcedureMissing = errors.New("missing procedure")
	// ErrDuplicateProcedure is returned when a reference is registered twice.
	ErrDuplicateProcedure = errors.New("procedure already registered")
)

// RecoveryContext is handed to every procedure invocation.
type RecoveryContext struct {
	PatternID string
	Match     models.CorrelationMatch
	ErrorInfo models.ErrorInfo
}

// ProcedureResult is the uniform outcome of a procedure.
type ProcedureResult struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
	TimedOut bool
}

// Procedure is one recovery capability resolved at startup.
type Procedure interface {
	Invoke(ctx context.Context, rc RecoveryContext) ProcedureResult
}

// ProcedureFunc adapts a function to the Procedure interface.
type ProcedureFunc func(ctx context.Context, rc RecoveryContext) ProcedureResult

// Invoke implements Procedure.
func (f ProcedureFunc) Invoke(ctx context.Context, rc RecoveryContext) ProcedureResult {
	return f(ctx, rc)
}

// CommandProcedure runs an external executable. Exit 0 means recovered.
type CommandProcedure struct {
	runner  executor.Runner
	spec    executor.CommandSpec
	timeout time.Duration
}

// NewCommandProcedure wraps spec as a Procedure bounded by timeout.
func NewCommandProcedure(runner executor.Runner, spec executor.CommandSpec, timeout time.Duration) *CommandProcedure {
	return &CommandProcedure{runner: runner, spec: spec, timeout: timeout}
}

// Invoke implements Procedure.
func (p *CommandProcedure) Invoke(ctx context.Context, rc RecoveryContext) ProcedureResult {
	payload, err := json.Marshal(rc.ErrorInfo)
	if err != nil {
		return ProcedureResult{ExitCode: -1, Error: fmt.Sprintf("encode error context: %v", err)}
	}

	spec := p.spec
	spec.Env = make(map[string]string, len(p.spec.Env)+2)
	for k, v := range p.spec.Env {
		spec.Env[k] = v
	}
	spec.Env[ContextEnv] = string(payload)
	spec.Env["RELEASE_GATE_PATTERN_ID"] = rc.PatternID

	res := p.runner.Execute(ctx, spec, p.timeout)
	return ProcedureResult{
		Success:  res.Success,
		Output:   res.Output,
		Error:    res.Error,
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
	}
}

// Registry maps recovery references to procedures. It is populated at startup
// and only read afterwards.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Procedure
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Procedure)}
}

// Register adds proc under ref.
func (r *Registry) Register(ref string, proc Procedure) error {
	if ref == "" || proc == nil {
		return fmt.Errorf("register procedure: empty reference or procedure")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[ref]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProcedure, ref)
	}
	r.procs[ref] = proc
	return nil
}

// Lookup resolves ref.
func (r *Registry) Lookup(ref string) (Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proc, ok := r.procs[ref]
	return proc, ok
}

// Resolve is Lookup returning ErrProcedureMissing for unknown references.
func (r *Registry) Resolve(ref string) (Procedure, error) {
	proc, ok := r.Lookup(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProcedureMissing, ref)
	}
	return proc, nil
}

// Refs lists the registered references in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.procs))
	for ref := range r.procs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// RegistryFromConfig builds command procedures for every configured reference.
func RegistryFromConfig(runner executor.Runner, procs map[string]config.ProcedureConfig, defaultTimeout time.Duration) (*Registry, error) {
	reg := NewRegistry()
	for ref, pc := range procs {
		timeout := pc.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		spec := executor.CommandSpec{Name: "recovery:" + ref, Command: pc.Command, Dir: pc.Dir, Env: pc.Env}
		if err := reg.Register(ref, NewCommandProcedure(runner, spec, timeout)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
