package scoring

import (
	"context"
	"errors"
	"sync"

	registrymodels "targeting/internal/registry/models"
	"targeting/internal/selection/models"
	dErrors "targeting/pkg/domain-errors"
	"targeting/pkg/platform/circuit"
)

// Context is the input a rule scores: one household and the selection it
// belongs to.
type Context struct {
	Household registrymodels.Household
	Selection *models.Selection
}

// Result is the score a rule returns for one household.
type Result struct {
	Value float64
}

// Rule is an externally authored scoring rule.
type Rule interface {
	Execute(ctx context.Context, in Context) (Result, error)
}

// RuleFunc adapts a function to the Rule interface.
type RuleFunc func(ctx context.Context, in Context) (Result, error)

func (f RuleFunc) Execute(ctx context.Context, in Context) (Result, error) {
	return f(ctx, in)
}

// Registry holds versioned scoring rules. Every rule is guarded by its own
// circuit breaker so a failing rule engine is not hammered by retries.
type Registry struct {
	mu           sync.RWMutex
	rules        map[models.ScoringRuleRef]*guardedRule
	breakerOpts  []circuit.Option
	onTransition func(ref models.ScoringRuleRef, state circuit.State)
}

type RegistryOption func(*Registry)

// WithBreakerOptions configures the breaker created for each registered rule.
func WithBreakerOptions(opts ...circuit.Option) RegistryOption {
	return func(r *Registry) {
		r.breakerOpts = append(r.breakerOpts, opts...)
	}
}

// WithBreakerListener is called whenever a rule's breaker opens or closes.
func WithBreakerListener(fn func(ref models.ScoringRuleRef, state circuit.State)) RegistryOption {
	return func(r *Registry) {
		r.onTransition = fn
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{rules: make(map[models.ScoringRuleRef]*guardedRule)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a rule version. Versions are immutable once registered.
func (r *Registry) Register(ref models.ScoringRuleRef, rule Rule) error {
	if ref.ID.IsNil() || ref.Version < 1 {
		return dErrors.New(dErrors.CodeValidation, "scoring rule reference requires an id and a positive version")
	}
	if rule == nil {
		return dErrors.New(dErrors.CodeValidation, "scoring rule is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[ref]; ok {
		return dErrors.New(dErrors.CodeConflict, "scoring rule "+ref.String()+" is already registered")
	}
	r.rules[ref] = &guardedRule{
		ref:          ref,
		rule:         rule,
		breaker:      circuit.New(ref.String(), r.breakerOpts...),
		onTransition: r.onTransition,
	}
	return nil
}

// Resolve returns the breaker-guarded rule registered under ref.
func (r *Registry) Resolve(ref models.ScoringRuleRef) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[ref]
	if !ok {
		return nil, dErrors.New(dErrors.CodeScoringNotConfigured, "scoring rule "+ref.String()+" is not registered")
	}
	return rule, nil
}

// Has reports whether ref is registered.
func (r *Registry) Has(ref models.ScoringRuleRef) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rules[ref]
	return ok
}

type guardedRule struct {
	ref          models.ScoringRuleRef
	rule         Rule
	breaker      *circuit.Breaker
	onTransition func(ref models.ScoringRuleRef, state circuit.State)
}

// Execute fails fast with a transient error while the breaker is open.
func (g *guardedRule) Execute(ctx context.Context, in Context) (Result, error) {
	if !g.breaker.Allow() {
		return Result{}, dErrors.New(dErrors.CodeTransient, "scoring rule "+g.breaker.Name()+" is unavailable (circuit open)")
	}
	res, err := g.rule.Execute(ctx, in)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.notify(circuit.StateOpen)
		}
		return Result{}, err
	}
	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.notify(circuit.StateClosed)
	}
	return res, nil
}

func (g *guardedRule) notify(state circuit.State) {
	if g.onTransition != nil {
		g.onTransition(g.ref, state)
	}
}
