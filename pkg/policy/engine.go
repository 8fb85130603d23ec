package policy

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/skein/pkg/engine"
	"github.com/openfroyo/skein/pkg/result"
	"github.com/openfroyo/skein/pkg/transport"
)

// Engine evaluates Rego action policies. It implements engine.Guard.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	disabled    map[string]bool
	logger      zerolog.Logger
	environment string
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

var _ engine.Guard = (*Engine)(nil)

// NewEngine creates a policy engine holding the built-in policies.
// environment is exposed to policies as input.context.environment.
func NewEngine(logger zerolog.Logger, environment string) (*Engine, error) {
	e := &Engine{
		policies:    make(map[string]*compiledPolicy),
		disabled:    make(map[string]bool),
		logger:      logger.With().Str("component", "policy-engine").Logger(),
		environment: environment,
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Check evaluates the policies for req. Blocking violations deny the action
// with a policy-denied error; warnings are logged.
func (e *Engine) Check(ctx context.Context, req engine.GuardRequest) error {
	decision, err := e.Evaluate(ctx, InputFor(req, e.environment))
	if err != nil {
		return err
	}

	for _, w := range decision.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("action", string(req.Action)).
			Msg(w.Message)
	}
	if decision.Allowed {
		return nil
	}

	messages := make([]string, len(decision.Violations))
	names := make([]string, len(decision.Violations))
	for i, v := range decision.Violations {
		messages[i] = v.Message
		names[i] = v.Policy
	}
	return result.NewError(result.KindPolicyDenied,
		fmt.Sprintf("Action denied by policy: %s", strings.Join(messages, "; ")), nil).
		WithIssueCode(result.IssuePolicy).
		WithDetail("policies", names).
		WithDetail("action", string(req.Action))
}

// InputFor converts a guard request into policy input.
func InputFor(req engine.GuardRequest, environment string) Input {
	in := Input{
		Action:      string(req.Action),
		Object:      req.Object,
		Destination: req.Destination,
		Targets:     req.Targets,
		Options:     optionsDocument(req.Options),
		Context: Context{
			Environment: environment,
			Timestamp:   time.Now(),
		},
	}
	if u, err := user.Current(); err == nil {
		in.Context.User = u.Username
	}
	return in
}

// optionsDocument renders the set options under their wire names. Unset
// options are absent so policies can test for them with `not`.
func optionsDocument(opts transport.Options) map[string]any {
	doc := make(map[string]any)
	if opts.RunAs != "" {
		doc["run_as"] = opts.RunAs
	}
	if opts.Description != "" {
		doc["description"] = opts.Description
	}
	if opts.CatchErrors {
		doc["catch_errors"] = true
	}
	if opts.Noop {
		doc["noop"] = true
	}
	if len(opts.EnvVars) > 0 {
		env := make(map[string]any, len(opts.EnvVars))
		for k, v := range opts.EnvVars {
			env[k] = v
		}
		doc["env_vars"] = env
	}
	if opts.WaitTime > 0 {
		doc["wait_time"] = opts.WaitTime.Seconds()
	}
	if opts.RetryInterval > 0 {
		doc["retry_interval"] = opts.RetryInterval.Seconds()
	}
	return doc
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc := input.document()
	decision := &Decision{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.Duration = time.Since(startTime)
	e.logger.Debug().
		Str("action", input.Action).
		Int("violations", len(decision.Violations)).
		Int("warnings", len(decision.Warnings)).
		Dur("duration", decision.Duration).
		Msg("Action policy evaluation completed")

	return decision, nil
}

// LoadPolicies loads policy files and adds them to the built-ins, replacing
// any previously loaded files.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies compiles policies and swaps them in for the file-backed
// policies currently loaded. Nothing changes when any policy fails to
// compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Source != "" {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if e.disabled[name] {
			cp.policy.Enabled = false
		}
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// Watch reloads the policies under paths whenever they change, until ctx
// is done.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, doc map[string]any) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range results {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// createViolation creates a Violation from one deny value. Rules may deny
// with a plain string or an object carrying message, severity and target.
func createViolation(policy *Policy, value interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := value.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if target, ok := v["target"].(string); ok {
			violation.Target = target
		}
	default:
		violation.Message = fmt.Sprintf("%v", value)
	}

	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("failed to parse policy: empty module")
	}

	query := module.Package.Path.String() + ".deny"
	prepared, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: prepared}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// DisablePolicy turns a policy off by name. The policy stays off when the
// policy files are reloaded.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = false
	e.disabled[name] = true
	e.logger.Info().Str("policy", name).Msg("Policy disabled")

	return nil
}
