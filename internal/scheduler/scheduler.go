// Package scheduler builds the dependency graph implied by transform
// expressions referencing other canonical fields, detects cycles, and yields
// a bottom-up evaluation order. Cycles are a structural configuration error
// detected before any value computation, never evaluated lazily into
// infinite recursion.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/valuation-cli/internal/expr"
	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/internal/registry"
	"github.com/sells-group/valuation-cli/internal/resolver"
)

// CycleError reports a canonical field that transitively depends on itself.
// Cycle lists the member fields in dependency order.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("scheduler: cyclic dependency %s -> %s", strings.Join(e.Cycle, " -> "), e.Cycle[0])
}

// UnknownFieldError reports a field name absent from the canonical registry.
type UnknownFieldError struct {
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("scheduler: unknown canonical field %q", e.Field)
}

// Plan is the evaluation plan for one valuation run. Order lists fields with
// every dependency strictly before its dependents; Mappings carries each
// ordered field's resolved mapping. Failed holds fields that could not be
// planned (resolution failure or cycle membership) keyed by field name.
type Plan struct {
	Order    []string
	Mappings map[string]*model.MappedField
	Failed   map[string]error
}

// Scheduler plans evaluation over one immutable registry + mapping snapshot.
type Scheduler struct {
	reg *registry.Registry
	res *resolver.Resolver
}

// New creates a Scheduler over the given registry and resolver.
func New(reg *registry.Registry, res *resolver.Resolver) *Scheduler {
	return &Scheduler{reg: reg, res: res}
}

const (
	stateUnvisited = iota
	stateInStack
	stateDone
)

type planner struct {
	sched     *Scheduler
	companyID string
	asOf      time.Time
	state     map[string]int
	stack     []string
	plan      *Plan
}

// Plan resolves the targets and everything they transitively reference,
// returning the evaluation plan. Planning never fails as a whole: each
// unschedulable field lands in Plan.Failed so unrelated fields still
// compute.
func (s *Scheduler) Plan(targets []string, companyID string, asOf time.Time) *Plan {
	p := &planner{
		sched:     s,
		companyID: companyID,
		asOf:      asOf,
		state:     make(map[string]int),
		plan: &Plan{
			Mappings: make(map[string]*model.MappedField),
			Failed:   make(map[string]error),
		},
	}
	for _, target := range targets {
		p.visit(target)
	}
	return p.plan
}

func (p *planner) visit(name string) {
	switch p.state[name] {
	case stateDone:
		return
	case stateInStack:
		p.markCycle(name)
		return
	}

	p.state[name] = stateInStack
	p.stack = append(p.stack, name)
	defer func() {
		p.stack = p.stack[:len(p.stack)-1]
		p.state[name] = stateDone
	}()

	field := p.sched.reg.ByName(name)
	if field == nil {
		p.plan.Failed[name] = &UnknownFieldError{Field: name}
		return
	}

	m, err := p.sched.res.Resolve(field.Code, p.companyID, p.asOf)
	if err != nil {
		p.plan.Failed[name] = err
		return
	}

	if m.Transform != nil {
		for _, dep := range expr.References(m.Transform) {
			p.visit(dep)
		}
	}

	// Cycle marking may have failed this field while its deps were visited.
	if _, failed := p.plan.Failed[name]; failed {
		return
	}

	p.plan.Mappings[name] = m
	p.plan.Order = append(p.plan.Order, name)
}

// markCycle fails every field on the stack from the back-edge target to the
// top, naming the full cycle on each member.
func (p *planner) markCycle(name string) {
	start := 0
	for i, f := range p.stack {
		if f == name {
			start = i
			break
		}
	}
	cycle := make([]string, len(p.stack)-start)
	copy(cycle, p.stack[start:])

	for _, f := range cycle {
		p.plan.Failed[f] = &CycleError{Cycle: cycle}
	}
}
