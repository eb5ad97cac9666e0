// Package valuation drives mapping resolution, dependency scheduling and
// expression evaluation to turn a request for target canonical fields into a
// field→value report. Every failure is field-scoped: one misconfigured or
// missing field never aborts the run, and independent fields still compute.
package valuation

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/valuation-cli/internal/expr"
	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/internal/registry"
	"github.com/sells-group/valuation-cli/internal/resolver"
	"github.com/sells-group/valuation-cli/internal/scheduler"
)

// TargetAll requests every canonical field in the registry.
const TargetAll = "all"

// Snapshot is the immutable per-run view of configuration and raw data. It
// is taken once before the run starts; concurrent edits to the mapping table
// are never observed mid-run.
type Snapshot struct {
	ProviderID   int64
	CompanyID    string
	FiscalPeriod time.Time
	PeriodType   model.PeriodType
	Mappings     []model.MappedField
	Raw          map[string]model.RawDataEntry // keyed by raw_field_name
}

// Request asks for one valuation run.
type Request struct {
	CompanyID    string
	ProviderID   int64
	AsOf         time.Time
	FiscalPeriod time.Time
	Targets      []string // empty or containing TargetAll = whole registry
}

// Orchestrator runs valuations against an explicit canonical-field registry.
// It is stateless and safe for concurrent use; all per-run state (the memo
// arena, the failure set) lives in Valuate's frame and is discarded when the
// run ends.
type Orchestrator struct {
	reg *registry.Registry
}

// New creates an Orchestrator over the given registry.
func New(reg *registry.Registry) *Orchestrator {
	return &Orchestrator{reg: reg}
}

// run holds the per-invocation memoization arena. Values are valid only for
// one (company, as-of date) context and are never shared between runs.
type run struct {
	memo   map[string]float64
	failed map[string]model.FieldError
}

// Valuate executes one run. The returned report is immutable; the only
// non-nil error is context cancellation between field evaluations.
func (o *Orchestrator) Valuate(ctx context.Context, snap *Snapshot, req Request) (*model.ValuationReport, error) {
	targets := o.expandTargets(req.Targets)

	res := resolver.New(snap.ProviderID, snap.Mappings)
	plan := scheduler.New(o.reg, res).Plan(targets, req.CompanyID, req.AsOf)

	r := &run{
		memo:   make(map[string]float64, len(plan.Order)),
		failed: make(map[string]model.FieldError),
	}

	for field, err := range plan.Failed {
		r.failed[field] = classify(field, err)
	}

	for _, field := range plan.Order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o.evalField(r, snap, plan.Mappings[field], field)
	}

	report := &model.ValuationReport{
		CompanyID:    req.CompanyID,
		ProviderID:   req.ProviderID,
		AsOf:         req.AsOf,
		FiscalPeriod: req.FiscalPeriod,
		Values:       make(map[string]*float64, len(plan.Order)+len(r.failed)),
		CreatedAt:    time.Now().UTC(),
	}
	for _, field := range plan.Order {
		if v, ok := r.memo[field]; ok {
			val := v
			report.Values[field] = &val
		}
	}

	failedFields := make([]string, 0, len(r.failed))
	for field := range r.failed {
		failedFields = append(failedFields, field)
	}
	sort.Strings(failedFields)
	for _, field := range failedFields {
		report.Values[field] = nil
		report.Errors = append(report.Errors, r.failed[field])
	}

	if len(report.Errors) > 0 {
		zap.L().Debug("valuation completed with field errors",
			zap.String("company_id", req.CompanyID),
			zap.Int("computed", len(r.memo)),
			zap.Int("failed", len(report.Errors)),
		)
	}
	return report, nil
}

func (o *Orchestrator) expandTargets(targets []string) []string {
	if len(targets) == 0 {
		return o.reg.Names()
	}
	for _, t := range targets {
		if t == TargetAll {
			return o.reg.Names()
		}
	}
	return targets
}

// evalField computes one field: either a direct raw read or an expression
// evaluated against previously memoized sibling values. A field is evaluated
// at most once per run.
func (o *Orchestrator) evalField(r *run, snap *Snapshot, m *model.MappedField, field string) {
	if _, done := r.memo[field]; done {
		return
	}
	if _, failed := r.failed[field]; failed {
		return
	}

	if m.Transform == nil {
		entry, ok := snap.Raw[m.RawFieldName]
		if !ok {
			r.failed[field] = model.FieldError{
				Field:   field,
				Kind:    model.ErrMissingRawValue,
				Message: "raw field " + m.RawFieldName + " not present in provider data",
			}
			return
		}
		v, ok := expr.ToFloat(entry.Value)
		if !ok {
			r.failed[field] = model.FieldError{
				Field:   field,
				Kind:    model.ErrTypeMismatch,
				Message: "raw field " + m.RawFieldName + " is " + string(entry.ValueType) + ", want number",
			}
			return
		}
		r.memo[field] = v
		return
	}

	v, err := expr.Evaluate(m.Transform, memoValues(r.memo))
	if err != nil {
		var missing *expr.MissingValueError
		if errors.As(err, &missing) {
			if _, depFailed := r.failed[missing.Field]; depFailed {
				r.failed[field] = model.FieldError{
					Field:    field,
					Kind:     model.ErrUpstream,
					Message:  "dependency " + missing.Field + " failed",
					Upstream: missing.Field,
				}
				return
			}
		}
		r.failed[field] = classify(field, err)
		return
	}
	r.memo[field] = v
}

// memoValues exposes the per-run memo arena to the evaluator.
type memoValues map[string]float64

func (m memoValues) Value(name string) (any, bool) {
	v, ok := m[name]
	if !ok {
		return nil, false
	}
	return v, true
}

// classify maps a core error onto the report taxonomy.
func classify(field string, err error) model.FieldError {
	fe := model.FieldError{Field: field, Message: err.Error()}

	var (
		notFound  *resolver.NotFoundError
		ambiguous *resolver.AmbiguousError
		cycle     *scheduler.CycleError
		unknown   *scheduler.UnknownFieldError
		missing   *expr.MissingValueError
		evalErr   *expr.EvalError
	)
	switch {
	case errors.As(err, &notFound):
		fe.Kind = model.ErrMappingNotFound
	case errors.As(err, &ambiguous):
		fe.Kind = model.ErrAmbiguousMapping
	case errors.As(err, &cycle):
		fe.Kind = model.ErrCyclicDependency
	case errors.As(err, &unknown):
		fe.Kind = model.ErrMappingNotFound
	case errors.As(err, &missing):
		fe.Kind = model.ErrMissingRawValue
	case errors.As(err, &evalErr):
		switch evalErr.Kind {
		case expr.KindDivideByZero:
			fe.Kind = model.ErrDivideByZero
		case expr.KindDomainError:
			fe.Kind = model.ErrDomainError
		case expr.KindTypeMismatch:
			fe.Kind = model.ErrTypeMismatch
		default:
			fe.Kind = model.ErrInvalidExpression
		}
	default:
		fe.Kind = model.ErrInvalidExpression
	}
	return fe
}
