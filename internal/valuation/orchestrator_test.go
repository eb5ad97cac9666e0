package valuation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/valuation-cli/internal/expr"
	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/internal/registry"
)

const (
	providerID = int64(1)
	companyID  = "11111111-1111-1111-1111-111111111111"
)

var (
	asOf   = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	period = time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New([]model.CanonicalField{
		{Code: 1, Name: "total_liabilities", Type: model.FieldTypeCurrency, Category: model.CategoryFundamental},
		{Code: 2, Name: "total_assets", Type: model.FieldTypeCurrency, Category: model.CategoryFundamental},
		{Code: 3, Name: "total_revenue", Type: model.FieldTypeCurrency, Category: model.CategoryFundamental},
		{Code: 4, Name: "debt_ratio", Type: model.FieldTypeRatio, Category: model.CategoryRatio, IsComputed: true},
		{Code: 5, Name: "equity_multiplier", Type: model.FieldTypeRatio, Category: model.CategoryRatio, IsComputed: true},
		{Code: 6, Name: "alpha", Type: model.FieldTypeRatio, Category: model.CategoryRatio, IsComputed: true},
		{Code: 7, Name: "beta", Type: model.FieldTypeRatio, Category: model.CategoryRatio, IsComputed: true},
	})
	require.NoError(t, err)
	return r
}

func direct(code int, raw string) model.MappedField {
	return model.MappedField{ID: raw, ProviderID: providerID, CanonicalCode: code, RawFieldName: raw}
}

func computed(t *testing.T, code int, name, exprSrc string) model.MappedField {
	t.Helper()
	n, err := expr.Parse([]byte(exprSrc))
	require.NoError(t, err)
	return model.MappedField{ID: name, ProviderID: providerID, CanonicalCode: code, RawFieldName: name, Transform: n}
}

func rawNumber(name string, v float64) model.RawDataEntry {
	return model.RawDataEntry{
		ProviderID:   providerID,
		CompanyID:    companyID,
		FiscalPeriod: period,
		PeriodType:   model.PeriodAnnual,
		RawFieldName: name,
		ValueType:    model.ValueTypeNumber,
		Value:        v,
	}
}

func snapshot(mappings []model.MappedField, raw ...model.RawDataEntry) *Snapshot {
	s := &Snapshot{
		ProviderID:   providerID,
		CompanyID:    companyID,
		FiscalPeriod: period,
		PeriodType:   model.PeriodAnnual,
		Mappings:     mappings,
		Raw:          make(map[string]model.RawDataEntry, len(raw)),
	}
	for _, e := range raw {
		s.Raw[e.RawFieldName] = e
	}
	return s
}

func request(targets ...string) Request {
	return Request{CompanyID: companyID, ProviderID: providerID, AsOf: asOf, FiscalPeriod: period, Targets: targets}
}

func errorFor(report *model.ValuationReport, field string) *model.FieldError {
	for i := range report.Errors {
		if report.Errors[i].Field == field {
			return &report.Errors[i]
		}
	}
	return nil
}

func TestValuateDebtRatioEndToEnd(t *testing.T) {
	snap := snapshot(
		[]model.MappedField{
			direct(1, "total_liabilities"),
			direct(2, "total_assets"),
			computed(t, 4, "debt_ratio", `{"op":"divide","args":[{"field":"total_liabilities"},{"field":"total_assets"}]}`),
		},
		rawNumber("total_liabilities", 500),
		rawNumber("total_assets", 1000),
	)

	report, err := New(testRegistry(t)).Valuate(context.Background(), snap, request("debt_ratio"))
	require.NoError(t, err)

	require.NotNil(t, report.Values["debt_ratio"])
	assert.InDelta(t, 0.5, *report.Values["debt_ratio"], 1e-9)
	assert.Empty(t, report.Errors)
}

func TestValuateDirectPassthrough(t *testing.T) {
	snap := snapshot(
		[]model.MappedField{direct(3, "revenues")},
		rawNumber("revenues", 1_234_000),
	)

	report, err := New(testRegistry(t)).Valuate(context.Background(), snap, request("total_revenue"))
	require.NoError(t, err)

	require.NotNil(t, report.Values["total_revenue"])
	assert.InDelta(t, 1_234_000, *report.Values["total_revenue"], 0)
}

func TestValuateCycleIsolated(t *testing.T) {
	snap := snapshot(
		[]model.MappedField{
			computed(t, 6, "alpha", `{"op":"add","args":[{"field":"beta"},{"constant":1}]}`),
			computed(t, 7, "beta", `{"op":"add","args":[{"field":"alpha"},{"constant":1}]}`),
			direct(3, "revenues"),
		},
		rawNumber("revenues", 42),
	)

	report, err := New(testRegistry(t)).Valuate(context.Background(), snap, request("alpha", "beta", "total_revenue"))
	require.NoError(t, err)

	for _, f := range []string{"alpha", "beta"} {
		v, present := report.Values[f]
		require.True(t, present, f)
		assert.Nil(t, v, f)
		fe := errorFor(report, f)
		require.NotNil(t, fe, f)
		assert.Equal(t, model.ErrCyclicDependency, fe.Kind)
		assert.Contains(t, fe.Message, "alpha")
		assert.Contains(t, fe.Message, "beta")
	}

	// The unrelated field still computed.
	require.NotNil(t, report.Values["total_revenue"])
	assert.InDelta(t, 42, *report.Values["total_revenue"], 0)
}

func TestValuateUpstreamFailurePropagates(t *testing.T) {
	// debt_ratio's denominator raw value is absent; equity_multiplier
	// depends on debt_ratio and must be marked upstream, not re-evaluated.
	snap := snapshot(
		[]model.MappedField{
			direct(1, "total_liabilities"),
			direct(2, "total_assets"),
			computed(t, 4, "debt_ratio", `{"op":"divide","args":[{"field":"total_liabilities"},{"field":"total_assets"}]}`),
			computed(t, 5, "equity_multiplier", `{"op":"divide","args":[{"constant":1},{"field":"debt_ratio"}]}`),
		},
		rawNumber("total_liabilities", 500),
	)

	report, err := New(testRegistry(t)).Valuate(context.Background(), snap, request("equity_multiplier"))
	require.NoError(t, err)

	assetsErr := errorFor(report, "total_assets")
	require.NotNil(t, assetsErr)
	assert.Equal(t, model.ErrMissingRawValue, assetsErr.Kind)

	ratioErr := errorFor(report, "debt_ratio")
	require.NotNil(t, ratioErr)
	assert.Equal(t, model.ErrUpstream, ratioErr.Kind)
	assert.Equal(t, "total_assets", ratioErr.Upstream)

	multErr := errorFor(report, "equity_multiplier")
	require.NotNil(t, multErr)
	assert.Equal(t, model.ErrUpstream, multErr.Kind)
	assert.Equal(t, "debt_ratio", multErr.Upstream)
}

func TestValuateUnmappedDependencyFailsUpstream(t *testing.T) {
	// A field reference pointing at a canonical field with no mapping at all
	// surfaces as mapping_not_found on the dependency and upstream on the
	// dependent.
	snap := snapshot(
		[]model.MappedField{
			computed(t, 4, "debt_ratio", `{"op":"divide","args":[{"field":"total_liabilities"},{"field":"total_assets"}]}`),
			direct(2, "total_assets"),
		},
		rawNumber("total_assets", 1000),
	)

	report, err := New(testRegistry(t)).Valuate(context.Background(), snap, request("debt_ratio"))
	require.NoError(t, err)

	liabErr := errorFor(report, "total_liabilities")
	require.NotNil(t, liabErr)
	assert.Equal(t, model.ErrMappingNotFound, liabErr.Kind)

	ratioErr := errorFor(report, "debt_ratio")
	require.NotNil(t, ratioErr)
	assert.Equal(t, model.ErrUpstream, ratioErr.Kind)
	assert.Equal(t, "total_liabilities", ratioErr.Upstream)
}

func TestValuateDivideByZeroRecorded(t *testing.T) {
	snap := snapshot(
		[]model.MappedField{
			direct(1, "total_liabilities"),
			direct(2, "total_assets"),
			computed(t, 4, "debt_ratio", `{"op":"divide","args":[{"field":"total_liabilities"},{"field":"total_assets"}]}`),
		},
		rawNumber("total_liabilities", 500),
		rawNumber("total_assets", 0),
	)

	report, err := New(testRegistry(t)).Valuate(context.Background(), snap, request("debt_ratio"))
	require.NoError(t, err)

	fe := errorFor(report, "debt_ratio")
	require.NotNil(t, fe)
	assert.Equal(t, model.ErrDivideByZero, fe.Kind)
	assert.Nil(t, report.Values["debt_ratio"])

	// The inputs themselves still computed.
	require.NotNil(t, report.Values["total_assets"])
}

func TestValuateNonFiniteResultRecordedAsDomainError(t *testing.T) {
	// power(-1, 0.5) is NaN; it must become a field error, never a memoized
	// value, or the report's Values map would not marshal.
	snap := snapshot(
		[]model.MappedField{
			direct(1, "total_liabilities"),
			computed(t, 4, "debt_ratio", `{"op":"power","args":[{"field":"total_liabilities"},{"constant":0.5}]}`),
		},
		rawNumber("total_liabilities", -1),
	)

	report, err := New(testRegistry(t)).Valuate(context.Background(), snap, request("debt_ratio"))
	require.NoError(t, err)

	fe := errorFor(report, "debt_ratio")
	require.NotNil(t, fe)
	assert.Equal(t, model.ErrDomainError, fe.Kind)
	assert.Nil(t, report.Values["debt_ratio"])

	_, err = json.Marshal(report.Values)
	assert.NoError(t, err)
}

func TestValuateDirectNonNumericRaw(t *testing.T) {
	snap := snapshot(
		[]model.MappedField{direct(3, "revenues")},
		model.RawDataEntry{
			ProviderID:   providerID,
			CompanyID:    companyID,
			FiscalPeriod: period,
			PeriodType:   model.PeriodAnnual,
			RawFieldName: "revenues",
			ValueType:    model.ValueTypeString,
			Value:        "n/a",
		},
	)

	report, err := New(testRegistry(t)).Valuate(context.Background(), snap, request("total_revenue"))
	require.NoError(t, err)

	fe := errorFor(report, "total_revenue")
	require.NotNil(t, fe)
	assert.Equal(t, model.ErrTypeMismatch, fe.Kind)
}

func TestValuateAmbiguousMappingRecorded(t *testing.T) {
	dup := direct(3, "revenues")
	dup2 := direct(3, "sales")
	dup2.ID = "second"
	snap := snapshot(
		[]model.MappedField{dup, dup2, direct(2, "total_assets")},
		rawNumber("total_assets", 1000),
	)

	report, err := New(testRegistry(t)).Valuate(context.Background(), snap, request("total_revenue", "total_assets"))
	require.NoError(t, err)

	fe := errorFor(report, "total_revenue")
	require.NotNil(t, fe)
	assert.Equal(t, model.ErrAmbiguousMapping, fe.Kind)

	require.NotNil(t, report.Values["total_assets"])
}

func TestValuateAllTargets(t *testing.T) {
	snap := snapshot(
		[]model.MappedField{direct(3, "revenues")},
		rawNumber("revenues", 10),
	)

	report, err := New(testRegistry(t)).Valuate(context.Background(), snap, Request{
		CompanyID: companyID, ProviderID: providerID, AsOf: asOf, FiscalPeriod: period,
		Targets: []string{TargetAll},
	})
	require.NoError(t, err)

	// Every registry field appears, mapped or not.
	require.NotNil(t, report.Values["total_revenue"])
	assert.InDelta(t, 10, *report.Values["total_revenue"], 0)
	assert.Contains(t, report.Values, "total_assets")
	assert.Nil(t, report.Values["total_assets"])
	assert.NotNil(t, errorFor(report, "total_assets"))
}

func TestValuateDeterministic(t *testing.T) {
	snap := snapshot(
		[]model.MappedField{
			direct(1, "total_liabilities"),
			direct(2, "total_assets"),
			computed(t, 4, "debt_ratio", `{"op":"divide","args":[{"field":"total_liabilities"},{"field":"total_assets"}]}`),
		},
		rawNumber("total_liabilities", 500),
		rawNumber("total_assets", 1000),
	)

	o := New(testRegistry(t))
	first, err := o.Valuate(context.Background(), snap, request(TargetAll))
	require.NoError(t, err)

	for range 10 {
		next, err := o.Valuate(context.Background(), snap, request(TargetAll))
		require.NoError(t, err)
		assert.Equal(t, first.Values, next.Values)
		assert.Equal(t, first.Errors, next.Errors)
	}
}

func TestValuateCancelled(t *testing.T) {
	snap := snapshot(
		[]model.MappedField{direct(3, "revenues")},
		rawNumber("revenues", 10),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testRegistry(t)).Valuate(ctx, snap, request("total_revenue"))
	require.ErrorIs(t, err, context.Canceled)
}
