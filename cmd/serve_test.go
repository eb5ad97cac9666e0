package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/internal/registry"
	"github.com/sells-group/valuation-cli/internal/store"
	"github.com/sells-group/valuation-cli/internal/valuation"
)

func newTestEnv(t *testing.T) *appEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "valuation.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	fields := []model.CanonicalField{
		{Code: 100, Name: "total_revenue", DisplayName: "Total Revenue", Type: model.FieldTypeCurrency, Category: model.CategoryFundamental},
		{Code: 101, Name: "total_debt", DisplayName: "Total Debt", Type: model.FieldTypeCurrency, Category: model.CategoryFundamental},
		{Code: 300, Name: "debt_ratio", DisplayName: "Debt Ratio", Type: model.FieldTypeRatio, Category: model.CategoryRatio, IsComputed: true},
	}
	require.NoError(t, st.SeedCanonicalFields(ctx, fields))

	reg, err := registry.New(fields)
	require.NoError(t, err)

	return &appEnv{
		Store:        st,
		Registry:     reg,
		Orchestrator: valuation.New(reg),
	}
}

func seedValuationData(t *testing.T, env *appEnv) (providerID int64, companyID string) {
	t.Helper()
	ctx := context.Background()

	p, err := env.Store.CreateProvider(ctx, "yahoo")
	require.NoError(t, err)
	c, err := env.Store.CreateCompany(ctx, model.Company{Ticker: "ACME", Name: "Acme Corp", Currency: "USD"})
	require.NoError(t, err)

	period := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	_, err = env.Store.UpsertRawEntries(ctx, []model.RawDataEntry{
		{ProviderID: p.ID, CompanyID: c.ID, FiscalPeriod: period, PeriodType: model.PeriodAnnual,
			RawFieldName: "totalrevenue", ValueType: model.ValueTypeNumber, Value: 1234000.0},
		{ProviderID: p.ID, CompanyID: c.ID, FiscalPeriod: period, PeriodType: model.PeriodAnnual,
			RawFieldName: "totaldebt", ValueType: model.ValueTypeNumber, Value: 617000.0},
	})
	require.NoError(t, err)

	for _, body := range []string{
		fmt.Sprintf(`{"provider_id": %d, "canonical_code": 100, "raw_field_name": "totalrevenue"}`, p.ID),
		fmt.Sprintf(`{"provider_id": %d, "canonical_code": 101, "raw_field_name": "totaldebt"}`, p.ID),
		fmt.Sprintf(`{"provider_id": %d, "canonical_code": 300, "raw_field_name": "debt_ratio",
			"transform_expression": {"op": "divide", "args": [{"field": "total_debt"}, {"field": "total_revenue"}]}}`, p.ID),
	} {
		rec := doRequest(t, env, http.MethodPost, "/api/mappings", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	return p.ID, c.ID
}

func doRequest(t *testing.T, env *appEnv, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	newRouter(env).ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestValuationEndpoint(t *testing.T) {
	env := newTestEnv(t)
	providerID, companyID := seedValuationData(t, env)

	body := fmt.Sprintf(`{"provider_id": %d, "fiscal_period": "2023-12-31", "fields": "all"}`, providerID)
	rec := doRequest(t, env, http.MethodPost, "/api/valuation/"+companyID, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report model.ValuationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.NotNil(t, report.Values["debt_ratio"])
	assert.InDelta(t, 0.5, *report.Values["debt_ratio"], 1e-9)
	require.NotNil(t, report.Values["total_revenue"])
	assert.Equal(t, 1234000.0, *report.Values["total_revenue"])
	assert.Empty(t, report.Errors)

	// The run was persisted.
	rec = doRequest(t, env, http.MethodGet, "/api/valuation/"+companyID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stored []model.ValuationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, report.ID, stored[0].ID)
}

func TestValuationEndpoint_SubsetTargets(t *testing.T) {
	env := newTestEnv(t)
	providerID, companyID := seedValuationData(t, env)

	body := fmt.Sprintf(`{"provider_id": %d, "fiscal_period": "2023-12-31", "fields": ["debt_ratio"]}`, providerID)
	rec := doRequest(t, env, http.MethodPost, "/api/valuation/"+companyID, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report model.ValuationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.NotNil(t, report.Values["debt_ratio"])
	assert.NotContains(t, report.Values, "total_debt")
}

func TestValuationEndpoint_BadRequest(t *testing.T) {
	env := newTestEnv(t)

	rec := doRequest(t, env, http.MethodPost, "/api/valuation/c1", `{"fiscal_period": "2023-12-31"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, env, http.MethodPost, "/api/valuation/c1", `{"provider_id": 1, "fiscal_period": "not-a-date"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, env, http.MethodPost, "/api/valuation/c1", `{"provider_id": 1, "fiscal_period": "2023-12-31", "fields": "some"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValuationEndpoint_UnknownCompany(t *testing.T) {
	env := newTestEnv(t)
	providerID, _ := seedValuationData(t, env)

	body := fmt.Sprintf(`{"provider_id": %d, "fiscal_period": "2023-12-31"}`, providerID)
	rec := doRequest(t, env, http.MethodPost, "/api/valuation/33333333-3333-3333-3333-333333333333", body)
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	// Nothing was persisted for the unknown ID.
	rec = doRequest(t, env, http.MethodGet, "/api/valuation/33333333-3333-3333-3333-333333333333", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stored []model.ValuationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Empty(t, stored)
}

func TestMappingCRUD(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, err := env.Store.CreateProvider(ctx, "yahoo")
	require.NoError(t, err)

	// Create
	body := fmt.Sprintf(`{"provider_id": %d, "canonical_code": 100, "raw_field_name": "totalrevenue"}`, p.ID)
	rec := doRequest(t, env, http.MethodPost, "/api/mappings", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created apiMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	// Unknown canonical code rejected
	rec = doRequest(t, env, http.MethodPost, "/api/mappings",
		fmt.Sprintf(`{"provider_id": %d, "canonical_code": 999, "raw_field_name": "x"}`, p.ID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// List
	rec = doRequest(t, env, http.MethodGet, fmt.Sprintf("/api/mappings?provider_id=%d", p.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []apiMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	// Update
	body = fmt.Sprintf(`{"provider_id": %d, "canonical_code": 100, "raw_field_name": "revenue"}`, p.ID)
	rec = doRequest(t, env, http.MethodPut, "/api/mappings/"+created.ID, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Delete
	rec = doRequest(t, env, http.MethodDelete, "/api/mappings/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, env, http.MethodDelete, "/api/mappings/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMappingTestEndpoint(t *testing.T) {
	env := newTestEnv(t)

	body := `{
		"expression": {"op": "multiply", "args": [{"field": "revenue"}, {"constant": 1000}]},
		"sample_data": {"revenue": 1.5}
	}`
	rec := doRequest(t, env, http.MethodPost, "/api/mappings/test", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1500.0, resp["result"])

	// Evaluation errors are reported, not 500s.
	body = `{
		"expression": {"op": "divide", "args": [{"constant": 1}, {"constant": 0}]},
		"sample_data": {}
	}`
	rec = doRequest(t, env, http.MethodPost, "/api/mappings/test", body)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "error")

	// Parse errors are bad requests.
	rec = doRequest(t, env, http.MethodPost, "/api/mappings/test",
		`{"expression": {"op": "frobnicate", "args": []}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMappingExportImport(t *testing.T) {
	env := newTestEnv(t)
	providerID, _ := seedValuationData(t, env)

	rec := doRequest(t, env, http.MethodGet, fmt.Sprintf("/api/mappings/export?provider_id=%d", providerID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	exported := rec.Body.String()

	// Re-import replaces the set and keeps the same size.
	rec = doRequest(t, env, http.MethodPost, fmt.Sprintf("/api/mappings/import?provider_id=%d", providerID), exported)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"imported": 3}`, rec.Body.String())

	rec = doRequest(t, env, http.MethodGet, fmt.Sprintf("/api/mappings?provider_id=%d", providerID), "")
	var listed []apiMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 3)
}

func TestReferenceEndpoints(t *testing.T) {
	env := newTestEnv(t)
	seedValuationData(t, env)

	rec := doRequest(t, env, http.MethodGet, "/api/fields", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fields []model.CanonicalField
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fields))
	assert.Len(t, fields, 3)

	rec = doRequest(t, env, http.MethodGet, "/api/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, env, http.MethodGet, "/api/companies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var companies []model.Company
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &companies))
	assert.Len(t, companies, 1)
}
