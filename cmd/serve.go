package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/valuation-cli/internal/expr"
	"github.com/sells-group/valuation-cli/internal/mappings"
	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/internal/valuation"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// api wraps the environment with HTTP handlers.
type api struct {
	env *appEnv
}

func newRouter(env *appEnv) http.Handler {
	a := &api{env: env}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/valuation/{companyID}", a.runValuation)
		r.Get("/valuation/{companyID}", a.listValuations)

		r.Get("/mappings", a.listMappings)
		r.Post("/mappings", a.createMapping)
		r.Put("/mappings/{id}", a.updateMapping)
		r.Delete("/mappings/{id}", a.deleteMapping)
		r.Post("/mappings/test", a.testMapping)
		r.Get("/mappings/export", a.exportMappings)
		r.Post("/mappings/import", a.importMappings)

		r.Get("/fields", a.listFields)
		r.Get("/providers", a.listProviders)
		r.Get("/companies", a.listCompanies)
	})

	return r
}

type valuationRequest struct {
	ProviderID   int64           `json:"provider_id"`
	AsOf         string          `json:"as_of"`
	FiscalPeriod string          `json:"fiscal_period"`
	PeriodType   string          `json:"period_type"`
	Fields       json.RawMessage `json:"fields"` // ["a","b"] or "all"
}

func (a *api) runValuation(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	var req valuationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProviderID == 0 || req.FiscalPeriod == "" {
		writeError(w, http.StatusBadRequest, "provider_id and fiscal_period are required")
		return
	}

	asOf := time.Now().UTC()
	var err error
	if req.AsOf != "" {
		if asOf, err = time.Parse(dateFlagFormat, req.AsOf); err != nil {
			writeError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD")
			return
		}
	}
	period, err := time.Parse(dateFlagFormat, req.FiscalPeriod)
	if err != nil {
		writeError(w, http.StatusBadRequest, "fiscal_period must be YYYY-MM-DD")
		return
	}
	if req.PeriodType == "" {
		req.PeriodType = string(model.PeriodAnnual)
	}
	periodType, err := parsePeriodType(req.PeriodType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "period_type must be annual or quarterly")
		return
	}

	targets, err := parseTargets(req.Fields)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	companies, err := a.env.Store.ListCompanies(r.Context())
	if err != nil {
		zap.L().Error("list companies failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list companies failed")
		return
	}
	known := false
	for _, c := range companies {
		if c.ID == companyID {
			known = true
			break
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, "company not found")
		return
	}

	snap, err := a.env.Store.LoadSnapshot(r.Context(), req.ProviderID, companyID, period, periodType)
	if err != nil {
		zap.L().Error("load snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load snapshot failed")
		return
	}

	report, err := a.env.Orchestrator.Valuate(r.Context(), snap, valuation.Request{
		CompanyID:    companyID,
		ProviderID:   req.ProviderID,
		AsOf:         asOf,
		FiscalPeriod: period,
		Targets:      targets,
	})
	if err != nil {
		zap.L().Error("valuation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "valuation failed")
		return
	}

	if err := a.env.Store.SaveValuation(r.Context(), report); err != nil {
		zap.L().Error("save valuation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "save valuation failed")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// parseTargets accepts either "all" or a list of canonical field names.
func parseTargets(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return []string{valuation.TargetAll}, nil
	}
	var all string
	if err := json.Unmarshal(raw, &all); err == nil {
		if all != valuation.TargetAll {
			return nil, eris.Errorf("fields must be a list or %q", valuation.TargetAll)
		}
		return []string{valuation.TargetAll}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, eris.New(`fields must be a list of field names or "all"`)
	}
	return list, nil
}

func (a *api) listValuations(w http.ResponseWriter, r *http.Request) {
	reports, err := a.env.Store.ListValuations(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		zap.L().Error("list valuations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list valuations failed")
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// apiMapping is the CRUD wire shape for a mapping; the transform expression
// travels as raw JSON and is validated by expr.Parse.
type apiMapping struct {
	ID            string          `json:"id,omitempty"`
	ProviderID    int64           `json:"provider_id"`
	CanonicalCode int             `json:"canonical_code"`
	RawFieldName  string          `json:"raw_field_name"`
	CompanyID     *string         `json:"company_id,omitempty"`
	StartDate     *string         `json:"start_date,omitempty"`
	EndDate       *string         `json:"end_date,omitempty"`
	TransformExpr json.RawMessage `json:"transform_expression,omitempty"`
}

func (a *api) decodeMapping(r *http.Request) (*model.MappedField, error) {
	var wire apiMapping
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		return nil, eris.New("invalid request body")
	}
	if wire.ProviderID == 0 || wire.RawFieldName == "" {
		return nil, eris.New("provider_id and raw_field_name are required")
	}
	if a.env.Registry.ByCode(wire.CanonicalCode) == nil {
		return nil, eris.Errorf("unknown canonical_code %d", wire.CanonicalCode)
	}

	m := &model.MappedField{
		ID:            wire.ID,
		ProviderID:    wire.ProviderID,
		CanonicalCode: wire.CanonicalCode,
		RawFieldName:  wire.RawFieldName,
		CompanyID:     wire.CompanyID,
	}

	parseDate := func(name string, s *string) (*time.Time, error) {
		if s == nil || *s == "" {
			return nil, nil
		}
		t, err := time.Parse(dateFlagFormat, *s)
		if err != nil {
			return nil, eris.Errorf("%s must be YYYY-MM-DD", name)
		}
		return &t, nil
	}

	var err error
	if m.StartDate, err = parseDate("start_date", wire.StartDate); err != nil {
		return nil, err
	}
	if m.EndDate, err = parseDate("end_date", wire.EndDate); err != nil {
		return nil, err
	}

	if len(wire.TransformExpr) > 0 {
		node, err := expr.Parse(wire.TransformExpr)
		if err != nil {
			return nil, eris.Errorf("bad transform_expression: %v", err)
		}
		m.Transform = node
	}
	return m, nil
}

func (a *api) providerFromQuery(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("provider_id")
	if raw == "" {
		return 0, eris.New("provider_id query parameter is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, eris.New("provider_id must be an integer")
	}
	return id, nil
}

func (a *api) listMappings(w http.ResponseWriter, r *http.Request) {
	providerID, err := a.providerFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fields, err := a.env.Store.ListMappings(r.Context(), providerID)
	if err != nil {
		zap.L().Error("list mappings failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list mappings failed")
		return
	}
	writeJSON(w, http.StatusOK, toAPIMappings(fields))
}

func toAPIMappings(fields []model.MappedField) []apiMapping {
	out := make([]apiMapping, 0, len(fields))
	for _, m := range fields {
		wire := apiMapping{
			ID:            m.ID,
			ProviderID:    m.ProviderID,
			CanonicalCode: m.CanonicalCode,
			RawFieldName:  m.RawFieldName,
			CompanyID:     m.CompanyID,
		}
		if m.StartDate != nil {
			s := m.StartDate.Format(dateFlagFormat)
			wire.StartDate = &s
		}
		if m.EndDate != nil {
			s := m.EndDate.Format(dateFlagFormat)
			wire.EndDate = &s
		}
		if m.Transform != nil {
			if data, err := expr.Marshal(m.Transform); err == nil {
				wire.TransformExpr = data
			}
		}
		out = append(out, wire)
	}
	return out
}

func (a *api) createMapping(w http.ResponseWriter, r *http.Request) {
	m, err := a.decodeMapping(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.env.Store.CreateMapping(r.Context(), *m)
	if err != nil {
		zap.L().Error("create mapping failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create mapping failed")
		return
	}
	writeJSON(w, http.StatusCreated, toAPIMappings([]model.MappedField{*created})[0])
}

func (a *api) updateMapping(w http.ResponseWriter, r *http.Request) {
	m, err := a.decodeMapping(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m.ID = chi.URLParam(r, "id")
	if err := a.env.Store.UpdateMapping(r.Context(), *m); err != nil {
		writeError(w, http.StatusNotFound, "mapping not found")
		return
	}
	writeJSON(w, http.StatusOK, toAPIMappings([]model.MappedField{*m})[0])
}

func (a *api) deleteMapping(w http.ResponseWriter, r *http.Request) {
	if err := a.env.Store.DeleteMapping(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "mapping not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type testMappingRequest struct {
	Expression json.RawMessage    `json:"expression"`
	SampleData map[string]float64 `json:"sample_data"`
}

func (a *api) testMapping(w http.ResponseWriter, r *http.Request) {
	var req testMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	node, err := expr.Parse(req.Expression)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	values := expr.Map{}
	for k, v := range req.SampleData {
		values[k] = v
	}
	result, err := expr.Evaluate(node, values)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (a *api) exportMappings(w http.ResponseWriter, r *http.Request) {
	providerID, err := a.providerFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	providers, err := a.env.Store.ListProviders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list providers failed")
		return
	}
	name := ""
	for _, p := range providers {
		if p.ID == providerID {
			name = p.Name
		}
	}
	if name == "" {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}

	fields, err := a.env.Store.ListMappings(r.Context(), providerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list mappings failed")
		return
	}
	data, err := mappings.Export(name, fields)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *api) importMappings(w http.ResponseWriter, r *http.Request) {
	providerID, err := a.providerFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var data json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	fields, err := mappings.Import(data, a.env.Registry, providerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.env.Store.ReplaceMappings(r.Context(), providerID, fields); err != nil {
		zap.L().Error("replace mappings failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "replace mappings failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": len(fields)})
}

func (a *api) listFields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.env.Registry.Fields)
}

func (a *api) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := a.env.Store.ListProviders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list providers failed")
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (a *api) listCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := a.env.Store.ListCompanies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list companies failed")
		return
	}
	writeJSON(w, http.StatusOK, companies)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
