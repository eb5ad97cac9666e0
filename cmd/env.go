package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/internal/registry"
	"github.com/sells-group/valuation-cli/internal/store"
	"github.com/sells-group/valuation-cli/internal/valuation"
)

const dateFlagFormat = "2006-01-02"

// appEnv holds the initialized store, registry, and orchestrator shared by
// the valuate/batch/serve commands.
type appEnv struct {
	Store        store.Store
	Registry     *registry.Registry
	Orchestrator *valuation.Orchestrator
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for the given mode, opens and migrates the store,
// and loads the canonical field registry. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.Pool.MaxConns,
		MinConns: cfg.Store.Pool.MinConns,
	})
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg, err := loadRegistry(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	zap.L().Info("registry loaded", zap.Int("fields", len(reg.Names())))

	return &appEnv{
		Store:        st,
		Registry:     reg,
		Orchestrator: valuation.New(reg),
	}, nil
}

// loadRegistry prefers the seeded store; an empty canonical_fields table
// falls back to the fixture file so a fresh install works before `fields
// seed` has run.
func loadRegistry(ctx context.Context, st store.Store) (*registry.Registry, error) {
	fields, err := st.ListCanonicalFields(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list canonical fields")
	}
	if len(fields) > 0 {
		return registry.New(fields)
	}

	zap.L().Warn("canonical fields not seeded, loading from fixture file",
		zap.String("path", cfg.Registry.Path))
	return registry.LoadFile(cfg.Registry.Path)
}

// resolveProvider looks up a provider by name, creating it when asked.
func resolveProvider(ctx context.Context, st store.Store, name string, create bool) (*model.Provider, error) {
	p, err := st.GetProviderByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}
	if !create {
		return nil, eris.Errorf("provider %q not found", name)
	}
	return st.CreateProvider(ctx, name)
}

// resolveCompany looks up a company by ticker.
func resolveCompany(ctx context.Context, st store.Store, ticker string) (*model.Company, error) {
	c, err := st.GetCompanyByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, eris.Errorf("company %q not found", ticker)
	}
	return c, nil
}

func parseDateFlag(name, value string) (time.Time, error) {
	t, err := time.Parse(dateFlagFormat, value)
	if err != nil {
		return time.Time{}, eris.Errorf("--%s must be YYYY-MM-DD, got %q", name, value)
	}
	return t, nil
}

func parsePeriodType(value string) (model.PeriodType, error) {
	switch model.PeriodType(value) {
	case model.PeriodAnnual, model.PeriodQuarterly:
		return model.PeriodType(value), nil
	default:
		return "", eris.Errorf("--period-type must be annual or quarterly, got %q", value)
	}
}
