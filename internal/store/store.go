package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/internal/valuation"
)

// Store defines the persistence interface for the valuation pipeline. The
// valuation core itself only ever reads through LoadSnapshot; every other
// method serves ingestion, configuration editing, or result persistence.
type Store interface {
	// Canonical field registry (reference data).
	SeedCanonicalFields(ctx context.Context, fields []model.CanonicalField) error
	ListCanonicalFields(ctx context.Context) ([]model.CanonicalField, error)

	// Providers.
	CreateProvider(ctx context.Context, name string) (*model.Provider, error)
	GetProviderByName(ctx context.Context, name string) (*model.Provider, error)
	ListProviders(ctx context.Context) ([]model.Provider, error)

	// Companies.
	CreateCompany(ctx context.Context, c model.Company) (*model.Company, error)
	GetCompanyByTicker(ctx context.Context, ticker string) (*model.Company, error)
	ListCompanies(ctx context.Context) ([]model.Company, error)

	// Raw data. Upsert overwrites by natural key, never duplicates.
	UpsertRawEntries(ctx context.Context, entries []model.RawDataEntry) (int64, error)

	// Mapping configuration.
	ListMappings(ctx context.Context, providerID int64) ([]model.MappedField, error)
	CreateMapping(ctx context.Context, m model.MappedField) (*model.MappedField, error)
	UpdateMapping(ctx context.Context, m model.MappedField) error
	DeleteMapping(ctx context.Context, id string) error
	// ReplaceMappings swaps a provider's whole mapping set atomically
	// (the import path of backup/restore).
	ReplaceMappings(ctx context.Context, providerID int64, ms []model.MappedField) error

	// LoadSnapshot reads a consistent snapshot of mappings and raw data for
	// one run. Concurrent mapping edits are never visible inside a snapshot.
	LoadSnapshot(ctx context.Context, providerID int64, companyID string, fiscalPeriod time.Time, periodType model.PeriodType) (*valuation.Snapshot, error)

	// Valuation results.
	SaveValuation(ctx context.Context, report *model.ValuationReport) error
	ListValuations(ctx context.Context, companyID string) ([]model.ValuationReport, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates a Store for the configured driver.
func Open(ctx context.Context, driver, databaseURL string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, databaseURL, poolCfg)
	case "sqlite":
		return NewSQLite(databaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}
