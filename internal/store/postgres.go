package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/valuation-cli/internal/db"
	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/internal/valuation"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot read paths used by every valuation run.
var preparedStatements = map[string]string{
	"list_mappings":   `SELECT id, provider_id, canonical_code, raw_field_name, company_id, start_date, end_date, transform_expression FROM mapped_fields WHERE provider_id = $1 ORDER BY id`,
	"get_raw_entries": `SELECT id, provider_id, company_id, fiscal_period, period_type, raw_field_name, value_type, value, upload_id FROM raw_data_entries WHERE provider_id = $1 AND company_id = $2 AND fiscal_period = $3 AND period_type = $4`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS providers (
	id   BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS companies (
	id       TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	ticker   TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	country  TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL DEFAULT 'USD'
);

CREATE TABLE IF NOT EXISTS canonical_fields (
	code         INT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	type         TEXT NOT NULL,
	category     TEXT NOT NULL,
	is_computed  BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS raw_data_entries (
	id             TEXT PRIMARY KEY,
	provider_id    BIGINT NOT NULL REFERENCES providers(id),
	company_id     TEXT NOT NULL REFERENCES companies(id),
	fiscal_period  DATE NOT NULL,
	period_type    TEXT NOT NULL,
	raw_field_name TEXT NOT NULL,
	value_type     TEXT NOT NULL,
	value          JSONB,
	upload_id      TEXT,
	UNIQUE (provider_id, company_id, fiscal_period, period_type, raw_field_name)
);

CREATE TABLE IF NOT EXISTS mapped_fields (
	id                   TEXT PRIMARY KEY,
	provider_id          BIGINT NOT NULL REFERENCES providers(id),
	canonical_code       INT NOT NULL REFERENCES canonical_fields(code),
	raw_field_name       TEXT NOT NULL,
	company_id           TEXT REFERENCES companies(id),
	start_date           DATE,
	end_date             DATE,
	transform_expression JSONB
);

CREATE TABLE IF NOT EXISTS valuation_results (
	id            TEXT PRIMARY KEY,
	company_id    TEXT NOT NULL REFERENCES companies(id),
	provider_id   BIGINT NOT NULL REFERENCES providers(id),
	as_of         DATE NOT NULL,
	fiscal_period DATE NOT NULL,
	results       JSONB NOT NULL,
	errors        JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_raw_data_provider_company ON raw_data_entries(provider_id, company_id, fiscal_period);
CREATE INDEX IF NOT EXISTS idx_mapped_fields_provider ON mapped_fields(provider_id, canonical_code);
CREATE INDEX IF NOT EXISTS idx_valuation_results_company ON valuation_results(company_id, as_of);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SeedCanonicalFields(ctx context.Context, fields []model.CanonicalField) error {
	rows := make([][]any, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, []any{f.Code, f.Name, f.DisplayName, string(f.Type), string(f.Category), f.IsComputed})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "canonical_fields",
		Columns:      []string{"code", "name", "display_name", "type", "category", "is_computed"},
		ConflictKeys: []string{"code"},
	}, rows)
	return eris.Wrap(err, "postgres: seed canonical fields")
}

func (s *PostgresStore) ListCanonicalFields(ctx context.Context) ([]model.CanonicalField, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code, name, display_name, type, category, is_computed FROM canonical_fields ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list canonical fields")
	}
	defer rows.Close()

	var fields []model.CanonicalField
	for rows.Next() {
		var f model.CanonicalField
		if err := rows.Scan(&f.Code, &f.Name, &f.DisplayName, &f.Type, &f.Category, &f.IsComputed); err != nil {
			return nil, eris.Wrap(err, "postgres: scan canonical field")
		}
		fields = append(fields, f)
	}
	return fields, eris.Wrap(rows.Err(), "postgres: list canonical fields")
}

func (s *PostgresStore) CreateProvider(ctx context.Context, name string) (*model.Provider, error) {
	var p model.Provider
	err := s.pool.QueryRow(ctx,
		`INSERT INTO providers (name) VALUES ($1) RETURNING id, name`, name).
		Scan(&p.ID, &p.Name)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create provider %s", name)
	}
	return &p, nil
}

func (s *PostgresStore) GetProviderByName(ctx context.Context, name string) (*model.Provider, error) {
	var p model.Provider
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM providers WHERE name = $1`, name).
		Scan(&p.ID, &p.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get provider %s", name)
	}
	return &p, nil
}

func (s *PostgresStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM providers ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list providers")
	}
	defer rows.Close()

	var providers []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider")
		}
		providers = append(providers, p)
	}
	return providers, eris.Wrap(rows.Err(), "postgres: list providers")
}

func (s *PostgresStore) CreateCompany(ctx context.Context, c model.Company) (*model.Company, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (id, ticker, name, country, currency) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Ticker, c.Name, c.Country, c.Currency)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create company %s", c.Ticker)
	}
	return &c, nil
}

func (s *PostgresStore) GetCompanyByTicker(ctx context.Context, ticker string) (*model.Company, error) {
	var c model.Company
	err := s.pool.QueryRow(ctx,
		`SELECT id, ticker, name, country, currency FROM companies WHERE ticker = $1`, ticker).
		Scan(&c.ID, &c.Ticker, &c.Name, &c.Country, &c.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get company %s", ticker)
	}
	return &c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, ticker, name, country, currency FROM companies ORDER BY ticker`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		var c model.Company
		if err := rows.Scan(&c.ID, &c.Ticker, &c.Name, &c.Country, &c.Currency); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		companies = append(companies, c)
	}
	return companies, eris.Wrap(rows.Err(), "postgres: list companies")
}

func (s *PostgresStore) UpsertRawEntries(ctx context.Context, entries []model.RawDataEntry) (int64, error) {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		value, err := encodeRawValue(e.Value)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{
			e.ID, e.ProviderID, e.CompanyID, e.FiscalPeriod, string(e.PeriodType),
			e.RawFieldName, string(e.ValueType), value, nullableString(e.UploadID),
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "raw_data_entries",
		Columns: []string{
			"id", "provider_id", "company_id", "fiscal_period", "period_type",
			"raw_field_name", "value_type", "value", "upload_id",
		},
		ConflictKeys: []string{"provider_id", "company_id", "fiscal_period", "period_type", "raw_field_name"},
		UpdateCols:   []string{"value_type", "value", "upload_id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert raw entries")
}

func (s *PostgresStore) ListMappings(ctx context.Context, providerID int64) ([]model.MappedField, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["list_mappings"], providerID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list mappings")
	}
	defer rows.Close()
	return scanMappings(rows)
}

func scanMappings(rows pgx.Rows) ([]model.MappedField, error) {
	var mappings []model.MappedField
	for rows.Next() {
		var (
			m         model.MappedField
			transform []byte
		)
		if err := rows.Scan(&m.ID, &m.ProviderID, &m.CanonicalCode, &m.RawFieldName,
			&m.CompanyID, &m.StartDate, &m.EndDate, &transform); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mapping")
		}
		node, err := decodeTransform(transform)
		if err != nil {
			return nil, err
		}
		m.Transform = node
		mappings = append(mappings, m)
	}
	return mappings, eris.Wrap(rows.Err(), "postgres: scan mappings")
}

func (s *PostgresStore) CreateMapping(ctx context.Context, m model.MappedField) (*model.MappedField, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	transform, err := encodeTransform(m)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO mapped_fields (id, provider_id, canonical_code, raw_field_name, company_id, start_date, end_date, transform_expression)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ProviderID, m.CanonicalCode, m.RawFieldName, m.CompanyID, m.StartDate, m.EndDate, transform)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create mapping")
	}
	return &m, nil
}

func (s *PostgresStore) UpdateMapping(ctx context.Context, m model.MappedField) error {
	transform, err := encodeTransform(m)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE mapped_fields SET provider_id = $1, canonical_code = $2, raw_field_name = $3, company_id = $4, start_date = $5, end_date = $6, transform_expression = $7 WHERE id = $8`,
		m.ProviderID, m.CanonicalCode, m.RawFieldName, m.CompanyID, m.StartDate, m.EndDate, transform, m.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update mapping %s", m.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: mapping %s not found", m.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteMapping(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mapped_fields WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete mapping %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: mapping %s not found", id)
	}
	return nil
}

func (s *PostgresStore) ReplaceMappings(ctx context.Context, providerID int64, ms []model.MappedField) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: replace mappings: begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM mapped_fields WHERE provider_id = $1`, providerID); err != nil {
		return eris.Wrap(err, "postgres: replace mappings: clear")
	}
	for _, m := range ms {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		transform, err := encodeTransform(m)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO mapped_fields (id, provider_id, canonical_code, raw_field_name, company_id, start_date, end_date, transform_expression)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, providerID, m.CanonicalCode, m.RawFieldName, m.CompanyID, m.StartDate, m.EndDate, transform); err != nil {
			return eris.Wrap(err, "postgres: replace mappings: insert")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: replace mappings: commit")
}

// LoadSnapshot reads the provider's mapping table and the company's raw data
// in one repeatable-read transaction, so a run never observes a mapping edit
// mid-flight.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, providerID int64, companyID string, fiscalPeriod time.Time, periodType model.PeriodType) (*valuation.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: snapshot: begin")
	}
	defer tx.Rollback(ctx)

	mappingRows, err := tx.Query(ctx, preparedStatements["list_mappings"], providerID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: snapshot: query mappings")
	}
	mappings, err := scanMappings(mappingRows)
	if err != nil {
		return nil, err
	}

	rawRows, err := tx.Query(ctx, preparedStatements["get_raw_entries"], providerID, companyID, fiscalPeriod, string(periodType))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: snapshot: query raw entries")
	}
	raw := make(map[string]model.RawDataEntry)
	for rawRows.Next() {
		var (
			e        model.RawDataEntry
			value    []byte
			uploadID *string
		)
		if err := rawRows.Scan(&e.ID, &e.ProviderID, &e.CompanyID, &e.FiscalPeriod, &e.PeriodType,
			&e.RawFieldName, &e.ValueType, &value, &uploadID); err != nil {
			rawRows.Close()
			return nil, eris.Wrap(err, "postgres: snapshot: scan raw entry")
		}
		v, err := decodeRawValue(value)
		if err != nil {
			rawRows.Close()
			return nil, err
		}
		e.Value = v
		if uploadID != nil {
			e.UploadID = *uploadID
		}
		raw[e.RawFieldName] = e
	}
	if err := rawRows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: snapshot: raw entries")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: snapshot: commit")
	}

	return &valuation.Snapshot{
		ProviderID:   providerID,
		CompanyID:    companyID,
		FiscalPeriod: fiscalPeriod,
		PeriodType:   periodType,
		Mappings:     mappings,
		Raw:          raw,
	}, nil
}

func (s *PostgresStore) SaveValuation(ctx context.Context, report *model.ValuationReport) error {
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	values, errs, err := reportColumns(report)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO valuation_results (id, company_id, provider_id, as_of, fiscal_period, results, errors, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		report.ID, report.CompanyID, report.ProviderID, report.AsOf, report.FiscalPeriod, values, errs, report.CreatedAt)
	return eris.Wrap(err, "postgres: save valuation")
}

func (s *PostgresStore) ListValuations(ctx context.Context, companyID string) ([]model.ValuationReport, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, provider_id, as_of, fiscal_period, results, errors, created_at FROM valuation_results WHERE company_id = $1 ORDER BY as_of DESC, created_at DESC`,
		companyID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list valuations")
	}
	defer rows.Close()

	var reports []model.ValuationReport
	for rows.Next() {
		var (
			r      model.ValuationReport
			values []byte
			errs   []byte
		)
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.ProviderID, &r.AsOf, &r.FiscalPeriod, &values, &errs, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan valuation")
		}
		if err := scanReportColumns(&r, values, errs); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: list valuations")
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
