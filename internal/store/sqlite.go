package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/internal/valuation"
)

// SQLiteStore implements Store using modernc.org/sqlite, for local and
// development use. Dates are stored as ISO strings.
type SQLiteStore struct {
	db *sql.DB
}

const dateFormat = "2006-01-02"

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS providers (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS companies (
	id       TEXT PRIMARY KEY,
	ticker   TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	country  TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL DEFAULT 'USD'
);

CREATE TABLE IF NOT EXISTS canonical_fields (
	code         INTEGER PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	type         TEXT NOT NULL,
	category     TEXT NOT NULL,
	is_computed  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS raw_data_entries (
	id             TEXT PRIMARY KEY,
	provider_id    INTEGER NOT NULL REFERENCES providers(id),
	company_id     TEXT NOT NULL REFERENCES companies(id),
	fiscal_period  TEXT NOT NULL,
	period_type    TEXT NOT NULL,
	raw_field_name TEXT NOT NULL,
	value_type     TEXT NOT NULL,
	value          TEXT,
	upload_id      TEXT,
	UNIQUE (provider_id, company_id, fiscal_period, period_type, raw_field_name)
);

CREATE TABLE IF NOT EXISTS mapped_fields (
	id                   TEXT PRIMARY KEY,
	provider_id          INTEGER NOT NULL REFERENCES providers(id),
	canonical_code       INTEGER NOT NULL REFERENCES canonical_fields(code),
	raw_field_name       TEXT NOT NULL,
	company_id           TEXT,
	start_date           TEXT,
	end_date             TEXT,
	transform_expression TEXT
);

CREATE TABLE IF NOT EXISTS valuation_results (
	id            TEXT PRIMARY KEY,
	company_id    TEXT NOT NULL REFERENCES companies(id),
	provider_id   INTEGER NOT NULL REFERENCES providers(id),
	as_of         TEXT NOT NULL,
	fiscal_period TEXT NOT NULL,
	results       TEXT NOT NULL,
	errors        TEXT,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_data_provider_company ON raw_data_entries(provider_id, company_id, fiscal_period);
CREATE INDEX IF NOT EXISTS idx_mapped_fields_provider ON mapped_fields(provider_id, canonical_code);
CREATE INDEX IF NOT EXISTS idx_valuation_results_company ON valuation_results(company_id, as_of);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SeedCanonicalFields(ctx context.Context, fields []model.CanonicalField) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: seed fields: begin")
	}
	defer tx.Rollback()

	for _, f := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO canonical_fields (code, name, display_name, type, category, is_computed)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (code) DO UPDATE SET name = excluded.name, display_name = excluded.display_name,
			 type = excluded.type, category = excluded.category, is_computed = excluded.is_computed`,
			f.Code, f.Name, f.DisplayName, string(f.Type), string(f.Category), f.IsComputed); err != nil {
			return eris.Wrapf(err, "sqlite: seed field %s", f.Name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: seed fields: commit")
}

func (s *SQLiteStore) ListCanonicalFields(ctx context.Context) ([]model.CanonicalField, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, display_name, type, category, is_computed FROM canonical_fields ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list canonical fields")
	}
	defer rows.Close()

	var fields []model.CanonicalField
	for rows.Next() {
		var f model.CanonicalField
		if err := rows.Scan(&f.Code, &f.Name, &f.DisplayName, &f.Type, &f.Category, &f.IsComputed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan canonical field")
		}
		fields = append(fields, f)
	}
	return fields, eris.Wrap(rows.Err(), "sqlite: list canonical fields")
}

func (s *SQLiteStore) CreateProvider(ctx context.Context, name string) (*model.Provider, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO providers (name) VALUES (?)`, name)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create provider %s", name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create provider id")
	}
	return &model.Provider{ID: id, Name: name}, nil
}

func (s *SQLiteStore) GetProviderByName(ctx context.Context, name string) (*model.Provider, error) {
	var p model.Provider
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM providers WHERE name = ?`, name).
		Scan(&p.ID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get provider %s", name)
	}
	return &p, nil
}

func (s *SQLiteStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM providers ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list providers")
	}
	defer rows.Close()

	var providers []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider")
		}
		providers = append(providers, p)
	}
	return providers, eris.Wrap(rows.Err(), "sqlite: list providers")
}

func (s *SQLiteStore) CreateCompany(ctx context.Context, c model.Company) (*model.Company, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (id, ticker, name, country, currency) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Ticker, c.Name, c.Country, c.Currency)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create company %s", c.Ticker)
	}
	return &c, nil
}

func (s *SQLiteStore) GetCompanyByTicker(ctx context.Context, ticker string) (*model.Company, error) {
	var c model.Company
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ticker, name, country, currency FROM companies WHERE ticker = ?`, ticker).
		Scan(&c.ID, &c.Ticker, &c.Name, &c.Country, &c.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get company %s", ticker)
	}
	return &c, nil
}

func (s *SQLiteStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ticker, name, country, currency FROM companies ORDER BY ticker`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		var c model.Company
		if err := rows.Scan(&c.ID, &c.Ticker, &c.Name, &c.Country, &c.Currency); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		companies = append(companies, c)
	}
	return companies, eris.Wrap(rows.Err(), "sqlite: list companies")
}

func (s *SQLiteStore) UpsertRawEntries(ctx context.Context, entries []model.RawDataEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert raw entries: begin")
	}
	defer tx.Rollback()

	var n int64
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		value, err := encodeRawValue(e.Value)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO raw_data_entries (id, provider_id, company_id, fiscal_period, period_type, raw_field_name, value_type, value, upload_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (provider_id, company_id, fiscal_period, period_type, raw_field_name)
			 DO UPDATE SET value_type = excluded.value_type, value = excluded.value, upload_id = excluded.upload_id`,
			e.ID, e.ProviderID, e.CompanyID, e.FiscalPeriod.Format(dateFormat), string(e.PeriodType),
			e.RawFieldName, string(e.ValueType), string(value), nullableString(e.UploadID))
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert raw entry %s", e.RawFieldName)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}

	return n, eris.Wrap(tx.Commit(), "sqlite: upsert raw entries: commit")
}

type sqliteQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) ListMappings(ctx context.Context, providerID int64) ([]model.MappedField, error) {
	return sqliteListMappings(ctx, s.db, providerID)
}

func sqliteListMappings(ctx context.Context, q sqliteQuerier, providerID int64) ([]model.MappedField, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, provider_id, canonical_code, raw_field_name, company_id, start_date, end_date, transform_expression
		 FROM mapped_fields WHERE provider_id = ? ORDER BY id`, providerID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list mappings")
	}
	defer rows.Close()

	var mappings []model.MappedField
	for rows.Next() {
		var (
			m          model.MappedField
			start, end *string
			transform  *string
		)
		if err := rows.Scan(&m.ID, &m.ProviderID, &m.CanonicalCode, &m.RawFieldName,
			&m.CompanyID, &start, &end, &transform); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mapping")
		}
		if m.StartDate, err = parseDatePtr(start); err != nil {
			return nil, err
		}
		if m.EndDate, err = parseDatePtr(end); err != nil {
			return nil, err
		}
		if transform != nil {
			node, err := decodeTransform([]byte(*transform))
			if err != nil {
				return nil, err
			}
			m.Transform = node
		}
		mappings = append(mappings, m)
	}
	return mappings, eris.Wrap(rows.Err(), "sqlite: list mappings")
}

func (s *SQLiteStore) CreateMapping(ctx context.Context, m model.MappedField) (*model.MappedField, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	transform, err := encodeTransform(m)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mapped_fields (id, provider_id, canonical_code, raw_field_name, company_id, start_date, end_date, transform_expression)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProviderID, m.CanonicalCode, m.RawFieldName, m.CompanyID,
		formatDatePtr(m.StartDate), formatDatePtr(m.EndDate), nullableBytes(transform))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create mapping")
	}
	return &m, nil
}

func (s *SQLiteStore) UpdateMapping(ctx context.Context, m model.MappedField) error {
	transform, err := encodeTransform(m)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE mapped_fields SET provider_id = ?, canonical_code = ?, raw_field_name = ?, company_id = ?, start_date = ?, end_date = ?, transform_expression = ? WHERE id = ?`,
		m.ProviderID, m.CanonicalCode, m.RawFieldName, m.CompanyID,
		formatDatePtr(m.StartDate), formatDatePtr(m.EndDate), nullableBytes(transform), m.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update mapping %s", m.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: mapping %s not found", m.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteMapping(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mapped_fields WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete mapping %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: mapping %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) ReplaceMappings(ctx context.Context, providerID int64, ms []model.MappedField) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace mappings: begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mapped_fields WHERE provider_id = ?`, providerID); err != nil {
		return eris.Wrap(err, "sqlite: replace mappings: clear")
	}
	for _, m := range ms {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		transform, err := encodeTransform(m)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mapped_fields (id, provider_id, canonical_code, raw_field_name, company_id, start_date, end_date, transform_expression)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, providerID, m.CanonicalCode, m.RawFieldName, m.CompanyID,
			formatDatePtr(m.StartDate), formatDatePtr(m.EndDate), nullableBytes(transform)); err != nil {
			return eris.Wrap(err, "sqlite: replace mappings: insert")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: replace mappings: commit")
}

// LoadSnapshot reads mappings and raw data inside one transaction. SQLite
// serializes writers, so the transaction is sufficient for the run to see a
// consistent view of the configuration.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, providerID int64, companyID string, fiscalPeriod time.Time, periodType model.PeriodType) (*valuation.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot: begin")
	}
	defer tx.Rollback()

	mappings, err := sqliteListMappings(ctx, tx, providerID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, provider_id, company_id, fiscal_period, period_type, raw_field_name, value_type, value, upload_id
		 FROM raw_data_entries WHERE provider_id = ? AND company_id = ? AND fiscal_period = ? AND period_type = ?`,
		providerID, companyID, fiscalPeriod.Format(dateFormat), string(periodType))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot: query raw entries")
	}
	defer rows.Close()

	raw := make(map[string]model.RawDataEntry)
	for rows.Next() {
		var (
			e        model.RawDataEntry
			period   string
			value    *string
			uploadID *string
		)
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.CompanyID, &period, &e.PeriodType,
			&e.RawFieldName, &e.ValueType, &value, &uploadID); err != nil {
			return nil, eris.Wrap(err, "sqlite: snapshot: scan raw entry")
		}
		if e.FiscalPeriod, err = time.Parse(dateFormat, period); err != nil {
			return nil, eris.Wrap(err, "sqlite: snapshot: parse fiscal period")
		}
		if value != nil {
			v, err := decodeRawValue([]byte(*value))
			if err != nil {
				return nil, err
			}
			e.Value = v
		}
		if uploadID != nil {
			e.UploadID = *uploadID
		}
		raw[e.RawFieldName] = e
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot: raw entries")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot: commit")
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

func (s *SQLiteStore) SaveValuation(ctx context.Context, report *model.ValuationReport) error {
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	values, errs, err := reportColumns(report)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO valuation_results (id, company_id, provider_id, as_of, fiscal_period, results, errors, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.CompanyID, report.ProviderID,
		report.AsOf.Format(dateFormat), report.FiscalPeriod.Format(dateFormat),
		string(values), nullableBytes(errs), report.CreatedAt.UTC().Format(time.RFC3339Nano))
	return eris.Wrap(err, "sqlite: save valuation")
}

func (s *SQLiteStore) ListValuations(ctx context.Context, companyID string) ([]model.ValuationReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, provider_id, as_of, fiscal_period, results, errors, created_at
		 FROM valuation_results WHERE company_id = ? ORDER BY as_of DESC, created_at DESC`, companyID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list valuations")
	}
	defer rows.Close()

	var reports []model.ValuationReport
	for rows.Next() {
		var (
			r             model.ValuationReport
			asOf, period  string
			created       string
			values        string
			errs          *string
		)
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.ProviderID, &asOf, &period, &values, &errs, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan valuation")
		}
		if r.AsOf, err = time.Parse(dateFormat, asOf); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse as_of")
		}
		if r.FiscalPeriod, err = time.Parse(dateFormat, period); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse fiscal period")
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse created_at")
		}
		var errBytes []byte
		if errs != nil {
			errBytes = []byte(*errs)
		}
		if err := scanReportColumns(&r, []byte(values), errBytes); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, eris.Wrap(rows.Err(), "sqlite: list valuations")
}

func parseDatePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateFormat, *s)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse date %s", *s)
	}
	return &t, nil
}

func formatDatePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateFormat)
	return &s
}

func nullableBytes(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}
