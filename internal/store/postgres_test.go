package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/valuation-cli/internal/expr"
	"github.com/sells-group/valuation-cli/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestPostgresGetProviderByName(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name FROM providers WHERE name = \$1`).
		WithArgs("yahoo").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "yahoo"))

	p, err := s.GetProviderByName(context.Background(), "yahoo")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(1), p.ID)
	assert.Equal(t, "yahoo", p.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetProviderByName_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name FROM providers WHERE name = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	p, err := s.GetProviderByName(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateProvider(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO providers \(name\) VALUES \(\$1\) RETURNING id, name`).
		WithArgs("yahoo").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).AddRow(int64(7), "yahoo"))

	p, err := s.CreateProvider(context.Background(), "yahoo")
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListCanonicalFields(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT code, name, display_name, type, category, is_computed FROM canonical_fields`).
		WillReturnRows(pgxmock.NewRows([]string{"code", "name", "display_name", "type", "category", "is_computed"}).
			AddRow(100, "total_revenue", "Total Revenue", model.FieldTypeCurrency, model.CategoryFundamental, false).
			AddRow(300, "debt_ratio", "Debt Ratio", model.FieldTypeRatio, model.CategoryRatio, true))

	fields, err := s.ListCanonicalFields(context.Background())
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "total_revenue", fields[0].Name)
	assert.True(t, fields[1].IsComputed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListMappings(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	transform := []byte(`{"op":"multiply","args":[{"field":"revenue"},{"constant":1000}]}`)
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, provider_id, canonical_code, raw_field_name, company_id, start_date, end_date, transform_expression FROM mapped_fields`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "provider_id", "canonical_code", "raw_field_name",
			"company_id", "start_date", "end_date", "transform_expression",
		}).
			AddRow("m1", int64(1), 100, "totalrevenue", (*string)(nil), (*time.Time)(nil), (*time.Time)(nil), []byte(nil)).
			AddRow("m2", int64(1), 101, "revenue", (*string)(nil), &start, (*time.Time)(nil), transform))

	mappings, err := s.ListMappings(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, mappings, 2)

	assert.Nil(t, mappings[0].Transform)
	require.NotNil(t, mappings[1].Transform)
	op, ok := mappings[1].Transform.(expr.Operation)
	require.True(t, ok)
	assert.Equal(t, expr.OpMultiply, op.Op)
	require.NotNil(t, mappings[1].StartDate)
	assert.True(t, start.Equal(*mappings[1].StartDate))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteMapping_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM mapped_fields WHERE id = \$1`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := s.DeleteMapping(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReplaceMappings(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM mapped_fields WHERE provider_id = \$1`).
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`INSERT INTO mapped_fields`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO mapped_fields`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := s.ReplaceMappings(context.Background(), 1, []model.MappedField{
		{ProviderID: 1, CanonicalCode: 100, RawFieldName: "totalrevenue"},
		{ProviderID: 1, CanonicalCode: 101, RawFieldName: "netincome"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadSnapshot(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	period := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	mock.ExpectQuery(`SELECT id, provider_id, canonical_code, raw_field_name, company_id, start_date, end_date, transform_expression FROM mapped_fields`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "provider_id", "canonical_code", "raw_field_name",
			"company_id", "start_date", "end_date", "transform_expression",
		}).AddRow("m1", int64(1), 100, "totalrevenue", (*string)(nil), (*time.Time)(nil), (*time.Time)(nil), []byte(nil)))
	mock.ExpectQuery(`SELECT id, provider_id, company_id, fiscal_period, period_type, raw_field_name, value_type, value, upload_id FROM raw_data_entries`).
		WithArgs(int64(1), "c1", period, "annual").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "provider_id", "company_id", "fiscal_period", "period_type",
			"raw_field_name", "value_type", "value", "upload_id",
		}).AddRow("r1", int64(1), "c1", period, model.PeriodAnnual, "totalrevenue", model.ValueTypeNumber, []byte(`1234000`), (*string)(nil)))
	mock.ExpectCommit()
	mock.ExpectRollback()

	snap, err := s.LoadSnapshot(context.Background(), 1, "c1", period, model.PeriodAnnual)
	require.NoError(t, err)
	require.Len(t, snap.Mappings, 1)
	require.Contains(t, snap.Raw, "totalrevenue")
	assert.Equal(t, float64(1234000), snap.Raw["totalrevenue"].Value)
	assert.Equal(t, "c1", snap.CompanyID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveValuation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	v := 0.5
	report := &model.ValuationReport{
		CompanyID:    "c1",
		ProviderID:   1,
		AsOf:         time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		FiscalPeriod: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
		Values:       map[string]*float64{"debt_ratio": &v},
		CreatedAt:    time.Now().UTC(),
	}

	mock.ExpectExec(`INSERT INTO valuation_results`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveValuation(context.Background(), report)
	require.NoError(t, err)
	assert.NotEmpty(t, report.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
