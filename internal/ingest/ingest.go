// Package ingest parses raw provider data files into RawDataEntry rows.
package ingest

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/valuation-cli/internal/model"
)

// Meta carries the ingestion context shared by every entry in a file.
type Meta struct {
	ProviderID   int64
	CompanyID    string
	FiscalPeriod time.Time
	PeriodType   model.PeriodType
	UploadID     string
}

// NormalizeFieldName canonicalizes a provider-native field name so that
// mapping rows written by hand match ingested keys: trimmed, lowercased,
// internal whitespace collapsed to underscores.
func NormalizeFieldName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), "_")
}

// ParseFile dispatches on the file extension. Supported: .csv, .json, .xlsx.
func ParseFile(path string, meta Meta) ([]model.RawDataEntry, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: open csv")
		}
		defer f.Close()
		return ParseCSV(f, meta)
	case ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: open json")
		}
		defer f.Close()
		return ParseJSON(f, meta)
	case ".xlsx":
		return ParseXLSX(path, meta)
	default:
		return nil, eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// ParseCSV reads a header-driven CSV with one row per (raw_field_name, value).
// The header must contain a field column ("field" or "raw_field_name") and a
// "value" column; extra columns are ignored.
func ParseCSV(r io.Reader, meta Meta) ([]model.RawDataEntry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // allow variable fields

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv header")
	}

	fieldCol, valueCol := -1, -1
	for i, col := range header {
		switch NormalizeFieldName(col) {
		case "field", "raw_field_name":
			fieldCol = i
		case "value":
			valueCol = i
		}
	}
	if fieldCol < 0 || valueCol < 0 {
		return nil, eris.New("ingest: csv header must contain field and value columns")
	}

	var entries []model.RawDataEntry
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "ingest: read csv row")
		}
		if fieldCol >= len(record) || valueCol >= len(record) {
			continue
		}
		name := NormalizeFieldName(record[fieldCol])
		if name == "" {
			continue
		}
		entries = append(entries, newEntry(meta, name, coerceValue(record[valueCol])))
	}
	return entries, nil
}

// ParseJSON reads an object of raw field name to value. Nested objects and
// arrays are kept whole and classified as object/list.
func ParseJSON(r io.Reader, meta Meta) ([]model.RawDataEntry, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "ingest: decode json")
	}

	var entries []model.RawDataEntry
	for name, value := range doc {
		normalized := NormalizeFieldName(name)
		if normalized == "" {
			continue
		}
		entries = append(entries, newEntry(meta, normalized, fromJSONValue(value)))
	}
	return entries, nil
}

// ParseXLSX reads the first sheet, expecting field names in column A and
// values in column B.
func ParseXLSX(path string, meta Meta) ([]model.RawDataEntry, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("ingest: xlsx file has no sheets")
	}

	var entries []model.RawDataEntry
	for _, row := range f.Sheets[0].Rows {
		if len(row.Cells) < 2 {
			continue
		}
		name := NormalizeFieldName(row.Cells[0].String())
		if name == "" {
			continue
		}
		var value any
		if n, err := row.Cells[1].Float(); err == nil && isFinite(n) {
			value = n
		} else {
			value = row.Cells[1].String()
		}
		entries = append(entries, newEntry(meta, name, value))
	}
	return entries, nil
}

func newEntry(meta Meta, name string, value any) model.RawDataEntry {
	return model.RawDataEntry{
		ProviderID:   meta.ProviderID,
		CompanyID:    meta.CompanyID,
		FiscalPeriod: meta.FiscalPeriod,
		PeriodType:   meta.PeriodType,
		RawFieldName: name,
		ValueType:    model.ClassifyValue(value),
		Value:        value,
		UploadID:     meta.UploadID,
	}
}

// coerceValue interprets a CSV cell: numeric if it parses to a finite
// float, string otherwise. ParseFloat accepts "NaN" and "Inf", which no
// JSON value column can hold, so those stay strings.
func coerceValue(s string) any {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil && isFinite(n) {
		return n
	}
	return s
}

func isFinite(n float64) bool {
	return !math.IsNaN(n) && !math.IsInf(n, 0)
}

// fromJSONValue converts json.Number tokens to float64 and recurses into
// containers so stored values match what decodeRawValue will later produce.
func fromJSONValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Float64(); err == nil {
			return n
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = fromJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = fromJSONValue(val)
		}
		return out
	default:
		return v
	}
}
