package model

import (
	"fmt"
	"time"
)

// ValueType classifies a raw value as stored by ingestion.
type ValueType string

const (
	ValueTypeNumber ValueType = "number"
	ValueTypeString ValueType = "string"
	ValueTypeList   ValueType = "list"
	ValueTypeObject ValueType = "object"
)

// PeriodType identifies the reporting cadence a raw entry is keyed under.
type PeriodType string

const (
	PeriodAnnual    PeriodType = "annual"
	PeriodQuarterly PeriodType = "quarterly"
	// PeriodDaily marks market data keyed by trading day rather than by
	// statement period.
	PeriodDaily PeriodType = "daily"
)

// RawDataEntry is one provider-native datum for a company and fiscal period.
// Entries are unique by Key(); re-ingestion overwrites by key, never
// duplicates.
type RawDataEntry struct {
	ID           string     `json:"id"`
	ProviderID   int64      `json:"provider_id"`
	CompanyID    string     `json:"company_id"`
	FiscalPeriod time.Time  `json:"fiscal_period"`
	PeriodType   PeriodType `json:"period_type"`
	RawFieldName string     `json:"raw_field_name"`
	ValueType    ValueType  `json:"value_type"`
	Value        any        `json:"value"`
	UploadID     string     `json:"upload_id,omitempty"`
}

// Key returns the natural key under which an entry is unique.
func (e RawDataEntry) Key() string {
	return fmt.Sprintf("%d|%s|%s|%s|%s",
		e.ProviderID, e.CompanyID, e.FiscalPeriod.Format("2006-01-02"), e.PeriodType, e.RawFieldName)
}

// ClassifyValue infers the ValueType for a decoded JSON value.
func ClassifyValue(v any) ValueType {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return ValueTypeNumber
	case []any:
		return ValueTypeList
	case map[string]any:
		return ValueTypeObject
	default:
		return ValueTypeString
	}
}
