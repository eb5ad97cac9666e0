package model

// FieldCategory groups canonical fields by statement area.
type FieldCategory string

const (
	CategoryFundamental FieldCategory = "fundamental"
	CategoryMarket      FieldCategory = "market"
	CategoryRatio       FieldCategory = "ratio"
)

// FieldType describes how a canonical field's value should be interpreted
// and displayed.
type FieldType string

const (
	FieldTypeCurrency   FieldType = "currency"
	FieldTypeRatio      FieldType = "ratio"
	FieldTypePercentage FieldType = "percentage"
	FieldTypeCount      FieldType = "count"
	FieldTypeText       FieldType = "text"
)

// CanonicalField is a normalized financial line item, independent of any
// provider's naming. Codes and names are globally unique and never reused;
// the registry is immutable reference data.
type CanonicalField struct {
	Code        int           `json:"code" yaml:"code"`
	Name        string        `json:"name" yaml:"name"`
	DisplayName string        `json:"display_name" yaml:"display_name"`
	Type        FieldType     `json:"type" yaml:"type"`
	Category    FieldCategory `json:"category" yaml:"category"`
	IsComputed  bool          `json:"is_computed" yaml:"is_computed"`
}
