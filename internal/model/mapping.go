package model

import (
	"time"

	"github.com/sells-group/valuation-cli/internal/expr"
)

// MappedField associates a provider raw field with a canonical field,
// optionally restricted to one company and/or a date range, and optionally
// carrying a transform expression. Multiple rows may exist for the same
// (provider, canonical field) with different scopes; resolution selects
// exactly one or fails.
type MappedField struct {
	ID            string     `json:"id"`
	ProviderID    int64      `json:"provider_id"`
	CanonicalCode int        `json:"canonical_code"`
	RawFieldName  string     `json:"raw_field_name"`
	CompanyID     *string    `json:"company_id,omitempty"` // nil = all companies of the provider
	StartDate     *time.Time `json:"start_date,omitempty"` // nil = open start
	EndDate       *time.Time `json:"end_date,omitempty"`   // nil = open end
	Transform     expr.Node  `json:"-"`                    // nil = direct raw value passthrough
}

// AppliesTo reports whether this mapping's scope covers the given company on
// the given date. Missing dates are open-ended.
func (m MappedField) AppliesTo(companyID string, asOf time.Time) bool {
	if m.CompanyID != nil && *m.CompanyID != companyID {
		return false
	}
	if m.StartDate != nil && asOf.Before(*m.StartDate) {
		return false
	}
	if m.EndDate != nil && asOf.After(*m.EndDate) {
		return false
	}
	return true
}

// CompanyScoped reports whether the mapping is restricted to one company.
func (m MappedField) CompanyScoped() bool {
	return m.CompanyID != nil
}
