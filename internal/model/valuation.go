package model

import "time"

// ErrorKind is the field-scoped failure taxonomy recorded into a report.
type ErrorKind string

const (
	ErrMappingNotFound   ErrorKind = "mapping_not_found"
	ErrAmbiguousMapping  ErrorKind = "ambiguous_mapping"
	ErrCyclicDependency  ErrorKind = "cyclic_dependency"
	ErrMissingRawValue   ErrorKind = "missing_raw_value"
	ErrDivideByZero      ErrorKind = "divide_by_zero"
	ErrDomainError       ErrorKind = "domain_error"
	ErrInvalidExpression ErrorKind = "invalid_expression"
	ErrTypeMismatch      ErrorKind = "type_mismatch"
	ErrUpstream          ErrorKind = "upstream"
)

// FieldError records why a single canonical field could not be valued.
// Upstream names the dependency whose failure propagated here, if any.
type FieldError struct {
	Field    string    `json:"field"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Upstream string    `json:"upstream,omitempty"`
}

// ValuationReport is the immutable output of one orchestrator run. Values
// holds every requested field; a nil value means the field failed and has a
// matching entry in Errors.
type ValuationReport struct {
	ID           string               `json:"id,omitempty"`
	CompanyID    string               `json:"company_id"`
	ProviderID   int64                `json:"provider_id"`
	AsOf         time.Time            `json:"as_of"`
	FiscalPeriod time.Time            `json:"fiscal_period"`
	Values       map[string]*float64  `json:"values"`
	Errors       []FieldError         `json:"errors,omitempty"`
	CreatedAt    time.Time            `json:"created_at,omitempty"`
}
