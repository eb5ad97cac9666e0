package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/valuation-cli/internal/expr"
	"github.com/sells-group/valuation-cli/internal/model"
)

// encodeTransform serializes a mapping's expression for storage; nil means a
// direct mapping and is stored as SQL NULL.
func encodeTransform(m model.MappedField) ([]byte, error) {
	if m.Transform == nil {
		return nil, nil
	}
	data, err := expr.Marshal(m.Transform)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal transform expression")
	}
	return data, nil
}

// decodeTransform parses a stored expression column. Parsing re-validates
// operator names and arity, so a row written by an older build with a bad
// formula fails loudly at load, not silently at evaluation.
func decodeTransform(data []byte) (expr.Node, error) {
	if len(data) == 0 {
		return nil, nil
	}
	n, err := expr.Parse(data)
	if err != nil {
		return nil, eris.Wrap(err, "store: parse transform expression")
	}
	return n, nil
}

// encodeRawValue serializes a raw entry value as JSON for storage.
func encodeRawValue(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal raw value")
	}
	return data, nil
}

// decodeRawValue deserializes a stored raw value.
func decodeRawValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal raw value")
	}
	return v, nil
}

// reportColumns serializes a valuation report's values and errors for the
// results table.
func reportColumns(report *model.ValuationReport) (values, errs []byte, err error) {
	values, err = json.Marshal(report.Values)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal valuation values")
	}
	if len(report.Errors) > 0 {
		errs, err = json.Marshal(report.Errors)
		if err != nil {
			return nil, nil, eris.Wrap(err, "store: marshal valuation errors")
		}
	}
	return values, errs, nil
}

// scanReportColumns deserializes the results table payload back into the
// report.
func scanReportColumns(report *model.ValuationReport, values, errs []byte) error {
	if err := json.Unmarshal(values, &report.Values); err != nil {
		return eris.Wrap(err, "store: unmarshal valuation values")
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &report.Errors); err != nil {
			return eris.Wrap(err, "store: unmarshal valuation errors")
		}
	}
	return nil
}
