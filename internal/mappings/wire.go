// Package mappings implements the portable mapping export/import format used
// for backup, restore, and copying configuration between environments.
package mappings

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/valuation-cli/internal/expr"
	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/internal/registry"
)

const wireDateFormat = "2006-01-02"

// Record is one mapping in the export file. Scope carries the provider name
// rather than its numeric ID so exports are portable across databases.
type Record struct {
	RawFieldName       string          `json:"raw_field_name"`
	CanonicalFieldCode int             `json:"canonical_field_code"`
	Scope              Scope           `json:"scope"`
	TransformExpr      json.RawMessage `json:"transform_expression,omitempty"`
}

// Scope mirrors MappedField's applicability bounds.
type Scope struct {
	Provider  string  `json:"provider"`
	CompanyID *string `json:"company_id,omitempty"`
	StartDate *string `json:"start_date,omitempty"`
	EndDate   *string `json:"end_date,omitempty"`
}

// Export renders a provider's mapping set as wire records.
func Export(provider string, fields []model.MappedField) ([]byte, error) {
	records := make([]Record, 0, len(fields))
	for _, m := range fields {
		rec := Record{
			RawFieldName:       m.RawFieldName,
			CanonicalFieldCode: m.CanonicalCode,
			Scope: Scope{
				Provider:  provider,
				CompanyID: m.CompanyID,
				StartDate: formatWireDate(m.StartDate),
				EndDate:   formatWireDate(m.EndDate),
			},
		}
		if m.Transform != nil {
			data, err := expr.Marshal(m.Transform)
			if err != nil {
				return nil, eris.Wrapf(err, "mappings: marshal transform for %s", m.RawFieldName)
			}
			rec.TransformExpr = data
		}
		records = append(records, rec)
	}
	return json.MarshalIndent(records, "", "  ")
}

// Import parses and validates wire records against the registry, returning
// mappings ready for an atomic ReplaceMappings. Every record must name a
// known canonical code and carry a parseable expression; a single bad record
// rejects the whole file.
func Import(data []byte, reg *registry.Registry, providerID int64) ([]model.MappedField, error) {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, eris.Wrap(err, "mappings: decode import file")
	}

	fields := make([]model.MappedField, 0, len(records))
	var problems []string
	for i, rec := range records {
		m := model.MappedField{
			ProviderID:    providerID,
			CanonicalCode: rec.CanonicalFieldCode,
			RawFieldName:  rec.RawFieldName,
			CompanyID:     rec.Scope.CompanyID,
		}

		if rec.RawFieldName == "" {
			problems = append(problems, problemf(i, "raw_field_name is required"))
		}
		if reg.ByCode(rec.CanonicalFieldCode) == nil {
			problems = append(problems, problemf(i, "unknown canonical_field_code %d", rec.CanonicalFieldCode))
		}

		var err error
		if m.StartDate, err = parseWireDate(rec.Scope.StartDate); err != nil {
			problems = append(problems, problemf(i, "bad start_date %q", *rec.Scope.StartDate))
		}
		if m.EndDate, err = parseWireDate(rec.Scope.EndDate); err != nil {
			problems = append(problems, problemf(i, "bad end_date %q", *rec.Scope.EndDate))
		}

		if len(rec.TransformExpr) > 0 {
			node, err := expr.Parse(rec.TransformExpr)
			if err != nil {
				problems = append(problems, problemf(i, "bad transform_expression: %v", err))
			} else {
				m.Transform = node
			}
		}

		fields = append(fields, m)
	}

	if len(problems) > 0 {
		return nil, eris.New("mappings: import rejected: " + strings.Join(problems, "; "))
	}
	return fields, nil
}

func problemf(i int, format string, args ...any) string {
	return fmt.Sprintf("record %d: "+format, append([]any{i}, args...)...)
}

func formatWireDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(wireDateFormat)
	return &s
}

func parseWireDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(wireDateFormat, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
