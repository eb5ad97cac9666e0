package registry

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/valuation-cli/internal/model"
)

// Registry is an indexed, immutable collection of canonical fields. It is
// built once at startup and passed explicitly to the resolver, scheduler and
// orchestrator; no package-global lookup exists.
type Registry struct {
	Fields   []model.CanonicalField
	byName   map[string]*model.CanonicalField
	byCode   map[int]*model.CanonicalField
	computed []*model.CanonicalField
}

var titleCaser = cases.Title(language.English)

// New builds a Registry, validating the global uniqueness of codes and
// names. Fields missing a display name get one derived from the name.
func New(fields []model.CanonicalField) (*Registry, error) {
	r := &Registry{
		Fields: fields,
		byName: make(map[string]*model.CanonicalField, len(fields)),
		byCode: make(map[int]*model.CanonicalField, len(fields)),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		if f.Name == "" {
			return nil, eris.Errorf("registry: field with code %d has no name", f.Code)
		}
		if _, dup := r.byName[f.Name]; dup {
			return nil, eris.Errorf("registry: duplicate field name %q", f.Name)
		}
		if _, dup := r.byCode[f.Code]; dup {
			return nil, eris.Errorf("registry: duplicate field code %d (%s)", f.Code, f.Name)
		}
		if f.DisplayName == "" {
			f.DisplayName = titleCaser.String(strings.ReplaceAll(f.Name, "_", " "))
		}
		r.byName[f.Name] = f
		r.byCode[f.Code] = f
		if f.IsComputed {
			r.computed = append(r.computed, f)
		}
	}
	return r, nil
}

// ByName returns the field with the given canonical name, or nil.
func (r *Registry) ByName(name string) *model.CanonicalField {
	return r.byName[name]
}

// ByCode returns the field with the given canonical code, or nil.
func (r *Registry) ByCode(code int) *model.CanonicalField {
	return r.byCode[code]
}

// Computed returns the fields flagged is_computed.
func (r *Registry) Computed() []*model.CanonicalField {
	return r.computed
}

// Names returns every canonical field name, in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}
