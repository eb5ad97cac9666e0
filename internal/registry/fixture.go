package registry

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/valuation-cli/internal/model"
)

// fixtureFile is the bootstrap file shape: fields grouped into sections the
// way the canonical-fields reference document is maintained.
type fixtureFile struct {
	Sections []fixtureSection `json:"canonical_fields" yaml:"canonical_fields"`
}

type fixtureSection struct {
	Section string                 `json:"section" yaml:"section"`
	Fields  []model.CanonicalField `json:"fields" yaml:"fields"`
}

// LoadFile reads a canonical-field bootstrap file (JSON or YAML, by
// extension) and returns an indexed Registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read bootstrap file")
	}

	var f fixtureFile
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrap(err, "registry: unmarshal yaml bootstrap")
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrap(err, "registry: unmarshal json bootstrap")
		}
	}

	var fields []model.CanonicalField
	for _, s := range f.Sections {
		fields = append(fields, s.Fields...)
	}
	if len(fields) == 0 {
		return nil, eris.Errorf("registry: bootstrap file %s contains no fields", path)
	}

	return New(fields)
}
