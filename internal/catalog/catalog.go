package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	appErr "github.com/skystack/engine/pkg/errors"
	"github.com/skystack/engine/pkg/logger"
	"go.uber.org/zap"
)

// ParamSpec declares one template parameter.
type ParamSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, number, bool, list, map
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
	Allowed  []any  `json:"allowed,omitempty"`
}

// Schema is the declared parameter schema of one template.
type Schema struct {
	Parameters []ParamSpec `json:"parameters"`
}

// Template is one catalog entry.
type Template struct {
	Name        string `json:"name"`
	CloudFamily string `json:"cloud_family"`
	Path        string `json:"path"`
	Schema      Schema `json:"schema"`
}

// Catalog resolves (providerID, templateName) to a template body on disk and
// its parameter schema. Read-only and synchronous.
type Catalog interface {
	Lookup(providerID, templateName string) (*Template, error)
	List(providerID string) []Template
}

// FSCatalog scans a directory tree of the form
// <root>/<cloud-family>/<name>.tf with an optional <name>.schema.json
// sidecar describing parameters.
type FSCatalog struct {
	root      string
	templates map[string][]Template // keyed by cloud family
}

// NewFSCatalog scans root once and caches what it finds. Unreadable entries
// are logged and skipped.
func NewFSCatalog(root string) (*FSCatalog, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, appErr.Wrap(err, appErr.CodeConfiguration, fmt.Sprintf("templates root %q is not a directory", root))
	}

	c := &FSCatalog{root: root, templates: map[string][]Template{}}

	families, err := os.ReadDir(root)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeConfiguration, "scan templates root failed")
	}
	for _, fam := range families {
		if !fam.IsDir() {
			continue
		}
		famDir := filepath.Join(root, fam.Name())
		entries, err := os.ReadDir(famDir)
		if err != nil {
			logger.L().Warn("skipping unreadable template family", zap.String("dir", famDir), zap.Error(err))
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".tf") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ".tf")
			t := Template{
				Name:        name,
				CloudFamily: fam.Name(),
				Path:        filepath.Join(famDir, e.Name()),
			}
			if schema, err := readSchema(filepath.Join(famDir, name+".schema.json")); err != nil {
				logger.L().Warn("bad template schema, template skipped",
					zap.String("template", name), zap.String("family", fam.Name()), zap.Error(err))
				continue
			} else if schema != nil {
				t.Schema = *schema
			}
			c.templates[fam.Name()] = append(c.templates[fam.Name()], t)
		}
	}

	total := 0
	for _, ts := range c.templates {
		total += len(ts)
	}
	logger.L().Info("template catalog loaded", zap.String("root", root), zap.Int("templates", total))
	return c, nil
}

func readSchema(path string) (*Schema, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CloudFamily extracts the cloud family from a provider identifier such as
// "terraform-aws" or "native-aws".
func CloudFamily(providerID string) string {
	if i := strings.LastIndex(providerID, "-"); i >= 0 {
		return providerID[i+1:]
	}
	return providerID
}

// Lookup returns the template for a provider identifier and template name.
func (c *FSCatalog) Lookup(providerID, templateName string) (*Template, error) {
	family := CloudFamily(providerID)
	for _, t := range c.templates[family] {
		if t.Name == templateName {
			return &t, nil
		}
	}
	return nil, appErr.New(appErr.CodeNotFound,
		fmt.Sprintf("template %q not found for provider %q", templateName, providerID))
}

// List returns all templates available for a provider identifier.
func (c *FSCatalog) List(providerID string) []Template {
	return c.templates[CloudFamily(providerID)]
}

// Apply validates params against the schema and returns a copy with defaults
// filled in. It never mutates its input and is safe to call repeatedly.
func (s Schema) Apply(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}

	for _, spec := range s.Parameters {
		v, present := out[spec.Name]
		if !present {
			if spec.Default != nil {
				out[spec.Name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, appErr.New(appErr.CodeValidation,
					fmt.Sprintf("required parameter %q is missing", spec.Name))
			}
			continue
		}
		if !typeMatches(spec.Type, v) {
			return nil, appErr.New(appErr.CodeValidation,
				fmt.Sprintf("parameter %q: expected %s, got %T", spec.Name, spec.Type, v))
		}
		if len(spec.Allowed) > 0 && !valueAllowed(spec.Allowed, v) {
			return nil, appErr.New(appErr.CodeValidation,
				fmt.Sprintf("parameter %q: value %v is not among allowed values", spec.Name, v))
		}
	}
	return out, nil
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64, json.Number:
			return true
		}
		return false
	case "list":
		_, ok := v.([]any)
		return ok
	case "map":
		_, ok := v.(map[string]any)
		return ok
	default:
		// Unknown declared types pass through; the tool rejects what it
		// cannot use.
		return true
	}
}

func valueAllowed(allowed []any, v any) bool {
	for _, a := range allowed {
		if fmt.Sprintf("%v", a) == fmt.Sprintf("%v", v) {
			return true
		}
	}
	return false
}
