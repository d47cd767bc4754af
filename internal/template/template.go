// Package template loads field templates from YAML or JSON files.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	pdferrors "github.com/a3tai/mcp-pdf-fields/internal/errors"
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

type fileTemplate struct {
	ID     string    `yaml:"id"`
	Name   string    `yaml:"name"`
	Fields yaml.Node `yaml:"fields"`
}

// Parse decodes a template document. The fields mapping keeps its declaration order;
// a document without an id takes fallbackID.
func Parse(data []byte, fallbackID string) (*fields.Template, error) {
	var raw fileTemplate
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, pdferrors.Wrap(pdferrors.ErrorTypeMalformedConfig, "invalid template document", err)
	}
	t := &fields.Template{ID: raw.ID, Name: raw.Name}
	if t.ID == "" {
		t.ID = fallbackID
	}
	if t.ID == "" {
		return nil, pdferrors.New(pdferrors.ErrorTypeMalformedConfig, "template has no id")
	}

	node := raw.Fields
	if node.Kind == 0 {
		return t, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, pdferrors.New(pdferrors.ErrorTypeMalformedConfig, "fields must be a mapping of field name to configuration").
			WithContext(t.ID)
	}
	seen := map[string]bool{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if seen[name] {
			return nil, pdferrors.New(pdferrors.ErrorTypeMalformedConfig, "duplicate field").WithField(name).WithContext(t.ID)
		}
		seen[name] = true

		var fc fields.FieldConfig
		if err := node.Content[i+1].Decode(&fc); err != nil {
			return nil, pdferrors.Wrap(pdferrors.ErrorTypeMalformedConfig, "invalid field configuration", err).WithField(name)
		}
		fc.Name = name
		t.Fields = append(t.Fields, fc)
	}
	return t, nil
}

// Marshal renders a template in the same layout Parse reads
func Marshal(t *fields.Template) ([]byte, error) {
	fieldsNode := &yaml.Node{Kind: yaml.MappingNode}
	for _, fc := range t.Fields {
		var value yaml.Node
		cfg := fc
		cfg.Name = ""
		if err := value.Encode(cfg); err != nil {
			return nil, fmt.Errorf("encode field %s: %w", fc.Name, err)
		}
		// the name is the mapping key
		removeKey(&value, "name")
		fieldsNode.Content = append(fieldsNode.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: fc.Name}, &value)
	}
	doc := struct {
		ID     string     `yaml:"id"`
		Name   string     `yaml:"name,omitempty"`
		Fields *yaml.Node `yaml:"fields"`
	}{ID: t.ID, Name: t.Name, Fields: fieldsNode}
	return yaml.Marshal(doc)
}

func removeKey(n *yaml.Node, key string) {
	if n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			n.Content = append(n.Content[:i], n.Content[i+2:]...)
			return
		}
	}
}

// LoadFile reads one template file; the file stem is the default id
func LoadFile(path string) (*fields.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(data, stem)
}

// Registry holds the templates of a directory
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*fields.Template
	logger    *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{templates: make(map[string]*fields.Template), logger: logger}
}

// LoadDir loads every .yaml, .yml and .json file of dir, replacing existing entries with the
// same id. Unreadable files are logged and skipped.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read template dir: %w", err)
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		path := filepath.Join(dir, e.Name())
		t, err := LoadFile(path)
		if err != nil {
			r.logger.Warn("skipping template", zap.String("path", path), zap.Error(err))
			continue
		}
		r.Add(t)
		loaded++
	}
	return loaded, nil
}

// Add registers a template, warning about fields that can never be extracted
func (r *Registry) Add(t *fields.Template) {
	for _, f := range t.Fields {
		if len(f.Locations) == 0 {
			r.logger.Warn("field has no locations and will extract empty",
				zap.String("template", t.ID), zap.String("field", f.Name))
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
}

// Get returns the template with the given id
func (r *Registry) Get(id string) (*fields.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// List returns all templates ordered by id
func (r *Registry) List() []*fields.Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*fields.Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
