package runbook

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

//go:embed builtin.yaml
var builtinCatalog []byte

// BuiltinSource names runbooks loaded from the compiled-in catalog. Files
// loaded later may replace them by id.
const BuiltinSource = "builtin"

// Builtin returns the compiled-in catalog document.
func Builtin() []byte { return builtinCatalog }

// Registry holds the loaded runbooks. Lookups are safe for concurrent use;
// runbooks are never mutated after they are registered.
type Registry struct {
	mu       sync.RWMutex
	runbooks map[string]*Runbook
	version  string
	logger   zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		runbooks: make(map[string]*Runbook),
		logger:   logger.With().Str("component", "runbooks").Logger(),
	}
}

// LoadBuiltin registers the compiled-in catalog.
func (r *Registry) LoadBuiltin() error {
	return r.LoadBytes(builtinCatalog, BuiltinSource)
}

// LoadBytes parses and registers one catalog document. Nothing is registered
// if any runbook in the document is invalid.
func (r *Registry) LoadBytes(data []byte, source string) error {
	version, rbs, warnings, err := Parse(data, source)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		r.logger.Warn().Str("source", source).Msg(w)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rb := range rbs {
		if prev, ok := r.runbooks[rb.ID]; ok && prev.Source != BuiltinSource {
			return &ConfigError{Source: source, Runbook: rb.ID, Err: fmt.Errorf("duplicate runbook id (already loaded from %s)", prev.Source)}
		}
	}
	for _, rb := range rbs {
		if _, ok := r.runbooks[rb.ID]; ok {
			r.logger.Info().Str("runbook", rb.ID).Str("source", source).Msg("overriding built-in runbook")
		}
		r.runbooks[rb.ID] = rb
	}
	if version != "" {
		r.version = version
	}
	r.logger.Debug().Str("source", source).Int("runbooks", len(rbs)).Msg("runbooks loaded")
	return nil
}

// Load registers the given catalog files in order.
func (r *Registry) Load(paths ...string) error {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return &ConfigError{Source: p, Err: err}
		}
		if err := r.LoadBytes(data, p); err != nil {
			return err
		}
	}
	return nil
}

// LoadDir registers every .yaml/.yml file in dir, sorted by name. A missing
// directory is not an error.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debug().Str("dir", dir).Msg("runbook directory not found, using built-ins only")
			return nil
		}
		return &ConfigError{Source: dir, Err: err}
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return r.Load(paths...)
}

func (r *Registry) Lookup(id string) (*Runbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rb, ok := r.runbooks[id]
	return rb, ok
}

// ForType returns the first runbook (by id) serving incidentType.
func (r *Registry) ForType(incidentType string) (*Runbook, bool) {
	for _, rb := range r.All() {
		for _, t := range rb.IncidentTypes {
			if t == incidentType {
				return rb, true
			}
		}
	}
	return nil, false
}

// All returns every registered runbook sorted by id.
func (r *Registry) All() []*Runbook {
	r.mu.RLock()
	out := make([]*Runbook, 0, len(r.runbooks))
	for _, rb := range r.runbooks {
		out = append(out, rb)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runbooks)
}
