package registry

import (
	"slices"

	"github.com/koustreak/tenantdb/internal/errs"
)

// Module is a named bundle of tables that make up one functional area.
type Module struct {
	Key    string   `yaml:"key" json:"key"`
	Tables []string `yaml:"tables" json:"tables"`
}

// Registry maps module keys to their ordered table lists. It is built once
// and never modified; every table belongs to exactly one module.
type Registry struct {
	modules []Module
	byKey   map[string]int
	owner   map[string]string
}

// New builds a registry. It fails when a key repeats, a module is empty or
// a table is claimed by two modules.
func New(modules []Module) (*Registry, error) {
	r := &Registry{
		byKey: make(map[string]int, len(modules)),
		owner: make(map[string]string),
	}

	for _, m := range modules {
		if m.Key == "" {
			return nil, errs.New(errs.ErrKindConfiguration, "module with empty key")
		}
		if _, dup := r.byKey[m.Key]; dup {
			return nil, errs.Newf(errs.ErrKindConfiguration, "module %q declared twice", m.Key)
		}
		if len(m.Tables) == 0 {
			return nil, errs.Newf(errs.ErrKindConfiguration, "module %q has no tables", m.Key)
		}
		for _, t := range m.Tables {
			if prev, taken := r.owner[t]; taken {
				return nil, errs.Newf(errs.ErrKindConfiguration,
					"table %q belongs to both %q and %q", t, prev, m.Key)
			}
			r.owner[t] = m.Key
		}

		r.byKey[m.Key] = len(r.modules)
		r.modules = append(r.modules, Module{Key: m.Key, Tables: slices.Clone(m.Tables)})
	}

	return r, nil
}

// MustNew is New for static tables known to be valid.
func MustNew(modules []Module) *Registry {
	r, err := New(modules)
	if err != nil {
		panic(err)
	}
	return r
}

// TablesForModule returns the module's tables in declared order.
func (r *Registry) TablesForModule(key string) ([]string, error) {
	i, ok := r.byKey[key]
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "unknown module %q", key)
	}
	return slices.Clone(r.modules[i].Tables), nil
}

// AllModules returns every module key in declared order.
func (r *Registry) AllModules() []string {
	keys := make([]string, len(r.modules))
	for i, m := range r.modules {
		keys[i] = m.Key
	}
	return keys
}

// Modules returns a copy of every module with its tables.
func (r *Registry) Modules() []Module {
	out := make([]Module, len(r.modules))
	for i, m := range r.modules {
		out[i] = Module{Key: m.Key, Tables: slices.Clone(m.Tables)}
	}
	return out
}

// ModuleOf returns the module that owns table.
func (r *Registry) ModuleOf(table string) (string, bool) {
	key, ok := r.owner[table]
	return key, ok
}

// Resolve validates keys and expands an empty selection to every module.
func (r *Registry) Resolve(keys []string) ([]string, error) {
	if len(keys) == 0 {
		return r.AllModules(), nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := r.byKey[k]; !ok {
			return nil, errs.Newf(errs.ErrKindNotFound, "unknown module %q", k)
		}
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out, nil
}
