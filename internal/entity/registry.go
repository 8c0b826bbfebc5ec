package entity

import (
	"sort"
	"sync"
)

// Key identifies a model: (form, kind) plus the group prefix for children.
type Key struct {
	Form   string
	Kind   Kind
	Prefix string
}

// Registry holds the models known to this process. A model is registered
// once per fingerprint; re-registering an unchanged model is a no-op.
type Registry struct {
	mu     sync.RWMutex
	models map[Key]Model
	fps    map[Key]uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: map[Key]Model{}, fps: map[Key]uint64{}}
}

// Register stores m and reports whether it was new or changed.
func (r *Registry) Register(m Model) bool {
	fp := m.Fingerprint()
	r.mu.Lock()
	defer r.mu.Unlock()
	k := m.Key()
	if old, ok := r.fps[k]; ok && old == fp {
		return false
	}
	r.models[k] = m
	r.fps[k] = fp
	return true
}

// Parent returns the parent model of form.
func (r *Registry) Parent(form string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[Key{Form: form, Kind: KindParent}]
	return m, ok
}

// Children returns the child models of form ordered by table.
func (r *Registry) Children(form string) []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Model
	for k, m := range r.models {
		if k.Form == form && k.Kind == KindChild {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// Models returns the parent model followed by the children of form.
func (r *Registry) Models(form string) []Model {
	var out []Model
	if p, ok := r.Parent(form); ok {
		out = append(out, p)
	}
	return append(out, r.Children(form)...)
}

// Forms lists the registered forms.
func (r *Registry) Forms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for k := range r.models {
		if !seen[k.Form] {
			seen[k.Form] = true
			out = append(out, k.Form)
		}
	}
	sort.Strings(out)
	return out
}
