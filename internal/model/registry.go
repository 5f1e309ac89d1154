// Package model maps Tuya product keys to a friendly model name and
// the data point number that switches the device on and off.
package model

import (
	"strings"
	"sync"
)

// Model describes one product.
type Model struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Control int    `json:"control"`
}

// Registry is the product database. Lookup is linear; the list stays
// small enough (one entry per product in the house) that anything
// fancier would be noise.
type Registry struct {
	mu      sync.RWMutex
	models  []Model
	changed bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// search returns the index for a product key, case-insensitive, or -1.
// Callers hold the lock.
func (r *Registry) search(id string) int {
	for i := range r.models {
		if strings.EqualFold(r.models[i].ID, id) {
			return i
		}
	}
	return -1
}

// Name returns the friendly model name for a product key, "" when the
// product is unknown.
func (r *Registry) Name(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.search(id); i >= 0 {
		return r.models[i].Name
	}
	return ""
}

// Control returns the control data point for a product key, 0 when the
// product is unknown.
func (r *Registry) Control(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.search(id); i >= 0 {
		return r.models[i].Control
	}
	return 0
}

// Apply merges a configured model list into the registry. Entries
// missing an id, name or control point are skipped. Existing entries
// are updated in place so references learned from discovery survive a
// config reload.
func (r *Registry) Apply(models []Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range models {
		if m.ID == "" || m.Name == "" || m.Control == 0 {
			continue
		}
		i := r.search(m.ID)
		if i < 0 {
			r.models = append(r.models, Model{ID: m.ID})
			i = len(r.models) - 1
			r.changed = true
		}
		if r.models[i].Name != m.Name {
			r.models[i].Name = m.Name
			r.changed = true
		}
		if r.models[i].Control != m.Control {
			r.models[i].Control = m.Control
			r.changed = true
		}
	}
}

// Live returns a snapshot of the registry for config export.
func (r *Registry) Live() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}

// Changed reports whether the registry was modified since the last
// call, and clears the flag.
func (r *Registry) Changed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.changed
	r.changed = false
	return c
}
