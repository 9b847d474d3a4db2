package dialog

import "sort"

// Dependencies is the named set of collaborators visible to one dialog
// instance.
type Dependencies struct {
	values map[string]any
}

// Get returns the dependency registered under name.
func (d *Dependencies) Get(name string) (any, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.values[name]
	return v, ok
}

// Names lists the dependency names in sorted order.
func (d *Dependencies) Names() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.values))
	for k := range d.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Dep returns the dependency under name converted to T.
func Dep[T any](d *Dependencies, name string) (T, bool) {
	var zero T
	v, ok := d.Get(name)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// DependencyRules decide which collaborators a dialog receives: Defaults go
// to every dialog, PerDialog entries only to instances of that definition and
// are applied after the defaults.
type DependencyRules struct {
	Defaults  map[string]any
	PerDialog map[*Definition]map[string]any
}

// For builds the container for one instance of def.
func (r DependencyRules) For(def *Definition) *Dependencies {
	values := make(map[string]any, len(r.Defaults))
	for k, v := range r.Defaults {
		values[k] = v
	}
	for k, v := range r.PerDialog[def] {
		values[k] = v
	}
	return &Dependencies{values: values}
}
