package rivulet

import (
	"fmt"

	"github.com/rivulet-io/rivulet/serde"
)

// StoreDef declares a named state store. Logged stores get a compacted
// changelog topic and survive loss of local state; unlogged stores are
// scratch space.
type StoreDef struct {
	Name   string
	Logged bool
}

// Registry holds the application's store and serde declarations. It is built
// explicitly at startup and handed to the App; there is no ambient package
// state.
type Registry struct {
	stores map[string]StoreDef
	serdes map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		stores: make(map[string]StoreDef),
		serdes: make(map[string]any),
	}
}

func (r *Registry) RegisterStore(def StoreDef) error {
	if def.Name == "" {
		return fmt.Errorf("store name must not be empty")
	}
	if _, exists := r.stores[def.Name]; exists {
		return fmt.Errorf("store %q already registered", def.Name)
	}
	r.stores[def.Name] = def
	return nil
}

func (r *Registry) Stores() []StoreDef {
	defs := make([]StoreDef, 0, len(r.stores))
	for _, def := range r.stores {
		defs = append(defs, def)
	}
	return defs
}

// RegisterSerde adds a named serde to the registry. Methods cannot be
// generic, hence the package-level function.
func RegisterSerde[T any](r *Registry, name string, s serde.Serde[T]) error {
	if _, exists := r.serdes[name]; exists {
		return fmt.Errorf("serde %q already registered", name)
	}
	r.serdes[name] = s
	return nil
}

// SerdeFor looks up a registered serde by name and element type.
func SerdeFor[T any](r *Registry, name string) (serde.Serde[T], error) {
	raw, ok := r.serdes[name]
	if !ok {
		return serde.Serde[T]{}, fmt.Errorf("serde %q not registered", name)
	}
	s, ok := raw.(serde.Serde[T])
	if !ok {
		return serde.Serde[T]{}, fmt.Errorf("serde %q has a different element type", name)
	}
	return s, nil
}
