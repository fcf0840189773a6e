package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is a type-erased workflow handler over raw JSON input and
// output. Typed definitions are converted to HandlerFuncs at registration.
type HandlerFunc func(wf *Workflow, input []byte) ([]byte, error)

// Definition is a typed workflow definition. T is the JSON-serializable
// input type, R the result type.
type Definition[T, R any] struct {
	Name    string
	Handler func(wf *Workflow, input T) (R, error)
}

// NewDefinition creates a typed workflow definition.
func NewDefinition[T, R any](name string, handler func(wf *Workflow, input T) (R, error)) *Definition[T, R] {
	return &Definition[T, R]{Name: name, Handler: handler}
}

// Registry maps workflow names to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a typed definition to the registry, wrapping the typed
// handler in JSON unmarshal/marshal of input and result. Package-level
// because Go does not allow generic methods.
func Register[T, R any](r *Registry, def *Definition[T, R]) {
	handler := func(wf *Workflow, input []byte) ([]byte, error) {
		var in T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("unmarshal input for workflow %q: %w", def.Name, err)
			}
		}
		result, err := def.Handler(wf, in)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result for workflow %q: %w", def.Name, err)
		}
		return out, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = handler
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
