package worker

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/server/services"
)

// Registry is the process-local callable registry, populated at startup.
// Callables are referenced by symbolic "namespace.function" names; dynamic
// import by dotted path is deliberately not supported.
type Registry struct {
	callables map[string]services.Callable
	mutex     sync.RWMutex
	logger.Log
}

func NewRegistry(logFactory logger.LogFactory) *Registry {
	return &Registry{
		callables: make(map[string]services.Callable),
		Log:       logFactory("CallableRegistry"),
	}
}

// Register binds a symbolic "namespace.function" name to an entry point.
// Returns an error if the name is malformed or already bound.
func (r *Registry) Register(name string, callable services.Callable) error {
	parts := strings.Split(name, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errors.Errorf("error callable name %q must be of the form namespace.function", name)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.callables[name]; exists {
		return errors.Errorf("error callable %q already registered", name)
	}
	r.callables[name] = callable
	r.Debugf("Registered callable %q", name)
	return nil
}

// Resolve returns the callable bound to name, or nil if the name is unknown.
func (r *Registry) Resolve(name string) services.Callable {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.callables[name]
}

// Names returns all registered callable names.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.callables))
	for name := range r.callables {
		names = append(names, name)
	}
	return names
}
