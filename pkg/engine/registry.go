package engine

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/ajsinha/dgfacade/pkg/config"
)

// ErrHandlerClassNotFound indicates no factory is registered for a
// handler_class value.
var ErrHandlerClassNotFound = errors.New("handler class not found")

// Factory constructs one fresh handler instance per execution.
type Factory func() Handler

// ForeignWorkerFactory builds handlers for is_python configs. Registered by
// the external worker bridge; absent in a core-only deployment.
type ForeignWorkerFactory func(hc *config.HandlerConfig) (Handler, error)

// Registry maps handler_class identifiers to handler factories. Native
// handlers register a Factory; foreign objects register a constructor that
// is adapted once at registration time (see adapter.go).
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	foreign   ForeignWorkerFactory
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a handler class to a native factory. Later registrations
// replace earlier ones, which is how hot-reloaded catalogues install.
func (r *Registry) Register(class string, f Factory) {
	r.mu.Lock()
	r.factories[class] = f
	r.mu.Unlock()
}

// RegisterForeign binds a handler class to a foreign object constructor.
// The constructor's result type is introspected and bound immediately;
// registration fails when the type exposes no execute-style method.
func (r *Registry) RegisterForeign(class string, construct func() any) error {
	probe := construct()
	if probe == nil {
		return fmt.Errorf("foreign constructor for %q returned nil", class)
	}
	b, err := adaptType(reflect.TypeOf(probe))
	if err != nil {
		return fmt.Errorf("adapting %q: %w", class, err)
	}

	r.Register(class, func() Handler {
		return newAdaptedHandler(construct(), b)
	})
	return nil
}

// SetForeignWorkerFactory installs the bridge used for is_python handler
// configs.
func (r *Registry) SetForeignWorkerFactory(f ForeignWorkerFactory) {
	r.mu.Lock()
	r.foreign = f
	r.mu.Unlock()
}

// Create instantiates a handler for the given config. is_python configs
// route to the foreign worker bridge; everything else resolves through the
// registered factories.
func (r *Registry) Create(hc *config.HandlerConfig) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[hc.HandlerClass]
	foreign := r.foreign
	r.mu.RUnlock()

	if hc.IsPython {
		if foreign == nil {
			return nil, fmt.Errorf("%w: %s (foreign worker bridge not installed)",
				ErrHandlerClassNotFound, hc.HandlerClass)
		}
		return foreign(hc)
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerClassNotFound, hc.HandlerClass)
	}
	return factory(), nil
}

// Classes returns the registered handler class names.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classes := make([]string, 0, len(r.factories))
	for class := range r.factories {
		classes = append(classes, class)
	}
	return classes
}
