package provider

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/linkflow/funcrt/internal/function"
)

// Registry holds handler modules compiled into the binary. Each module maps
// entry point names to handlers.
type Registry struct {
	modules map[string]map[string]function.Handler
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]map[string]function.Handler),
	}
}

// DefaultRegistry is the registry used when Options.Registry is nil.
var DefaultRegistry = NewRegistry()

// Register adds a module. Registering the same module name twice fails.
func (r *Registry) Register(module string, entries map[string]function.Handler) error {
	if module == "" {
		return fmt.Errorf("module name is required")
	}
	if len(entries) == 0 {
		return fmt.Errorf("module '%s' has no entry points", module)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[module]; exists {
		return fmt.Errorf("module '%s' is already registered", module)
	}

	copied := make(map[string]function.Handler, len(entries))
	for name, h := range entries {
		copied[name] = h
	}
	r.modules[module] = copied
	return nil
}

// MustRegister registers a module, panicking on error.
func (r *Registry) MustRegister(module string, entries map[string]function.Handler) {
	if err := r.Register(module, entries); err != nil {
		panic(err)
	}
}

// Lookup finds an entry point in a module.
func (r *Registry) Lookup(module, entry string) (function.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, ok := r.modules[module]
	if !ok {
		return nil, ErrModuleNotFound
	}
	h, ok := entries[entry]
	if !ok {
		return nil, ErrEntryPointMissing
	}
	return h, nil
}

// Modules returns the registered module names, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns the entry point names of a module, sorted.
func (r *Registry) Entries(module string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules[module]))
	for name := range r.modules[module] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type builtinProvider struct {
	registry *Registry
	module   string
	entry    string
}

func (p *builtinProvider) Resolve(context.Context) (*Resolved, error) {
	source := BuiltinScheme + p.module

	h, err := p.registry.Lookup(p.module, p.entry)
	if err != nil {
		return nil, acquireErr(source, p.entry, err, "")
	}

	return &Resolved{
		Handler:         h,
		Name:            fmt.Sprintf("%s#%s", source, p.entry),
		SourceTimestamp: executableModTime(),
	}, nil
}

// executableModTime stands in for the source timestamp of compiled-in
// handlers.
func executableModTime() time.Time {
	exe, err := os.Executable()
	if err != nil {
		return time.Time{}
	}
	info, err := os.Stat(exe)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
