// Package provider resolves the user handler from its configured source:
// a compiled-in bundle module, a Go plugin, an interpreted script module, or
// a zip bundle holding one of those.
package provider

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/linkflow/funcrt/internal/function"
)

var (
	ErrModuleNotFound     = errors.New("handler module not found")
	ErrEntryPointMissing  = errors.New("handler entry point missing")
	ErrMalformedSource    = errors.New("handler source malformed")
	ErrRuntimeUnavailable = errors.New("handler runtime unavailable")
	ErrUnsupportedSource  = errors.New("unsupported handler source")
)

const (
	DefaultEntry  = "handler"
	DefaultModule = "usermodule"
	DefaultSource = "/opt/usermodule.py"

	// BuiltinScheme prefixes sources that name a compiled-in bundle module.
	BuiltinScheme = "builtin:"
)

// AcquireError describes why a handler could not be resolved. Err is one of
// the sentinel errors above.
type AcquireError struct {
	Source string
	Entry  string
	Err    error
	Detail string
}

func (e *AcquireError) Error() string {
	msg := fmt.Sprintf("acquire handler %s (entry %q): %v", e.Source, e.Entry, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

func acquireErr(source, entry string, err error, detail string) *AcquireError {
	return &AcquireError{Source: source, Entry: entry, Err: err, Detail: detail}
}

// Resolved is a loaded handler plus what is known about its source.
type Resolved struct {
	Handler         function.Handler
	Name            string
	SourceTimestamp time.Time
	SourceDigest    string

	cleanup []func() error
}

// Close releases any work directory created while loading the handler.
func (r *Resolved) Close() error {
	var errs []error
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		if err := r.cleanup[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.cleanup = nil
	return errors.Join(errs...)
}

// Provider resolves a callable handler.
type Provider interface {
	Resolve(ctx context.Context) (*Resolved, error)
}

// Options configures handler acquisition.
type Options struct {
	// Source is a path to a script, plugin or zip bundle, or
	// "builtin:<module>" for a compiled-in module.
	Source string
	// Entry is the function name to resolve. Defaults to "handler".
	Entry string
	// Module names the module inside a zip bundle. Defaults to "usermodule".
	Module string
	// Timeout bounds a single script invocation.
	Timeout  time.Duration
	Registry *Registry
	Logger   *slog.Logger
}

// New picks the provider for opts.Source.
func New(opts Options) Provider {
	if opts.Entry == "" {
		opts.Entry = DefaultEntry
	}
	if opts.Module == "" {
		opts.Module = DefaultModule
	}
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if module, ok := strings.CutPrefix(opts.Source, BuiltinScheme); ok {
		return &builtinProvider{registry: opts.Registry, module: module, entry: opts.Entry}
	}

	switch ext := strings.ToLower(filepath.Ext(opts.Source)); ext {
	case ".zip":
		return &bundleProvider{opts: opts}
	case ".so":
		return &pluginProvider{path: opts.Source, entry: opts.Entry}
	default:
		if rt := runtimeForExt(ext); rt != nil {
			return &scriptProvider{
				runtime: rt,
				path:    opts.Source,
				root:    filepath.Dir(opts.Source),
				module:  strings.TrimSuffix(filepath.Base(opts.Source), filepath.Ext(opts.Source)),
				entry:   opts.Entry,
				timeout: opts.Timeout,
				logger:  opts.Logger,
			}
		}
		return unsupportedProvider{source: opts.Source, entry: opts.Entry}
	}
}

// Resolve is shorthand for New(opts).Resolve(ctx).
func Resolve(ctx context.Context, opts Options) (*Resolved, error) {
	return New(opts).Resolve(ctx)
}

type unsupportedProvider struct {
	source string
	entry  string
}

func (p unsupportedProvider) Resolve(context.Context) (*Resolved, error) {
	return nil, acquireErr(p.source, p.entry, ErrUnsupportedSource,
		fmt.Sprintf("unknown extension %q", filepath.Ext(p.source)))
}

// readSource stats and reads a source file, mapping a missing file to
// ErrModuleNotFound.
func readSource(path, entry string) ([]byte, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, acquireErr(path, entry, ErrModuleNotFound, "")
		}
		return nil, time.Time{}, acquireErr(path, entry, ErrModuleNotFound, err.Error())
	}
	if info.IsDir() {
		return nil, time.Time{}, acquireErr(path, entry, ErrModuleNotFound, "path is a directory")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, acquireErr(path, entry, ErrModuleNotFound, err.Error())
	}
	return data, info.ModTime(), nil
}

// Digest returns the hex BLAKE2b-256 digest of source.
func Digest(source []byte) string {
	sum := blake2b.Sum256(source)
	return hex.EncodeToString(sum[:])
}
