package provider

import (
	"context"
	"fmt"
	"plugin"
	"unicode"
	"unicode/utf8"

	"github.com/linkflow/funcrt/internal/function"
)

// pluginProvider loads a handler from a Go plugin (.so). The plugin must
// export the entry point either as a function with the Handler signature or
// as a variable whose value implements function.Handler.
type pluginProvider struct {
	path  string
	entry string
}

func (p *pluginProvider) Resolve(context.Context) (*Resolved, error) {
	data, mtime, err := readSource(p.path, p.entry)
	if err != nil {
		return nil, err
	}

	plug, err := plugin.Open(p.path)
	if err != nil {
		return nil, acquireErr(p.path, p.entry, ErrMalformedSource, err.Error())
	}

	sym, name, err := lookupEntry(plug, p.entry)
	if err != nil {
		return nil, acquireErr(p.path, p.entry, ErrEntryPointMissing, err.Error())
	}

	h, err := asHandler(sym)
	if err != nil {
		return nil, acquireErr(p.path, p.entry, ErrMalformedSource, err.Error())
	}

	return &Resolved{
		Handler:         h,
		Name:            fmt.Sprintf("plugin:%s#%s", p.path, name),
		SourceTimestamp: mtime,
		SourceDigest:    Digest(data),
	}, nil
}

// lookupEntry tries the configured name, then its exported form, since Go
// plugins only expose capitalized symbols.
func lookupEntry(plug *plugin.Plugin, entry string) (plugin.Symbol, string, error) {
	sym, err := plug.Lookup(entry)
	if err == nil {
		return sym, entry, nil
	}

	exported := exportedName(entry)
	if exported == entry {
		return nil, "", err
	}
	sym, err2 := plug.Lookup(exported)
	if err2 != nil {
		return nil, "", err
	}
	return sym, exported, nil
}

func exportedName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

func asHandler(sym plugin.Symbol) (function.Handler, error) {
	switch v := sym.(type) {
	case func(context.Context, function.Snapshot, *function.Context) (function.Result, error):
		return function.HandlerFunc(v), nil
	case *func(context.Context, function.Snapshot, *function.Context) (function.Result, error):
		if v == nil || *v == nil {
			return nil, fmt.Errorf("entry point is a nil function variable")
		}
		return function.HandlerFunc(*v), nil
	case *function.Handler:
		if v == nil || *v == nil {
			return nil, fmt.Errorf("entry point is a nil handler variable")
		}
		return *v, nil
	case function.Handler:
		return v, nil
	default:
		return nil, fmt.Errorf("entry point has type %T, want a handler", sym)
	}
}
