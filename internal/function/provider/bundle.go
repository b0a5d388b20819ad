package provider

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// maxBundleFile caps a single extracted file.
const maxBundleFile = 64 << 20

// bundleProvider loads a module packaged in a zip archive. The module name
// is dotted ("pkg.main") and is looked up as a script or plugin file at the
// archive root, or as a package directory.
type bundleProvider struct {
	opts Options
}

func (p *bundleProvider) Resolve(ctx context.Context) (*Resolved, error) {
	archive := p.opts.Source
	entry := p.opts.Entry

	if _, err := os.Stat(archive); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, acquireErr(archive, entry, ErrModuleNotFound, "bundle does not exist")
		}
		return nil, acquireErr(archive, entry, ErrModuleNotFound, err.Error())
	}

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, acquireErr(archive, entry, ErrMalformedSource, err.Error())
	}
	defer zr.Close()

	member, ok := findModule(&zr.Reader, p.opts.Module)
	if !ok {
		return nil, acquireErr(archive, entry, ErrModuleNotFound,
			fmt.Sprintf("module %q not in bundle", p.opts.Module))
	}

	wd, err := newWorkDir("funcrt-bundle-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	if err := extract(&zr.Reader, wd.Path()); err != nil {
		wd.Cleanup()
		return nil, acquireErr(archive, entry, ErrMalformedSource, err.Error())
	}

	modulePath := filepath.Join(wd.Path(), filepath.FromSlash(member.Name))
	inner, err := p.innerProvider(modulePath, wd.Path(), member.Modified).Resolve(ctx)
	if err != nil {
		wd.Cleanup()
		var ae *AcquireError
		if errors.As(err, &ae) {
			ae.Source = archive + "!" + member.Name
		}
		return nil, err
	}

	inner.Name = fmt.Sprintf("bundle:%s!%s#%s", archive, member.Name, entry)
	if !member.Modified.IsZero() {
		inner.SourceTimestamp = member.Modified
	}
	inner.cleanup = append([]func() error{wd.Cleanup}, inner.cleanup...)
	return inner, nil
}

func (p *bundleProvider) innerProvider(modulePath, root string, modified time.Time) Provider {
	if strings.EqualFold(filepath.Ext(modulePath), ".so") {
		return &pluginProvider{path: modulePath, entry: p.opts.Entry}
	}
	return &scriptProvider{
		runtime:         runtimeForExt(strings.ToLower(filepath.Ext(modulePath))),
		path:            modulePath,
		root:            root,
		module:          p.opts.Module,
		entry:           p.opts.Entry,
		timeout:         p.opts.Timeout,
		logger:          p.opts.Logger,
		sourceTimestamp: modified,
	}
}

// moduleCandidates lists archive paths that may hold a dotted module name,
// in lookup order.
func moduleCandidates(module string) []string {
	base := strings.ReplaceAll(module, ".", "/")
	var candidates []string
	for _, rt := range runtimes {
		for _, ext := range rt.extensions {
			candidates = append(candidates, base+ext)
		}
	}
	candidates = append(candidates,
		base+"/__init__.py",
		base+"/index.js",
		base+".so",
	)
	return candidates
}

func findModule(zr *zip.Reader, module string) (*zip.File, bool) {
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[path.Clean(f.Name)] = f
	}
	for _, name := range moduleCandidates(module) {
		if f, ok := files[name]; ok && !f.FileInfo().IsDir() {
			return f, true
		}
	}
	return nil, false
}

func extract(zr *zip.Reader, dest string) error {
	for _, f := range zr.File {
		name := path.Clean(f.Name)
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return fmt.Errorf("bundle entry %q escapes the bundle root", f.Name)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	n, err := io.Copy(out, io.LimitReader(rc, maxBundleFile+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n > maxBundleFile {
		return fmt.Errorf("file exceeds %d bytes", maxBundleFile)
	}

	if !f.Modified.IsZero() {
		return os.Chtimes(target, f.Modified, f.Modified)
	}
	return nil
}
