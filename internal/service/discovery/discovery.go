package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"

	"github.com/oshokin/nuspec-builder/internal/config"
	"github.com/oshokin/nuspec-builder/internal/domain/nuspec"
	"github.com/oshokin/nuspec-builder/internal/logger"
)

// ErrRootNotFound is returned when the tree to scan does not exist or is not a directory.
var ErrRootNotFound = errors.New("input directory does not exist")

var errMaxDepthExceeded = errors.New("maximum directory depth exceeded")

// Discoverer walks a filesystem looking for bundles and unit files.
type Discoverer struct {
	// fs is the filesystem being scanned.
	fs afero.Fs
	// bundleMarker is the substring identifying bundle directories.
	bundleMarker string
	// vcsMarkers are substrings identifying version-control metadata directories.
	vcsMarkers []string
	// exclude holds file name patterns left out of CollectFiles.
	exclude []glob.Glob
	// maxDepth bounds recursion below the starting directory.
	maxDepth int
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithBundleMarker overrides the bundle directory marker.
func WithBundleMarker(marker string) Option {
	return func(d *Discoverer) {
		if marker != "" {
			d.bundleMarker = marker
		}
	}
}

// WithVCSMarkers overrides the version-control directory markers.
func WithVCSMarkers(markers ...string) Option {
	return func(d *Discoverer) {
		d.vcsMarkers = append([]string(nil), markers...)
	}
}

// WithMaxDepth bounds recursion depth.
func WithMaxDepth(depth int) Option {
	return func(d *Discoverer) {
		if depth > 0 {
			d.maxDepth = depth
		}
	}
}

// WithExclude skips files whose base name matches any of patterns.
func WithExclude(patterns ...glob.Glob) Option {
	return func(d *Discoverer) {
		d.exclude = append(d.exclude, patterns...)
	}
}

// CompilePatterns compiles file name globs for WithExclude.
func CompilePatterns(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
		}

		globs = append(globs, g)
	}

	return globs, nil
}

// New creates a Discoverer over fs with default markers.
func New(fs afero.Fs, opts ...Option) *Discoverer {
	d := &Discoverer{
		fs:           fs,
		bundleMarker: config.DefaultBundleMarker,
		vcsMarkers:   []string{config.DefaultVCSMarker},
		maxDepth:     config.DefaultMaxDepth,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// DiscoverBundles walks root depth-first and returns one Bundle per bundle directory.
// Walking stops below a bundle directory, and the remaining siblings of a bundle
// directory are not visited.
func (d *Discoverer) DiscoverBundles(ctx context.Context, root string) ([]nuspec.Bundle, error) {
	info, err := d.fs.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.WarnKV(ctx, "Input directory does not exist", "path", root)
			return nil, fmt.Errorf("%s: %w", root, ErrRootNotFound)
		}

		return nil, fmt.Errorf("stat input directory: %w", err)
	}

	if !info.IsDir() {
		logger.WarnKV(ctx, "Input path is not a directory", "path", root)
		return nil, fmt.Errorf("%s is not a directory: %w", root, ErrRootNotFound)
	}

	bundles := d.walkBundles(ctx, root, 0, nil)

	if err = ctx.Err(); err != nil {
		return bundles, err
	}

	return bundles, nil
}

func (d *Discoverer) walkBundles(ctx context.Context, dir string, depth int, bundles []nuspec.Bundle) []nuspec.Bundle {
	if ctx.Err() != nil {
		return bundles
	}

	if depth >= d.maxDepth {
		logger.WarnKV(ctx, "Directory is too deep, skipping", "path", dir, "max_depth", d.maxDepth)
		return bundles
	}

	entries, err := afero.ReadDir(d.fs, dir)
	if err != nil {
		logger.WarnKV(ctx, "Unable to read directory, skipping", "path", dir, "error", err)
		return bundles
	}

	repoFound := false

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		name := entry.Name()
		path := filepath.Join(dir, name)

		if d.isVCSDir(name) {
			repoFound = true
			continue
		}

		if strings.Contains(name, d.bundleMarker) {
			return append(bundles, d.readBundle(ctx, path))
		}

		if repoFound {
			continue
		}

		bundles = d.walkBundles(ctx, path, depth+1, bundles)
	}

	return bundles
}

// readBundle lists the unit directories of a bundle.
func (d *Discoverer) readBundle(ctx context.Context, path string) nuspec.Bundle {
	bundle := nuspec.Bundle{Path: path}

	entries, err := afero.ReadDir(d.fs, path)
	if err != nil {
		logger.WarnKV(ctx, "Unable to read bundle directory", "path", path, "error", err)
		return bundle
	}

	for _, entry := range entries {
		if entry.IsDir() {
			bundle.Units = append(bundle.Units, filepath.Join(path, entry.Name()))
		}
	}

	logger.DebugKV(ctx, "Found bundle", "path", path, "units", len(bundle.Units))

	return bundle
}

// CollectFiles lists every regular file under root: files of a directory first,
// then its subdirectories. Version-control directories and directory symlinks are skipped;
// symlinks to regular files are listed.
func (d *Discoverer) CollectFiles(ctx context.Context, root string) ([]string, error) {
	return d.collect(ctx, root, 0, nil)
}

func (d *Discoverer) collect(ctx context.Context, dir string, depth int, files []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if depth >= d.maxDepth {
		return nil, fmt.Errorf("%s: %w", dir, errMaxDepthExceeded)
	}

	entries, err := afero.ReadDir(d.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	subdirs := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()

		switch {
		case entry.IsDir():
			if !d.isVCSDir(name) {
				subdirs = append(subdirs, filepath.Join(dir, name))
			}
		case entry.Mode().IsRegular():
			if !d.isExcluded(name) {
				files = append(files, filepath.Join(dir, name))
			}
		case entry.Mode()&os.ModeSymlink != 0:
			// Links to files are packed like files; links to directories are never followed.
			path := filepath.Join(dir, name)
			if !d.isExcluded(name) && d.isLinkedFile(ctx, path) {
				files = append(files, path)
			}
		}
	}

	for _, subdir := range subdirs {
		if files, err = d.collect(ctx, subdir, depth+1, files); err != nil {
			return nil, err
		}
	}

	return files, nil
}

// isLinkedFile reports whether the symlink at path resolves to a regular file.
func (d *Discoverer) isLinkedFile(ctx context.Context, path string) bool {
	info, err := d.fs.Stat(path)
	if err != nil {
		logger.DebugKV(ctx, "Skipping unresolvable symlink", "path", path, "error", err)
		return false
	}

	return info.Mode().IsRegular()
}

func (d *Discoverer) isVCSDir(name string) bool {
	for _, marker := range d.vcsMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}

	return false
}

func (d *Discoverer) isExcluded(name string) bool {
	for _, pattern := range d.exclude {
		if pattern.Match(name) {
			return true
		}
	}

	return false
}
