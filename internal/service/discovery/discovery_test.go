package discovery

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// newTree creates directories and empty files on an in-memory filesystem.
// Paths ending with a separator are directories.
func newTree(t *testing.T, paths ...string) afero.Fs {
	t.Helper()

	fs := afero.NewMemMapFs()

	for _, p := range paths {
		if p[len(p)-1] == '/' {
			require.NoError(t, fs.MkdirAll(filepath.FromSlash(p), 0o755))
			continue
		}

		full := filepath.FromSlash(p)
		require.NoError(t, fs.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, afero.WriteFile(fs, full, []byte("x"), 0o644))
	}

	return fs
}

func unitPaths(t *testing.T, fs afero.Fs, root string, opts ...Option) [][]string {
	t.Helper()

	bundles, err := New(fs, opts...).DiscoverBundles(context.Background(), filepath.FromSlash(root))
	require.NoError(t, err)

	result := make([][]string, 0, len(bundles))
	for _, bundle := range bundles {
		units := make([]string, 0, len(bundle.Units))
		for _, unit := range bundle.Units {
			units = append(units, filepath.ToSlash(unit))
		}

		result = append(result, units)
	}

	return result
}

// TestDiscoverBundles_SingleBundle yields one bundle with every child directory as a unit.
func TestDiscoverBundles_SingleBundle(t *testing.T) {
	t.Parallel()

	fs := newTree(t,
		"/repo/product/imports/Log4Net/",
		"/repo/product/imports/Newtonsoft.Json/",
		"/repo/product/imports/NUnit/",
		"/repo/product/imports/readme.txt",
		"/repo/product/src/main.cs",
	)

	require.Equal(t, [][]string{{
		"/repo/product/imports/Log4Net",
		"/repo/product/imports/NUnit",
		"/repo/product/imports/Newtonsoft.Json",
	}}, unitPaths(t, fs, "/repo"))
}

// TestDiscoverBundles_NestedMarkerIgnored does not descend below a bundle directory.
func TestDiscoverBundles_NestedMarkerIgnored(t *testing.T) {
	t.Parallel()

	fs := newTree(t,
		"/repo/imports/A/imports/Inner/",
		"/repo/imports/B/",
	)

	require.Equal(t, [][]string{{"/repo/imports/A", "/repo/imports/B"}}, unitPaths(t, fs, "/repo"))
}

// TestDiscoverBundles_SeparateBranches finds bundles in sibling subtrees.
func TestDiscoverBundles_SeparateBranches(t *testing.T) {
	t.Parallel()

	fs := newTree(t,
		"/repo/a/imports/X/",
		"/repo/b/c/imports/Y/",
		"/repo/b/c/imports/Z/",
	)

	require.Equal(t, [][]string{
		{"/repo/a/imports/X"},
		{"/repo/b/c/imports/Y", "/repo/b/c/imports/Z"},
	}, unitPaths(t, fs, "/repo"))
}

// TestDiscoverBundles_MarkerStopsSiblings leaves later siblings of a bundle directory unvisited.
func TestDiscoverBundles_MarkerStopsSiblings(t *testing.T) {
	t.Parallel()

	fs := newTree(t,
		"/repo/a_imports/L/",
		"/repo/b/imports/M/",
	)

	require.Equal(t, [][]string{{"/repo/a_imports/L"}}, unitPaths(t, fs, "/repo"))
}

// TestDiscoverBundles_VCSMarkerScope checks that a metadata directory suppresses descent
// into later siblings only, and only within the same parent.
func TestDiscoverBundles_VCSMarkerScope(t *testing.T) {
	t.Parallel()

	fs := newTree(t,
		// ".svn" sorts first, so "proj" is skipped.
		"/repo/one/.svn/imports/Hidden/",
		"/repo/one/proj/imports/Skipped/",
		// "a" is visited before "z.svn" sets the flag.
		"/repo/two/a/imports/Kept/",
		"/repo/two/z.svn/imports/Hidden/",
		// A flag set in /repo/one does not leak into /repo/three.
		"/repo/three/imports/Visible/",
	)

	require.Equal(t, [][]string{
		{"/repo/three/imports/Visible"},
		{"/repo/two/a/imports/Kept"},
	}, unitPaths(t, fs, "/repo"))
}

// TestDiscoverBundles_EmptyBundle keeps a bundle without units.
func TestDiscoverBundles_EmptyBundle(t *testing.T) {
	t.Parallel()

	fs := newTree(t, "/repo/imports/readme.txt")

	bundles, err := New(fs).DiscoverBundles(context.Background(), filepath.FromSlash("/repo"))
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.Empty(t, bundles[0].Units)
}

// TestDiscoverBundles_CustomMarkersAndDepth honours options.
func TestDiscoverBundles_CustomMarkersAndDepth(t *testing.T) {
	t.Parallel()

	fs := newTree(t,
		"/repo/.git/vendor/Hidden/",
		"/repo/x/vendor/Lib/",
		"/repo/deep/1/2/3/vendor/TooDeep/",
	)

	got := unitPaths(t, fs, "/repo",
		WithBundleMarker("vendor"),
		WithVCSMarkers(".git"),
		WithMaxDepth(3),
	)
	require.Empty(t, got)

	got = unitPaths(t, fs, "/repo/x", WithBundleMarker("vendor"), WithMaxDepth(3))
	require.Equal(t, [][]string{{"/repo/x/vendor/Lib"}}, got)

	got = unitPaths(t, fs, "/repo/deep", WithBundleMarker("vendor"), WithMaxDepth(3))
	require.Empty(t, got)

	got = unitPaths(t, fs, "/repo/deep", WithBundleMarker("vendor"), WithMaxDepth(4))
	require.Equal(t, [][]string{{"/repo/deep/1/2/3/vendor/TooDeep"}}, got)
}

// TestDiscoverBundles_MissingRoot reports ErrRootNotFound for absent or non-directory roots.
func TestDiscoverBundles_MissingRoot(t *testing.T) {
	t.Parallel()

	fs := newTree(t, "/repo/file.txt")
	d := New(fs)

	bundles, err := d.DiscoverBundles(context.Background(), filepath.FromSlash("/missing"))
	require.ErrorIs(t, err, ErrRootNotFound)
	require.Empty(t, bundles)

	_, err = d.DiscoverBundles(context.Background(), filepath.FromSlash("/repo/file.txt"))
	require.ErrorIs(t, err, ErrRootNotFound)
}

// TestCollectFiles lists root files first, skips metadata directories and excluded names.
func TestCollectFiles(t *testing.T) {
	t.Parallel()

	fs := newTree(t,
		"/u/b.dll",
		"/u/a.pdb",
		"/u/lib/net45/c.dll",
		"/u/lib/d.xml",
		"/u/.svn/entries",
		"/u/lib/.svn/text-base/e.dll",
	)

	exclude, err := CompilePatterns([]string{"*.pdb"})
	require.NoError(t, err)

	files, err := New(fs, WithExclude(exclude...)).CollectFiles(context.Background(), filepath.FromSlash("/u"))
	require.NoError(t, err)

	got := make([]string, 0, len(files))
	for _, f := range files {
		got = append(got, filepath.ToSlash(f))
	}

	require.Equal(t, []string{
		"/u/b.dll",
		"/u/lib/d.xml",
		"/u/lib/net45/c.dll",
	}, got)
}

// TestCollectFiles_Errors covers missing roots, depth limits and bad patterns.
func TestCollectFiles_Errors(t *testing.T) {
	t.Parallel()

	fs := newTree(t, "/u/1/2/3/f.dll")

	_, err := New(fs).CollectFiles(context.Background(), filepath.FromSlash("/nope"))
	require.Error(t, err)

	_, err = New(fs, WithMaxDepth(2)).CollectFiles(context.Background(), filepath.FromSlash("/u"))
	require.ErrorIs(t, err, errMaxDepthExceeded)

	_, err = CompilePatterns([]string{"[z-"})
	require.Error(t, err)
}

// TestCollectFiles_SymlinkCycle terminates on a directory symlink pointing to an ancestor.
func TestCollectFiles_SymlinkCycle(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("symlinks require elevated privileges on Windows")
	}

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "a.dll"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(root, filepath.Join(root, "lib", "loop")))

	files, err := New(afero.NewOsFs()).CollectFiles(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(root, "lib", "a.dll")}, files)
}

// TestCollectFiles_SymlinkedFiles lists links to files but not dangling links.
func TestCollectFiles_SymlinkedFiles(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("symlinks require elevated privileges on Windows")
	}

	shared := t.TempDir()
	target := filepath.Join(shared, "Shared.dll")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "own.dll"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(root, "shared.dll")))
	require.NoError(t, os.Symlink(filepath.Join(shared, "gone.dll"), filepath.Join(root, "dangling.dll")))
	require.NoError(t, os.Symlink(shared, filepath.Join(root, "linked-dir")))

	files, err := New(afero.NewOsFs()).CollectFiles(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(root, "own.dll"),
		filepath.Join(root, "shared.dll"),
	}, files)
}
