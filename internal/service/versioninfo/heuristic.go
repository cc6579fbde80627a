package versioninfo

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/oshokin/nuspec-builder/internal/logger"
)

// Reader extracts the product version embedded in a binary.
type Reader interface {
	ProductVersion(path string) (string, error)
}

// binaryExtensions lists the file types inspected for version metadata.
//
//nolint:gochecknoglobals // Read-only lookup table.
var binaryExtensions = map[string]struct{}{
	".dll": {},
	".exe": {},
}

// Heuristic derives a package version by majority vote over binary product versions.
type Heuristic struct {
	reader Reader
}

// NewHeuristic creates a Heuristic backed by reader.
func NewHeuristic(reader Reader) *Heuristic {
	return &Heuristic{
		reader: reader,
	}
}

// DeriveVersion returns the most common product version among the binaries in files.
// Ties go to the version seen first; unreadable binaries are skipped, and an empty
// string is returned when no binary carries a version.
func (h *Heuristic) DeriveVersion(ctx context.Context, files []string) string {
	var (
		counts = make(map[string]int)
		order  []string
	)

	for _, file := range files {
		if !IsBinary(file) {
			continue
		}

		version, err := h.reader.ProductVersion(file)
		if err != nil {
			logger.DebugKV(ctx, "Skipping binary without readable version", "file", file, "error", err)
			continue
		}

		if version == "" {
			continue
		}

		if counts[version] == 0 {
			order = append(order, version)
		}

		counts[version]++
	}

	var (
		best      string
		bestCount int
	)

	for _, version := range order {
		if counts[version] > bestCount {
			best, bestCount = version, counts[version]
		}
	}

	return best
}

// IsBinary reports whether path has an executable or library extension.
func IsBinary(path string) bool {
	_, ok := binaryExtensions[strings.ToLower(filepath.Ext(path))]

	return ok
}
