package versioninfo

import (
	"errors"
	"fmt"
	"strings"

	peparser "github.com/saferwall/pe"
)

const productVersionKey = "ProductVersion"

var (
	errNoProductVersion = errors.New("binary has no product version")
	errMalformedBinary  = errors.New("malformed binary")
)

// PEReader reads version resources of Portable Executable files.
type PEReader struct{}

// NewPEReader creates a PEReader.
func NewPEReader() *PEReader {
	return &PEReader{}
}

// ProductVersion parses the PE file at path and returns the ProductVersion
// entry of its StringFileInfo table.
func (r *PEReader) ProductVersion(path string) (version string, err error) {
	// The parser may panic on truncated resource tables.
	defer func() {
		if recovered := recover(); recovered != nil {
			version, err = "", fmt.Errorf("%s: %w: %v", path, errMalformedBinary, recovered)
		}
	}()

	file, err := peparser.New(path, &peparser.Options{})
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	if err = file.Parse(); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}

	resources, err := file.ParseVersionResources()
	if err != nil {
		return "", fmt.Errorf("read version resources of %s: %w", path, err)
	}

	version = strings.TrimSpace(resources[productVersionKey])
	if version == "" {
		return "", fmt.Errorf("%s: %w", path, errNoProductVersion)
	}

	return version, nil
}
