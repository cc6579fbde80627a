package nuspec

import (
	"encoding/xml"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// Namespace is the XML namespace declared on the package element.
	Namespace = "http://schemas.microsoft.com/packaging/2010/07/nuspec.xsd"

	// FileExtension is appended to the package id to name a manifest file.
	FileExtension = ".nuspec"
)

var errOutsideUnit = errors.New("file is outside of the unit root")

// Bundle is the set of packageable units found under one bundle directory.
type Bundle struct {
	// Path is the bundle directory itself.
	Path string
	// Units are the immediate child directories, in enumeration order.
	Units []string
}

// Unit is a directory that becomes exactly one package.
type Unit struct {
	// Root is the unit directory.
	Root string
	// ID is the package identifier, the base name of Root.
	ID string
}

// NewUnit derives a Unit from its root directory.
func NewUnit(root string) Unit {
	root = filepath.Clean(root)

	return Unit{
		Root: root,
		ID:   filepath.Base(root),
	}
}

// MetadataDefaults are the metadata values shared by every generated manifest.
type MetadataDefaults struct {
	Authors           string
	Owners            string
	Copyright         string
	DescriptionSuffix string
}

// Document is the XML representation of a .nuspec manifest.
type Document struct {
	XMLName  xml.Name `xml:"http://schemas.microsoft.com/packaging/2010/07/nuspec.xsd package"`
	Metadata Metadata `xml:"metadata"`
	Files    FileList `xml:"files"`
}

// Metadata is the single-valued header of a manifest.
type Metadata struct {
	ID          string `xml:"id"`
	Version     string `xml:"version"`
	Description string `xml:"description"`
	Title       string `xml:"title"`
	Authors     string `xml:"authors"`
	Owners      string `xml:"owners"`
	Copyright   string `xml:"copyright"`
}

// FileList wraps the file mappings so an empty list still renders a files element.
type FileList struct {
	Entries []FileEntry `xml:"file"`
}

// FileEntry maps a source file to its directory inside the package.
type FileEntry struct {
	// Source is the absolute path of the file on disk.
	Source string `xml:"src,attr"`
	// Target is the package-relative directory with a trailing separator,
	// or empty for files at the unit root.
	Target string `xml:"target,attr"`
}

// Record points at a manifest written to disk.
type Record struct {
	// ID is the package identifier.
	ID string
	// Path is the manifest file.
	Path string
}

// NewDocument assembles the manifest of unit.
func NewDocument(unit Unit, version string, files []FileEntry, defaults MetadataDefaults) *Document {
	return &Document{
		Metadata: Metadata{
			ID:          unit.ID,
			Version:     version,
			Description: unit.ID + defaults.DescriptionSuffix,
			Title:       unit.ID,
			Authors:     defaults.Authors,
			Owners:      defaults.Owners,
			Copyright:   defaults.Copyright,
		},
		Files: FileList{
			Entries: files,
		},
	}
}

// FileTarget returns the package-relative directory of file, which must live under unitRoot.
// Files directly under unitRoot map to "", nested ones to "<dir>" + separator.
func FileTarget(unitRoot, file string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(unitRoot), filepath.Clean(file))
	if err != nil {
		return "", fmt.Errorf("%s: %w", file, err)
	}

	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", file, errOutsideUnit)
	}

	dir := filepath.Dir(rel)
	if dir == "." {
		return "", nil
	}

	return dir + string(filepath.Separator), nil
}

// Entries maps every file of unit to a FileEntry, preserving order.
func Entries(unit Unit, files []string) ([]FileEntry, error) {
	entries := make([]FileEntry, 0, len(files))

	for _, file := range files {
		target, err := FileTarget(unit.Root, file)
		if err != nil {
			return nil, err
		}

		entries = append(entries, FileEntry{
			Source: file,
			Target: target,
		})
	}

	return entries, nil
}
