package manifest

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/oshokin/nuspec-builder/internal/domain/nuspec"
	"github.com/oshokin/nuspec-builder/internal/logger"
)

const (
	// declaration precedes the document; the packaging tool accepts any UTF-8 input.
	declaration = `<?xml version="1.0" encoding="utf-8" standalone="yes"?>` + "\n"

	// DefaultDirMode is used when creating the output directory.
	DefaultDirMode os.FileMode = 0o755

	// DefaultFileMode is used for manifest files.
	DefaultFileMode os.FileMode = 0o644
)

// Repository defines persistence operations for manifests.
type Repository interface {
	Save(ctx context.Context, doc *nuspec.Document) (nuspec.Record, error)
	Load(ctx context.Context, path string) (*nuspec.Document, error)
}

// FileRepository stores manifests in a directory of a filesystem.
type FileRepository struct {
	// fs is the filesystem the manifests are written to.
	fs afero.Fs
	// dir is the output directory, created on first Save.
	dir string
	// mu serialises writes so concurrent Saves never interleave MkdirAll and WriteFile.
	mu sync.Mutex
}

var (
	// ErrNotFound is returned when a manifest file does not exist.
	ErrNotFound = errors.New("manifest not found")

	errEmptyID = errors.New("manifest id is empty")
)

// NewFileRepository creates a repository writing into dir on fs.
func NewFileRepository(fs afero.Fs, dir string) *FileRepository {
	return &FileRepository{
		fs:  fs,
		dir: filepath.Clean(dir),
	}
}

// Path returns the manifest location for a package id.
func (r *FileRepository) Path(id string) string {
	return filepath.Join(r.dir, id+nuspec.FileExtension)
}

// Save encodes doc and writes it to <dir>/<id>.nuspec, creating dir if needed.
// An existing manifest with the same content is left untouched, so its
// modification time only changes when the manifest does.
func (r *FileRepository) Save(ctx context.Context, doc *nuspec.Document) (nuspec.Record, error) {
	if doc.Metadata.ID == "" {
		return nuspec.Record{}, errEmptyID
	}

	data, err := Encode(doc)
	if err != nil {
		return nuspec.Record{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err = r.fs.MkdirAll(r.dir, DefaultDirMode); err != nil {
		return nuspec.Record{}, fmt.Errorf("create output directory: %w", err)
	}

	path := r.Path(doc.Metadata.ID)
	record := nuspec.Record{
		ID:   doc.Metadata.ID,
		Path: path,
	}

	if r.unchanged(ctx, path, data) {
		logger.DebugKV(ctx, "Manifest is up to date", "manifest", path)
		return record, nil
	}

	if err = afero.WriteFile(r.fs, path, data, DefaultFileMode); err != nil {
		return nuspec.Record{}, fmt.Errorf("write manifest: %w", err)
	}

	return record, nil
}

// unchanged reports whether the manifest at path encodes to data.
func (r *FileRepository) unchanged(ctx context.Context, path string, data []byte) bool {
	existing, err := r.Load(ctx, path)
	if err != nil {
		return false
	}

	current, err := Encode(existing)
	if err != nil {
		return false
	}

	return bytes.Equal(current, data)
}

// Load reads and decodes the manifest at path.
func (r *FileRepository) Load(_ context.Context, path string) (*nuspec.Document, error) {
	contents, err := afero.ReadFile(r.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}

		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return Decode(contents)
}

// Encode renders doc as an indented XML document with declaration.
func Encode(doc *nuspec.Document) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(declaration)

	encoder := xml.NewEncoder(&buf)
	encoder.Indent("", "  ")

	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	buf.WriteByte('\n')

	return buf.Bytes(), nil
}

// Decode parses a manifest produced by Encode.
func Decode(data []byte) (*nuspec.Document, error) {
	var doc nuspec.Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	return &doc, nil
}
