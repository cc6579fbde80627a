package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of a nuspec-builder run.
type Config struct {
	// InputPath is the working tree searched for bundle directories.
	InputPath string `yaml:"input"`
	// OutputPath is where .nuspec manifests are written.
	OutputPath string `yaml:"output"`
	// ToolPath is the packaging executable invoked as `<tool> pack <manifest>`.
	ToolPath string `yaml:"tool"`
	// BundleMarker is the substring identifying a bundle directory.
	BundleMarker string `yaml:"bundle_marker"`
	// VCSMarkers are substrings identifying version-control metadata directories.
	VCSMarkers []string `yaml:"vcs_markers"`
	// ExcludeFiles are glob patterns matched against file names left out of manifests.
	ExcludeFiles []string `yaml:"exclude_files"`
	// MaxDepth bounds directory recursion.
	MaxDepth int `yaml:"max_depth"`
	// Concurrency is the number of packaging processes allowed to run at once.
	Concurrency int `yaml:"concurrency"`
	// Timeout limits a single packaging process; zero disables it.
	Timeout time.Duration `yaml:"timeout"`
	// KillOnCancel terminates running packaging processes on interrupt
	// instead of letting them finish.
	KillOnCancel bool `yaml:"kill_on_cancel"`
	// PackArgs are appended after `pack <manifest>`.
	PackArgs []string `yaml:"pack_args"`
	// Authors is written to every manifest.
	Authors string `yaml:"authors"`
	// Owners is written to every manifest.
	Owners string `yaml:"owners"`
	// Copyright is written to every manifest.
	Copyright string `yaml:"copyright"`
	// DescriptionSuffix is appended to the package id to form the description.
	DescriptionSuffix string `yaml:"description_suffix"`
	// ReportPath, when set, receives a YAML summary of the run.
	ReportPath string `yaml:"report"`
}

const (
	// DefaultConfigFilename is looked up in the working directory when no --config is given.
	DefaultConfigFilename = "nuspec-builder.yaml"

	// DefaultBundleMarker matches the directories holding third-party imports.
	DefaultBundleMarker = "imports"

	// DefaultVCSMarker matches Subversion administrative directories.
	DefaultVCSMarker = ".svn"

	// DefaultMaxDepth bounds recursion so directory cycles cannot hang a run.
	DefaultMaxDepth = 64

	// DefaultConcurrency keeps a single packaging process running at a time.
	DefaultConcurrency = 1

	// DefaultAuthors is the manifest authors value.
	DefaultAuthors = "CSS Applications"

	// DefaultOwners is the manifest owners value.
	DefaultOwners = "NICE Systems"

	// DefaultCopyright is the manifest copyright value.
	DefaultCopyright = "Copyright © 2016 NICE Systems, All rights reserved"

	// DefaultDescriptionSuffix follows the package id in the manifest description.
	DefaultDescriptionSuffix = " NuGet package"

	// DefaultFilePermissions is used for the config file and the run report.
	DefaultFilePermissions = 0o600
)

// ErrInvalid wraps every validation failure so callers can map it to an exit code.
var ErrInvalid = errors.New("invalid configuration")

var (
	errConfigIsNotSet = errors.New("configuration is not set")
	errInputRequired  = fmt.Errorf("%w: input directory must be provided", ErrInvalid)
	errOutputRequired = fmt.Errorf("%w: output directory must be provided", ErrInvalid)
	errToolRequired   = fmt.Errorf("%w: packaging tool must be provided", ErrInvalid)
	errBadConcurrency = fmt.Errorf("%w: concurrency must be positive", ErrInvalid)
	errBadMaxDepth    = fmt.Errorf("%w: max depth must be positive", ErrInvalid)
	errBadTimeout     = fmt.Errorf("%w: timeout must not be negative", ErrInvalid)
	errEmptyMarker    = fmt.Errorf("%w: vcs markers must not be empty strings", ErrInvalid)
	errOutputIsInput  = fmt.Errorf("%w: output directory must not be the input directory", ErrInvalid)
)

// Default returns a Config with every optional field set to its default.
func Default() *Config {
	cfg := new(Config)
	applyDefaults(cfg)

	return cfg
}

// Load reads configuration from path. Missing optional fields get their defaults;
// required fields are checked later by Validate, once flags and arguments are applied.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal settings: %w", ErrInvalid, err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Save writes cfg to path in YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults and checks required fields, numeric ranges and glob syntax.
// The packaging tool is not resolved here: a missing executable is a launch failure
// reported per job, after every manifest has been written.
//
//nolint:cyclop // A flat list of checks reads better than split helpers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	applyDefaults(cfg)

	switch {
	case cfg.InputPath == "":
		return errInputRequired
	case cfg.OutputPath == "":
		return errOutputRequired
	case cfg.ToolPath == "":
		return errToolRequired
	case cfg.Concurrency < 1:
		return errBadConcurrency
	case cfg.MaxDepth < 1:
		return errBadMaxDepth
	case cfg.Timeout < 0:
		return errBadTimeout
	}

	if filepath.Clean(cfg.InputPath) == filepath.Clean(cfg.OutputPath) {
		return errOutputIsInput
	}

	for _, marker := range cfg.VCSMarkers {
		if marker == "" {
			return errEmptyMarker
		}
	}

	for _, pattern := range cfg.ExcludeFiles {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("%w: exclude pattern %q: %w", ErrInvalid, pattern, err)
		}
	}

	return nil
}

// applyDefaults sets zero-valued optional fields. A zero Concurrency or MaxDepth
// means "unset"; negative values are left for Validate to reject.
func applyDefaults(cfg *Config) {
	if cfg.BundleMarker == "" {
		cfg.BundleMarker = DefaultBundleMarker
	}

	if cfg.VCSMarkers == nil {
		cfg.VCSMarkers = []string{DefaultVCSMarker}
	}

	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}

	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if cfg.Authors == "" {
		cfg.Authors = DefaultAuthors
	}

	if cfg.Owners == "" {
		cfg.Owners = DefaultOwners
	}

	if cfg.Copyright == "" {
		cfg.Copyright = DefaultCopyright
	}

	if cfg.DescriptionSuffix == "" {
		cfg.DescriptionSuffix = DefaultDescriptionSuffix
	}
}
