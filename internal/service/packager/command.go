package packager

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/oshokin/nuspec-builder/internal/config"
	"github.com/oshokin/nuspec-builder/internal/domain/nuspec"
	"github.com/oshokin/nuspec-builder/internal/logger"
	"github.com/oshokin/nuspec-builder/internal/repository/manifest"
	"github.com/oshokin/nuspec-builder/internal/service/discovery"
	"github.com/oshokin/nuspec-builder/internal/service/packer"
	"github.com/oshokin/nuspec-builder/internal/service/versioninfo"
)

// Options contains inputs for the pipeline entry point.
type Options struct {
	// Config holds the merged settings; it is validated by Run.
	Config *config.Config
	// DryRun writes manifests without invoking the packaging tool.
	DryRun bool
	// Fs is the filesystem walked and written to, the OS filesystem when nil.
	Fs afero.Fs
	// VersionReader reads product versions of binaries, the PE reader when nil.
	VersionReader versioninfo.Reader
	// OnTransition observes packaging job state changes.
	OnTransition func(job packer.Job)
}

// UnitStatus is the manifest generation outcome of a unit.
type UnitStatus string

const (
	// UnitBuilt means the manifest was written and queued for packing.
	UnitBuilt UnitStatus = "built"
	// UnitSkipped means another unit already produced a manifest with the same id.
	UnitSkipped UnitStatus = "skipped"
	// UnitFailed means the unit could not be scanned or its manifest could not be written.
	UnitFailed UnitStatus = "failed"
)

// UnitResult describes what happened to one unit.
type UnitResult struct {
	Unit     nuspec.Unit
	Status   UnitStatus
	Version  string
	Files    int
	Manifest string
	Err      error
}

// Result is the outcome of a pipeline run.
type Result struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Bundles    []nuspec.Bundle
	Units      []UnitResult
	// Summary is nil on a dry run or when the run stopped before packing.
	Summary *packer.Summary
}

// ErrPackFailed reports that at least one unit or packaging job did not succeed.
var ErrPackFailed = errors.New("one or more packages failed")

var errOptionsNotSet = errors.New("pipeline options are not set")

// pipeline wires the services of a single run.
type pipeline struct {
	cfg        *config.Config
	fs         afero.Fs
	discoverer *discovery.Discoverer
	heuristic  *versioninfo.Heuristic
	repository manifest.Repository
	defaults   nuspec.MetadataDefaults
}

// Run discovers bundles, writes one manifest per unit and packs the manifests in order.
// The returned Result is never nil, even on error.
func Run(ctx context.Context, opts *Options) (*Result, error) {
	ctx = logger.WithName(ctx, "nuspec-builder")

	result := &Result{StartedAt: time.Now()}
	defer func() {
		result.FinishedAt = time.Now()
	}()

	if opts == nil || opts.Config == nil {
		return result, errOptionsNotSet
	}

	if err := config.Validate(opts.Config); err != nil {
		return result, err
	}

	p, err := newPipeline(opts)
	if err != nil {
		return result, err
	}

	err = p.run(ctx, opts, result)

	result.FinishedAt = time.Now()

	if reportErr := p.writeReport(ctx, opts.DryRun, result); reportErr != nil {
		err = errors.Join(err, reportErr)
	}

	return result, err
}

func newPipeline(opts *Options) (*pipeline, error) {
	cfg := opts.Config

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	reader := opts.VersionReader
	if reader == nil {
		reader = versioninfo.NewPEReader()
	}

	exclude, err := discovery.CompilePatterns(cfg.ExcludeFiles)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	return &pipeline{
		cfg: cfg,
		fs:  fs,
		discoverer: discovery.New(fs,
			discovery.WithBundleMarker(cfg.BundleMarker),
			discovery.WithVCSMarkers(cfg.VCSMarkers...),
			discovery.WithMaxDepth(cfg.MaxDepth),
			discovery.WithExclude(exclude...),
		),
		heuristic:  versioninfo.NewHeuristic(reader),
		repository: manifest.NewFileRepository(fs, cfg.OutputPath),
		defaults: nuspec.MetadataDefaults{
			Authors:           cfg.Authors,
			Owners:            cfg.Owners,
			Copyright:         cfg.Copyright,
			DescriptionSuffix: cfg.DescriptionSuffix,
		},
	}, nil
}

func (p *pipeline) run(ctx context.Context, opts *Options, result *Result) error {
	logger.InfoKV(ctx, "Searching for bundles",
		"input", p.cfg.InputPath, "marker", p.cfg.BundleMarker)

	bundles, err := p.discoverer.DiscoverBundles(ctx, p.cfg.InputPath)
	result.Bundles = bundles

	if err != nil {
		return fmt.Errorf("discover bundles: %w", err)
	}

	records, err := p.buildManifests(ctx, result)
	if err != nil {
		return err
	}

	if opts.DryRun {
		logger.InfoKV(ctx, "Dry run, packaging skipped", "manifests", len(records))
		return unitsErr(result.Units)
	}

	if _, lookErr := exec.LookPath(p.cfg.ToolPath); lookErr != nil {
		logger.Warnf(ctx, "Packaging tool %q not found, every job will be abandoned: %v", p.cfg.ToolPath, lookErr)
	}

	pk := packer.New(&packer.Options{
		ToolPath:     p.cfg.ToolPath,
		Args:         p.cfg.PackArgs,
		Concurrency:  p.cfg.Concurrency,
		Timeout:      p.cfg.Timeout,
		KillOnCancel: p.cfg.KillOnCancel,
		OnTransition: opts.OnTransition,
	})

	result.Summary = pk.PackAll(ctx, records)

	return errors.Join(unitsErr(result.Units), packErr(result.Summary))
}

// buildManifests writes a manifest for every unit of every bundle and returns
// the manifests to pack in discovery order.
func (p *pipeline) buildManifests(ctx context.Context, result *Result) ([]nuspec.Record, error) {
	var (
		records []nuspec.Record
		seen    = make(map[string]string)
	)

	for _, bundle := range result.Bundles {
		for _, root := range bundle.Units {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("build manifests: %w", err)
			}

			unit := nuspec.NewUnit(root)
			unitCtx := logger.WithKV(ctx, "package", unit.ID)

			// Package ids are case-insensitive for the packaging tool.
			key := strings.ToLower(unit.ID)
			if first, ok := seen[key]; ok {
				logger.WarnKV(unitCtx, "Duplicate package id, skipping unit", "path", root, "first", first)
				result.Units = append(result.Units, UnitResult{Unit: unit, Status: UnitSkipped})

				continue
			}

			seen[key] = root

			unitResult := p.buildManifest(unitCtx, unit)
			result.Units = append(result.Units, unitResult)

			if unitResult.Status == UnitBuilt {
				records = append(records, nuspec.Record{ID: unit.ID, Path: unitResult.Manifest})
			}
		}
	}

	logger.InfoKV(ctx, "Manifests generated",
		"bundles", len(result.Bundles), "manifests", len(records), "units", len(result.Units))

	return records, nil
}

func (p *pipeline) buildManifest(ctx context.Context, unit nuspec.Unit) UnitResult {
	res := UnitResult{Unit: unit, Status: UnitFailed}

	files, err := p.discoverer.CollectFiles(ctx, unit.Root)
	if err != nil {
		res.Err = fmt.Errorf("collect files of %s: %w", unit.Root, err)
		logger.ErrorKV(ctx, "Unable to collect unit files", "path", unit.Root, "error", err)

		return res
	}

	res.Files = len(files)
	res.Version = p.heuristic.DeriveVersion(ctx, files)

	if res.Version == "" {
		logger.WarnKV(ctx, "No product version found, manifest version is empty", "path", unit.Root)
	}

	entries, err := nuspec.Entries(unit, files)
	if err != nil {
		res.Err = fmt.Errorf("list files of %s: %w", unit.Root, err)
		logger.ErrorKV(ctx, "Unable to map unit files", "path", unit.Root, "error", err)

		return res
	}

	record, err := p.repository.Save(ctx, nuspec.NewDocument(unit, res.Version, entries, p.defaults))
	if err != nil {
		res.Err = fmt.Errorf("save manifest of %s: %w", unit.ID, err)
		logger.ErrorKV(ctx, "Unable to write manifest", "error", err)

		return res
	}

	res.Status = UnitBuilt
	res.Manifest = record.Path

	logger.InfoKV(ctx, "Manifest written",
		"manifest", record.Path, "version", res.Version, "files", res.Files)

	return res
}

func unitsErr(units []UnitResult) error {
	var errs []error

	for _, unit := range units {
		if unit.Err != nil {
			errs = append(errs, unit.Err)
		}
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrPackFailed, errors.Join(errs...))
}

func packErr(summary *packer.Summary) error {
	err := summary.Err()
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %d of %d jobs did not succeed: %w",
		ErrPackFailed, summary.Total()-summary.Succeeded, summary.Total(), err)
}
