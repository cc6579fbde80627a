package packager

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/nuspec-builder/internal/config"
	"github.com/oshokin/nuspec-builder/internal/logger"
	"github.com/oshokin/nuspec-builder/internal/repository/manifest"
)

// Report is the YAML summary of a run written to Config.ReportPath.
type Report struct {
	StartedAt  time.Time    `yaml:"started_at"`
	FinishedAt time.Time    `yaml:"finished_at"`
	Input      string       `yaml:"input"`
	Output     string       `yaml:"output"`
	Tool       string       `yaml:"tool"`
	DryRun     bool         `yaml:"dry_run"`
	Units      []UnitReport `yaml:"units"`
	Jobs       []JobReport  `yaml:"jobs,omitempty"`
	Succeeded  int          `yaml:"succeeded"`
	Failed     int          `yaml:"failed"`
	Abandoned  int          `yaml:"abandoned"`
	Cancelled  int          `yaml:"cancelled"`
}

// UnitReport is the manifest generation outcome of a unit.
type UnitReport struct {
	ID       string     `yaml:"id"`
	Path     string     `yaml:"path"`
	Status   UnitStatus `yaml:"status"`
	Version  string     `yaml:"version,omitempty"`
	Files    int        `yaml:"files"`
	Manifest string     `yaml:"manifest,omitempty"`
	Error    string     `yaml:"error,omitempty"`
}

// JobReport is the packaging outcome of a manifest.
type JobReport struct {
	Sequence int    `yaml:"sequence"`
	Package  string `yaml:"package"`
	Manifest string `yaml:"manifest"`
	State    string `yaml:"state"`
	ExitCode int    `yaml:"exit_code"`
	Duration string `yaml:"duration,omitempty"`
	Error    string `yaml:"error,omitempty"`
}

// NewReport flattens result into its serializable form.
func NewReport(cfg *config.Config, dryRun bool, result *Result) *Report {
	report := &Report{
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Input:      cfg.InputPath,
		Output:     cfg.OutputPath,
		Tool:       cfg.ToolPath,
		DryRun:     dryRun,
		Units:      make([]UnitReport, 0, len(result.Units)),
	}

	for _, unit := range result.Units {
		report.Units = append(report.Units, UnitReport{
			ID:       unit.Unit.ID,
			Path:     unit.Unit.Root,
			Status:   unit.Status,
			Version:  unit.Version,
			Files:    unit.Files,
			Manifest: unit.Manifest,
			Error:    errorText(unit.Err),
		})
	}

	if result.Summary == nil {
		return report
	}

	report.Succeeded = result.Summary.Succeeded
	report.Failed = result.Summary.Failed
	report.Abandoned = result.Summary.Abandoned
	report.Cancelled = result.Summary.Cancelled

	for _, job := range result.Summary.Jobs {
		jr := JobReport{
			Sequence: job.Sequence,
			Package:  job.Package,
			Manifest: job.Manifest,
			State:    string(job.State),
			ExitCode: job.ExitCode,
			Error:    errorText(job.Err),
		}

		if d := job.Duration(); d > 0 {
			jr.Duration = d.Round(time.Millisecond).String()
		}

		report.Jobs = append(report.Jobs, jr)
	}

	return report
}

// writeReport saves the run report when a report path is configured.
func (p *pipeline) writeReport(ctx context.Context, dryRun bool, result *Result) error {
	path := p.cfg.ReportPath
	if path == "" {
		return nil
	}

	data, err := yaml.Marshal(NewReport(p.cfg, dryRun, result))
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	path = filepath.Clean(path)

	if err = p.fs.MkdirAll(filepath.Dir(path), manifest.DefaultDirMode); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	if err = afero.WriteFile(p.fs, path, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	logger.InfoKV(ctx, "Report written", "path", path)

	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
