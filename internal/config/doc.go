// Package config defines the settings of a nuspec-builder run and helpers to
// load, validate and save them in YAML format.
//
// Only the input tree, output directory and packaging tool are required;
// everything else falls back to defaults matching the historical behaviour
// (bundle marker "imports", Subversion metadata skipped, one pack at a time).
package config
