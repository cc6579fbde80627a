// Package nuspec contains the domain types of the manifest pipeline.
//
// A Bundle is a directory whose children are packageable Units; every Unit
// becomes one Document (a NuGet .nuspec) describing its metadata and the
// source-to-target mapping of its files. Writing a Document yields a Record,
// the unit of work handed to the packaging tool.
package nuspec
