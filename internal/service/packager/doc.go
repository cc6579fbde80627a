// Package packager runs the whole nuspec-builder pipeline.
//
// Run validates the configuration, discovers bundle directories under the input
// tree, writes one .nuspec manifest per unit into the output directory and hands
// the manifests to the packer, which invokes the packaging tool for each of them
// in order. An optional YAML report records the outcome of every unit and job.
package packager
