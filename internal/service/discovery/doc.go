// Package discovery locates bundle directories in a working tree and lists
// the files of each packageable unit.
//
// Directories whose name contains a version-control marker are never
// entered. Once such a directory is seen among the children of a directory,
// the remaining siblings are not descended into either; the flag is local to
// each level of the walk.
package discovery
